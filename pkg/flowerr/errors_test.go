package flowerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation not retryable", fmt.Errorf("bad envelope: %w", ErrValidation), false},
		{"backend unavailable is retryable", fmt.Errorf("dial failed: %w", ErrBackendUnavailable), true},
		{"serialization is retryable", fmt.Errorf("decode failed: %w", ErrSerialization), true},
		{"plain error is retryable", errors.New("boom"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StageRetry(tc.err))
		})
	}
}

func TestSentinelsDistinguishable(t *testing.T) {
	wrapped := fmt.Errorf("wrapping: %w", ErrMessageSend)
	assert.True(t, errors.Is(wrapped, ErrMessageSend))
	assert.False(t, errors.Is(wrapped, ErrBackendUnavailable))
}
