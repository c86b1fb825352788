package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/transport/memorybroker"
)

func testConfig() config.ProcessorConfig {
	return config.ProcessorConfig{
		Concurrency:             1,
		CrashBackoffBase:        time.Millisecond,
		CrashBackoffMax:         5 * time.Millisecond,
		CrashBackoffJitter:      time.Millisecond,
		GracefulShutdownTimeout: time.Second,
	}
}

func TestAcquireForInitiator_ReusesReleasedSession(t *testing.T) {
	p := New(memorybroker.New(4), testConfig())

	sess1, release1, err := p.AcquireForInitiator(context.Background())
	require.NoError(t, err)
	release1()

	sess2, release2, err := p.AcquireForInitiator(context.Background())
	require.NoError(t, err)
	defer release2()

	assert.Same(t, sess1, sess2, "a released session should be reused by the next acquire")
}

func TestAcquireForProcessor_NoBackoffOnFirstAttempt(t *testing.T) {
	p := New(memorybroker.New(4), testConfig())

	start := time.Now()
	lease, err := p.AcquireForProcessor(context.Background(), 0)
	require.NoError(t, err)
	defer lease.Close()

	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireForProcessor_BacksOffOnRetry(t *testing.T) {
	p := New(memorybroker.New(4), testConfig())

	start := time.Now()
	lease, err := p.AcquireForProcessor(context.Background(), 1)
	require.NoError(t, err)
	defer lease.Close()

	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)
}

func TestCrashed_RevokesSiblingsSharingTheSameLease(t *testing.T) {
	p := New(memorybroker.New(4), testConfig())

	lease, err := p.AcquireForProcessor(context.Background(), 0)
	require.NoError(t, err)

	assert.True(t, lease.IsStillActive(context.Background()))
	lease.Crashed(context.Background())
	assert.False(t, lease.IsStillActive(context.Background()))
}

func TestCrashed_IsIdempotent(t *testing.T) {
	p := New(memorybroker.New(4), testConfig())

	lease, err := p.AcquireForProcessor(context.Background(), 0)
	require.NoError(t, err)

	lease.Crashed(context.Background())
	assert.NotPanics(t, func() { lease.Crashed(context.Background()) })
}

func TestRelease_ClosesInsteadOfPoolingAfterCrash(t *testing.T) {
	p := New(memorybroker.New(4), testConfig())

	sess, release, err := p.AcquireForInitiator(context.Background())
	require.NoError(t, err)

	// Mark the session's group crashed directly to simulate a sibling
	// crash racing with release.
	ls := sess.(*leasedSession)
	ls.group.mu.Lock()
	ls.group.crashed = true
	ls.group.mu.Unlock()

	release()

	p.mu.Lock()
	idleCount := len(p.idle)
	p.mu.Unlock()
	assert.Equal(t, 0, idleCount, "a crashed session must not re-enter the idle pool")
}
