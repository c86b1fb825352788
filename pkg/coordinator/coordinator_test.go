package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/externaltx"
	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/transport"
	"github.com/flowmesh/flowmesh/pkg/transport/memorybroker"
)

// commitFailSession wraps a real session but always fails Commit, so tests
// can exercise the inter-commit failure window without a
// broker that actually drops the connection between steps 5 and 6.
type commitFailSession struct{ transport.Session }

func (commitFailSession) Commit(context.Context) error { return errors.New("broker commit rejected") }

// deadSession wraps a real session but always reports itself inactive, so
// tests can exercise the coordinator's pre-commit liveness probe without a
// broker that actually drops its connection mid-test.
type deadSession struct{ transport.Session }

func (deadSession) IsStillActive(context.Context) bool { return false }

type fakeTx struct {
	committed, rolledBack bool
	commitErr             error
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return t.commitErr }
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

type fakeBridge struct {
	tx      *fakeTx
	beginErr error
}

func (b *fakeBridge) Begin(context.Context) (externaltx.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestExecute_CommitsBothOnSuccess(t *testing.T) {
	b := memorybroker.New(4)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	sess, err := conn.NewSession(context.Background())
	require.NoError(t, err)

	tx := &fakeTx{}
	c := New(&fakeBridge{tx: tx})

	err = c.Execute(context.Background(), sess, func(ctx context.Context) error {
		_, ok := TxFromContext(ctx)
		assert.True(t, ok)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestExecute_RollsBackBothOnHandlerError(t *testing.T) {
	b := memorybroker.New(4)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	sess, err := conn.NewSession(context.Background())
	require.NoError(t, err)

	tx := &fakeTx{}
	c := New(&fakeBridge{tx: tx})

	wantErr := errors.New("handler failed")
	err = c.Execute(context.Background(), sess, func(ctx context.Context) error {
		return wantErr
	})

	require.ErrorIs(t, err, wantErr)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestExecute_NoBridgeSkipsExternalBracketing(t *testing.T) {
	b := memorybroker.New(4)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	sess, err := conn.NewSession(context.Background())
	require.NoError(t, err)

	c := New(nil)

	err = c.Execute(context.Background(), sess, func(ctx context.Context) error {
		_, ok := TxFromContext(ctx)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestExecute_ExternalBeginFailureRollsBackBroker(t *testing.T) {
	b := memorybroker.New(4)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	sess, err := conn.NewSession(context.Background())
	require.NoError(t, err)

	c := New(&fakeBridge{beginErr: errors.New("db down")})

	called := false
	err = c.Execute(context.Background(), sess, func(ctx context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called, "fn must not run if the external transaction never opened")
}

func TestExecute_DeadSessionRollsBackAfterSuccessfulHandler(t *testing.T) {
	b := memorybroker.New(4)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	sess, err := conn.NewSession(context.Background())
	require.NoError(t, err)

	tx := &fakeTx{}
	c := New(&fakeBridge{tx: tx})

	err = c.Execute(context.Background(), deadSession{sess}, func(ctx context.Context) error {
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed, "external resource must not commit once the session is known dead")
}

func TestExecute_BrokerCommitFailsAfterExternalCommit_SurfacesMessageSendError(t *testing.T) {
	b := memorybroker.New(4)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	sess, err := conn.NewSession(context.Background())
	require.NoError(t, err)

	tx := &fakeTx{}
	c := New(&fakeBridge{tx: tx})

	err = c.Execute(context.Background(), commitFailSession{sess}, func(ctx context.Context) error {
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.ErrMessageSend)
	assert.True(t, tx.committed, "the external resource write already landed durably before the broker commit failed")
}

func TestExecute_BrokerCommitFailsWithNoBridge_SurfacesBackendUnavailable(t *testing.T) {
	b := memorybroker.New(4)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	sess, err := conn.NewSession(context.Background())
	require.NoError(t, err)

	c := New(nil)

	err = c.Execute(context.Background(), commitFailSession{sess}, func(ctx context.Context) error {
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, flowerr.ErrMessageSend)
}
