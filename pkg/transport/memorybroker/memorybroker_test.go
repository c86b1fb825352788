package memorybroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/transport"
)

func newSession(t *testing.T) transport.Session {
	t.Helper()
	b := New(8)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)
	sess, err := conn.NewSession(context.Background())
	require.NoError(t, err)
	return sess
}

func TestSendConsume_Queue(t *testing.T) {
	sess := newSession(t)
	dest := transport.Destination{Kind: transport.KindQueue, Name: "orderService.receive"}

	require.NoError(t, sess.Send(context.Background(), dest, transport.Message{Body: []byte("hello")}))

	var got transport.Message
	err := sess.Consume(context.Background(), dest, func(_ context.Context, m transport.Message) error {
		got = m
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Body)
}

func TestConsume_ContextCancelled(t *testing.T) {
	sess := newSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := sess.Consume(ctx, transport.Destination{Kind: transport.KindQueue, Name: "empty"}, func(_ context.Context, _ transport.Message) error {
		return nil
	})
	require.Error(t, err)
}

func TestTransaction_CommitDeliversBufferedSends(t *testing.T) {
	sess := newSession(t)
	dest := transport.Destination{Kind: transport.KindQueue, Name: "inventoryService.checkStock"}

	require.NoError(t, sess.BeginTransaction(context.Background()))
	require.NoError(t, sess.Send(context.Background(), dest, transport.Message{Body: []byte("buffered")}))

	// Not yet visible: commit hasn't happened.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	err := sess.Consume(ctx, dest, func(_ context.Context, _ transport.Message) error { return nil })
	cancel()
	require.Error(t, err)

	require.NoError(t, sess.Commit(context.Background()))

	var got transport.Message
	err = sess.Consume(context.Background(), dest, func(_ context.Context, m transport.Message) error {
		got = m
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("buffered"), got.Body)
}

func TestTransaction_RollbackDiscardsSendsAndRequeuesAcks(t *testing.T) {
	sess := newSession(t)
	dest := transport.Destination{Kind: transport.KindQueue, Name: "orderService.receive"}

	require.NoError(t, sess.Send(context.Background(), dest, transport.Message{Body: []byte("original")}))

	require.NoError(t, sess.BeginTransaction(context.Background()))
	err := sess.Consume(context.Background(), dest, func(_ context.Context, _ transport.Message) error { return nil })
	require.NoError(t, err)

	require.NoError(t, sess.Send(context.Background(), dest, transport.Message{Body: []byte("should-not-appear")}))
	require.NoError(t, sess.Rollback(context.Background()))

	var got transport.Message
	err = sess.Consume(context.Background(), dest, func(_ context.Context, m transport.Message) error {
		got = m
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got.Body, "rollback should requeue the original message, not deliver the buffered send")
}

func TestPublish_FanOutToAllSubscribers(t *testing.T) {
	b := New(8)
	conn, err := b.Connect(context.Background())
	require.NoError(t, err)

	sess1, err := conn.NewSession(context.Background())
	require.NoError(t, err)
	sess2, err := conn.NewSession(context.Background())
	require.NoError(t, err)

	topic := transport.Destination{Kind: transport.KindTopic, Name: "topic.orderEvents"}

	// Subscribe both sessions before publishing.
	done1 := make(chan transport.Message, 1)
	done2 := make(chan transport.Message, 1)
	go func() {
		_ = sess1.Consume(context.Background(), topic, func(_ context.Context, m transport.Message) error {
			done1 <- m
			return nil
		})
	}()
	go func() {
		_ = sess2.Consume(context.Background(), topic, func(_ context.Context, m transport.Message) error {
			done2 <- m
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond) // let subscriptions register

	pubSess, err := conn.NewSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, pubSess.Send(context.Background(), topic, transport.Message{Body: []byte("broadcast")}))

	select {
	case m := <-done1:
		assert.Equal(t, []byte("broadcast"), m.Body)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 did not receive broadcast")
	}
	select {
	case m := <-done2:
		assert.Equal(t, []byte("broadcast"), m.Body)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 did not receive broadcast")
	}
}
