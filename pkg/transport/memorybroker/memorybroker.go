// Package memorybroker is an in-process transport.Broker used for tests and
// for running the runtime without any external broker. It implements the
// same transactional semantics as the AMQP adapter (buffered sends,
// rollback-requeues) over Go channels instead of a wire protocol.
package memorybroker

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/transport"
)

// Broker is a transport.Broker backed by in-process queues and topics.
// The zero value is not usable; construct with New.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]chan transport.Message
	topics   map[string][]chan transport.Message
	queueCap int
}

// New returns a Broker whose queues buffer up to queueCap messages before
// Send blocks. A small positive value is fine for tests; cmd/flowmeshd
// sizes it from config.ProcessorConfig.Concurrency.
func New(queueCap int) *Broker {
	if queueCap <= 0 {
		queueCap = 64
	}
	return &Broker{
		queues:   make(map[string]chan transport.Message),
		topics:   make(map[string][]chan transport.Message),
		queueCap: queueCap,
	}
}

// Name implements transport.Broker.
func (b *Broker) Name() string { return "memory" }

// Connect implements transport.Broker.
func (b *Broker) Connect(_ context.Context) (transport.Connection, error) {
	return &connection{broker: b}, nil
}

// Health implements api.HealthChecker; the in-process broker is always
// reachable once constructed.
func (b *Broker) Health(_ context.Context) error { return nil }

func (b *Broker) queueFor(name string) chan transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan transport.Message, b.queueCap)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) subscribe(topic string) chan transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan transport.Message, b.queueCap)
	b.topics[topic] = append(b.topics[topic], ch)
	return ch
}

func (b *Broker) publish(topic string, msg transport.Message) {
	b.mu.Lock()
	subs := append([]chan transport.Message(nil), b.topics[topic]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default: // slow subscriber drops; topics are best-effort fan-out
		}
	}
}

type connection struct {
	broker *Broker
}

func (c *connection) NewSession(_ context.Context) (transport.Session, error) {
	return &session{broker: c.broker}, nil
}

func (c *connection) Close() error { return nil }

// pendingSend is an outbound message buffered until Commit, per the
// coordinator's best-effort bracketing of broker tx + external resource tx.
type pendingSend struct {
	dest transport.Destination
	msg  transport.Message
}

// pendingAck is an inbound message accepted into the current transaction;
// on Rollback it's put back at the head of its source queue.
type pendingAck struct {
	queueName string
	msg       transport.Message
}

type session struct {
	broker *Broker

	mu       sync.Mutex
	inTx     bool
	sends    []pendingSend
	acks     []pendingAck
	closed   bool
}

func (s *session) Send(_ context.Context, dest transport.Destination, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inTx {
		s.sends = append(s.sends, pendingSend{dest: dest, msg: msg})
		return nil
	}
	return s.deliver(dest, msg)
}

func (s *session) deliver(dest transport.Destination, msg transport.Message) error {
	switch dest.Kind {
	case transport.KindTopic:
		s.broker.publish(dest.Name, msg)
		return nil
	case transport.KindQueue, "":
		select {
		case s.broker.queueFor(dest.Name) <- msg:
			return nil
		default:
			return fmt.Errorf("%w: queue %q is full", flowerr.ErrBackendUnavailable, dest.Name)
		}
	default:
		return fmt.Errorf("%w: unknown destination kind %q", flowerr.ErrValidation, dest.Kind)
	}
}

// Consume waits for a single message on dest and invokes handler with it,
// then returns. Callers loop (see pkg/stage) to keep consuming; this
// mirrors a broker client's poll-one-message primitive rather than
// owning the dispatch loop itself, so the stage processor controls
// concurrency and shutdown.
func (s *session) Consume(ctx context.Context, dest transport.Destination, handler func(context.Context, transport.Message) error) error {
	var ch chan transport.Message
	switch dest.Kind {
	case transport.KindTopic:
		ch = s.broker.subscribe(dest.Name)
	default:
		ch = s.broker.queueFor(dest.Name)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg := <-ch:
		s.mu.Lock()
		inTx := s.inTx
		if inTx {
			s.acks = append(s.acks, pendingAck{queueName: dest.Name, msg: msg})
		}
		s.mu.Unlock()

		if err := handler(ctx, msg); err != nil {
			if !inTx {
				// no transaction: requeue immediately so a retry can occur
				s.broker.queueFor(dest.Name) <- msg
			}
			return err
		}
		return nil
	}
}

func (s *session) BeginTransaction(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = true
	s.sends = nil
	s.acks = nil
	return nil
}

func (s *session) Commit(_ context.Context) error {
	s.mu.Lock()
	sends := s.sends
	s.sends = nil
	s.acks = nil
	s.inTx = false
	s.mu.Unlock()

	for _, p := range sends {
		if err := s.deliver(p.dest, p.msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) Rollback(_ context.Context) error {
	s.mu.Lock()
	acks := s.acks
	s.sends = nil
	s.acks = nil
	s.inTx = false
	s.mu.Unlock()

	for _, p := range acks {
		s.broker.queueFor(p.queueName) <- p.msg
	}
	return nil
}

// IsStillActive implements transport.Session. The in-memory broker never
// loses its backing connection on its own, so this only reflects whether
// the session itself has been explicitly closed.
func (s *session) IsStillActive(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
