// Package transport defines the broker boundary the runtime is built
// against: Broker, Connection and Session ports. The broker itself is an
// external collaborator — this package only describes the contract;
// concrete adapters live in subpackages (amqpbroker, memorybroker).
package transport

import "context"

// DestinationKind distinguishes point-to-point queue delivery from
// fan-out topic delivery.
type DestinationKind string

const (
	// KindQueue delivers a message to exactly one consumer.
	KindQueue DestinationKind = "queue"

	// KindTopic delivers a message to every current subscriber.
	KindTopic DestinationKind = "topic"
)

// Destination names a broker-addressable target: a stage inbox, a reply
// queue, or a topic.
type Destination struct {
	Kind DestinationKind
	Name string
}

// Message is one broker delivery: the raw envelope bytes plus the
// serialize.Meta needed to decode them, handed to a Session as an opaque
// blob — Session doesn't know about trace.Envelope at all.
type Message struct {
	Body             []byte
	Format           string
	Compression      string
	Persistent       bool
	Priority         uint8
	CorrelationID    string
	ReplyDestination string

	// BytesPayload/StringPayload are the initiator's side-channel named
	// blobs: attached to the outbound message rather than folded into the
	// envelope body, so they never re-encode through the user-DTO
	// serialization path.
	BytesPayload  map[string][]byte
	StringPayload map[string]string
}

// Connection is a single logical connection to the broker, from which
// Sessions (AMQP channels, or their equivalent) are opened. Implementations
// must be safe for concurrent Session creation.
type Connection interface {
	// NewSession opens a new Session bound to this connection.
	NewSession(ctx context.Context) (Session, error)

	// Close tears down the connection and every Session opened from it.
	Close() error
}

// Session is a single-threaded unit of work against the broker: a
// transactional scope plus the ability to send and consume messages. A
// Session must never be used concurrently from more than one goroutine —
// the stage processor pool holds one Session per worker slot.
type Session interface {
	// Send dispatches msg to dest. If a transaction is open (see
	// BeginTransaction), the send is buffered until Commit.
	Send(ctx context.Context, dest Destination, msg Message) error

	// Consume waits for one message on dest, invokes handler with it and
	// returns; callers loop to keep consuming. It returns early with an
	// error when ctx is cancelled or the broker fails, and returns the
	// handler's error if the handler fails.
	Consume(ctx context.Context, dest Destination, handler func(context.Context, Message) error) error

	// BeginTransaction opens a broker-side transaction bracketing the
	// in-flight delivery's acknowledgement and any outgoing Sends, per
	// the coordinator's best-effort one-phase-commit protocol.
	BeginTransaction(ctx context.Context) error

	// Commit commits the open transaction, acknowledging the inbound
	// message and releasing buffered outbound sends atomically from the
	// broker's perspective.
	Commit(ctx context.Context) error

	// Rollback aborts the open transaction: the inbound message is
	// requeued and buffered outbound sends are discarded.
	Rollback(ctx context.Context) error

	// IsStillActive is the coordinator's pre-commit liveness probe: it
	// reports whether the underlying broker connection is still usable.
	// false demands rollback-then-reacquire rather than
	// a commit attempt against a connection that's already gone.
	IsStillActive(ctx context.Context) bool

	// Close releases the session's broker-side resources.
	Close() error
}

// Broker is the top-level entry point applications and cmd/flowmeshd
// construct: it opens Connections and exposes a name for logging/metrics.
type Broker interface {
	// Connect establishes a Connection to the broker.
	Connect(ctx context.Context) (Connection, error)

	// Name identifies the adapter (e.g. "amqp", "memory") for logs and
	// health reporting.
	Name() string
}
