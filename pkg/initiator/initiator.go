// Package initiator implements the external entry point for starting a
// flow: send, request, and publish, each wrapped in the same transaction
// bracket a Stage Processor uses for its own receive+process+send cycle.
package initiator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/observability/metrics"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/coordinator"
	"github.com/flowmesh/flowmesh/pkg/flow"
	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/serialize"
	"github.com/flowmesh/flowmesh/pkg/trace"
	"github.com/flowmesh/flowmesh/pkg/transport"
)

// sessionPool is the subset of pkg/pool.Pool the Initiator needs, kept
// narrow so tests can supply a fake without constructing a real pool.
type sessionPool interface {
	AcquireForInitiator(ctx context.Context) (transport.Session, func(), error)
}

// Initiator is a thread-safe, long-lived entry point for starting flows,
// progressing from created to open to closed. Name identifies it in error
// messages and metrics; the envelope's InitiatingApp field is taken from
// the factory configuration's AppName.
type Initiator struct {
	name       string
	pool       sessionPool
	coord      *coordinator.Coordinator
	serializer serialize.Port
	factory    *config.FactoryConfig
	metrics    *metrics.Recorder

	mu     sync.RWMutex
	closed bool
}

// New returns an open Initiator.
func New(name string, pool sessionPool, coord *coordinator.Coordinator, serializer serialize.Port, factory *config.FactoryConfig) *Initiator {
	return &Initiator{name: name, pool: pool, coord: coord, serializer: serializer, factory: factory}
}

// SetMetrics attaches an optional metrics.Recorder; a nil Recorder (the
// default) disables Prometheus recording.
func (i *Initiator) SetMetrics(m *metrics.Recorder) { i.metrics = m }

// Close transitions the Initiator to closed: every subsequent Initiate
// rejects its terminator with flowerr.ErrLifecycle.
func (i *Initiator) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
}

func (i *Initiator) isClosed() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.closed
}

// Initiate starts a one-shot builder for a single initiation.
func (i *Initiator) Initiate() *Builder {
	return &Builder{
		initiator:       i,
		keepMode:        trace.KeepModeFull,
		traceProperties: make(map[string][]byte),
		bytesPayload:    make(map[string][]byte),
		stringPayload:   make(map[string]string),
	}
}

// Builder accumulates the options of one initiation before a terminator
// (Request/Send/Publish) validates and dispatches it.
type Builder struct {
	initiator *Initiator

	traceID       string
	keepMode      trace.KeepMode
	nonPersistent bool
	interactive   bool
	from          string
	to            string

	replyToID     string
	replyState    any
	hasReplyState bool
	replyToSet    bool

	traceProperties map[string][]byte
	bytesPayload    map[string][]byte
	stringPayload   map[string]string
}

// TraceID sets the flow's correlation identifier.
func (b *Builder) TraceID(id string) *Builder { b.traceID = id; return b }

// KeepTrace sets the debug-retention policy.
func (b *Builder) KeepTrace(mode trace.KeepMode) *Builder { b.keepMode = mode; return b }

// NonPersistent hints the broker to skip a durable write for this flow.
func (b *Builder) NonPersistent() *Builder { b.nonPersistent = true; return b }

// Interactive hints the broker to prioritize this flow's messages.
func (b *Builder) Interactive() *Builder { b.interactive = true; return b }

// From sets the logical origin label, surfaced for debugging only.
func (b *Builder) From(id string) *Builder { b.from = id; return b }

// To sets the target endpoint.
func (b *Builder) To(id string) *Builder { b.to = id; return b }

// ReplyTo sets the stage that should receive the eventual REPLY and the
// state it should see restored when it does. Required for Request.
func (b *Builder) ReplyTo(id string, state any) *Builder {
	b.replyToID = id
	b.replyState = state
	b.hasReplyState = state != nil
	b.replyToSet = true
	return b
}

// SetTraceProperty attaches a sticky trace property visible to every hop
// of the flow.
func (b *Builder) SetTraceProperty(key string, value []byte) *Builder {
	b.traceProperties[key] = value
	return b
}

// AddBytes attaches a named binary side-channel payload to the outbound
// message, kept out of the envelope body.
func (b *Builder) AddBytes(key string, value []byte) *Builder {
	b.bytesPayload[key] = value
	return b
}

// AddString attaches a named string side-channel payload to the outbound
// message.
func (b *Builder) AddString(key, value string) *Builder {
	b.stringPayload[key] = value
	return b
}

// Request starts a new call expecting a REPLY. initialTargetState, if
// given (at most one value), seeds the callee's initial state.
func (b *Builder) Request(ctx context.Context, dto any, initialTargetState ...any) error {
	if err := b.validate(true); err != nil {
		return err
	}
	return b.dispatch(ctx, func(tr trace.Trace, body, replyState, initState []byte) trace.Trace {
		corrID := uuid.NewString()
		return flow.Request(tr, b.from, b.to, b.replyToID, corrID, body, replyState, initState)
	}, dto, initialTargetState, false)
}

// Send dispatches a fire-and-forget message. initialTargetState, if
// given, seeds the callee's initial state.
func (b *Builder) Send(ctx context.Context, dto any, initialTargetState ...any) error {
	if err := b.validate(false); err != nil {
		return err
	}
	return b.dispatch(ctx, func(tr trace.Trace, body, _, initState []byte) trace.Trace {
		return flow.Send(tr, b.from, b.to, body, initState)
	}, dto, initialTargetState, false)
}

// Publish broadcasts a fire-and-forget message to a topic.
func (b *Builder) Publish(ctx context.Context, dto any, initialTargetState ...any) error {
	if err := b.validate(false); err != nil {
		return err
	}
	return b.dispatch(ctx, func(tr trace.Trace, body, _, initState []byte) trace.Trace {
		return flow.Publish(tr, b.from, b.to, body, initState)
	}, dto, initialTargetState, true)
}

// validate enforces the required-option sets before any side effect runs:
// request needs traceId/from/to/replyTo; send/publish need traceId/from/to.
func (b *Builder) validate(isRequest bool) error {
	if err := b.validateOptions(isRequest); err != nil {
		b.initiator.metrics.InitiatorValidationFailed(b.initiator.name)
		return err
	}
	return nil
}

func (b *Builder) validateOptions(isRequest bool) error {
	if b.initiator.isClosed() {
		return fmt.Errorf("%w: initiator %q is closed", flowerr.ErrLifecycle, b.initiator.name)
	}
	if b.traceID == "" {
		return fmt.Errorf("%w: traceId is required", flowerr.ErrValidation)
	}
	if b.from == "" {
		return fmt.Errorf("%w: from is required", flowerr.ErrValidation)
	}
	if b.to == "" {
		return fmt.Errorf("%w: to is required", flowerr.ErrValidation)
	}
	if isRequest && !b.replyToSet {
		return fmt.Errorf("%w: replyTo is required for request", flowerr.ErrValidation)
	}
	return nil
}

// dispatch builds the envelope, opens the initiator's session and
// transaction bracket, and sends it.
func (b *Builder) dispatch(ctx context.Context, transition func(tr trace.Trace, body, replyState, initState []byte) trace.Trace, dto any, initialTargetState []any, topic bool) error {
	i := b.initiator

	bodyData, err := i.serializer.SerializeObject(dto)
	if err != nil {
		return err
	}

	var replyStateData []byte
	if b.hasReplyState {
		replyStateData, err = i.serializer.SerializeObject(b.replyState)
		if err != nil {
			return err
		}
	}

	var initStateData []byte
	if len(initialTargetState) > 0 && initialTargetState[0] != nil {
		initStateData, err = i.serializer.SerializeObject(initialTargetState[0])
		if err != nil {
			return err
		}
	}

	tr := trace.Trace{
		TraceID:         b.traceID,
		KeepMode:        b.keepMode,
		NonPersistent:   b.nonPersistent,
		Interactive:     b.interactive,
		TraceProperties: b.traceProperties,
	}
	out := transition(tr, bodyData, replyStateData, initStateData)

	env := &trace.Envelope{
		TraceID:       out.TraceID,
		Trace:         out,
		Body:          bodyData,
		MessageID:     uuid.NewString(),
		InitiatingApp: i.factory.AppName,
	}

	wireData, meta, err := i.serializer.SerializeEnvelope(env)
	if err != nil {
		return err
	}

	session, release, err := i.pool.AcquireForInitiator(ctx)
	if err != nil {
		return err
	}
	defer release()

	dest := destination(i.factory.MatsDestinationPrefix, b.to, topic)
	msg := transport.Message{
		Body:          wireData,
		Format:        meta.Format,
		Compression:   meta.Compression,
		Persistent:    !b.nonPersistent,
		BytesPayload:  b.bytesPayload,
		StringPayload: b.stringPayload,
	}
	if b.interactive {
		msg.Priority = 9
	}

	return i.coord.Execute(ctx, session, func(cctx context.Context) error {
		if err := session.Send(cctx, dest, msg); err != nil {
			return fmt.Errorf("%w: %v", flowerr.ErrMessageSend, err)
		}
		return nil
	})
}

func destination(prefix, id string, topic bool) transport.Destination {
	kind := transport.KindQueue
	if topic {
		kind = transport.KindTopic
	}
	return transport.Destination{Kind: kind, Name: prefix + id}
}
