// Package registry holds the Endpoint Registry & Lifecycle component: the
// in-memory map of endpoint-id -> Endpoint definition that the initiator and
// stage processors resolve destinations against, plus the Start/Stop/hold
// lifecycle every endpoint and the factory as a whole goes through.
//
// The map itself follows an RWMutex-guarded-map-with-defensive-copy shape,
// suited to a configuration registry read far more often than written.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/flowmesh/pkg/flowerr"
)

// ProcessContext is the handle a StageHandler uses to read the current
// envelope's input and declare its outgoing action. At most one of
// Request/Reply/Next may be called per invocation (a stage either asks a
// collaborator for something, returns an answer, or advances in place);
// Send/Publish may additionally be called any number of times for
// fire-and-forget side effects.
type ProcessContext interface {
	// Bind deserializes the current call's input body into dst.
	Bind(dst any) error

	// BindState deserializes the current stack depth's visible state
	// frame into dst: the most-recent frame whose height equals the
	// current depth. If no frame applies at this depth, dst is left at
	// its zero value and found is false — the receiver gets a freshly
	// constructed empty state.
	BindState(dst any) (found bool, err error)

	// StageID identifies the endpoint.stage currently executing, for
	// logging and building From fields on outgoing calls.
	StageID() string

	// TraceID returns the flow-wide correlation identifier.
	TraceID() string

	// TraceProperty reads a sticky trace property set by any earlier
	// hop of this flow.
	TraceProperty(name string) ([]byte, bool)

	// SetTraceProperty sets a sticky trace property visible to every
	// subsequent hop of this flow.
	SetTraceProperty(name string, value []byte)

	// Request asks `to` to perform work and suspends this flow until a
	// REPLY comes back to this endpoint's next stage. replyState, if
	// non-nil, is the state that stage sees when that REPLY arrives.
	Request(to string, body, replyState any) error

	// Reply returns body to whoever issued the REQUEST this flow is
	// currently answering. If the call stack is already empty (a
	// top-level SEND), Reply is a silent no-op: there is no caller to
	// notify.
	Reply(body any) error

	// Next advances to another stage of the same endpoint without
	// changing call-stack depth. state, if non-nil, becomes the state
	// the next stage sees.
	Next(to string, body, state any) error

	// Send dispatches a fire-and-forget message to `to`.
	Send(to string, body any) error

	// Publish broadcasts a fire-and-forget message to topic `to`.
	Publish(to string, body any) error
}

// StageHandler implements one step of an endpoint.
type StageHandler func(ctx context.Context, pc ProcessContext) error

// Stage is one named step of an Endpoint's pipeline.
type Stage struct {
	ID      string
	Handler StageHandler

	// Index is this stage's position within its Endpoint's Stages slice:
	// stageId equals endpointId for stage 0, and endpointId + "." + index
	// for subsequent stages.
	Index int

	// NextID is the sibling stage's id a NEXT call advances to, or ""
	// if this is the endpoint's terminal stage.
	NextID string

	// Topic marks a subscription-terminator stage: it receives from a
	// topic instead of a queue, and its concurrency is forced to 1
	// regardless of Concurrency below.
	Topic bool

	// Concurrency overrides the factory-wide default worker-slot count
	// for this stage. Zero means "use the factory default".
	Concurrency int
}

// Endpoint is an ordered sequence of Stages addressed by a single
// destination name; REQUESTs target Endpoint.Stages[0], NEXT calls
// advance through the remaining stages.
type Endpoint struct {
	ID     string
	Stages []Stage
}

// Stage0ID returns the destination id a REQUEST/SEND targeting this
// endpoint is addressed to.
func (e *Endpoint) Stage0ID() string {
	if len(e.Stages) == 0 {
		return e.ID
	}
	return e.Stages[0].ID
}

// Wrapper lets a component (typically a stage processor or initiator)
// expose the concrete implementation underneath a narrower interface, so
// tests and advanced callers can reach it via Unwrap without the core
// packages depending on the concrete type.
type Wrapper interface {
	Unwrap() any
}

// Unwrap repeatedly unwraps x while it implements Wrapper, returning the
// innermost value. Returns x unchanged if it doesn't implement Wrapper.
func Unwrap(x any) any {
	for {
		w, ok := x.(Wrapper)
		if !ok {
			return x
		}
		inner := w.Unwrap()
		if inner == nil || inner == x {
			return x
		}
		x = inner
	}
}

// lifecycleState tracks the registry's own Start/Stop progression: a
// factory or endpoint may be held, started, or stopped; double-Start and
// double-Stop are no-ops, not errors.
type lifecycleState int

const (
	stateHeld lifecycleState = iota
	stateStarted
	stateStopped
)

// Registry is the Endpoint Registry: a concurrency-safe map of endpoint id
// to Endpoint, plus the lifecycle gate that stage processors consult before
// accepting new work.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	state     lifecycleState
}

// New returns an empty Registry in the held state: endpoints may be
// registered before the factory starts accepting traffic.
func New() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Register adds an endpoint definition. Registering an id that already
// exists replaces it; callers needing a run-once definition should check
// Has first.
func (r *Registry) Register(ep *Endpoint) error {
	if ep.ID == "" {
		return fmt.Errorf("%w: endpoint id must not be empty", flowerr.ErrValidation)
	}
	if len(ep.Stages) == 0 {
		return fmt.Errorf("%w: endpoint %q has no stages", flowerr.ErrValidation, ep.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.ID] = ep
	return nil
}

// Get returns the endpoint registered under id.
func (r *Registry) Get(id string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %q", flowerr.ErrNotFound, id)
	}
	return ep, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.endpoints[id]
	return ok
}

// All returns a defensive copy of every registered endpoint.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}

// Start transitions the registry from held to started. It is idempotent:
// calling Start on an already-started registry is a no-op.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateStopped {
		return fmt.Errorf("%w: registry already stopped", flowerr.ErrLifecycle)
	}
	r.state = stateStarted
	return nil
}

// Stop transitions the registry to stopped. Idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateStopped
}

// Accepting reports whether the registry is in the started state; stage
// processors use this to decide whether to claim new work.
func (r *Registry) Accepting() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == stateStarted
}
