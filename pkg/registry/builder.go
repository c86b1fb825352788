package registry

import (
	"fmt"

	"github.com/flowmesh/flowmesh/pkg/flowerr"
)

// EndpointBuilder accumulates Stages for an Endpoint before it is sealed:
// an unsealed endpoint is created, stages are added in order, and
// FinishSetup seals it. Starting the sealed endpoint lives in the runtime
// factory (pkg/runtime), which is the component with the lifecycle and
// processor pool to start; this builder only produces the sealed
// *Endpoint value the factory then Registers.
type EndpointBuilder struct {
	id     string
	stages []Stage
}

// Staged begins an unsealed, multi-stage endpoint definition.
func Staged(endpointID string) *EndpointBuilder {
	return &EndpointBuilder{id: endpointID}
}

// Stage appends the next stage's handler, computing its id so that stage
// 0 shares the endpoint id and stage i>0 is "endpointId.i".
func (b *EndpointBuilder) Stage(handler StageHandler) *EndpointBuilder {
	idx := len(b.stages)
	id := b.id
	if idx > 0 {
		id = fmt.Sprintf("%s.%d", b.id, idx)
	}
	b.stages = append(b.stages, Stage{ID: id, Index: idx, Handler: handler})
	return b
}

// WithConcurrency overrides the worker-slot count of the most recently
// added stage.
func (b *EndpointBuilder) WithConcurrency(n int) *EndpointBuilder {
	if len(b.stages) > 0 {
		b.stages[len(b.stages)-1].Concurrency = n
	}
	return b
}

// FinishSetup seals the endpoint: it links each stage's NextID to its
// successor and returns the immutable *Endpoint ready for Register.
func (b *EndpointBuilder) FinishSetup() (*Endpoint, error) {
	if b.id == "" {
		return nil, fmt.Errorf("%w: endpoint id must not be empty", flowerr.ErrValidation)
	}
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("%w: endpoint %q has no stages", flowerr.ErrValidation, b.id)
	}
	for i := range b.stages {
		if i+1 < len(b.stages) {
			b.stages[i].NextID = b.stages[i+1].ID
		}
	}
	return &Endpoint{ID: b.id, Stages: b.stages}, nil
}

// Single is sugar over Staged for a one-stage request/reply endpoint.
func Single(endpointID string, handler StageHandler) (*Endpoint, error) {
	return Staged(endpointID).Stage(handler).FinishSetup()
}

// Terminator is sugar over Staged for a flow-ending endpoint: same shape
// as Single, distinguished only by convention (the handler is expected to
// never call Request/Next, only Reply/Send/Publish or nothing at all).
func Terminator(endpointID string, handler StageHandler) (*Endpoint, error) {
	return Staged(endpointID).Stage(handler).FinishSetup()
}

// SubscriptionTerminator is sugar over Staged for a terminator bound to a
// topic instead of a queue: an endpoint with exactly one stage bound to a
// topic, concurrency forced to 1.
func SubscriptionTerminator(endpointID string, handler StageHandler) (*Endpoint, error) {
	ep, err := Staged(endpointID).Stage(handler).FinishSetup()
	if err != nil {
		return nil, err
	}
	ep.Stages[0].Topic = true
	ep.Stages[0].Concurrency = 1
	return ep, nil
}
