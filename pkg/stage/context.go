package stage

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/flow"
	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/registry"
	"github.com/flowmesh/flowmesh/pkg/serialize"
	"github.com/flowmesh/flowmesh/pkg/trace"
)

// outgoingKind distinguishes the five dispatch shapes a stage can produce.
type outgoingKind string

const (
	outgoingRequest outgoingKind = "request"
	outgoingReply   outgoingKind = "reply"
	outgoingNext    outgoingKind = "next"
	outgoingSend    outgoingKind = "send"
	outgoingPublish outgoingKind = "publish"
)

// outgoing is one queued dispatch a processContext accumulated during a
// StageHandler invocation, resolved into an actual broker send by the
// worker once the handler returns without error.
type outgoing struct {
	kind  outgoingKind
	to    string
	trace trace.Trace
	body  []byte
}

// processContext is the concrete registry.ProcessContext a Worker hands to
// a StageHandler. It accumulates outgoing actions rather than sending
// immediately, so the worker can apply them all inside the single broker
// (and optional external-resource) transaction the coordinator opened.
type processContext struct {
	serializer serialize.Port
	stageID    string
	nextID     string
	tr         trace.Trace
	input      []byte
	terminal   bool // Reply/Request/Next already called once
	outgoing   []outgoing
}

var _ registry.ProcessContext = (*processContext)(nil)

func newProcessContext(serializer serialize.Port, stageID, nextID string, tr trace.Trace, input []byte) *processContext {
	return &processContext{serializer: serializer, stageID: stageID, nextID: nextID, tr: tr, input: input}
}

func (pc *processContext) Bind(dst any) error {
	if len(pc.input) == 0 {
		return nil
	}
	return pc.serializer.DeserializeObject(pc.input, dst)
}

func (pc *processContext) BindState(dst any) (bool, error) {
	data, ok := pc.tr.CurrentStateData()
	if !ok || len(data) == 0 {
		return false, nil
	}
	if err := pc.serializer.DeserializeObject(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (pc *processContext) StageID() string { return pc.stageID }

func (pc *processContext) TraceID() string { return pc.tr.TraceID }

func (pc *processContext) TraceProperty(name string) ([]byte, bool) {
	if pc.tr.TraceProperties == nil {
		return nil, false
	}
	v, ok := pc.tr.TraceProperties[name]
	return v, ok
}

func (pc *processContext) SetTraceProperty(name string, value []byte) {
	if pc.tr.TraceProperties == nil {
		pc.tr.TraceProperties = make(map[string][]byte)
	}
	pc.tr.TraceProperties[name] = value
}

func (pc *processContext) Request(to string, body, replyState any) error {
	if err := pc.claimTerminal(); err != nil {
		return err
	}
	data, err := pc.serializer.SerializeObject(body)
	if err != nil {
		return err
	}
	replyStateData, err := pc.serializeOptional(replyState)
	if err != nil {
		return err
	}
	corrID := uuid.NewString()
	newTr := flow.Request(pc.tr, pc.stageID, to, pc.nextID, corrID, data, replyStateData, nil)
	pc.outgoing = append(pc.outgoing, outgoing{kind: outgoingRequest, to: to, trace: newTr, body: data})
	return nil
}

func (pc *processContext) Reply(body any) error {
	if err := pc.claimTerminal(); err != nil {
		return err
	}
	data, err := pc.serializer.SerializeObject(body)
	if err != nil {
		return err
	}
	out, replyTo, ok := flow.Reply(pc.tr, pc.stageID, data)
	if !ok {
		// Silent drop per spec: no outstanding caller to reply to.
		return nil
	}
	pc.outgoing = append(pc.outgoing, outgoing{kind: outgoingReply, to: replyTo, trace: out, body: data})
	return nil
}

func (pc *processContext) Next(to string, body, state any) error {
	if err := pc.claimTerminal(); err != nil {
		return err
	}
	data, err := pc.serializer.SerializeObject(body)
	if err != nil {
		return err
	}
	stateData, err := pc.serializeOptional(state)
	if err != nil {
		return err
	}
	out, err := flow.Next(pc.tr, pc.stageID, to, data, stateData)
	if err != nil {
		return err
	}
	pc.outgoing = append(pc.outgoing, outgoing{kind: outgoingNext, to: to, trace: out, body: data})
	return nil
}

func (pc *processContext) Send(to string, body any) error {
	data, err := pc.serializer.SerializeObject(body)
	if err != nil {
		return err
	}
	out := flow.Send(pc.tr, pc.stageID, to, data, nil)
	pc.outgoing = append(pc.outgoing, outgoing{kind: outgoingSend, to: to, trace: out, body: data})
	return nil
}

func (pc *processContext) Publish(to string, body any) error {
	data, err := pc.serializer.SerializeObject(body)
	if err != nil {
		return err
	}
	out := flow.Publish(pc.tr, pc.stageID, to, data, nil)
	pc.outgoing = append(pc.outgoing, outgoing{kind: outgoingPublish, to: to, trace: out, body: data})
	return nil
}

// serializeOptional returns nil bytes (not an empty-but-non-nil slice) for
// a nil v, so flow.Request/Next can tell "no state supplied" apart from
// "serializes to zero bytes".
func (pc *processContext) serializeOptional(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return pc.serializer.SerializeObject(v)
}

// claimTerminal enforces that at most one of Request/Reply/Next is called
// per invocation: a stage either asks a collaborator, answers its caller,
// or advances in place, never more than one.
func (pc *processContext) claimTerminal() error {
	if pc.terminal {
		return fmt.Errorf("%w: stage %q already issued a terminal action this invocation", flowerr.ErrValidation, pc.stageID)
	}
	pc.terminal = true
	return nil
}
