// Package trace defines the wire-level message model: the Envelope that
// rides on every broker message, the Call stack that records where a flow
// has been and where it's going, and the State frames carried alongside it.
//
// These types are pure data — no I/O, no locking. Serialization lives in
// pkg/serialize; flow transitions live in pkg/flow.
package trace

import "time"

// CallType identifies the messaging pattern used for one hop of a flow.
type CallType string

const (
	// CallTypeRequest pushes a new Call onto the stack and expects a
	// REPLY back once the target stage (and everything it requests)
	// concludes.
	CallTypeRequest CallType = "REQUEST"

	// CallTypeReply pops the top Call off the stack and resumes the
	// caller recorded there.
	CallTypeReply CallType = "REPLY"

	// CallTypeNext replaces the top Call in place: same stack depth, new
	// stage, used for sequential same-endpoint steps.
	CallTypeNext CallType = "NEXT"

	// CallTypeSend is a fire-and-forget dispatch to a named destination;
	// the stack is carried through unchanged but no reply is expected.
	CallTypeSend CallType = "SEND"

	// CallTypePublish is a fire-and-forget broadcast to a topic; like
	// SEND but delivered to every current subscriber instead of one
	// consumer.
	CallTypePublish CallType = "PUBLISH"
)

// KeepMode controls how much history flow.Prune retains on a completed
// Call frame once it's no longer needed for REPLY routing.
type KeepMode string

const (
	// KeepModeFull retains the call stack and all state frames exactly
	// as produced — useful for debugging and audit trails.
	KeepModeFull KeepMode = "FULL"

	// KeepModeCompact drops state frames that are no longer reachable
	// from the current stack depth but keeps the call stack itself for
	// traceability.
	KeepModeCompact KeepMode = "COMPACT"

	// KeepModeMinimal drops unreachable state and collapses CallFlow to
	// its most recent entry; the live Stack is left intact.
	KeepModeMinimal KeepMode = "MINIMAL"
)

// Call is one hop of a flow: the stage that sent it, the stage it's headed
// to, and the reply-to destination it expects a REPLY to land on. The same
// shape serves two purposes in Trace: a live return-address stack frame
// (Trace.Stack) and an append-only history entry (Trace.CallFlow).
type Call struct {
	Type CallType `json:"t"`

	// From is the stage (endpoint.stage) that issued this call.
	From string `json:"f,omitempty"`

	// To is the destination this hop is addressed to.
	To string `json:"to"`

	// ReplyTo is the destination a REPLY to this call should be sent to.
	// Empty for SEND/PUBLISH, which never expect a reply.
	ReplyTo string `json:"r,omitempty"`

	// CorrelationID links a REQUEST to its eventual REPLY within a
	// single endpoint across restarts; generated fresh for each call.
	CorrelationID string `json:"cid,omitempty"`

	// Timestamp records when this hop was appended.
	Timestamp time.Time `json:"ts"`

	// Data is the serialized body carried at this hop, opaque to the
	// runtime. Only meaningful on Trace.CallFlow entries: flow.Prune
	// nulls it on every entry but the most recent one under COMPACT, and
	// KeepModeMinimal collapses CallFlow to just that one entry.
	Data []byte `json:"data,omitempty"`
}

// StateFrame carries the per-stage state object pushed by a REQUEST, NEXT
// or SEND/PUBLISH initial state, keyed by the call-stack depth ("height")
// it applies to: a (height, opaque-state) pair.
type StateFrame struct {
	// Height is the call-stack depth (len(Trace.Stack) at the receiving
	// stage's invocation) this frame applies to.
	Height int `json:"height"`

	// Data is the serialized state DTO, opaque to the runtime. Encoding
	// is chosen by the configured serialize.Port.
	Data []byte `json:"data"`
}

// Trace is a flow's live call stack (return addresses, deepest last) plus
// the State frames pushed alongside REQUEST/NEXT/SEND transitions, and the
// append-only CallFlow history of every hop the flow has taken so far.
type Trace struct {
	TraceID string `json:"trace_id"`

	// Stack is the live return-address stack REPLY pops and NEXT
	// replaces in place. It drives routing only; it is never pruned.
	Stack []Call `json:"stack"`

	// CallFlow is the append-only audit history: one entry is appended
	// for every REQUEST/REPLY/NEXT/SEND/PUBLISH, oldest first, and
	// entries are never removed or rewritten in place. flow.Prune may
	// null an entry's Data or collapse the slice down to its most recent
	// entry depending on KeepMode, but never shrinks Stack.
	CallFlow []Call `json:"call_flow,omitempty"`

	State []StateFrame `json:"state,omitempty"`

	// KeepMode controls pruning behavior for this flow: keep full
	// history, compact it, or minimize it as calls complete.
	KeepMode KeepMode `json:"keep_mode,omitempty"`

	// NonPersistent hints the broker to skip a durable write for every
	// hop of this flow; propagated end-to-end by flow.* and echoed onto
	// every outbound transport.Message.
	NonPersistent bool `json:"non_persistent,omitempty"`

	// Interactive is the broker priority hint, propagated end-to-end
	// alongside NonPersistent.
	Interactive bool `json:"interactive,omitempty"`

	// TraceProperties is the sticky name->opaque-value mapping set once
	// and readable at every subsequent hop: every hop reads all, writes
	// sticky.
	TraceProperties map[string][]byte `json:"trace_properties,omitempty"`

	// DebugInfo carries optional human-readable breadcrumbs (initiating
	// app, host) that KeepModeCompact/Minimal still retain unless the
	// caller strips them explicitly.
	DebugInfo map[string]string `json:"debug_info,omitempty"`
}

// CurrentCall returns the top-of-stack Call, or the zero value and false if
// the stack is empty (a REPLY with no outstanding request — the silent-drop
// case flow.Reply handles).
func (t *Trace) CurrentCall() (Call, bool) {
	if len(t.Stack) == 0 {
		return Call{}, false
	}
	return t.Stack[len(t.Stack)-1], true
}

// Depth returns the current call-stack depth.
func (t *Trace) Depth() int {
	return len(t.Stack)
}

// CurrentStateData returns the most recently appended state frame whose
// Height equals the trace's current depth — the "current state" a stage
// receiving this trace should see. ok is false if no such frame exists, in
// which case the caller must construct a fresh empty state.
func (t *Trace) CurrentStateData() (data []byte, ok bool) {
	depth := len(t.Stack)
	for i := len(t.State) - 1; i >= 0; i-- {
		if t.State[i].Height == depth {
			return t.State[i].Data, true
		}
	}
	return nil, false
}

// Envelope is the complete message payload exchanged over the broker: the
// Trace plus the application-level message body and routing metadata.
type Envelope struct {
	// TraceID is duplicated from Trace for quick access without
	// deserializing the whole trace (e.g. for logging).
	TraceID string `json:"mats:trace:id"`

	// Trace carries the call stack and state frames.
	Trace Trace `json:"mats:trace"`

	// Body is the serialized DTO the target stage receives as input.
	Body []byte `json:"body"`

	// MessageID uniquely identifies this physical broker message,
	// distinct from TraceID which spans the whole flow.
	MessageID string `json:"message_id"`

	// SentTimestamp records when this envelope was handed to the broker.
	SentTimestamp time.Time `json:"sent_timestamp"`

	// InitiatingApp/InitiatingHost record who started the flow, carried
	// through every hop for observability regardless of KeepMode.
	InitiatingApp  string `json:"initiating_app,omitempty"`
	InitiatingHost string `json:"initiating_host,omitempty"`
}
