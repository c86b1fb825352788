// Package flow implements the pure call-stack transitions that give the
// runtime its service-composition semantics: REQUEST, REPLY, NEXT, SEND and
// PUBLISH. None of these functions perform I/O; they only transform a
// trace.Trace value, so they're exercised directly in unit tests without a
// broker or a stage processor in the loop.
package flow

import (
	"time"

	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/trace"
)

// Request pushes a new Call onto the live stack, addressed to `to`,
// replying to `replyTo` (the calling stage's next-stage id), and appends
// the same hop to CallFlow. replyState, if non-nil, is the state the
// caller wants restored to itself once the eventual REPLY comes back;
// initialTargetState, if non-nil, seeds the callee's state for this fresh
// delivery. body is the serialized request payload, carried on the
// CallFlow entry for audit.
func Request(tr trace.Trace, from, to, replyTo, correlationID string, body, replyState, initialTargetState []byte) trace.Trace {
	call := trace.Call{
		Type:          trace.CallTypeRequest,
		From:          from,
		To:            to,
		ReplyTo:       replyTo,
		CorrelationID: correlationID,
		Timestamp:     now(),
		Data:          body,
	}
	out := cloneTrace(tr)
	out.Stack = append(out.Stack, call)
	out.CallFlow = append(out.CallFlow, call)
	newDepth := len(out.Stack)

	// replyState applies once this call is popped by the matching REPLY,
	// i.e. at depth newDepth-1 — the depth the reply-handling stage will
	// observe.
	if replyState != nil {
		out.State = append(out.State, trace.StateFrame{Height: newDepth - 1, Data: replyState})
	}
	// initialTargetState applies to the callee receiving this call right
	// now, at the pushed depth.
	if initialTargetState != nil {
		out.State = append(out.State, trace.StateFrame{Height: newDepth, Data: initialTargetState})
	}
	return out
}

// Reply pops the top Call off the live stack and returns the destination
// the reply should be sent to, along with the updated trace. The popped
// hop is appended to CallFlow as a REPLY record; the live stack entry
// itself is discarded, since REPLY has no further routing use for it. If
// the stack is empty, ok is false: there is no outstanding caller to
// notify, nothing is emitted to CallFlow, and the caller of Reply must not
// send anything. body is the serialized reply payload, carried on the new
// CallFlow entry.
func Reply(tr trace.Trace, from string, body []byte) (out trace.Trace, replyTo string, ok bool) {
	out = cloneTrace(tr)
	if len(out.Stack) == 0 {
		return out, "", false
	}
	top := out.Stack[len(out.Stack)-1]
	out.Stack = out.Stack[:len(out.Stack)-1]
	out.State = pruneUnreachable(out.State, len(out.Stack))
	out.CallFlow = append(out.CallFlow, trace.Call{
		Type:          trace.CallTypeReply,
		From:          from,
		To:            top.ReplyTo,
		CorrelationID: top.CorrelationID,
		Timestamp:     now(),
		Data:          body,
	})
	return out, top.ReplyTo, top.ReplyTo != ""
}

// Next replaces the top Call on the live stack in place with a new
// destination, preserving stack depth, and appends the same hop to
// CallFlow as a new history entry (CallFlow never overwrites in place,
// even though the live stack does). state, if non-nil, becomes the state
// the next stage sees, applied at the unchanged stack depth. body is the
// serialized payload handed to the next stage, carried on the CallFlow
// entry.
func Next(tr trace.Trace, from, to string, body, state []byte) (trace.Trace, error) {
	out := cloneTrace(tr)
	if len(out.Stack) == 0 {
		return out, flowerr.ErrValidation
	}
	top := out.Stack[len(out.Stack)-1]
	next := trace.Call{
		Type:          trace.CallTypeNext,
		From:          from,
		To:            to,
		ReplyTo:       top.ReplyTo,
		CorrelationID: top.CorrelationID,
		Timestamp:     now(),
		Data:          body,
	}
	out.Stack[len(out.Stack)-1] = next
	out.CallFlow = append(out.CallFlow, next)
	if state != nil {
		out.State = append(out.State, trace.StateFrame{Height: len(out.Stack), Data: state})
	}
	return out, nil
}

// Send produces a fire-and-forget dispatch and appends it to CallFlow; the
// live stack is carried through unchanged: typically empty for a
// top-level initiation, but a mid-flow stage's SEND keeps whatever stack
// it currently has. initialTargetState, if non-nil, seeds the callee's
// state. body is the serialized payload, carried on the CallFlow entry.
func Send(tr trace.Trace, from, to string, body, initialTargetState []byte) trace.Trace {
	out := cloneTrace(tr)
	out.CallFlow = append(out.CallFlow, trace.Call{
		Type:      trace.CallTypeSend,
		From:      from,
		To:        to,
		Timestamp: now(),
		Data:      body,
	})
	if initialTargetState != nil {
		out.State = append(out.State, trace.StateFrame{Height: len(out.Stack), Data: initialTargetState})
	}
	return out
}

// Publish is identical to Send but addressed to a topic destination; the
// destination distinction lives in the transport.Destination the caller
// builds, not here. The CallFlow entry it appends is tagged PUBLISH rather
// than SEND so the audit history still distinguishes the two.
func Publish(tr trace.Trace, from, to string, body, initialTargetState []byte) trace.Trace {
	out := Send(tr, from, to, body, initialTargetState)
	out.CallFlow[len(out.CallFlow)-1].Type = trace.CallTypePublish
	return out
}

// Prune reduces a trace's retained CallFlow and state according to its
// KeepMode. It is idempotent: pruning an already-pruned trace is a no-op.
// It never touches Stack, which drives live routing regardless of
// KeepMode. FULL keeps everything. COMPACT keeps every CallFlow entry but
// nulls Data on every entry except the most recent, and drops State
// frames unreachable from the current stack depth. MINIMAL additionally
// collapses CallFlow down to just its most recent entry. Pruning must not
// change observed state: the current-depth frame, resolved via
// trace.Trace.CurrentStateData, is always among the State frames retained
// here.
func Prune(tr trace.Trace) trace.Trace {
	out := cloneTrace(tr)
	switch out.KeepMode {
	case trace.KeepModeCompact:
		out.State = pruneUnreachable(out.State, len(out.Stack))
		out.CallFlow = nullHistoricalData(out.CallFlow)
	case trace.KeepModeMinimal:
		out.State = pruneUnreachable(out.State, len(out.Stack))
		out.CallFlow = mostRecentOnly(out.CallFlow)
	default: // KeepModeFull or unset
	}
	return out
}

// pruneUnreachable drops every frame whose Height exceeds depth. Frames at
// or below depth remain, including the current-depth frame and every
// outer continuation's frame.
func pruneUnreachable(frames []trace.StateFrame, depth int) []trace.StateFrame {
	out := frames[:0:0]
	for _, f := range frames {
		if f.Height <= depth {
			out = append(out, f)
		}
	}
	return out
}

// nullHistoricalData returns a copy of calls with Data cleared on every
// entry but the last; the most recent hop keeps its payload for audit.
func nullHistoricalData(calls []trace.Call) []trace.Call {
	if len(calls) == 0 {
		return calls
	}
	out := append([]trace.Call(nil), calls...)
	for i := range out[:len(out)-1] {
		out[i].Data = nil
	}
	return out
}

// mostRecentOnly returns a single-entry slice holding just the last call,
// or nil if calls is empty.
func mostRecentOnly(calls []trace.Call) []trace.Call {
	if len(calls) == 0 {
		return calls
	}
	return []trace.Call{calls[len(calls)-1]}
}

func cloneTrace(tr trace.Trace) trace.Trace {
	out := tr
	out.Stack = append([]trace.Call(nil), tr.Stack...)
	out.CallFlow = append([]trace.Call(nil), tr.CallFlow...)
	out.State = append([]trace.StateFrame(nil), tr.State...)
	if tr.TraceProperties != nil {
		out.TraceProperties = make(map[string][]byte, len(tr.TraceProperties))
		for k, v := range tr.TraceProperties {
			out.TraceProperties[k] = v
		}
	}
	return out
}

// now is a seam for deterministic tests; production code always uses the
// wall clock.
var now = time.Now
