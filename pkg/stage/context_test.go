package stage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/serialize/jsoncodec"
	"github.com/flowmesh/flowmesh/pkg/trace"
)

type stubState struct {
	Seen int `json:"seen"`
}

func TestBind_DecodesInputBody(t *testing.T) {
	codec := jsoncodec.New(0)
	body, err := codec.SerializeObject(map[string]int{"qty": 3})
	require.NoError(t, err)

	pc := newProcessContext(codec, "svc", "", trace.Trace{}, body)

	var got map[string]int
	require.NoError(t, pc.Bind(&got))
	assert.Equal(t, 3, got["qty"])
}

func TestBindState_NotFoundWhenNoFrameMatchesDepth(t *testing.T) {
	codec := jsoncodec.New(0)
	pc := newProcessContext(codec, "svc", "", trace.Trace{}, nil)

	var state stubState
	found, err := pc.BindState(&state)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBindState_DecodesCurrentDepthFrame(t *testing.T) {
	codec := jsoncodec.New(0)
	data, err := codec.SerializeObject(stubState{Seen: 7})
	require.NoError(t, err)

	tr := trace.Trace{State: []trace.StateFrame{{Height: 0, Data: data}}}
	pc := newProcessContext(codec, "svc", "", tr, nil)

	var state stubState
	found, err := pc.BindState(&state)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 7, state.Seen)
}

func TestRequest_QueuesOutgoingWithBodyAndReplyState(t *testing.T) {
	codec := jsoncodec.New(0)
	pc := newProcessContext(codec, "orderService", "orderService.stage1", trace.Trace{TraceID: "t1"}, nil)

	require.NoError(t, pc.Request("inventoryService", map[string]int{"qty": 2}, stubState{Seen: 10}))

	require.Len(t, pc.outgoing, 1)
	out := pc.outgoing[0]
	assert.Equal(t, outgoingRequest, out.kind)
	assert.Equal(t, "inventoryService", out.to)
	assert.NotEmpty(t, out.body)
	require.Len(t, out.trace.Stack, 1)
	assert.Equal(t, "orderService.stage1", out.trace.Stack[0].ReplyTo)
	require.Len(t, out.trace.CallFlow, 1)
	assert.Equal(t, out.body, out.trace.CallFlow[0].Data)
}

func TestReply_SilentlyDropsWhenStackEmpty(t *testing.T) {
	codec := jsoncodec.New(0)
	pc := newProcessContext(codec, "terminator", "", trace.Trace{}, nil)

	require.NoError(t, pc.Reply(map[string]int{"ok": 1}))
	assert.Empty(t, pc.outgoing, "reply with empty stack must be a no-op, not an error")
}

func TestReply_IsTerminalAndRejectsSecondAction(t *testing.T) {
	codec := jsoncodec.New(0)
	tr := trace.Trace{Stack: []trace.Call{{To: "x", ReplyTo: "caller"}}}
	pc := newProcessContext(codec, "svc", "", tr, nil)

	require.NoError(t, pc.Reply(1))
	err := pc.Send("other", 2)
	// Send is not subject to claimTerminal (fire-and-forget may repeat),
	// but a second Reply/Request/Next must fail.
	require.NoError(t, err)

	err = pc.Reply(3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, flowerr.ErrValidation))
}

func TestNext_CarriesStateToSiblingStage(t *testing.T) {
	codec := jsoncodec.New(0)
	tr := trace.Trace{Stack: []trace.Call{{To: "svc", ReplyTo: "caller"}}}
	pc := newProcessContext(codec, "svc", "", tr, nil)

	require.NoError(t, pc.Next("svc.1", map[string]int{"payload": 4}, stubState{Seen: 3}))

	require.Len(t, pc.outgoing, 1)
	out := pc.outgoing[0]
	assert.Equal(t, outgoingNext, out.kind)
	data, ok := out.trace.CurrentStateData()
	require.True(t, ok)
	var state stubState
	require.NoError(t, codec.DeserializeObject(data, &state))
	assert.Equal(t, 3, state.Seen)
}

func TestSendAndPublish_PreserveStack(t *testing.T) {
	codec := jsoncodec.New(0)
	tr := trace.Trace{Stack: []trace.Call{{To: "x", ReplyTo: "caller"}}}
	pc := newProcessContext(codec, "svc", "", tr, nil)

	require.NoError(t, pc.Send("notify", 1))
	require.NoError(t, pc.Publish("topic.events", 2))

	require.Len(t, pc.outgoing, 2)
	assert.Len(t, pc.outgoing[0].trace.Stack, 1)
	assert.Len(t, pc.outgoing[1].trace.Stack, 1)
}

func TestTraceProperty_StickyRoundTrip(t *testing.T) {
	codec := jsoncodec.New(0)
	pc := newProcessContext(codec, "svc", "", trace.Trace{}, nil)

	_, ok := pc.TraceProperty("region")
	assert.False(t, ok)

	pc.SetTraceProperty("region", []byte("us-east"))
	v, ok := pc.TraceProperty("region")
	require.True(t, ok)
	assert.Equal(t, []byte("us-east"), v)
}
