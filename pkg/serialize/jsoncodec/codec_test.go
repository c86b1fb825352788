package jsoncodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/serialize"
	"github.com/flowmesh/flowmesh/pkg/trace"
)

func TestSerializeDeserializeEnvelope_RoundTrip(t *testing.T) {
	c := New(0) // compression disabled
	env := &trace.Envelope{
		TraceID: "t1",
		Trace: trace.Trace{
			TraceID: "t1",
			Stack:   []trace.Call{{Type: trace.CallTypeRequest, To: "inventoryService.checkStock"}},
		},
		Body: []byte(`{"qty":3}`),
	}

	data, meta, err := c.SerializeEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, "json", meta.Format)
	assert.Empty(t, meta.Compression)

	out, err := c.DeserializeEnvelope(data, meta)
	require.NoError(t, err)
	assert.Equal(t, env.TraceID, out.TraceID)
	assert.Equal(t, env.Trace.Stack[0].To, out.Trace.Stack[0].To)
}

func TestSerializeEnvelope_CompressesAboveThreshold(t *testing.T) {
	c := New(16) // tiny threshold, forces compression
	env := &trace.Envelope{
		TraceID: "t1",
		Body:    []byte(strings.Repeat("x", 1024)),
	}

	data, meta, err := c.SerializeEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, "zstd", meta.Compression)

	out, err := c.DeserializeEnvelope(data, meta)
	require.NoError(t, err)
	assert.Equal(t, env.Body, out.Body)
}

func TestSerializeEnvelope_BelowThresholdUncompressed(t *testing.T) {
	c := New(4096)
	env := &trace.Envelope{TraceID: "t1", Body: []byte("short")}

	_, meta, err := c.SerializeEnvelope(env)
	require.NoError(t, err)
	assert.Empty(t, meta.Compression)
}

func TestDeserializeEnvelope_UnsupportedCompression(t *testing.T) {
	c := New(0)
	_, err := c.DeserializeEnvelope([]byte("{}"), serialize.Meta{})
	require.NoError(t, err) // zero-value meta has empty Compression, decodes fine

	_, err = c.DeserializeEnvelope([]byte("{}"), serialize.Meta{Format: "json", Compression: "gzip"})
	require.Error(t, err)
}

func TestSerializeDeserializeObject_RoundTrip(t *testing.T) {
	type state struct {
		Quantity int    `json:"quantity"`
		SKU      string `json:"sku"`
	}

	c := New(0)
	data, err := c.SerializeObject(state{Quantity: 3, SKU: "widget"})
	require.NoError(t, err)

	var out state
	require.NoError(t, c.DeserializeObject(data, &out))
	assert.Equal(t, 3, out.Quantity)
	assert.Equal(t, "widget", out.SKU)
}

func TestNewInstance_ReturnsFreshZeroValue(t *testing.T) {
	type state struct{ Quantity int }

	c := New(0)
	src := &state{Quantity: 7}
	inst := c.NewInstance(src)

	typed, ok := inst.(*state)
	require.True(t, ok)
	assert.Equal(t, 0, typed.Quantity)
}
