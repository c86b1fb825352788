// Package serialize defines the encoding boundary between the runtime's
// internal trace.Envelope/DTO model and the bytes that travel over the
// broker. Concrete codecs live in subpackages (pkg/serialize/jsoncodec).
package serialize

import "github.com/flowmesh/flowmesh/pkg/trace"

// Meta describes how a given blob was encoded, carried alongside
// serialized envelopes so a receiver picks the matching decoder even
// across a rolling deploy that mixes codec versions.
type Meta struct {
	// Format names the wire format, e.g. "json".
	Format string

	// Compression names the compression applied on top of Format, or ""
	// if none — applied above a size threshold.
	Compression string

	// Version is the codec's own schema version, bumped on breaking
	// changes to the envelope shape.
	Version int
}

// Port is the serializer boundary a factory is configured with. It
// encodes/decodes both the envelope (trace + routing metadata) and the
// opaque DTO payloads state frames and call bodies carry.
type Port interface {
	// SerializeEnvelope encodes an envelope for wire transmission.
	SerializeEnvelope(env *trace.Envelope) ([]byte, Meta, error)

	// DeserializeEnvelope decodes wire bytes back into an envelope.
	DeserializeEnvelope(data []byte, meta Meta) (*trace.Envelope, error)

	// SerializeObject encodes an arbitrary DTO (state or message body).
	SerializeObject(v any) ([]byte, error)

	// DeserializeObject decodes wire bytes into the DTO pointed to by v.
	DeserializeObject(data []byte, v any) error

	// NewInstance returns a fresh zero-valued pointer of v's own concrete
	// type (with any pointer levels removed), so stage processors can
	// allocate a target DTO without importing the application's types.
	NewInstance(v any) any
}
