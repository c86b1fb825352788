// Package jsoncodec is the reference serialize.Port implementation: JSON
// via goccy/go-json (a drop-in, faster encoding/json), with optional zstd
// compression applied above a configurable size threshold.
package jsoncodec

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/serialize"
	"github.com/flowmesh/flowmesh/pkg/trace"
)

const (
	formatName   = "json"
	codecVersion = 1
)

// Codec is a serialize.Port backed by JSON with optional zstd compression.
// The zero value is not usable; construct with New.
type Codec struct {
	// CompressionThreshold is the minimum encoded size, in bytes, above
	// which SerializeEnvelope compresses the payload. Zero disables
	// compression entirely.
	CompressionThreshold int

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// New returns a Codec that compresses envelopes larger than
// compressionThreshold bytes. Pass 0 to disable compression.
func New(compressionThreshold int) *Codec {
	c := &Codec{CompressionThreshold: compressionThreshold}
	c.encoderPool.New = func() any {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err) // zstd.NewWriter(nil) only fails on bad options, never here
		}
		return enc
	}
	c.decoderPool.New = func() any {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		return dec
	}
	return c
}

// SerializeEnvelope implements serialize.Port.
func (c *Codec) SerializeEnvelope(env *trace.Envelope) ([]byte, serialize.Meta, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, serialize.Meta{}, fmt.Errorf("%w: encoding envelope: %v", flowerr.ErrSerialization, err)
	}

	meta := serialize.Meta{Format: formatName, Version: codecVersion}
	if c.CompressionThreshold <= 0 || len(raw) <= c.CompressionThreshold {
		return raw, meta, nil
	}

	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	if _, err := enc.Write(raw); err != nil {
		return nil, serialize.Meta{}, fmt.Errorf("%w: compressing envelope: %v", flowerr.ErrSerialization, err)
	}
	if err := enc.Close(); err != nil {
		return nil, serialize.Meta{}, fmt.Errorf("%w: flushing compressor: %v", flowerr.ErrSerialization, err)
	}

	meta.Compression = "zstd"
	return buf.Bytes(), meta, nil
}

// DeserializeEnvelope implements serialize.Port.
func (c *Codec) DeserializeEnvelope(data []byte, meta serialize.Meta) (*trace.Envelope, error) {
	if meta.Format != "" && meta.Format != formatName {
		return nil, fmt.Errorf("%w: unsupported envelope format %q", flowerr.ErrSerialization, meta.Format)
	}

	raw := data
	if meta.Compression == "zstd" {
		dec := c.decoderPool.Get().(*zstd.Decoder)
		defer c.decoderPool.Put(dec)

		if err := dec.Reset(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%w: resetting decompressor: %v", flowerr.ErrSerialization, err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(dec); err != nil {
			return nil, fmt.Errorf("%w: decompressing envelope: %v", flowerr.ErrSerialization, err)
		}
		raw = buf.Bytes()
	} else if meta.Compression != "" {
		return nil, fmt.Errorf("%w: unsupported compression %q", flowerr.ErrSerialization, meta.Compression)
	}

	var env trace.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", flowerr.ErrSerialization, err)
	}
	return &env, nil
}

// SerializeObject implements serialize.Port.
func (c *Codec) SerializeObject(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding object: %v", flowerr.ErrSerialization, err)
	}
	return data, nil
}

// DeserializeObject implements serialize.Port.
func (c *Codec) DeserializeObject(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decoding object: %v", flowerr.ErrSerialization, err)
	}
	return nil
}

// NewInstance implements serialize.Port by reflecting on v's concrete type.
func (c *Codec) NewInstance(v any) any {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}
