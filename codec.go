package xdispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec is the Strategy for encoding values crossing the process boundary.
// The bus itself never encodes; bridges and adapters do.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Errorf("xdispatch: cbor decode mode: %w", err))
	}
	return dm
}()

// CBORCodec is a compact binary codec. Untyped maps decode as map[string]any.
type CBORCodec struct{}

func (CBORCodec) Marshal(v any) ([]byte, error)   { return cbor.Marshal(v) }
func (CBORCodec) Unmarshal(b []byte, v any) error { return cborDecMode.Unmarshal(b, v) }
func (CBORCodec) Name() string                    { return "cbor" }

// MsgpackCodec is a compact binary codec. Untyped integers decode as int64 or
// uint64 and untyped floats as float64.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

func (MsgpackCodec) Name() string { return "msgpack" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json":    func() Codec { return JSONCodec{} },
		"cbor":    func() Codec { return CBORCodec{} },
		"msgpack": func() Codec { return MsgpackCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// Decode unmarshals data into a typed value using the provided codec.
func Decode[T any](c Codec, data []byte) (T, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// wireEnvelope is the boundary representation of an Envelope.
type wireEnvelope struct {
	TraceID     string         `json:"trace_id" cbor:"trace_id" msgpack:"trace_id"`
	Timestamp   int64          `json:"ts" cbor:"ts" msgpack:"ts"`
	MessageType string         `json:"type" cbor:"type" msgpack:"type"`
	Payload     map[string]any `json:"payload" cbor:"payload" msgpack:"payload"`
}

// EncodeEnvelope encodes the header and payload of env with c.
func EncodeEnvelope(c Codec, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrInvalidEnvelope
	}
	return c.Marshal(wireEnvelope{
		TraceID:     env.TraceID(),
		Timestamp:   env.Timestamp().UnixNano(),
		MessageType: env.MessageType(),
		Payload:     env.payload.m,
	})
}

// DecodeEnvelope rebuilds an Envelope produced by EncodeEnvelope. The trace id,
// timestamp and message type are preserved.
func DecodeEnvelope(c Codec, data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := c.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("xdispatch: decode envelope (%s): %w", c.Name(), err)
	}
	h := EnvelopeHeader{
		TraceID:     w.TraceID,
		Timestamp:   time.Unix(0, w.Timestamp),
		MessageType: w.MessageType,
	}
	return restoreEnvelope(h, w.Payload), nil
}
