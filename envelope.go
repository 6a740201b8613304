package xdispatch

import (
	"encoding/hex"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// DefaultMessageType is used when an envelope is created with an empty type.
const DefaultMessageType = "standard"

// EnvelopeHeader carries correlation and classification data for an Envelope.
type EnvelopeHeader struct {
	TraceID     string
	Timestamp   time.Time
	MessageType string
}

// Equal reports whether both headers carry the same trace id, timestamp and type.
func (h EnvelopeHeader) Equal(o EnvelopeHeader) bool {
	return h.TraceID == o.TraceID && h.MessageType == o.MessageType && h.Timestamp.Equal(o.Timestamp)
}

// Payload is a read-only view over an envelope's data.
type Payload struct {
	m map[string]any
}

// Get returns the value stored under key.
func (p Payload) Get(key string) (any, bool) {
	v, ok := p.m[key]
	return v, ok
}

func (p Payload) Len() int { return len(p.m) }

// Keys returns the payload keys in sorted order.
func (p Payload) Keys() []string {
	return slices.Sorted(maps.Keys(p.m))
}

// All iterates over the payload in unspecified order.
func (p Payload) All() iter.Seq2[string, any] {
	return maps.All(p.m)
}

// Map returns a fresh shallow copy of the payload data.
func (p Payload) Map() map[string]any {
	out := make(map[string]any, len(p.m))
	maps.Copy(out, p.m)
	return out
}

// Envelope is the immutable unit carried through the bus. It is created with
// NewEnvelope and may be shared by any number of concurrent handlers.
type Envelope struct {
	header  EnvelopeHeader
	payload Payload
}

func (e *Envelope) Header() EnvelopeHeader { return e.header }
func (e *Envelope) TraceID() string        { return e.header.TraceID }
func (e *Envelope) Timestamp() time.Time   { return e.header.Timestamp }
func (e *Envelope) MessageType() string    { return e.header.MessageType }
func (e *Envelope) Payload() Payload       { return e.payload }

// EnvelopeOption customizes NewEnvelope.
type EnvelopeOption func(*envelopeOptions)

type envelopeOptions struct {
	traceID string
	clock   xclock.Clock
}

// WithTraceID sets the correlation id instead of generating one.
func WithTraceID(id string) EnvelopeOption {
	return func(o *envelopeOptions) { o.traceID = id }
}

// WithClock sets the clock used to stamp the envelope.
func WithClock(c xclock.Clock) EnvelopeOption {
	return func(o *envelopeOptions) { o.clock = c }
}

// NewEnvelope builds an Envelope. The data map is copied so later changes by
// the caller are not visible through the envelope. The copy is shallow:
// callers must not mutate nested values they hand over.
func NewEnvelope(messageType string, data map[string]any, opts ...EnvelopeOption) *Envelope {
	var o envelopeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.traceID == "" {
		o.traceID = newTraceID()
	}
	if o.clock == nil {
		o.clock = xclock.Default()
	}
	if messageType == "" {
		messageType = DefaultMessageType
	}

	m := make(map[string]any, len(data))
	maps.Copy(m, data)

	return &Envelope{
		header: EnvelopeHeader{
			TraceID:     o.traceID,
			Timestamp:   o.clock.Now(),
			MessageType: messageType,
		},
		payload: Payload{m: m},
	}
}

// restoreEnvelope rebuilds an envelope decoded from the wire, keeping its header.
func restoreEnvelope(h EnvelopeHeader, data map[string]any) *Envelope {
	if h.MessageType == "" {
		h.MessageType = DefaultMessageType
	}
	if h.TraceID == "" {
		h.TraceID = newTraceID()
	}
	m := make(map[string]any, len(data))
	maps.Copy(m, data)
	return &Envelope{header: h, payload: Payload{m: m}}
}

func newTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
