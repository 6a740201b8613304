package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
	"go.uber.org/multierr"
)

// BridgeStats counts traffic crossing a Bridge.
type BridgeStats struct {
	Forwarded      uint64
	ForwardErrors  uint64
	Ingested       uint64
	IngestRejected uint64
}

// Bridge relays envelopes between a Bus and a Broker. Forward pushes local
// envelopes out; Ingest feeds broker messages into the bus. Do not forward and
// ingest the same subject on one bridge or envelopes will loop.
type Bridge struct {
	bus        *Bus
	broker     Broker
	codec      Codec
	logger     *xlog.Logger
	ackTimeout time.Duration
	// overloadBackoff holds a delivery before it is nacked for ErrOverloaded.
	overloadBackoff time.Duration

	mu   sync.Mutex
	subs []Subscription

	forwarded      atomic.Uint64
	forwardErrors  atomic.Uint64
	ingested       atomic.Uint64
	ingestRejected atomic.Uint64
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeCodec selects the wire codec (default: json).
func WithBridgeCodec(c Codec) BridgeOption {
	return func(br *Bridge) {
		if c != nil {
			br.codec = c
		}
	}
}

// WithBridgeLogger overrides the logger (default: the bus logger).
func WithBridgeLogger(l *xlog.Logger) BridgeOption {
	return func(br *Bridge) {
		if l != nil {
			br.logger = l
		}
	}
}

// WithAckTimeout bounds broker Ack/Nack calls (default: 5s).
func WithAckTimeout(d time.Duration) BridgeOption {
	return func(br *Bridge) {
		if d > 0 {
			br.ackTimeout = d
		}
	}
}

// WithOverloadBackoff sets how long Ingest holds a delivery before nacking it
// while the bus is overloaded (default: 100ms). Brokers that redeliver at once
// would otherwise spin on the same message.
func WithOverloadBackoff(d time.Duration) BridgeOption {
	return func(br *Bridge) {
		if d > 0 {
			br.overloadBackoff = d
		}
	}
}

// NewBridge connects bus and broker.
func NewBridge(bus *Bus, broker Broker, opts ...BridgeOption) *Bridge {
	br := &Bridge{
		bus:        bus,
		broker:     broker,
		codec:      JSONCodec{},
		logger:     bus.logger,
		ackTimeout: 5 * time.Second,

		overloadBackoff: 100 * time.Millisecond,
	}
	for _, o := range opts {
		if o != nil {
			o(br)
		}
	}
	return br
}

type forwarder struct {
	br      *Bridge
	subject string
}

func (f *forwarder) Handle(ctx context.Context, env *Envelope) error {
	data, err := EncodeEnvelope(f.br.codec, env)
	if err != nil {
		f.br.forwardErrors.Add(1)
		return err
	}
	if err := f.br.broker.Publish(ctx, f.subject, data); err != nil {
		f.br.forwardErrors.Add(1)
		return fmt.Errorf("xdispatch: forward to %q: %w", f.subject, err)
	}
	f.br.forwarded.Add(1)
	return nil
}

// Forward subscribes a handler on topic that publishes every envelope to the
// broker subject. Broker failures surface as handler errors on the bus.
func (br *Bridge) Forward(topic, subject string) error {
	if subject == "" {
		return ErrInvalidTopic
	}
	return br.bus.Subscribe(topic, &forwarder{br: br, subject: subject})
}

// Ingest subscribes to a broker subject and publishes each decoded envelope
// into the bus on topic. Accepted messages are acked; messages that cannot be
// decoded or are refused by the bus (overload, closed) are nacked so the
// broker can redeliver or dead-letter them.
func (br *Bridge) Ingest(ctx context.Context, subject, group, topic string) error {
	if topic == "" || subject == "" {
		return ErrInvalidTopic
	}
	if err := br.broker.Connect(ctx); err != nil {
		return fmt.Errorf("xdispatch: broker connect: %w", err)
	}
	sub, err := br.broker.Subscribe(ctx, subject, group, func(d Delivery) {
		env, err := DecodeEnvelope(br.codec, d.Data())
		if err != nil {
			br.ingestRejected.Add(1)
			br.settle(ctx, d, err)
			return
		}
		if err := br.bus.Publish(ctx, topic, env); err != nil {
			br.ingestRejected.Add(1)
			if errors.Is(err, ErrOverloaded) {
				br.holdOff(ctx)
			}
			br.settle(ctx, d, err)
			return
		}
		br.ingested.Add(1)
		br.settle(ctx, d, nil)
	})
	if err != nil {
		return err
	}
	br.mu.Lock()
	br.subs = append(br.subs, sub)
	br.mu.Unlock()
	return nil
}

// holdOff pauses the broker worker for the overload backoff or until ctx ends.
func (br *Bridge) holdOff(ctx context.Context) {
	timer := time.NewTimer(br.overloadBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// settle acks (reason == nil) or nacks a delivery within the ack timeout.
func (br *Bridge) settle(ctx context.Context, d Delivery, reason error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), br.ackTimeout)
	defer cancel()

	if reason == nil {
		if err := d.Ack(actx); err != nil {
			br.logger.Warn().Err(err).Str("id", d.ID()).Msg("xdispatch: ack failed")
		}
		return
	}
	br.logger.Warn().Err(reason).Str("id", d.ID()).Msg("xdispatch: ingest rejected")
	if err := d.Nack(actx, reason); err != nil {
		br.logger.Warn().Err(err).Str("id", d.ID()).Msg("xdispatch: nack failed")
	}
}

// Broker returns the broker the bridge relays through.
func (br *Bridge) Broker() Broker { return br.broker }

// Stats returns bridge counters.
func (br *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Forwarded:      br.forwarded.Load(),
		ForwardErrors:  br.forwardErrors.Load(),
		Ingested:       br.ingested.Load(),
		IngestRejected: br.ingestRejected.Load(),
	}
}

// Close stops every ingest subscription. It does not close the broker or the bus.
func (br *Bridge) Close() error {
	br.mu.Lock()
	subs := br.subs
	br.subs = nil
	br.mu.Unlock()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.Close())
	}
	return err
}
