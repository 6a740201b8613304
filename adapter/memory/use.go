package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus, an in-memory Broker and a Bridge joining them, and installs
// the bus as the process-wide default. The bus is returned stopped.
//
// Example:
//
//	bus, bridge := memory.Use(memory.Config{
//	    BufferSize:  4096,
//	    Concurrency: 8,
//	},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) (*xdispatch.Bus, *xdispatch.Bridge) {
	s := settings{builder: xdispatch.NewBusBuilder()}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}

	bus, err := s.builder.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	bridge := xdispatch.NewBridge(bus, NewBroker(cfg), s.bridgeOpts...)

	xdispatch.SetDefault(bus)
	return bus, bridge
}

// toMap converts Config to the generic map expected by the broker factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_deliveries":   c.MaxDeliveries,
	}
}

type settings struct {
	builder    *xdispatch.BusBuilder
	bridgeOpts []xdispatch.BridgeOption
}

// Option configures the bus and bridge built by Use.
type Option func(*settings)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(s *settings) { s.builder.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(s *settings) { s.builder.WithClock(c) }
}

// WithCodec selects the bridge codec by name (default: "json").
func WithCodec(name string) Option {
	return func(s *settings) {
		c, err := xdispatch.NewCodec(name)
		if err != nil {
			panic(fmt.Errorf("memory.WithCodec: %w", err))
		}
		s.bridgeOpts = append(s.bridgeOpts, xdispatch.WithBridgeCodec(c))
	}
}

// WithMiddleware adds handler middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xdispatch.Middleware) Option {
	return func(s *settings) { s.builder.WithMiddleware(mw...) }
}

// WithAckTimeout sets the bridge ack/nack timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(s *settings) { s.bridgeOpts = append(s.bridgeOpts, xdispatch.WithAckTimeout(d)) }
}

// WithOverloadBackoff sets how long ingest waits before nacking while the bus
// is overloaded (default: 100ms).
func WithOverloadBackoff(d time.Duration) Option {
	return func(s *settings) { s.bridgeOpts = append(s.bridgeOpts, xdispatch.WithOverloadBackoff(d)) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xdispatch.Observer) Option {
	return func(s *settings) { s.builder.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(s *settings) { s.builder.WithObserverPool(workers, bufferSize) }
}

// WithBusConfig replaces the bus configuration.
func WithBusConfig(cfg xdispatch.Config) Option {
	return func(s *settings) { s.builder.WithConfig(cfg) }
}
