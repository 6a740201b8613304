package redisstream

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xlog"
)

type settings struct {
	builder    *xdispatch.BusBuilder
	bridgeOpts []xdispatch.BridgeOption
	brokerOpts []BrokerOption
	logger     *xlog.Logger
}

// Option configures the bus, broker and bridge built by Use.
type Option func(*settings)

// WithLogger injects a custom xlog logger into the bus and the broker.
func WithLogger(l *xlog.Logger) Option {
	return func(s *settings) {
		s.builder.WithLogger(l)
		s.logger = l
	}
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(s *settings) { s.builder.WithClock(c) }
}

// WithCodec selects the bridge codec (default: json).
func WithCodec(c xdispatch.Codec) Option {
	return func(s *settings) { s.bridgeOpts = append(s.bridgeOpts, xdispatch.WithBridgeCodec(c)) }
}

// WithMiddleware adds handler middlewares.
func WithMiddleware(mw ...xdispatch.Middleware) Option {
	return func(s *settings) { s.builder.WithMiddleware(mw...) }
}

// WithAckTimeout sets the bridge ack/nack timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(s *settings) { s.bridgeOpts = append(s.bridgeOpts, xdispatch.WithAckTimeout(d)) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xdispatch.Observer) Option {
	return func(s *settings) { s.builder.WithObserver(obs...) }
}

// WithBusConfig replaces the bus configuration.
func WithBusConfig(cfg xdispatch.Config) Option {
	return func(s *settings) { s.builder.WithConfig(cfg) }
}

// WithRedisClient shares an existing client with the broker.
func WithRedisClient(c *redis.Client) Option {
	return func(s *settings) { s.brokerOpts = append(s.brokerOpts, WithClient(c)) }
}
