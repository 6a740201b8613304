package xdispatch

import (
	"fmt"
	"time"
)

const (
	DefaultQueueCapacity         = 100_000
	DefaultBackpressureThreshold = 80_000
	DefaultMaxConcurrentHandlers = 2048
	defaultObserverCloseTimeout  = 5 * time.Second
)

// Config sizes the dispatch queue, the backpressure threshold and the
// handler permit pool.
type Config struct {
	// QueueCapacity is the hard capacity of the dispatch queue.
	QueueCapacity int
	// BackpressureThreshold is the queue depth at which publishes are refused.
	// Must be below QueueCapacity.
	BackpressureThreshold int
	// MaxConcurrentHandlers bounds simultaneous handler executions.
	MaxConcurrentHandlers int

	// ObserverWorkers enables async observer delivery when > 0.
	ObserverWorkers    int
	ObserverBufferSize int
	// ObserverCloseTimeout bounds observer pool draining on Close.
	ObserverCloseTimeout time.Duration
}

// Defaults returns a Config with the production defaults.
func Defaults() Config {
	return Config{
		QueueCapacity:         DefaultQueueCapacity,
		BackpressureThreshold: DefaultBackpressureThreshold,
		MaxConcurrentHandlers: DefaultMaxConcurrentHandlers,
		ObserverCloseTimeout:  defaultObserverCloseTimeout,
	}
}

// Validate checks the Config for consistency.
func (c Config) Validate() error {
	if c.QueueCapacity < 1 {
		return fmt.Errorf("%w: queue_capacity must be >= 1, got %d", ErrInvalidConfig, c.QueueCapacity)
	}
	if c.BackpressureThreshold < 0 || c.BackpressureThreshold >= c.QueueCapacity {
		return fmt.Errorf("%w: backpressure_threshold must be in [0, %d), got %d",
			ErrInvalidConfig, c.QueueCapacity, c.BackpressureThreshold)
	}
	if c.MaxConcurrentHandlers < 1 {
		return fmt.Errorf("%w: max_concurrent_handlers must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrentHandlers)
	}
	if c.ObserverWorkers < 0 || c.ObserverBufferSize < 0 {
		return fmt.Errorf("%w: observer pool sizes must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ConfigFromMap converts a generic map into a Config, keeping defaults for
// missing or mistyped keys.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := intValue(m["queue_capacity"]); ok {
		c.QueueCapacity = v
	}
	if v, ok := intValue(m["backpressure_threshold"]); ok {
		c.BackpressureThreshold = v
	}
	if v, ok := intValue(m["max_concurrent_handlers"]); ok {
		c.MaxConcurrentHandlers = v
	}
	if v, ok := intValue(m["observer_workers"]); ok {
		c.ObserverWorkers = v
	}
	if v, ok := intValue(m["observer_buffer_size"]); ok {
		c.ObserverBufferSize = v
	}
	switch v := m["observer_close_timeout"].(type) {
	case time.Duration:
		c.ObserverCloseTimeout = v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			c.ObserverCloseTimeout = d
		}
	}
	return c
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
