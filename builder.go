package xdispatch

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	cfg         Config
	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
}

// NewBusBuilder returns a new builder with the production defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{cfg: Defaults()}
}

// WithConfig replaces the whole configuration.
func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	bb.cfg = cfg
	return bb
}

// WithConfigMap applies a generic config blob (see ConfigFromMap).
func (bb *BusBuilder) WithConfigMap(m map[string]any) *BusBuilder {
	bb.cfg = ConfigFromMap(m)
	return bb
}

func (bb *BusBuilder) WithQueueCapacity(n int) *BusBuilder {
	bb.cfg.QueueCapacity = n
	return bb
}

func (bb *BusBuilder) WithBackpressureThreshold(n int) *BusBuilder {
	bb.cfg.BackpressureThreshold = n
	return bb
}

func (bb *BusBuilder) WithMaxConcurrentHandlers(n int) *BusBuilder {
	bb.cfg.MaxConcurrentHandlers = n
	return bb
}

// WithObserverPool delivers observer events asynchronously from workers goroutines.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.cfg.ObserverWorkers = workers
	bb.cfg.ObserverBufferSize = bufferSize
	return bb
}

func (bb *BusBuilder) WithObserverCloseTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.cfg.ObserverCloseTimeout = d
	}
	return bb
}

// WithMiddleware wraps every handler execution. Middlewares run outside the
// built-in panic recovery.
func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// Build validates the configuration and returns a stopped Bus.
func (bb *BusBuilder) Build() (*Bus, error) {
	if err := bb.cfg.Validate(); err != nil {
		return nil, err
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := newBus(bb.cfg, clk, lg, bb.middlewares)

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}
	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
