package xdispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.uber.org/multierr"
)

const drainPollInterval = time.Millisecond

// Bus is an in-process publish/subscribe bus. Publishers enqueue envelopes into
// a bounded FIFO queue; a single worker dequeues them in arrival order and fans
// each one out to the topic's handlers, bounded by a permit pool.
type Bus struct {
	cfg         Config
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware

	registry *registry
	queue    *dispatchQueue
	limiter  *limiter
	tracker  *tracker

	lifecycleMu  sync.Mutex
	state        atomic.Int32
	workerCancel context.CancelFunc
	workerDone   chan struct{}

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics   *busMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

// busMetrics uses lock-free atomics for telemetry.
type busMetrics struct {
	published        atomic.Uint64
	rejected         atomic.Uint64
	dispatched       atomic.Uint64
	dropped          atomic.Uint64
	handlerCompleted atomic.Uint64
	handlerErrors    atomic.Uint64
	handlerCanceled  atomic.Uint64
	handlerNs        atomic.Int64
}

func newBus(cfg Config, clock xclock.Clock, logger *xlog.Logger, mws []Middleware) *Bus {
	b := &Bus{
		cfg:         cfg,
		clock:       clock,
		logger:      logger,
		middlewares: mws,
		registry:    newRegistry(),
		queue:       newDispatchQueue(cfg.QueueCapacity),
		limiter:     newLimiter(cfg.MaxConcurrentHandlers),
		tracker:     newTracker(),
		metrics:     &busMetrics{},
	}
	if cfg.ObserverWorkers > 0 {
		b.observerPool = NewObserverPool(context.Background(), cfg.ObserverWorkers, cfg.ObserverBufferSize, logger)
	}
	return b
}

// Subscribe registers h under topic. Registering the same handler twice under
// the same topic is a no-op. Handlers stay registered for the bus lifetime.
func (b *Bus) Subscribe(topic string, h Handler) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if !validHandler(h) {
		return ErrInvalidHandler
	}
	b.registry.add(topic, h)
	return nil
}

// Publish enqueues env for dispatch on topic. It fails fast with ErrOverloaded
// when the queue depth has reached the backpressure threshold, and otherwise
// suspends while the queue is at hard capacity until space frees or ctx ends.
//
// The threshold check and the enqueue are not atomic, so concurrent publishers
// can push the depth slightly past the threshold.
func (b *Bus) Publish(ctx context.Context, topic string, env *Envelope) error {
	if err := b.admit(topic, env); err != nil {
		return err
	}
	if b.overloaded() {
		b.reject(topic, env, ErrOverloaded)
		return ErrOverloaded
	}
	if err := b.queue.put(ctx, entry{topic: topic, env: env}); err != nil {
		return err
	}
	b.metrics.published.Add(1)
	b.notify(envelopeEvent(EventPublished, topic, env))
	return nil
}

// PublishNowait enqueues env without suspending. It returns false when the
// backpressure threshold is reached or the queue is full.
func (b *Bus) PublishNowait(topic string, env *Envelope) bool {
	if err := b.admit(topic, env); err != nil {
		return false
	}
	if b.overloaded() {
		b.reject(topic, env, ErrOverloaded)
		return false
	}
	if err := b.queue.tryPut(entry{topic: topic, env: env}); err != nil {
		b.reject(topic, env, err)
		return false
	}
	b.metrics.published.Add(1)
	b.notify(envelopeEvent(EventPublished, topic, env))
	return true
}

func (b *Bus) admit(topic string, env *Envelope) error {
	switch {
	case b.closed.Load():
		return ErrBusClosed
	case topic == "":
		return ErrInvalidTopic
	case env == nil:
		return ErrInvalidEnvelope
	}
	return nil
}

func (b *Bus) overloaded() bool {
	return b.queue.depth() >= b.cfg.BackpressureThreshold
}

func (b *Bus) reject(topic string, env *Envelope, err error) {
	b.metrics.rejected.Add(1)
	e := envelopeEvent(EventRejected, topic, env)
	e.Err = err
	b.notify(e)
}

// Start launches the dispatch worker. Calling Start on a running bus is a
// no-op. Values carried by ctx are visible to handlers; its cancellation is
// not, use Shutdown to stop the worker.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}
	if State(b.state.Load()) == StateRunning {
		return nil
	}

	base := context.WithoutCancel(ctx)
	wctx, cancel := context.WithCancel(base)
	done := make(chan struct{})
	b.workerCancel = cancel
	b.workerDone = done
	b.state.Store(int32(StateRunning))

	go b.run(wctx, base, done)

	b.notify(Event{Type: EventStarted})
	return nil
}

// run is the single dispatch loop. Only it drains the queue, which gives a
// total order over dispatch starts matching enqueue order.
func (b *Bus) run(ctx, base context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue.ch:
			b.dispatch(base, e)
			b.queue.done()
		}
	}
}

// dispatch starts one tracked execution per handler subscribed to the entry's
// topic. Topics without handlers are dropped.
func (b *Bus) dispatch(base context.Context, e entry) {
	handlers := b.registry.handlers(e.topic)
	if len(handlers) == 0 {
		b.metrics.dropped.Add(1)
		b.notify(envelopeEvent(EventDropped, e.topic, e.env))
		return
	}

	b.metrics.dispatched.Add(1)
	ev := envelopeEvent(EventDispatched, e.topic, e.env)
	ev.Handlers = len(handlers)
	b.notify(ev)

	for _, h := range handlers {
		b.tracker.spawn(base, func(ctx context.Context) {
			b.execute(ctx, e, h)
		})
	}
}

// execute runs one handler under a permit. Its outcome never reaches the
// publisher.
func (b *Bus) execute(ctx context.Context, e entry, h Handler) {
	if err := b.limiter.acquire(ctx); err != nil {
		b.metrics.handlerCanceled.Add(1)
		ev := envelopeEvent(EventHandlerCanceled, e.topic, e.env)
		ev.Err = err
		b.notify(ev)
		return
	}
	defer b.limiter.release()

	wh := Chain(RecoveryMiddleware()(h), b.middlewares...)
	hctx := InjectAll(ctx, e.topic, b.logger, b.clock)

	start := b.clock.Now()
	err := wh.Handle(hctx, e.env)
	duration := b.clock.Since(start)
	b.recordHandlerTime(duration.Nanoseconds())

	ev := envelopeEvent(EventHandlerDone, e.topic, e.env)
	ev.Duration = duration
	switch {
	case err == nil:
		b.metrics.handlerCompleted.Add(1)
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		b.metrics.handlerCanceled.Add(1)
		ev.Type = EventHandlerCanceled
		ev.Err = err
	default:
		b.metrics.handlerErrors.Add(1)
		ev.Type = EventHandlerError
		ev.Err = err
	}
	b.notify(ev)
}

// Shutdown stops the worker, then cancels every in-flight execution and waits
// for all of them. Handler errors are suppressed. Entries still queued stay
// queued and are dispatched if the bus is started again.
//
// Shutdown is idempotent. If ctx ends before every execution has returned,
// Shutdown returns the context error; the bus is stopped either way.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	wasRunning := State(b.state.Load()) == StateRunning
	b.state.Store(int32(StateStopping))

	if b.workerCancel != nil {
		b.workerCancel()
		<-b.workerDone
		b.workerCancel = nil
		b.workerDone = nil
	}

	b.tracker.cancelAll()
	err := b.tracker.wait(ctx)

	b.state.Store(int32(StateStopped))
	if err != nil {
		b.notify(Event{Type: EventError, Err: err})
	}
	if wasRunning {
		b.notify(Event{Type: EventStopped})
	}
	return err
}

// Drain waits until every queued entry has been dispatched and every
// execution has completed. It only makes progress while the bus is running.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if b.queue.pending() == 0 && b.tracker.len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close shuts the bus down for good. Later calls to Publish, Subscribe and
// Start fail with ErrBusClosed.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if err := b.Shutdown(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("xdispatch: shutdown did not complete")
			closeErr = multierr.Append(closeErr, err)
		}
		if b.observerPool != nil {
			if err := b.observerPool.Close(b.cfg.ObserverCloseTimeout); err != nil {
				b.logger.Warn().Err(err).Msg("xdispatch: observer pool shutdown timeout")
				closeErr = multierr.Append(closeErr, err)
			}
		}
	})
	return closeErr
}

// State returns the worker lifecycle state.
func (b *Bus) State() State { return State(b.state.Load()) }

// Depth returns the number of entries currently queued.
func (b *Bus) Depth() int { return b.queue.depth() }

// Config returns the configuration the bus was built with.
func (b *Bus) Config() Config { return b.cfg }

// Topics returns the topics that have at least one handler, sorted.
func (b *Bus) Topics() []string { return b.registry.topicNames() }

// Subscribers returns the number of handlers registered under topic.
func (b *Bus) Subscribers(topic string) int { return b.registry.count(topic) }

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:        b.metrics.published.Load(),
		Rejected:         b.metrics.rejected.Load(),
		Dispatched:       b.metrics.dispatched.Load(),
		Dropped:          b.metrics.dropped.Load(),
		HandlerCompleted: b.metrics.handlerCompleted.Load(),
		HandlerErrors:    b.metrics.handlerErrors.Load(),
		HandlerCanceled:  b.metrics.handlerCanceled.Load(),
		QueueDepth:       b.queue.depth(),
		QueueCapacity:    b.queue.capacity(),
		InFlight:         b.tracker.len(),
		PermitsInUse:     b.limiter.inUse(),
		AvgHandlerTimeMs: float64(b.metrics.handlerNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports bus health for probes. A stopped bus is unhealthy; a bus at
// its backpressure threshold or with a handler error rate above 5% is degraded.
func (b *Bus) Health(_ context.Context) HealthStatus {
	st := b.State()
	hs := HealthStatus{Status: "healthy", State: st, Timestamp: b.clock.Now()}
	if b.closed.Load() {
		hs.Status, hs.Message = "unhealthy", "bus is closed"
		return hs
	}

	hs.Metrics = b.GetMetrics()
	if st != StateRunning {
		hs.Status, hs.Message = "unhealthy", "dispatch worker is "+st.String()
		return hs
	}
	if b.overloaded() {
		hs.Status, hs.Message = "degraded", "backpressure threshold reached"
		return hs
	}
	handled := hs.Metrics.HandlerCompleted + hs.Metrics.HandlerErrors
	if handled > 0 && float64(hs.Metrics.HandlerErrors)/float64(handled) > 0.05 {
		hs.Status, hs.Message = "degraded", "handler error rate above 5%"
	}
	return hs
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer previously added. Observers with a
// non-comparable value cannot be removed.
func (b *Bus) RemoveObserver(obs Observer) {
	if !comparableValue(obs) {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if comparableValue(o) && o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// notify hands e to the observers, through the pool when one is configured.
func (b *Bus) notify(e Event) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		b.observerPool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordHandlerTime keeps an exponential moving average of handler time.
func (b *Bus) recordHandlerTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.handlerNs.Load()
	if current == 0 {
		b.metrics.handlerNs.Store(ns)
		return
	}
	b.metrics.handlerNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
