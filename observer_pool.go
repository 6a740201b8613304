package xdispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverPool delivers events to observers from a fixed set of goroutines so
// slow observers never stall the dispatch worker. When the buffer is full the
// event is dropped and counted rather than applying backpressure.
type ObserverPool struct {
	eventCh   chan *Event
	workers   int
	logger    *xlog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool creates a pool for async observer notification.
// workers: number of concurrent observer dispatch goroutines (4-16 for typical use)
// bufferSize: capacity of event channel (1000-5000 for burst resilience)
func NewObserverPool(ctx context.Context, workers, bufferSize int, logger *xlog.Logger) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		logger:  logger,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for range workers {
		op.wg.Add(1)
		go op.worker()
	}
	return op
}

// Notify queues an event for the given observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	e.observers = observers

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// drain what is already buffered
			for {
				select {
				case e := <-op.eventCh:
					op.dispatchEvent(e)
				default:
					return
				}
			}
		case e := <-op.eventCh:
			op.dispatchEvent(e)
		}
	}
}

func (op *ObserverPool) dispatchEvent(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs != nil {
			op.safeNotify(obs, *e)
		}
	}
	op.processed.Add(1)
}

func (op *ObserverPool) safeNotify(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil && op.logger != nil {
			op.logger.Warn().Err(fmt.Errorf("observer panic: %v", r)).Msg("xdispatch: observer panic (recovered)")
		}
	}()
	obs.OnEvent(e)
}

// Close stops the workers after they drained buffered events, waiting at most timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
