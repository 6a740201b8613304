package xdispatch

import (
	"context"
	"sync/atomic"
)

// entry is a queued (topic, envelope) pair.
type entry struct {
	topic string
	env   *Envelope
}

// dispatchQueue is a capacity-bounded FIFO drained by the single bus worker.
type dispatchQueue struct {
	ch chan entry
	// unfinished counts entries enqueued but not yet dispatched.
	unfinished atomic.Int64
}

func newDispatchQueue(capacity int) *dispatchQueue {
	return &dispatchQueue{ch: make(chan entry, capacity)}
}

func (q *dispatchQueue) depth() int    { return len(q.ch) }
func (q *dispatchQueue) capacity() int { return cap(q.ch) }

// put enqueues e, suspending while the queue is at hard capacity.
func (q *dispatchQueue) put(ctx context.Context, e entry) error {
	q.unfinished.Add(1)
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		q.unfinished.Add(-1)
		return ctx.Err()
	}
}

// tryPut enqueues e without suspending.
func (q *dispatchQueue) tryPut(e entry) error {
	q.unfinished.Add(1)
	select {
	case q.ch <- e:
		return nil
	default:
		q.unfinished.Add(-1)
		return ErrQueueFull
	}
}

// done marks one dequeued entry as dispatched.
func (q *dispatchQueue) done() { q.unfinished.Add(-1) }

func (q *dispatchQueue) pending() int64 { return q.unfinished.Load() }
