package xdispatch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// limiter is a counting permit pool bounding concurrent handler executions.
type limiter struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
}

func newLimiter(permits int) *limiter {
	return &limiter{
		sem:  semaphore.NewWeighted(int64(permits)),
		size: int64(permits),
	}
}

// acquire blocks until a permit is available or ctx is done.
func (l *limiter) acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.active.Add(1)
	return nil
}

func (l *limiter) release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// inUse returns the number of permits currently held.
func (l *limiter) inUse() int { return int(l.active.Load()) }
