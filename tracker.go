package xdispatch

import (
	"context"
	"sync"
)

// tracker owns the set of in-flight executions. Each execution runs in its own
// goroutine with a cancelable context and removes itself on completion, so
// shutdown can cancel and await exactly the outstanding set.
type tracker struct {
	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]context.CancelFunc
	wg     sync.WaitGroup
}

func newTracker() *tracker {
	return &tracker{tasks: make(map[uint64]context.CancelFunc)}
}

// spawn runs fn in a new tracked goroutine whose context derives from parent.
func (t *tracker) spawn(parent context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.tasks[id] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.tasks, id)
			t.mu.Unlock()
			cancel()
			t.wg.Done()
		}()
		fn(ctx)
	}()
}

// len returns the number of executions that have not completed yet.
func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// cancelAll cancels every execution still tracked.
func (t *tracker) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.tasks {
		cancel()
	}
}

// wait blocks until every tracked execution returned or ctx is done. When ctx
// wins, the helper goroutine blocked on wg.Wait lingers until the remaining
// executions return; it exits on its own and holds nothing else.
func (t *tracker) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
