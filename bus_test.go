package xdispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects payload values seen by its handler.
type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) Handle(_ context.Context, env *Envelope) error {
	v, _ := env.Payload().Get("value")
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func newTestBus(t *testing.T, init func(*BusBuilder)) *Bus {
	t.Helper()
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	b, err := bb.Build()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(16).WithBackpressureThreshold(12)
	})
	rec := &recorder{}
	require.NoError(t, b.Subscribe("topic", rec))
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", map[string]any{"value": 7})))
	drain(t, b)
	require.NoError(t, b.Shutdown(context.Background()))

	assert.Equal(t, []any{7}, rec.snapshot())
}

func TestPublishNowait_ZeroThresholdRejectsEverything(t *testing.T) {
	b := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(2).WithBackpressureThreshold(0)
	})
	var calls atomic.Int64
	require.NoError(t, b.Subscribe("topic", HandleFunc(func(context.Context, *Envelope) error {
		calls.Add(1)
		return nil
	})))
	require.NoError(t, b.Start(context.Background()))

	for i := range 5 {
		assert.False(t, b.PublishNowait("topic", NewEnvelope("event", map[string]any{"i": i})))
	}
	drain(t, b)
	require.NoError(t, b.Shutdown(context.Background()))

	assert.Zero(t, calls.Load())
	assert.Equal(t, uint64(5), b.GetMetrics().Rejected)
}

func TestPublishNowait_RefusesAtThreshold(t *testing.T) {
	b := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(8).WithBackpressureThreshold(3)
	})

	// Not started: entries accumulate.
	for range 3 {
		require.True(t, b.PublishNowait("topic", NewEnvelope("event", nil)))
	}
	assert.Equal(t, 3, b.Depth())
	assert.False(t, b.PublishNowait("topic", NewEnvelope("event", nil)))
	assert.Equal(t, 3, b.Depth())
}

func TestPublish_OverloadedAtThreshold(t *testing.T) {
	b := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(4).WithBackpressureThreshold(2)
	})
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "topic", NewEnvelope("event", nil)))
	require.NoError(t, b.Publish(ctx, "topic", NewEnvelope("event", nil)))
	err := b.Publish(ctx, "topic", NewEnvelope("event", nil))

	require.ErrorIs(t, err, ErrOverloaded)
	assert.Equal(t, 2, b.Depth())
}

func TestPublish_BlocksAtCapacityUntilContextEnds(t *testing.T) {
	b := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(2).WithBackpressureThreshold(1)
	})
	require.NoError(t, b.queue.tryPut(entry{topic: "topic", env: NewEnvelope("event", nil)}))
	require.NoError(t, b.queue.tryPut(entry{topic: "topic", env: NewEnvelope("event", nil)}))
	// Lift the soft limit so the publish reaches the hard capacity.
	b.cfg.BackpressureThreshold = 3

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, "topic", NewEnvelope("event", nil))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(2), b.queue.pending())
	assert.ErrorIs(t, b.queue.tryPut(entry{topic: "topic", env: NewEnvelope("event", nil)}), ErrQueueFull)
}

func TestPublish_ResumesWhenWorkerFreesSpace(t *testing.T) {
	b := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(2).WithBackpressureThreshold(1)
	})
	rec := &recorder{}
	require.NoError(t, b.Subscribe("topic", rec))
	require.NoError(t, b.queue.tryPut(entry{topic: "topic", env: NewEnvelope("event", map[string]any{"value": 1})}))
	require.NoError(t, b.queue.tryPut(entry{topic: "topic", env: NewEnvelope("event", map[string]any{"value": 2})}))
	b.cfg.BackpressureThreshold = 3

	published := make(chan error, 1)
	go func() {
		published <- b.Publish(context.Background(), "topic", NewEnvelope("event", map[string]any{"value": 3}))
	}()

	select {
	case err := <-published:
		t.Fatalf("publish returned before space was freed: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, b.Start(context.Background()))
	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish stayed blocked after the worker dequeued")
	}
	drain(t, b)

	assert.ElementsMatch(t, []any{1, 2, 3}, rec.snapshot())
}

func TestBackpressure_ConcurrentPublishersStayNearThreshold(t *testing.T) {
	const (
		capacity   = 64
		threshold  = 16
		publishers = 8
		attempts   = 20
	)
	b := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(capacity).WithBackpressureThreshold(threshold)
	})

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		refused  atomic.Int64
	)
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range attempts {
				var ok bool
				if p%2 == 0 {
					ok = b.PublishNowait("topic", NewEnvelope("event", nil))
				} else {
					err := b.Publish(context.Background(), "topic", NewEnvelope("event", nil))
					if err != nil {
						assert.ErrorIs(t, err, ErrOverloaded)
					}
					ok = err == nil
				}
				if ok {
					accepted.Add(1)
				} else {
					refused.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	depth := b.Depth()
	assert.GreaterOrEqual(t, depth, threshold)
	assert.LessOrEqual(t, depth, threshold+publishers)
	assert.Less(t, depth, capacity)
	assert.Equal(t, int64(depth), accepted.Load())
	assert.Equal(t, int64(publishers*attempts), accepted.Load()+refused.Load())
}

func TestPublish_ZeroSubscribersIsNotAnError(t *testing.T) {
	b := newTestBus(t, nil)
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "nobody", NewEnvelope("event", nil)))
	drain(t, b)

	m := b.GetMetrics()
	assert.Equal(t, uint64(1), m.Dropped)
	assert.Zero(t, m.Dispatched)
}

func TestPublish_InvalidArguments(t *testing.T) {
	b := newTestBus(t, nil)

	assert.ErrorIs(t, b.Publish(context.Background(), "", NewEnvelope("event", nil)), ErrInvalidTopic)
	assert.ErrorIs(t, b.Publish(context.Background(), "topic", nil), ErrInvalidEnvelope)
	assert.False(t, b.PublishNowait("", NewEnvelope("event", nil)))
}

func TestSubscribe_Idempotent(t *testing.T) {
	b := newTestBus(t, nil)
	rec := &recorder{}

	require.NoError(t, b.Subscribe("topic", rec))
	require.NoError(t, b.Subscribe("topic", rec))
	require.NoError(t, b.Subscribe("other", rec))
	assert.Equal(t, 1, b.Subscribers("topic"))
	assert.Equal(t, []string{"other", "topic"}, b.Topics())

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", map[string]any{"value": 1})))
	drain(t, b)

	assert.Equal(t, []any{1}, rec.snapshot())
}

// valueHandler has a non-comparable dynamic type.
type valueHandler struct{ tags []string }

func (valueHandler) Handle(context.Context, *Envelope) error { return nil }

// boxedHandler has a comparable type but may carry an uncomparable value.
type boxedHandler struct{ tag any }

func (boxedHandler) Handle(context.Context, *Envelope) error { return nil }

func TestSubscribe_RejectsInvalidHandlers(t *testing.T) {
	b := newTestBus(t, nil)
	var nilRec *recorder

	assert.ErrorIs(t, b.Subscribe("topic", nil), ErrInvalidHandler)
	assert.ErrorIs(t, b.Subscribe("topic", nilRec), ErrInvalidHandler)
	assert.ErrorIs(t, b.Subscribe("topic", valueHandler{}), ErrInvalidHandler)
	assert.ErrorIs(t, b.Subscribe("topic", boxedHandler{tag: []int{1}}), ErrInvalidHandler)
	require.NoError(t, b.Subscribe("topic", boxedHandler{tag: "orders"}))
	assert.Equal(t, 1, b.Subscribers("topic"))
	assert.ErrorIs(t, b.Subscribe("", &recorder{}), ErrInvalidTopic)
}

func TestFanOut_EveryHandlerGetsThePayload(t *testing.T) {
	b := newTestBus(t, nil)
	recs := []*recorder{{}, {}, {}}
	for _, r := range recs {
		require.NoError(t, b.Subscribe("topic", r))
	}
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", map[string]any{"value": "x"})))
	drain(t, b)

	for _, r := range recs {
		assert.Equal(t, []any{"x"}, r.snapshot())
	}
	assert.Equal(t, uint64(3), b.GetMetrics().HandlerCompleted)
}

func TestDispatch_StartsInPublishOrder(t *testing.T) {
	b := newTestBus(t, nil)

	var mu sync.Mutex
	var dispatched []string
	b.AddObserver(ObserverFunc(func(e Event) {
		if e.Type == EventDispatched {
			mu.Lock()
			dispatched = append(dispatched, e.TraceID)
			mu.Unlock()
		}
	}))
	require.NoError(t, b.Subscribe("a", &recorder{}))
	require.NoError(t, b.Subscribe("b", &recorder{}))

	const n = 50
	want := make([]string, 0, n)
	for i := range n {
		topic := "a"
		if i%2 == 1 {
			topic = "b"
		}
		env := NewEnvelope("event", map[string]any{"value": i})
		want = append(want, env.TraceID())
		require.NoError(t, b.Publish(context.Background(), topic, env))
	}
	require.NoError(t, b.Start(context.Background()))
	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, dispatched)
}

func TestLimiter_BoundsConcurrency(t *testing.T) {
	const permits = 3
	b := newTestBus(t, func(bb *BusBuilder) { bb.WithMaxConcurrentHandlers(permits) })

	var running, peak atomic.Int64
	require.NoError(t, b.Subscribe("topic", HandleFunc(func(context.Context, *Envelope) error {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	})))
	require.NoError(t, b.Start(context.Background()))

	for range 30 {
		require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", nil)))
	}
	drain(t, b)

	assert.LessOrEqual(t, peak.Load(), int64(permits))
	assert.Equal(t, uint64(30), b.GetMetrics().HandlerCompleted)
	assert.Zero(t, b.GetMetrics().PermitsInUse)
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	b := newTestBus(t, nil)
	rec := &recorder{}
	var events sync.Map

	b.AddObserver(ObserverFunc(func(e Event) {
		if e.Type == EventHandlerError {
			events.Store(e.Err.Error(), e)
		}
	}))
	require.NoError(t, b.Subscribe("topic", HandleFunc(func(context.Context, *Envelope) error {
		return errors.New("boom")
	})))
	require.NoError(t, b.Subscribe("topic", HandleFunc(func(context.Context, *Envelope) error {
		panic("kaboom")
	})))
	require.NoError(t, b.Subscribe("topic", rec))
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", map[string]any{"value": 1})))
	drain(t, b)

	assert.Equal(t, []any{1}, rec.snapshot())
	m := b.GetMetrics()
	assert.Equal(t, uint64(2), m.HandlerErrors)
	assert.Equal(t, uint64(1), m.HandlerCompleted)

	var panicked bool
	events.Range(func(_, v any) bool {
		if errors.Is(v.(Event).Err, ErrHandlerPanic) {
			panicked = true
		}
		return true
	})
	assert.True(t, panicked)
}

func TestShutdown_IdempotentWithoutStart(t *testing.T) {
	b := newTestBus(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx))
	assert.Equal(t, StateStopped, b.State())
}

func TestShutdown_CancelsBlockedExecutions(t *testing.T) {
	b := newTestBus(t, nil)
	started := make(chan struct{})
	var canceled atomic.Bool

	require.NoError(t, b.Subscribe("topic", HandleFunc(func(ctx context.Context, _ *Envelope) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	})))
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", nil)))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	assert.True(t, canceled.Load())
	assert.Equal(t, StateStopped, b.State())
	assert.Zero(t, b.GetMetrics().InFlight)
	assert.Equal(t, uint64(1), b.GetMetrics().HandlerCanceled)
}

func TestShutdown_ReturnsContextErrorForStubbornHandlers(t *testing.T) {
	b := newTestBus(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	defer close(release)

	require.NoError(t, b.Subscribe("topic", HandleFunc(func(context.Context, *Envelope) error {
		close(started)
		<-release
		return nil
	})))
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", nil)))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Shutdown(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, b.State())
}

func TestShutdown_KeepsQueuedEntriesForRestart(t *testing.T) {
	b := newTestBus(t, nil)
	rec := &recorder{}
	require.NoError(t, b.Subscribe("topic", rec))

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Shutdown(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", map[string]any{"value": "queued"})))
	assert.Equal(t, 1, b.Depth())

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, StateRunning, b.State())
	drain(t, b)

	assert.Equal(t, []any{"queued"}, rec.snapshot())
}

func TestStart_Idempotent(t *testing.T) {
	b := newTestBus(t, nil)
	var started atomic.Int64
	b.AddObserver(ObserverFunc(func(e Event) {
		if e.Type == EventStarted {
			started.Add(1)
		}
	}))

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, int64(1), started.Load())
}

func TestStart_HandlersSeeContextValues(t *testing.T) {
	type key struct{}
	b := newTestBus(t, nil)
	got := make(chan any, 1)
	require.NoError(t, b.Subscribe("topic", HandleFunc(func(ctx context.Context, _ *Envelope) error {
		topic, _ := TopicFromContext(ctx)
		_, hasLogger := LoggerFromContext(ctx)
		assert.Equal(t, "topic", topic)
		assert.True(t, hasLogger)
		got <- ctx.Value(key{})
		return nil
	})))

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	require.NoError(t, b.Start(ctx))
	// Canceling the start context does not stop the worker.
	cancel()
	require.NoError(t, b.Publish(context.Background(), "topic", NewEnvelope("event", nil)))

	select {
	case v := <-got:
		assert.Equal(t, "v", v)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestClose_IsPermanent(t *testing.T) {
	b, closeFn, err := New(func(bb *BusBuilder) { bb.WithObserverPool(2, 64) })
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, closeFn())
	require.NoError(t, closeFn())

	assert.ErrorIs(t, b.Publish(context.Background(), "topic", NewEnvelope("event", nil)), ErrBusClosed)
	assert.ErrorIs(t, b.Subscribe("topic", &recorder{}), ErrBusClosed)
	assert.ErrorIs(t, b.Start(context.Background()), ErrBusClosed)
	assert.False(t, b.PublishNowait("topic", NewEnvelope("event", nil)))
	assert.Equal(t, "unhealthy", b.Health(context.Background()).Status)
}

func TestHealth(t *testing.T) {
	b := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(4).WithBackpressureThreshold(1)
	})

	assert.Equal(t, "unhealthy", b.Health(context.Background()).Status)

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, "healthy", b.Health(context.Background()).Status)
}

func TestObservers_AddRemove(t *testing.T) {
	b := newTestBus(t, nil)
	var seen atomic.Int64
	obs := &countingObserver{n: &seen}

	b.AddObserver(obs)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Publish(context.Background(), "t", NewEnvelope("event", nil)))
	drain(t, b)
	before := seen.Load()
	assert.Positive(t, before)

	b.RemoveObserver(obs)
	require.NoError(t, b.Publish(context.Background(), "t", NewEnvelope("event", nil)))
	drain(t, b)
	assert.Equal(t, before, seen.Load())

	// Non-comparable observers are ignored rather than panicking.
	b.RemoveObserver(ObserverFunc(func(Event) {}))
}

// boxedObserver has a comparable type but may carry an uncomparable value.
type boxedObserver struct{ tag any }

func (boxedObserver) OnEvent(Event) {}

func TestRemoveObserver_UncomparableValues(t *testing.T) {
	b := newTestBus(t, nil)
	b.AddObserver(boxedObserver{tag: []int{1}})
	b.AddObserver(boxedObserver{tag: "audit"})

	assert.NotPanics(t, func() { b.RemoveObserver(boxedObserver{tag: []int{1}}) })
	assert.NotPanics(t, func() { b.RemoveObserver(boxedObserver{tag: "audit"}) })

	b.observersMu.RLock()
	defer b.observersMu.RUnlock()
	var left []any
	for _, o := range b.observers {
		if bo, ok := o.(boxedObserver); ok {
			left = append(left, bo.tag)
		}
	}
	assert.Equal(t, []any{[]int{1}}, left)
}

type countingObserver struct{ n *atomic.Int64 }

func (o *countingObserver) OnEvent(Event) { o.n.Add(1) }

func TestObserverPool_DeliversAsync(t *testing.T) {
	b := newTestBus(t, func(bb *BusBuilder) { bb.WithObserverPool(2, 128) })
	got := make(chan Event, 16)
	b.AddObserver(ObserverFunc(func(e Event) {
		if e.Type == EventHandlerDone {
			got <- e
		}
	}))
	require.NoError(t, b.Subscribe("topic", &recorder{}))
	require.NoError(t, b.Start(context.Background()))

	env := NewEnvelope("event", nil)
	require.NoError(t, b.Publish(context.Background(), "topic", env))

	select {
	case e := <-got:
		assert.Equal(t, "topic", e.Topic)
		assert.Equal(t, env.TraceID(), e.TraceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no observer event")
	}
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	_, err := NewBusBuilder().WithQueueCapacity(10).WithBackpressureThreshold(10).Build()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, _, err = New(func(bb *BusBuilder) { bb.WithMaxConcurrentHandlers(0) })
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
