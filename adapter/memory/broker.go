package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xdispatch"
	"go.uber.org/multierr"
)

const BrokerName = "memory"

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("memory broker is closed")

func init() {
	if err := xdispatch.RegisterBroker(BrokerName, func(cfg map[string]any) (xdispatch.Broker, error) {
		return NewBroker(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xdispatch/memory: failed to register broker: %w", err))
	}
}

// Config controls memory broker behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxDeliveries drops a message after this many nacked attempts (default: 0 = unlimited).
	MaxDeliveries int
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxDeliveries:   max(0, getInt("max_deliveries", 0)),
	}
}

// Broker implements xdispatch.Broker with in-process channels. Every consumer
// group of a subject receives each message once; members of a group compete.
// It is meant for development, tests and single-process deployments.
type Broker struct {
	cfg Config

	mu       sync.RWMutex
	subjects map[string]*subject
	subs     map[*subscription]struct{}

	done   chan struct{}
	closed atomic.Bool

	metrics *brokerMetrics
	seq     atomic.Uint64
}

type brokerMetrics struct {
	published    atomic.Uint64
	unrouted     atomic.Uint64
	consumed     atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	redelivered  atomic.Uint64
	deadLettered atomic.Uint64
}

var _ xdispatch.Broker = (*Broker)(nil)

// NewBroker creates a new in-memory broker.
func NewBroker(cfg Config) *Broker {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Broker{
		cfg:      cfg,
		subjects: make(map[string]*subject),
		subs:     make(map[*subscription]struct{}),
		done:     make(chan struct{}),
		metrics:  &brokerMetrics{},
	}
}

// Connect is a no-op for an open broker.
func (b *Broker) Connect(_ context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Publish fans each message out to every consumer group of the subject.
// Subjects without groups drop the message.
func (b *Broker) Publish(ctx context.Context, name string, data ...[]byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}

	b.mu.RLock()
	s, ok := b.subjects[name]
	b.mu.RUnlock()
	if !ok {
		b.metrics.unrouted.Add(uint64(len(data)))
		return nil
	}

	for _, p := range data {
		m := &message{id: fmt.Sprintf("mem-%d", b.seq.Add(1)), data: slices.Clone(p)}

		s.mu.RLock()
		groups := make([]*group, 0, len(s.groups))
		for _, g := range s.groups {
			groups = append(groups, g)
		}
		s.mu.RUnlock()

		for _, g := range groups {
			t := &task{broker: b, group: g, msg: m}
			select {
			case g.queue <- t:
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return ErrClosed
			}
		}
		b.metrics.published.Add(1)
	}
	return nil
}

// Subscribe starts Concurrency workers consuming the subject within group.
// Workers stop when ctx ends, the subscription is closed or the broker closes.
func (b *Broker) Subscribe(ctx context.Context, name, groupName string, handler func(xdispatch.Delivery)) (xdispatch.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, xdispatch.ErrInvalidTopic
	}
	if handler == nil {
		return nil, errors.New("memory broker: handler must not be nil")
	}

	g := b.ensureSubject(name).ensureGroup(groupName, b.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	for range b.cfg.Concurrency {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			b.worker(innerCtx, g, handler)
		}()
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	sub.detach = func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
	return sub, nil
}

func (b *Broker) worker(ctx context.Context, g *group, handler func(xdispatch.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case t := <-g.queue:
			t.attempts++
			b.metrics.consumed.Add(1)
			handler(&delivery{task: t})
		}
	}
}

// Close stops every subscription. Queued messages are discarded.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subjects = make(map[string]*subject)
	b.mu.Unlock()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Stats is broker telemetry.
type Stats struct {
	Published    uint64
	Unrouted     uint64
	Consumed     uint64
	Acked        uint64
	Nacked       uint64
	Redelivered  uint64
	DeadLettered uint64
}

// Stats returns current broker metrics.
func (b *Broker) Stats() Stats {
	return Stats{
		Published:    b.metrics.published.Load(),
		Unrouted:     b.metrics.unrouted.Load(),
		Consumed:     b.metrics.consumed.Load(),
		Acked:        b.metrics.acked.Load(),
		Nacked:       b.metrics.nacked.Load(),
		Redelivered:  b.metrics.redelivered.Load(),
		DeadLettered: b.metrics.deadLettered.Load(),
	}
}

type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	detach func()
	once   sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.detach != nil {
			s.detach()
		}
	})
	return nil
}

type subject struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *task
}

type message struct {
	id   string
	data []byte
}

// task is one message queued for one group.
type task struct {
	broker   *Broker
	group    *group
	msg      *message
	attempts int
}

type delivery struct {
	task *task
	once sync.Once
}

func (d *delivery) ID() string   { return d.task.msg.id }
func (d *delivery) Data() []byte { return d.task.msg.data }

// Ack marks the message as processed.
func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.task.broker.metrics.acked.Add(1)
	})
	return nil
}

// Nack requeues the message for the same group, after RedeliveryDelay when
// set. Messages that exhausted MaxDeliveries are dropped.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		b := d.task.broker
		b.metrics.nacked.Add(1)

		if n := b.cfg.MaxDeliveries; n > 0 && d.task.attempts >= n {
			b.metrics.deadLettered.Add(1)
			return
		}
		b.metrics.redelivered.Add(1)

		if b.cfg.RedeliveryDelay <= 0 {
			select {
			case d.task.group.queue <- d.task:
			default:
				// Queue full: the nacking worker may be its only consumer.
				go func() { _ = d.requeue(context.Background()) }()
			}
			return
		}
		go func() {
			timer := time.NewTimer(b.cfg.RedeliveryDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
				_ = d.requeue(context.Background())
			case <-b.done:
			}
		}()
	})
	return nil
}

func (d *delivery) requeue(ctx context.Context) error {
	select {
	case d.task.group.queue <- d.task:
		return nil
	case <-d.task.broker.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) ensureSubject(name string) *subject {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subjects[name]; ok {
		return s
	}
	s := &subject{groups: make(map[string]*group)}
	b.subjects[name] = s
	return s
}

func (s *subject) ensureGroup(name string, bufferSize int) *group {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *task, bufferSize)}
	s.groups[name] = g
	return g
}
