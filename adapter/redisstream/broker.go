package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xlog"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("redisstream: broker is closed")

// Broker implements xdispatch.Broker on Redis Streams. A subject is a stream
// and a group is a Redis consumer group.
type Broker struct {
	cfg        Config
	client     *redis.Client
	ownsClient bool
	logger     *xlog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool

	metrics *brokerMetrics
}

type brokerMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	deadLettered  atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xdispatch.Broker = (*Broker)(nil)

// BrokerOption customizes NewBroker.
type BrokerOption func(*Broker)

// WithClient uses an existing client instead of dialing Config.Addr. The
// broker does not close a client it did not create.
func WithClient(c *redis.Client) BrokerOption {
	return func(b *Broker) {
		if c != nil {
			b.client = c
			b.ownsClient = false
		}
	}
}

// WithBrokerLogger sets the logger used for consumer errors.
func WithBrokerLogger(l *xlog.Logger) BrokerOption {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBroker validates cfg and prepares a client. No connection is made until
// Connect or the first command.
func NewBroker(cfg Config, opts ...BrokerOption) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:     cfg,
		logger:  xlog.Default(),
		subs:    make(map[*subscription]struct{}),
		metrics: &brokerMetrics{},
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	if b.client == nil {
		b.client = redis.NewClient(clientOptions(cfg))
		b.ownsClient = true
	}
	return b, nil
}

func clientOptions(cfg Config) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return opts
}

// Connect pings the server.
func (b *Broker) Connect(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return ping(ctx, b.client)
}

// Publish appends each message to the subject stream with XADD, pipelined.
func (b *Broker) Publish(ctx context.Context, subject string, data ...[]byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}

	pipe := b.client.Pipeline()
	now := time.Now().UnixNano()
	for _, p := range data {
		args := &redis.XAddArgs{
			Stream: subject,
			ID:     "*",
			Values: map[string]any{
				fieldData:        p,
				fieldPublishedAt: now,
			},
		}
		// Approximate trimming keeps the stream bounded.
		if b.cfg.MaxLenApprox > 0 {
			args.MaxLen = b.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		b.metrics.publishErrors.Add(uint64(len(data)))
		return fmt.Errorf("redisstream: publish to %q: %w", subject, err)
	}
	b.metrics.published.Add(uint64(len(data)))
	return nil
}

type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	detach func()
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.detach()
	})
	return nil
}

// Subscribe consumes subject within group. One poller reads batches with
// XREADGROUP and hands entries to Concurrency workers; when ClaimMinIdle is
// set a claim loop redelivers entries left pending by crashed consumers.
func (b *Broker) Subscribe(ctx context.Context, subject, group string, handler func(xdispatch.Delivery)) (xdispatch.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if subject == "" || group == "" {
		return nil, xdispatch.ErrInvalidTopic
	}
	if handler == nil {
		return nil, errors.New("redisstream: handler must not be nil")
	}

	if b.cfg.AutoCreate {
		err := b.client.XGroupCreateMkStream(ctx, subject, group, b.cfg.StartID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %q on %q: %w", group, subject, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}

	// Buffer = 2x workers for burst absorption.
	workCh := make(chan *delivery, b.cfg.Concurrency*2)

	for range b.cfg.Concurrency {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				select {
				case <-innerCtx.Done():
					return
				case d := <-workCh:
					handler(d)
				}
			}
		}()
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		b.pollerLoop(innerCtx, subject, group, workCh)
	}()

	if b.cfg.ClaimMinIdle > 0 && b.cfg.ClaimInterval > 0 {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			b.claimLoop(innerCtx, subject, group, workCh)
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

// pollerLoop reads new entries for this consumer and feeds the workers.
func (b *Broker) pollerLoop(ctx context.Context, subject, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{subject, ">"},
		Count:    int64(b.cfg.BatchSize),
		Block:    b.cfg.Block,
	}

	const minBackoff, maxBackoff = 100 * time.Millisecond, 5 * time.Second
	backoff := minBackoff

	for ctx.Err() == nil {
		res, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout.
				backoff = minBackoff
				continue
			}

			b.metrics.consumeErrors.Add(1)
			b.logger.Warn().Err(err).Str("subject", subject).Str("group", group).Dur("backoff", backoff).Msg("redisstream: read failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if !b.hand(ctx, workCh, b.newDelivery(subject, group, msg)) {
					return
				}
			}
		}
	}
}

// claimLoop periodically takes over entries pending longer than ClaimMinIdle
// and redelivers them here. Entries delivered MaxDeliveries times or more are
// moved to the dead-letter stream instead.
func (b *Broker) claimLoop(ctx context.Context, subject, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(b.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: subject,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  int64(max(1, b.cfg.ClaimBatch)),
			Idle:   b.cfg.ClaimMinIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			if err != nil && ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				b.logger.Warn().Err(err).Str("subject", subject).Msg("redisstream: pending scan failed")
			}
			continue
		}

		ids := make([]string, 0, len(pending))
		retries := make(map[string]int64, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
			retries[p.ID] = p.RetryCount
		}

		msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   subject,
			Group:    group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn().Err(err).Str("subject", subject).Msg("redisstream: claim failed")
			}
			continue
		}

		for _, msg := range msgs {
			b.metrics.claimed.Add(1)
			d := b.newDelivery(subject, group, msg)
			if n := b.cfg.MaxDeliveries; n > 0 && retries[msg.ID] >= n {
				if err := d.deadLetter(ctx, errors.New("max deliveries exceeded")); err != nil {
					b.logger.Warn().Err(err).Str("id", msg.ID).Msg("redisstream: dead letter failed")
				}
				continue
			}
			if !b.hand(ctx, workCh, d) {
				return
			}
		}
	}
}

func (b *Broker) hand(ctx context.Context, workCh chan<- *delivery, d *delivery) bool {
	b.metrics.consumed.Add(1)
	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops all subscriptions and closes the client if the broker created it.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}

	if !b.ownsClient {
		return nil
	}
	return b.client.Close()
}

// Stats is broker telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	DeadLettered  uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// Stats returns current broker metrics.
func (b *Broker) Stats() Stats {
	return Stats{
		Published:     b.metrics.published.Load(),
		Consumed:      b.metrics.consumed.Load(),
		Acked:         b.metrics.acked.Load(),
		Nacked:        b.metrics.nacked.Load(),
		Claimed:       b.metrics.claimed.Load(),
		DeadLettered:  b.metrics.deadLettered.Load(),
		PublishErrors: b.metrics.publishErrors.Load(),
		ConsumeErrors: b.metrics.consumeErrors.Load(),
	}
}

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
