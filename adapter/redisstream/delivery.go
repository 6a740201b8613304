package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// delivery implements xdispatch.Delivery for one stream entry.
type delivery struct {
	b       *Broker
	subject string
	group   string
	id      string
	data    []byte

	// Ensures Ack/Nack happens exactly once
	once sync.Once
}

func (b *Broker) newDelivery(subject, group string, msg redis.XMessage) *delivery {
	return &delivery{
		b:       b,
		subject: subject,
		group:   group,
		id:      msg.ID,
		data:    entryData(msg.Values),
	}
}

func (d *delivery) ID() string   { return d.id }
func (d *delivery) Data() []byte { return d.data }

// Ack acknowledges the entry for the group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.ack(ctx) })
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.b.client.XAck(ctx, d.subject, d.group, d.id).Err(); err != nil {
		return err
	}
	d.b.metrics.acked.Add(1)
	if d.b.cfg.AutoDeleteOnAck {
		_ = d.b.client.XDel(ctx, d.subject, d.id).Err()
	}
	return nil
}

// Nack rejects the entry. Redis Streams has no explicit negative ack: with a
// dead-letter stream configured the entry is copied there and acked,
// otherwise it stays pending for the claim loop to redeliver.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.b.metrics.nacked.Add(1)
		if d.b.cfg.DeadLetter != "" {
			err = d.deadLetter(ctx, reason)
		}
	})
	return err
}

func (d *delivery) deadLetter(ctx context.Context, reason error) error {
	values := map[string]any{
		fieldOrigSubject: d.subject,
		fieldOrigID:      d.id,
		fieldError:       fmt.Sprintf("%v", reason),
		fieldData:        d.data,
	}
	if err := d.b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.b.cfg.DeadLetter,
		ID:     "*",
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("redisstream: dead letter %s: %w", d.id, err)
	}
	d.b.metrics.deadLettered.Add(1)
	// Ack the original so it is not redelivered.
	return d.ack(ctx)
}

func entryData(vals map[string]any) []byte {
	switch p := vals[fieldData].(type) {
	case []byte:
		return p
	case string:
		return []byte(p)
	default:
		return nil
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
