package xdispatch

import (
	"context"
	"errors"
	"sync"
)

// Delivery is one message received from a Broker, with Ack/Nack semantics.
type Delivery interface {
	ID() string
	Data() []byte
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Subscription represents an active broker subscription that can be closed.
type Subscription interface {
	Close() error
}

// Broker is the Strategy for an external message broker client, used when
// envelopes must cross process boundaries. The bus does not depend on it;
// a Bridge connects the two.
type Broker interface {
	// Connect establishes the connection. It is safe to call more than once.
	Connect(ctx context.Context) error
	// Publish sends encoded messages to a subject.
	Publish(ctx context.Context, subject string, data ...[]byte) error
	// Subscribe binds a handler to a subject within a consumer group. The
	// broker drives delivery in the background and honors ctx.
	Subscribe(ctx context.Context, subject, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// BrokerFactory constructs brokers from a config blob.
type BrokerFactory func(cfg map[string]any) (Broker, error)

var (
	brokerRegistryMu sync.RWMutex
	brokerRegistry   = map[string]BrokerFactory{}
)

// RegisterBroker registers a broker adapter under name.
func RegisterBroker(name string, factory BrokerFactory) error {
	if name == "" {
		return errors.New("broker name must not be empty")
	}
	if factory == nil {
		return errors.New("broker factory must not be nil")
	}
	brokerRegistryMu.Lock()
	brokerRegistry[name] = factory
	brokerRegistryMu.Unlock()
	return nil
}

// NewBroker constructs a registered broker by name with config.
func NewBroker(name string, cfg map[string]any) (Broker, error) {
	brokerRegistryMu.RLock()
	f, ok := brokerRegistry[name]
	brokerRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownBroker{name: name}
	}
	return f(cfg)
}
