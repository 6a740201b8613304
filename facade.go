package xdispatch

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide Bus, building one with the defaults on first
// use. The default bus is started when it is created.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}
	b, err := NewBusBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xdispatch: failed to initialize default bus: %v", err))
	}
	if err := b.Start(context.Background()); err != nil {
		panic(fmt.Sprintf("xdispatch: failed to start default bus: %v", err))
	}
	defaultBus = b
	return defaultBus
}

// SetDefault replaces the process-wide default Bus. The previous one is not closed.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xdispatch: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, topic string, env *Envelope) error {
	return Default().Publish(ctx, topic, env)
}

// PublishNowait is the Facade using the default bus.
func PublishNowait(topic string, env *Envelope) bool {
	return Default().PublishNowait(topic, env)
}

// Subscribe is the Facade using the default bus.
func Subscribe(topic string, h Handler) error {
	return Default().Subscribe(topic, h)
}
