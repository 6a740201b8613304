package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xdispatch"
)

const BrokerName = "redis-streams"

func init() {
	if err := xdispatch.RegisterBroker(BrokerName, func(cfg map[string]any) (xdispatch.Broker, error) {
		return NewBroker(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xdispatch: failed to register broker %q: %w", BrokerName, err))
	}
}

// Use builds a Bus, a Redis Streams Broker and a Bridge joining them, and
// installs the bus as the process-wide default. The bus is returned stopped.
func Use(cfg Config, opts ...Option) (*xdispatch.Bus, *xdispatch.Bridge, error) {
	s := settings{builder: xdispatch.NewBusBuilder()}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}

	bus, err := s.builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("redisstream.Use: %w", err)
	}
	broker, err := NewBroker(cfg, append(s.brokerOpts, WithBrokerLogger(s.logger))...)
	if err != nil {
		return nil, nil, fmt.Errorf("redisstream.Use: %w", err)
	}
	bridge := xdispatch.NewBridge(bus, broker, s.bridgeOpts...)

	xdispatch.SetDefault(bus)
	return bus, bridge, nil
}
