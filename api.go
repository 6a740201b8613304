package xdispatch

import "context"

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete bus surface.
type API interface {
	Subscribe(topic string, h Handler) error
	Publish(ctx context.Context, topic string, env *Envelope) error
	PublishNowait(topic string, env *Envelope) bool
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Drain(ctx context.Context) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var (
	_ API           = (*Bus)(nil)
	_ HealthChecker = (*Bus)(nil)
)
