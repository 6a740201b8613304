package xdispatch

import "time"

// State is the lifecycle state of the dispatch worker.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published        uint64
	Rejected         uint64
	Dispatched       uint64
	Dropped          uint64
	HandlerCompleted uint64
	HandlerErrors    uint64
	HandlerCanceled  uint64
	EventsDropped    uint64
	QueueDepth       int
	QueueCapacity    int
	InFlight         int
	PermitsInUse     int
	AvgHandlerTimeMs float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	State     State
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
