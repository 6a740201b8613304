package xdispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrOverloaded is returned by Publish when the queue depth has reached the
	// backpressure threshold. Nothing was enqueued.
	ErrOverloaded = errors.New("xdispatch: too many requests")
	// ErrQueueFull reports a non-blocking enqueue against a queue at hard capacity.
	// PublishNowait converts it to false; it is never returned to publishers.
	ErrQueueFull = errors.New("xdispatch: queue full")

	ErrBusClosed       = errors.New("xdispatch: bus is closed")
	ErrInvalidTopic    = errors.New("xdispatch: topic must not be empty")
	ErrInvalidHandler  = errors.New("xdispatch: handler must be a non-nil comparable value")
	ErrInvalidEnvelope = errors.New("xdispatch: envelope must not be nil")
	ErrInvalidConfig   = errors.New("xdispatch: invalid config")
	ErrHandlerPanic    = errors.New("xdispatch: handler panic")

	ErrObserverPoolShutdownTimeout = errors.New("xdispatch: observer pool shutdown timeout")
)

// ErrUnknownBroker is returned by NewBroker for names nobody registered.
type ErrUnknownBroker struct{ name string }

func (e ErrUnknownBroker) Error() string { return fmt.Sprintf("xdispatch: unknown broker: %s", e.name) }
