package xdispatch

import "time"

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	EventStarted         EventType = "started"
	EventStopped         EventType = "stopped"
	EventPublished       EventType = "published"
	EventRejected        EventType = "rejected"
	EventDispatched      EventType = "dispatched"
	EventDropped         EventType = "dropped"
	EventHandlerDone     EventType = "handler_done"
	EventHandlerError    EventType = "handler_error"
	EventHandlerCanceled EventType = "handler_canceled"
	// EventError reports a shutdown that did not finish before its deadline.
	EventError EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	Topic       string
	TraceID     string
	MessageType string
	// Handlers is the fan-out width of a dispatched entry.
	Handlers int
	Duration time.Duration
	Err      error

	// attached for async dispatch
	observers []Observer
}

func envelopeEvent(t EventType, topic string, env *Envelope) Event {
	e := Event{Type: t, Topic: topic}
	if env != nil {
		e.TraceID = env.TraceID()
		e.MessageType = env.MessageType()
	}
	return e
}
