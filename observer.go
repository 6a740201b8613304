package xdispatch

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc lets a plain function satisfy Observer. Function values are not
// comparable, so an ObserverFunc cannot be removed with RemoveObserver.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver emits bus events via xlog. Handler failures are logged at
// warn level; routine traffic at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	switch e.Type {
	case EventError:
		o.Logger.Warn().Err(e.Err).Msg("xdispatch: shutdown incomplete")
	case EventHandlerError:
		o.Logger.Warn().
			Str("type", string(e.Type)).
			Str("topic", e.Topic).
			Str("trace_id", e.TraceID).
			Str("message_type", e.MessageType).
			Dur("duration", e.Duration).
			Err(e.Err).
			Msg("xdispatch: handler failed")
	case EventRejected:
		o.Logger.Warn().
			Str("topic", e.Topic).
			Str("trace_id", e.TraceID).
			Err(e.Err).
			Msg("xdispatch: publish rejected")
	case EventStarted, EventStopped:
		o.Logger.Info().Str("type", string(e.Type)).Msg("xdispatch: lifecycle")
	default:
		o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("topic", e.Topic).
			Str("trace_id", e.TraceID).
			Dur("duration", e.Duration).
			Msg("xdispatch event")
	}
}
