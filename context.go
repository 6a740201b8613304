package xdispatch

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xdispatch (prevents collisions).
type ctxKey string

const (
	loggerCtxKey ctxKey = "xdispatch:logger"
	clockCtxKey  ctxKey = "xdispatch:clock"
	topicCtxKey  ctxKey = "xdispatch:topic"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the bus logger handed to a handler.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger); ok && l != nil {
		return l, true
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext returns the bus clock handed to a handler.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if c, ok := ctx.Value(clockCtxKey).(xclock.Clock); ok && c != nil {
		return c, true
	}
	return nil, false
}

func injectTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, topicCtxKey, topic)
}

// TopicFromContext returns the topic an envelope was dispatched on.
func TopicFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(topicCtxKey).(string)
	return t, ok && t != ""
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, topic string, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return injectTopic(ctx, topic)
}
