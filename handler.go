package xdispatch

import (
	"context"
	"reflect"
)

// Handler processes a single envelope. The returned error is never seen by
// the publisher; it is counted and reported to observers.
//
// Handler identity is the interface value itself, so the dynamic type must be
// comparable. Pointer types always are.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) error
}

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

type funcHandler struct {
	fn func(ctx context.Context, env *Envelope) error
}

func (h *funcHandler) Handle(ctx context.Context, env *Envelope) error { return h.fn(ctx, env) }

// HandleFunc adapts a function to Handler. Every call returns a new identity;
// keep the returned value to re-register the same handler.
func HandleFunc(fn func(ctx context.Context, env *Envelope) error) Handler {
	return &funcHandler{fn: fn}
}

// validHandler reports whether h can be used as a registry key.
func validHandler(h Handler) bool {
	if h == nil {
		return false
	}
	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return false
	}
	return v.Comparable()
}

// comparableValue reports whether v can be compared with == without panicking.
// The dynamic value is inspected, so interface fields holding slices or maps
// are caught.
func comparableValue(v any) bool {
	return v != nil && reflect.ValueOf(v).Comparable()
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
