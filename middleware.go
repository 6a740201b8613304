package xdispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts caps how often one envelope is handed to the handler,
	// counting the first delivery. Values below 1 mean a single attempt.
	MaxAttempts int
	// Backoff returns the pause after the given failed attempt. Nil retries
	// immediately.
	Backoff func(attempt int) time.Duration
	// RetryIf filters failures worth another attempt. Nil retries every error.
	RetryIf func(err error) bool
	// Jitter spreads retries of a fan-out so handlers do not retry in lockstep.
	Jitter time.Duration
}

// RetryMiddleware re-runs a failing handler on the same envelope. The envelope
// is immutable, so every attempt sees identical input, but side effects of a
// failed attempt are not undone.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	retryable := cfg.RetryIf
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return func(next Handler) Handler {
		return HandleFunc(func(ctx context.Context, env *Envelope) error {
			err := next.Handle(ctx, env)
			for attempt := 1; err != nil && attempt < attempts; attempt++ {
				// Shutdown cancels the execution; stop retrying at once.
				if ctx.Err() != nil || !retryable(err) {
					return err
				}
				if !pause(ctx, cfg.retryDelay(attempt)) {
					return err
				}
				err = next.Handle(ctx, env)
			}
			return err
		})
	}
}

func (cfg RetryConfig) retryDelay(attempt int) time.Duration {
	if cfg.Backoff == nil {
		return 0
	}
	d := cfg.Backoff(attempt)
	if cfg.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(cfg.Jitter)))
	}
	return d
}

// pause sleeps for d and reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// TimeoutMiddleware gives every handler execution its own deadline. A handler
// that ignores its context keeps running in the background, but the bus
// releases its permit once d elapses.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return HandleFunc(func(ctx context.Context, env *Envelope) error {
			hctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			result := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						result <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				result <- next.Handle(hctx, env)
			}()

			select {
			case err := <-result:
				return err
			case <-hctx.Done():
				return fmt.Errorf("xdispatch: handler for %s exceeded %s: %w", env.MessageType(), d, hctx.Err())
			}
		})
	}
}

// RecoveryMiddleware turns a panicking handler into an ErrHandlerPanic error so
// one bad subscriber cannot take down the dispatch loop. The bus installs it
// innermost on every subscription.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandleFunc(func(ctx context.Context, env *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next.Handle(ctx, env)
		})
	}
}
