package converge

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/trickstertwo/xdispatch"
)

// ErrInvalidUpdate is returned by Handler for envelopes that do not describe
// an update.
var ErrInvalidUpdate = errors.New("converge: invalid update")

// Payload keys read by Handler.
const (
	KeyField     = "key"
	ValueField   = "value"
	VersionField = "version"
)

// Handler returns a bus handler applying envelopes to store. The payload must
// carry a non-empty string "key" and a "value"; an optional integral "version"
// selects UpdateVersion. Stale versions are dropped silently.
func Handler(store *Store[any]) xdispatch.Handler {
	return xdispatch.HandleFunc(func(ctx context.Context, env *xdispatch.Envelope) error {
		p := env.Payload()

		raw, ok := p.Get(KeyField)
		key, isString := raw.(string)
		if !ok || !isString || key == "" {
			return fmt.Errorf("%w: missing key", ErrInvalidUpdate)
		}
		value, ok := p.Get(ValueField)
		if !ok {
			return fmt.Errorf("%w: missing value for %q", ErrInvalidUpdate, key)
		}

		rv, hasVersion := p.Get(VersionField)
		if !hasVersion {
			store.Update(key, value)
			return nil
		}
		version, err := toVersion(rv)
		if err != nil {
			return fmt.Errorf("%w: key %q: %w", ErrInvalidUpdate, key, err)
		}
		if !store.UpdateVersion(key, value, version) {
			if l, ok := xdispatch.LoggerFromContext(ctx); ok {
				l.Debug().
					Str("key", key).
					Str("trace_id", env.TraceID()).
					Msg("converge: stale update ignored")
			}
		}
		return nil
	})
}

// toVersion accepts the integer shapes produced by the bus codecs.
func toVersion(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("version %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("version %v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("version has type %T", v)
	}
}
