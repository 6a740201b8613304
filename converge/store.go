// Package converge keeps the latest known value per key, gated by a monotonic
// version so that late or reordered updates cannot roll state back.
package converge

import (
	"maps"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// Entry is the converged state of one key.
type Entry[V any] struct {
	Value     V
	Version   int64
	UpdatedAt time.Time
}

// Stats counts update outcomes.
type Stats struct {
	Accepted uint64
	Rejected uint64
	Keys     int
}

// Store is an optimistic, version-gated key/value store. An update carrying a
// version lower than the stored one is rejected; equal or higher wins.
type Store[V any] struct {
	mu      sync.Mutex
	clock   xclock.Clock
	entries map[string]Entry[V]

	accepted uint64
	rejected uint64
}

// Option customizes a Store.
type Option func(*options)

type options struct {
	clock xclock.Clock
}

// WithClock sets the clock used to stamp UpdatedAt.
func WithClock(c xclock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewStore returns an empty Store.
func NewStore[V any](opts ...Option) *Store[V] {
	o := options{clock: xclock.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.clock == nil {
		o.clock = xclock.Default()
	}
	return &Store[V]{clock: o.clock, entries: make(map[string]Entry[V])}
}

// Update stores value under the version following the current one. The first
// update of a key gets version 0. It reports whether the update was applied.
func (s *Store[V]) Update(key string, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := int64(0)
	if cur, ok := s.entries[key]; ok {
		next = cur.Version + 1
	}
	return s.apply(key, value, next)
}

// UpdateVersion stores value under version when version is not older than the
// stored one. Negative versions are rejected.
func (s *Store[V]) UpdateVersion(key string, value V, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version < 0 {
		s.rejected++
		return false
	}
	return s.apply(key, value, version)
}

// apply must be called with s.mu held.
func (s *Store[V]) apply(key string, value V, candidate int64) bool {
	if cur, ok := s.entries[key]; ok && candidate < cur.Version {
		s.rejected++
		return false
	}
	s.entries[key] = Entry[V]{Value: value, Version: candidate, UpdatedAt: s.clock.Now()}
	s.accepted++
	return true
}

// Get returns the current value for key.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	return e.Value, ok
}

// Version returns the current version for key.
func (s *Store[V]) Version(key string) (int64, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return -1, false
	}
	return e.Version, true
}

func (s *Store[V]) Entry(key string) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Snapshot returns a copy of every entry.
func (s *Store[V]) Snapshot() map[string]Entry[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.entries)
}

func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Accepted: s.accepted, Rejected: s.rejected, Keys: len(s.entries)}
}
