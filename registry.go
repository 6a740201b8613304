package xdispatch

import (
	"slices"
	"sync"
)

// handlerSet keeps unique handlers in registration order.
type handlerSet struct {
	index map[Handler]struct{}
	order []Handler
}

// registry maps topics to their handler sets.
type registry struct {
	mu     sync.RWMutex
	topics map[string]*handlerSet
}

func newRegistry() *registry {
	return &registry{topics: make(map[string]*handlerSet)}
}

// add registers h under topic and reports whether it was newly added.
func (r *registry) add(topic string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.topics[topic]
	if !ok {
		set = &handlerSet{index: make(map[Handler]struct{})}
		r.topics[topic] = set
	}
	if _, dup := set.index[h]; dup {
		return false
	}
	set.index[h] = struct{}{}
	set.order = append(set.order, h)
	return true
}

// handlers returns a snapshot of the handlers registered under topic.
func (r *registry) handlers(topic string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.topics[topic]
	if !ok || len(set.order) == 0 {
		return nil
	}
	return slices.Clone(set.order)
}

func (r *registry) count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if set, ok := r.topics[topic]; ok {
		return len(set.order)
	}
	return 0
}

func (r *registry) topicNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.topics))
	for t := range r.topics {
		names = append(names, t)
	}
	slices.Sort(names)
	return names
}
