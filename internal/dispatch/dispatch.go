// Package dispatch provides a small typed subscriber registry shared by the
// fan-out paths. Iteration always happens over a snapshot, so a subscriber
// added or removed mid-dispatch never corrupts an in-flight delivery round.
package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

// Registry holds subscribers of any type keyed by id. Add/Remove are O(1);
// Snapshot copies the current set.
type Registry[T any] struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]T
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{subs: make(map[uuid.UUID]T)}
}

// Add registers the subscriber and returns its id.
func (r *Registry[T]) Add(sub T) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.subs[id] = sub
	r.mu.Unlock()
	return id
}

// Remove drops the subscriber. Unknown ids are a no-op.
func (r *Registry[T]) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Len returns the number of registered subscribers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Clear empties the registry.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.subs = make(map[uuid.UUID]T)
	r.mu.Unlock()
}

// Snapshot returns the current subscribers in unspecified order. The returned
// slice is the caller's to keep; later Add/Remove calls do not affect it.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}
