package activity

import (
	"sync"

	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
)

// Registry maps handles to activities. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	items  map[Handle]*Activity
	closed bool
}

// NewRegistry returns an empty, open registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[Handle]*Activity)}
}

// Get returns the activity registered under h.
func (r *Registry) Get(h Handle) (*Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[h]
	return a, ok
}

// Contains reports whether h is registered.
func (r *Registry) Contains(h Handle) bool {
	_, ok := r.Get(h)
	return ok
}

// Put registers a, failing when the handle is taken.
func (r *Registry) Put(a *Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errspkg.ErrRegistryClosed
	}
	if _, ok := r.items[a.handle]; ok {
		return errspkg.ErrHandleExists
	}
	r.items[a.handle] = a
	return nil
}

// LoadOrStore returns the activity already registered under a's handle, or
// registers a. loaded reports which happened.
func (r *Registry) LoadOrStore(a *Activity) (actual *Activity, loaded bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, errspkg.ErrRegistryClosed
	}
	if existing, ok := r.items[a.handle]; ok {
		return existing, true, nil
	}
	r.items[a.handle] = a
	return a, false, nil
}

// Remove deletes the handle. Removing an absent handle is a no-op.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	delete(r.items, h)
	r.mu.Unlock()
}

// Delete removes a only if it is the activity registered under its handle.
func (r *Registry) Delete(a *Activity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items[a.handle] != a {
		return false
	}
	delete(r.items, a.handle)
	return true
}

// Len returns the number of registered activities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot returns the registered activities at call time.
func (r *Registry) Snapshot() []*Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Activity, 0, len(r.items))
	for _, a := range r.items {
		out = append(out, a)
	}
	return out
}

// ForEach calls fn for every activity of a snapshot until fn returns false.
func (r *Registry) ForEach(fn func(*Activity) bool) {
	for _, a := range r.Snapshot() {
		if !fn(a) {
			return
		}
	}
}

// Drain empties the registry in one step and returns its former contents.
func (r *Registry) Drain() []*Activity {
	r.mu.Lock()
	items := r.items
	r.items = make(map[Handle]*Activity)
	r.mu.Unlock()

	out := make([]*Activity, 0, len(items))
	for _, a := range items {
		out = append(out, a)
	}
	return out
}

// EndAll drains the registry and ends every drained activity.
func (r *Registry) EndAll() int {
	drained := r.Drain()
	for _, a := range drained {
		a.End()
	}
	return len(drained)
}

// Seal rejects later registrations and drains the registry in the same
// step, so no Put can land between the drain and the close.
func (r *Registry) Seal() []*Activity {
	r.mu.Lock()
	r.closed = true
	items := r.items
	r.items = make(map[Handle]*Activity)
	r.mu.Unlock()

	out := make([]*Activity, 0, len(items))
	for _, a := range items {
		out = append(out, a)
	}
	return out
}

// Close rejects later registrations and clears the registry. It returns the
// activities that were still registered; the caller is expected to end them.
func (r *Registry) Close() []*Activity {
	return r.Seal()
}

// Closed reports whether Close was called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
