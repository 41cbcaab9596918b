package subtask

import "sync"

// Cancelable is registered work that must be torn down the moment a subtask
// starts canceling — an in-flight HTTP request, a pending gate handshake,
// anything that would otherwise keep running past the point cancellation
// was requested.
type Cancelable interface {
	Cancel()
}

// CancelableRegistry is a synchronized set of Cancelables, grounded on the
// teacher's worker.go pattern of tracking in-flight operations so Stop can
// tear all of them down together. Register after CloseAll has already run
// cancels c immediately instead of silently losing track of it.
type CancelableRegistry struct {
	mu     sync.Mutex
	set    map[Cancelable]struct{}
	closed bool
}

// NewCancelableRegistry returns an empty, open registry.
func NewCancelableRegistry() *CancelableRegistry {
	return &CancelableRegistry{set: make(map[Cancelable]struct{})}
}

// Register adds c to the registry. If the registry has already been closed,
// c is canceled immediately and never added.
func (r *CancelableRegistry) Register(c Cancelable) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.Cancel()
		return
	}
	r.set[c] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes c once it has completed on its own.
func (r *CancelableRegistry) Unregister(c Cancelable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.set, c)
}

// CloseAll cancels every currently-registered Cancelable and marks the
// registry closed; idempotent.
func (r *CancelableRegistry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	pending := make([]Cancelable, 0, len(r.set))
	for c := range r.set {
		pending = append(pending, c)
	}
	r.set = make(map[Cancelable]struct{})
	r.mu.Unlock()

	for _, c := range pending {
		c.Cancel()
	}
}
