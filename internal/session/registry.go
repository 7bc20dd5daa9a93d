package session

import (
	"sync"
	"sync/atomic"
)

// Registry tracks sessions in flight and supports graceful draining on
// shutdown: once draining starts, new sessions are refused while the one
// in progress finishes its goodbye.
//
// The mutex makes the draining check and wg.Add atomic in Add, so no
// session slips in between StartDraining and Wait.
type Registry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a session about to start. Returns false when the registry
// is draining and the session must not run.
func (r *Registry) Add() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.wg.Add(1)
	r.count.Add(1)
	return true
}

// Done marks a session finished. Must be called exactly once per successful Add.
func (r *Registry) Done() {
	r.count.Add(-1)
	r.wg.Done()
}

// StartDraining makes all future Add calls return false.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry refuses new sessions.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of sessions currently running.
func (r *Registry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until every added session has called Done.
func (r *Registry) Wait() {
	r.wg.Wait()
}
