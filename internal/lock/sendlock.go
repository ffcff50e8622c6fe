// Package lock implements the per-counterpart send lock that keeps live
// replies and scheduled deliveries for one counterpart from interleaving.
package lock

import (
	"context"
	"sync"
)

// Registry hands out one advisory lock per key. Entries exist only while a
// holder or waiter references them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Key builds the lock key for a counterpart within a tenant.
func Key(tenant, counterpart string) string {
	return tenant + "/" + counterpart
}

// Acquire blocks until the lock for key is held or ctx is done. The returned
// release func is idempotent.
func (r *Registry) Acquire(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.unref(key, e)
		})
	}, nil
}

// TryAcquire takes the lock only if it is free.
func (r *Registry) TryAcquire(key string) (func(), bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	select {
	case e.sem <- struct{}{}:
		e.refs++
		r.mu.Unlock()
	default:
		if e.refs == 0 {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.unref(key, e)
		})
	}, true
}

// Held reports whether key is currently locked.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && len(e.sem) > 0
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) unref(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && r.entries[key] == e {
		delete(r.entries, key)
	}
}
