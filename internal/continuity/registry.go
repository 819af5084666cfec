package continuity

import (
	"sync"
	"time"
)

// Registry hands out one Manager per visitor and evicts managers that have
// been idle past the eviction window. Draft durability does not depend on
// the in-memory manager; an evicted visitor's draft is still recoverable
// from the store.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
	store    DraftStore
	opts     []Option
	maxIdle  time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRegistry(store DraftStore, maxIdle time.Duration, opts ...Option) *Registry {
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	r := &Registry{
		managers: make(map[string]*Manager),
		store:    store,
		opts:     opts,
		maxIdle:  maxIdle,
		stop:     make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Manager returns the visitor's manager, creating one on first use.
func (r *Registry) Manager(visitorID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[visitorID]; ok {
		return m
	}
	m := NewManager(r.store, visitorID, r.opts...)
	r.managers[visitorID] = m
	return m
}

// Len reports the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Close stops the background cleanup goroutine.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictIdle(time.Now())
		}
	}
}

func (r *Registry) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.managers {
		if now.Sub(m.LastSeen()) > r.maxIdle {
			delete(r.managers, id)
		}
	}
}
