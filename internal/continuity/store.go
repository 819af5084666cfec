package continuity

import (
	"context"
	"sync"
)

// DraftStore is the durable key-value persistence for pending drafts.
// SupportsSynchronousWrite reports whether Set is guaranteed to have flushed
// by the time it returns; BeginExternalLogin branches on this capability
// rather than on the backing platform.
type DraftStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	SupportsSynchronousWrite() bool
}

// MemoryStore is an in-process DraftStore used in tests and as a degraded
// fallback when no durable backend is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]string
	syncWrite bool
}

func NewMemoryStore(syncWrite bool) *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]string),
		syncWrite: syncWrite,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) SupportsSynchronousWrite() bool { return s.syncWrite }
