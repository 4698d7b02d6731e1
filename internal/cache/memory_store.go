package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	payload   []byte
	fetchedAt time.Time
	ttl       time.Duration
}

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		recordOutcome(key, "miss")
		return nil, ErrMiss
	}
	if s.expired(e) {
		recordOutcome(key, "expired")
		return nil, ErrMiss
	}
	recordOutcome(key, "hit")
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	s.mu.Lock()
	s.entries[key] = memoryEntry{payload: p, fetchedAt: s.now(), ttl: ttl}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsExpired(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return true, nil
	}
	return s.expired(e), nil
}

func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return s.now().Sub(e.fetchedAt) > e.ttl
}
