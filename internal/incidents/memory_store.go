package incidents

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and database-less
// deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Incident
	order []string // insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Incident)}
}

func (s *MemoryStore) Upsert(_ context.Context, in Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(in)
	return nil
}

func (s *MemoryStore) UpsertBatch(_ context.Context, batch []Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range batch {
		s.upsertLocked(in)
	}
	return nil
}

func (s *MemoryStore) upsertLocked(in Incident) {
	if _, ok := s.byID[in.ID]; !ok {
		s.order = append(s.order, in.ID)
	}
	s.byID[in.ID] = in
}

func (s *MemoryStore) List(_ context.Context) ([]Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Incident, 0, len(s.order))
	for _, id := range s.order {
		in := s.byID[id]
		if in.Status == StatusSuperseded {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *MemoryStore) Located(_ context.Context) ([]Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Incident
	for _, id := range s.order {
		in := s.byID[id]
		if in.Status == StatusSuperseded {
			continue
		}
		if _, ok := in.Coordinates(); ok {
			out = append(out, in)
		}
	}
	return out, nil
}
