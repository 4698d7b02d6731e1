package calculator

import (
	"context"
	"sort"
	"sync"

	"github.com/sentinelroad/backend/internal/geo"
)

// MemoryHistoryStore is an in-memory HistoryStore for tests and
// database-less deployments.
type MemoryHistoryStore struct {
	mu         sync.RWMutex
	records    []RiskRecord
	passOrder  []string
	byLocation map[string][]int // location key -> record indexes
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{byLocation: make(map[string][]int)}
}

func (s *MemoryHistoryStore) InsertBatch(_ context.Context, records []RiskRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	passID := records[0].PassID
	seen := false
	for _, p := range s.passOrder {
		if p == passID {
			seen = true
			break
		}
	}
	if !seen {
		s.passOrder = append(s.passOrder, passID)
	}

	for _, r := range records {
		idx := len(s.records)
		s.records = append(s.records, r)
		key := r.Location.Key()
		s.byLocation[key] = append(s.byLocation[key], idx)
	}
	return nil
}

func (s *MemoryHistoryStore) LatestPass(_ context.Context) ([]RiskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.passOrder) == 0 {
		return nil, nil
	}
	latest := s.passOrder[len(s.passOrder)-1]
	var out []RiskRecord
	for _, r := range s.records {
		if r.PassID == latest {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryHistoryStore) LocationHistory(_ context.Context, pt geo.Point, limit int) ([]RiskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indexes := s.byLocation[pt.Key()]
	out := make([]RiskRecord, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, s.records[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ComputedAt.After(out[j].ComputedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
