package snapshot

import (
	"context"
	"sync"
)

// MemoryStore is the in-process snapshot store used by tests.
type MemoryStore struct {
	mu    sync.Mutex
	byAgg map[string][]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAgg: make(map[string][]Snapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byAgg[snap.AggregateID] {
		if existing.SequenceNumber == snap.SequenceNumber {
			return nil // same conflict semantics as the SQL store
		}
	}

	s.byAgg[snap.AggregateID] = append(s.byAgg[snap.AggregateID], snap)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, aggregateID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Snapshot
	for i := range s.byAgg[aggregateID] {
		snap := s.byAgg[aggregateID][i]
		if latest == nil || snap.SequenceNumber > latest.SequenceNumber {
			latest = &snap
		}
	}
	return latest, nil
}
