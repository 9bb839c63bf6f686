package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryEventStore is the in-process event log used by tests and dry-run
// demos. Same semantics as the Postgres store, including the optimistic
// lock on (aggregate_id, sequence_number).
type MemoryEventStore struct {
	mu       sync.Mutex
	byAgg    map[string][]Event
	inserted int64
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{byAgg: make(map[string][]Event)}
}

func (s *MemoryEventStore) Append(ctx context.Context, event BaseFieldsProvider, expectedSeq int64) (int64, error) {
	data, base, err := serializeEvent(event)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := int64(len(s.byAgg[base.AggregateID])) + 1
	if expectedSeq != 0 && expectedSeq != next {
		return 0, fmt.Errorf("%w: aggregate %s expected seq %d, next is %d",
			ErrConcurrencyConflict, base.AggregateID, expectedSeq, next)
	}

	s.inserted++
	s.byAgg[base.AggregateID] = append(s.byAgg[base.AggregateID], Event{
		EventID:        base.EventID,
		AggregateID:    base.AggregateID,
		AggregateType:  base.AggregateType,
		EventType:      base.EventType,
		EventVersion:   base.EventVersion,
		SequenceNumber: next,
		ExecutionID:    base.ExecutionID,
		OccurredAt:     base.OccurredAt,
		EventData:      data,
	})

	return next, nil
}

func (s *MemoryEventStore) Load(ctx context.Context, aggregateID string) ([]Event, error) {
	return s.LoadRange(ctx, aggregateID, 1, 0)
}

func (s *MemoryEventStore) LoadRange(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.byAgg[aggregateID] {
		if e.SequenceNumber < fromSeq {
			continue
		}
		if toSeq > 0 && e.SequenceNumber > toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryEventStore) LoadByExecution(ctx context.Context, executionID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, events := range s.byAgg {
		for _, e := range events {
			if e.ExecutionID == executionID {
				out = append(out, e)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

func (s *MemoryEventStore) LatestSequence(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byAgg[aggregateID])), nil
}

func (s *MemoryEventStore) Exists(ctx context.Context, aggregateID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAgg[aggregateID]) > 0, nil
}
