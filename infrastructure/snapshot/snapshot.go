// Package snapshot caches aggregate state at a known sequence number to
// bound replay cost. Snapshots are an optimization over the event log,
// never a source of truth.
package snapshot

import (
	"context"
	"sync"
	"time"
)

// Snapshot is one cached aggregate state.
type Snapshot struct {
	AggregateID     string
	AggregateType   string
	SnapshotVersion int
	SequenceNumber  int64
	State           []byte
	CreatedAt       time.Time
}

// Store persists snapshots. Latest is picked by max sequence number.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Latest(ctx context.Context, aggregateID string) (*Snapshot, error)
}

// Strategy decides whether an aggregate should be snapshotted after a write.
type Strategy interface {
	ShouldSnapshot(ctx context.Context, aggregateID string, currentSeq int64) bool
}

// EveryN snapshots once every n events.
type EveryN struct {
	N int64
}

func (s EveryN) ShouldSnapshot(_ context.Context, _ string, currentSeq int64) bool {
	return s.N > 0 && currentSeq%s.N == 0
}

// OlderThan snapshots when the last snapshot is older than the interval.
// It tracks last-snapshot times in memory; a fresh process snapshots on the
// first qualifying write and is accurate thereafter.
type OlderThan struct {
	Interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewOlderThan(interval time.Duration) *OlderThan {
	return &OlderThan{
		Interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *OlderThan) ShouldSnapshot(_ context.Context, aggregateID string, _ int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	last, ok := s.last[aggregateID]
	if ok && now.Sub(last) < s.Interval {
		return false
	}

	s.last[aggregateID] = now
	return true
}

// Hybrid ORs its strategies together.
type Hybrid struct {
	Strategies []Strategy
}

func (s Hybrid) ShouldSnapshot(ctx context.Context, aggregateID string, currentSeq int64) bool {
	for _, strat := range s.Strategies {
		if strat.ShouldSnapshot(ctx, aggregateID, currentSeq) {
			return true
		}
	}
	return false
}

// Never disables snapshotting (dry runs, tests).
type Never struct{}

func (Never) ShouldSnapshot(context.Context, string, int64) bool { return false }
