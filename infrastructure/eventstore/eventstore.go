// Package eventstore is the append-only, per-aggregate sequenced event log.
// Truth lives here; snapshots and the hand-off stream are caches over it.
package eventstore

import (
	"context"
	"errors"
	"time"
)

// ErrConcurrencyConflict is returned when an optimistic append loses the
// race on (aggregate_id, sequence_number). Callers reload and re-apply.
var ErrConcurrencyConflict = errors.New("event store: concurrency conflict")

// ErrAggregateNotFound is returned when loading an aggregate with no events.
var ErrAggregateNotFound = errors.New("event store: aggregate not found")

// BaseFields contains the fields every domain event carries.
type BaseFields struct {
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	EventVersion  int
	ExecutionID   string
	OccurredAt    time.Time
}

// BaseFieldsProvider is implemented by every domain event.
type BaseFieldsProvider interface {
	GetBaseEvent() BaseFields
}

// Event is one persisted log entry. SequenceNumber is monotonic per
// aggregate starting at 1; events are immutable once written.
type Event struct {
	EventID        string
	AggregateID    string
	AggregateType  string
	EventType      string
	EventVersion   int
	SequenceNumber int64
	ExecutionID    string
	OccurredAt     time.Time
	EventData      []byte
}

// EventStore is the single write primitive plus read queries of the log.
//
// Append persists the event at sequence max_for_aggregate+1. A non-zero
// expectedSeq that differs from the assigned sequence fails with
// ErrConcurrencyConflict. There is no update and no delete.
type EventStore interface {
	Append(ctx context.Context, event BaseFieldsProvider, expectedSeq int64) (int64, error)

	// Load returns all events of an aggregate in sequence order.
	Load(ctx context.Context, aggregateID string) ([]Event, error)

	// LoadRange returns events with fromSeq <= sequence <= toSeq
	// (toSeq == 0 means unbounded) in sequence order.
	LoadRange(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]Event, error)

	// LoadByExecution returns every event of one invocation across
	// aggregates, ordered by occurred_at.
	LoadByExecution(ctx context.Context, executionID string) ([]Event, error)

	// LatestSequence returns the highest sequence number for the
	// aggregate, 0 if it has none.
	LatestSequence(ctx context.Context, aggregateID string) (int64, error)

	// Exists reports whether the aggregate has at least one event.
	Exists(ctx context.Context, aggregateID string) (bool, error)
}
