package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresEventStore persists events in the relational log:
//
//	events(event_id UUID PK, aggregate_id, aggregate_type, sequence_number,
//	       event_type, event_version, payload JSONB, execution_id,
//	       occurred_at, UNIQUE(aggregate_id, sequence_number))
//
// The unique constraint is the optimistic lock: concurrent appends to one
// aggregate race on the same sequence number and exactly one wins.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Migrate creates the events table if missing.
func (s *PostgresEventStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS events (
            event_id        UUID PRIMARY KEY,
            aggregate_id    TEXT        NOT NULL,
            aggregate_type  TEXT        NOT NULL,
            sequence_number BIGINT      NOT NULL,
            event_type      TEXT        NOT NULL,
            event_version   INT         NOT NULL DEFAULT 1,
            payload         JSONB       NOT NULL,
            execution_id    TEXT        NOT NULL,
            occurred_at     TIMESTAMPTZ NOT NULL,
            inserted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE (aggregate_id, sequence_number)
        );
        CREATE INDEX IF NOT EXISTS idx_events_execution_id ON events (execution_id);
    `)
	if err != nil {
		return fmt.Errorf("migrate events table: %w", err)
	}
	return nil
}

// Append persists one event at sequence max+1 for its aggregate.
func (s *PostgresEventStore) Append(ctx context.Context, event BaseFieldsProvider, expectedSeq int64) (int64, error) {
	data, base, err := serializeEvent(event)
	if err != nil {
		return 0, err
	}

	var current int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE aggregate_id = $1`,
		base.AggregateID,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read latest sequence: %w", err)
	}

	next := current + 1
	if expectedSeq != 0 && expectedSeq != next {
		return 0, fmt.Errorf("%w: aggregate %s expected seq %d, next is %d",
			ErrConcurrencyConflict, base.AggregateID, expectedSeq, next)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO events
            (event_id, aggregate_id, aggregate_type, sequence_number,
             event_type, event_version, payload, execution_id, occurred_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `,
		base.EventID, base.AggregateID, base.AggregateType, next,
		base.EventType, base.EventVersion, data, base.ExecutionID, base.OccurredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race on (aggregate_id, sequence_number).
			return 0, fmt.Errorf("%w: aggregate %s seq %d already written",
				ErrConcurrencyConflict, base.AggregateID, next)
		}
		return 0, fmt.Errorf("append event: %w", err)
	}

	return next, nil
}

func (s *PostgresEventStore) Load(ctx context.Context, aggregateID string) ([]Event, error) {
	return s.LoadRange(ctx, aggregateID, 1, 0)
}

func (s *PostgresEventStore) LoadRange(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]Event, error) {
	query := `
        SELECT event_id, aggregate_id, aggregate_type, sequence_number,
               event_type, event_version, payload, execution_id, occurred_at
        FROM events
        WHERE aggregate_id = $1 AND sequence_number >= $2
    `
	args := []any{aggregateID, fromSeq}
	if toSeq > 0 {
		query += ` AND sequence_number <= $3`
		args = append(args, toSeq)
	}
	query += ` ORDER BY sequence_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresEventStore) LoadByExecution(ctx context.Context, executionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT event_id, aggregate_id, aggregate_type, sequence_number,
               event_type, event_version, payload, execution_id, occurred_at
        FROM events
        WHERE execution_id = $1
        ORDER BY occurred_at ASC, inserted_at ASC
    `, executionID)
	if err != nil {
		return nil, fmt.Errorf("load events for execution %s: %w", executionID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresEventStore) LatestSequence(ctx context.Context, aggregateID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence for %s: %w", aggregateID, err)
	}
	return seq, nil
}

func (s *PostgresEventStore) Exists(ctx context.Context, aggregateID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM events WHERE aggregate_id = $1)`,
		aggregateID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists check for %s: %w", aggregateID, err)
	}
	return exists, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.EventID, &e.AggregateID, &e.AggregateType, &e.SequenceNumber,
			&e.EventType, &e.EventVersion, &e.EventData, &e.ExecutionID, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// isUniqueViolation checks for PostgreSQL error 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
