package snapshot

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists snapshots in the snapshots table next to the event
// log.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the snapshots table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS snapshots (
            aggregate_id     TEXT        NOT NULL,
            aggregate_type   TEXT        NOT NULL,
            snapshot_version INT         NOT NULL DEFAULT 1,
            sequence_number  BIGINT      NOT NULL,
            state            JSONB       NOT NULL,
            created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (aggregate_id, sequence_number)
        );
    `)
	if err != nil {
		return fmt.Errorf("migrate snapshots table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO snapshots
            (aggregate_id, aggregate_type, snapshot_version, sequence_number, state, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (aggregate_id, sequence_number) DO NOTHING
    `, snap.AggregateID, snap.AggregateType, snap.SnapshotVersion, snap.SequenceNumber, snap.State)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", snap.AggregateID, err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
        SELECT aggregate_id, aggregate_type, snapshot_version, sequence_number, state, created_at
        FROM snapshots
        WHERE aggregate_id = $1
        ORDER BY sequence_number DESC
        LIMIT 1
    `, aggregateID).Scan(
		&snap.AggregateID, &snap.AggregateType, &snap.SnapshotVersion,
		&snap.SequenceNumber, &snap.State, &snap.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for %s: %w", aggregateID, err)
	}
	return &snap, nil
}
