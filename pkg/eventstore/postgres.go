package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is a Store backed by a Postgres table, using a row lock on
// `catga_stream_version` to serialize concurrent Append calls against the
// same stream while committing the version bump and the new events in one
// transaction — an optimistic-version-row pattern generalized from a single
// aggregate row's version column to an append-only child table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB (opened against the
// `jackc/pgx/v5/stdlib` driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL PostgresStore expects; callers apply it via
// pkg/migrator before first use.
const Schema = `
CREATE TABLE IF NOT EXISTS catga_stream_version (
	stream_id TEXT PRIMARY KEY,
	version   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS catga_event (
	stream_id      TEXT NOT NULL,
	version        BIGINT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        BYTEA NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stream_id, version)
);

CREATE TABLE IF NOT EXISTS catga_snapshot (
	stream_id  TEXT PRIMARY KEY,
	state      BYTEA NOT NULL,
	version    BIGINT NOT NULL
);
`

func (s *PostgresStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []NewEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventstore: begin append tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO catga_stream_version (stream_id, version) VALUES ($1, 0)
		ON CONFLICT (stream_id) DO NOTHING
	`, streamID); err != nil {
		return 0, fmt.Errorf("eventstore: ensure stream row: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT version FROM catga_stream_version WHERE stream_id = $1 FOR UPDATE
	`, streamID).Scan(&current); err != nil {
		return 0, fmt.Errorf("eventstore: lock stream row: %w", err)
	}

	switch expectedVersion {
	case ExpectAny:
	case ExpectNoStream:
		if current != 0 {
			return current, errConcurrencyConflict(streamID, expectedVersion, current)
		}
	default:
		if expectedVersion != current {
			return current, errConcurrencyConflict(streamID, expectedVersion, current)
		}
	}

	now := time.Now()
	newVersion := current
	for _, e := range events {
		newVersion++
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO catga_event (stream_id, version, event_type, payload, message_id, correlation_id, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, streamID, newVersion, e.EventType, e.Payload, e.MessageID, e.CorrelationID, now); err != nil {
			return current, fmt.Errorf("eventstore: insert event: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE catga_stream_version SET version = $2 WHERE stream_id = $1
	`, streamID, newVersion); err != nil {
		return current, fmt.Errorf("eventstore: bump stream version: %w", err)
	}

	return newVersion, tx.Commit()
}

func (s *PostgresStore) Read(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	query := `
		SELECT stream_id, version, event_type, payload, message_id, correlation_id, recorded_at
		FROM catga_event
		WHERE stream_id = $1
		  AND ($2 = 0 OR version >= $2)
		  AND ($3 = 0 OR version <= $3)
		ORDER BY version ASC
	`
	rows, err := s.db.QueryContext(ctx, query, streamID, fromVersion, toVersion)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.StreamID, &e.Version, &e.EventType, &e.Payload, &e.MessageID, &e.CorrelationID, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("eventstore: read scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	var snap Snapshot
	snap.StreamID = streamID
	err := s.db.QueryRowContext(ctx, `
		SELECT state, version FROM catga_snapshot WHERE stream_id = $1
	`, streamID).Scan(&snap.State, &snap.Version)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("eventstore: load snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, streamID string, state []byte, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catga_snapshot (stream_id, state, version) VALUES ($1,$2,$3)
		ON CONFLICT (stream_id) DO UPDATE SET state = EXCLUDED.state, version = EXCLUDED.version
	`, streamID, state, version)
	if err != nil {
		return fmt.Errorf("eventstore: save snapshot: %w", err)
	}
	return nil
}
