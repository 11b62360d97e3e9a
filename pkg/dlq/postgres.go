package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/catgadev/catga/pkg/outbox"
)

// PostgresStore is a Store backed by a Postgres table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL PostgresStore expects; callers apply it via
// pkg/migrator before first use.
const Schema = `
CREATE TABLE IF NOT EXISTS catga_dead_letter (
	id           UUID PRIMARY KEY,
	message_id   TEXT NOT NULL,
	message_type TEXT NOT NULL,
	payload      BYTEA NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	attempts     INT NOT NULL DEFAULT 0,
	first_seen   TIMESTAMPTZ NOT NULL,
	last_seen    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS catga_dead_letter_type_seen_idx
	ON catga_dead_letter (message_type, first_seen);
`

func (s *PostgresStore) Enqueue(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = rec.FirstSeen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catga_dead_letter (id, message_id, message_type, payload, last_error, attempts, first_seen, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.MessageID, rec.MessageType, rec.Payload, rec.LastError, rec.Attempts, rec.FirstSeen, rec.LastSeen)
	if err != nil {
		return fmt.Errorf("dlq: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnqueueFailed(ctx context.Context, rec *outbox.Record, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return s.Enqueue(ctx, &Record{
		MessageID:   rec.MessageID,
		MessageType: rec.MessageType,
		Payload:     rec.Payload,
		LastError:   msg,
		Attempts:    rec.Attempts,
	})
}

func (s *PostgresStore) List(ctx context.Context, filter Filter, page Page) ([]*Record, int, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, message_type, payload, last_error, attempts, first_seen, last_seen
		FROM catga_dead_letter
		WHERE ($1 = '' OR message_type = $1)
		  AND ($2::timestamptz IS NULL OR first_seen >= $2)
		ORDER BY first_seen ASC
		OFFSET $3 LIMIT $4
	`, filter.MessageType, nullableTime(filter.Since), page.Offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("dlq: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.MessageID, &r.MessageType, &r.Payload, &r.LastError, &r.Attempts, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, 0, fmt.Errorf("dlq: list scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM catga_dead_letter
		WHERE ($1 = '' OR message_type = $1)
		  AND ($2::timestamptz IS NULL OR first_seen >= $2)
	`, filter.MessageType, nullableTime(filter.Since)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dlq: count: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) Replay(ctx context.Context, id string, pub Republisher) error {
	var messageID, messageType string
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, message_type, payload FROM catga_dead_letter WHERE id = $1
	`, id).Scan(&messageID, &messageType, &payload)
	if err == sql.ErrNoRows {
		return fmt.Errorf("dlq: record %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("dlq: replay lookup: %w", err)
	}
	return pub.PublishBytes(ctx, messageType, payload, messageID, "")
}

func (s *PostgresStore) Purge(ctx context.Context, id string, olderThan time.Time) error {
	var err error
	if id != "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM catga_dead_letter WHERE id = $1`, id)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM catga_dead_letter WHERE first_seen < $1`, olderThan)
	}
	if err != nil {
		return fmt.Errorf("dlq: purge: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
