package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is a Store backed by a Postgres table, using
// `SELECT ... FOR UPDATE SKIP LOCKED` to lease a batch without blocking
// concurrent publisher workers — the same claim pattern as the pack's
// Kafka-outbox dispatcher, adapted to catga's Pending/Publishing/Published
// lifecycle instead of a single published_at timestamp.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB (opened against the
// `jackc/pgx/v5/stdlib` driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL PostgresStore expects; callers apply it via the
// project's migration tool (pkg/migrator) before first use.
const Schema = `
CREATE TABLE IF NOT EXISTS catga_outbox (
	id              UUID PRIMARY KEY,
	message_id      TEXT NOT NULL,
	correlation_id  TEXT NOT NULL DEFAULT '',
	message_type    TEXT NOT NULL,
	partition       TEXT NOT NULL DEFAULT '',
	payload         BYTEA NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	lease_owner     TEXT NOT NULL DEFAULT '',
	lease_expires   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS catga_outbox_leasable_idx
	ON catga_outbox (partition, status, created_at);
`

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = Pending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catga_outbox
			(id, message_id, correlation_id, message_type, partition, payload, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.MessageID, rec.CorrelationID, rec.MessageType, rec.Partition, rec.Payload, rec.Status, rec.Attempts, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

// AppendTx appends rec using an existing transaction, so a handler's
// side-effects and its outbox append commit atomically when both use the
// same store.
func (s *PostgresStore) AppendTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = Pending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO catga_outbox
			(id, message_id, correlation_id, message_type, partition, payload, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.MessageID, rec.CorrelationID, rec.MessageType, rec.Partition, rec.Payload, rec.Status, rec.Attempts, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("outbox: insert (tx): %w", err)
	}
	return nil
}

func (s *PostgresStore) LeasePending(ctx context.Context, partition string, batchSize int, leaseDuration time.Duration) ([]*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin lease tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		SELECT id, message_id, correlation_id, message_type, partition, payload,
		       status, attempts, created_at, last_attempt_at, last_error
		FROM catga_outbox
		WHERE (status = 'Pending' OR (status = 'Publishing' AND lease_expires < now()))
		  AND ($1 = '' OR partition = $1)
		ORDER BY partition, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, query, partition, batchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox: lease select: %w", err)
	}

	var leased []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.MessageID, &r.CorrelationID, &r.MessageType, &r.Partition,
			&r.Payload, &r.Status, &r.Attempts, &r.CreatedAt, &r.LastAttemptAt, &r.LastError); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: lease scan: %w", err)
		}
		leased = append(leased, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(leased) == 0 {
		return nil, tx.Commit()
	}

	expiry := time.Now().Add(leaseDuration)
	for _, r := range leased {
		if _, err := tx.ExecContext(ctx, `
			UPDATE catga_outbox SET status = 'Publishing', lease_expires = $2 WHERE id = $1
		`, r.ID, expiry); err != nil {
			return nil, fmt.Errorf("outbox: lease update: %w", err)
		}
		r.Status = Publishing
		r.LeaseExpires = &expiry
	}

	return leased, tx.Commit()
}

func (s *PostgresStore) MarkPublished(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE catga_outbox SET status = 'Published', lease_expires = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return checkAffected(res, id)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE catga_outbox SET
			attempts = attempts + 1,
			last_attempt_at = now(),
			last_error = $2,
			lease_expires = NULL,
			status = CASE WHEN attempts + 1 < $3 THEN 'Pending' ELSE 'Failed' END
		WHERE id = $1
	`, id, msg, maxAttempts)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return checkAffected(res, id)
}

func (s *PostgresStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT partition FROM catga_outbox
		WHERE status = 'Pending' OR (status = 'Publishing' AND lease_expires < now())
		ORDER BY partition
	`)
	if err != nil {
		return nil, fmt.Errorf("outbox: partitions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("outbox: record " + id + " not found")
	}
	return nil
}
