package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore is a Store backed by a single upserted row per projection.
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
CREATE TABLE IF NOT EXISTS catga_checkpoint (
	projection TEXT PRIMARY KEY,
	position   BIGINT NOT NULL
);
`

func (s *PostgresStore) Get(ctx context.Context, projection string) (int64, bool, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `
		SELECT position FROM catga_checkpoint WHERE projection = $1
	`, projection).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint: get: %w", err)
	}
	return pos, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, projection string, position int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catga_checkpoint (projection, position) VALUES ($1,$2)
		ON CONFLICT (projection) DO UPDATE SET position = EXCLUDED.position
	`, projection, position)
	if err != nil {
		return fmt.Errorf("checkpoint: set: %w", err)
	}
	return nil
}
