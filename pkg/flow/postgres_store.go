package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore is a Store backed by Postgres, using `SELECT ... FOR
// UPDATE` on the flow instance row for Update's optimistic-CAS semantics —
// the same row-lock pattern as pkg/eventstore.PostgresStore, generalized
// from an append-only stream to a single mutable instance row.
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
CREATE TABLE IF NOT EXISTS catga_flow (
	flow_id    TEXT PRIMARY KEY,
	definition TEXT NOT NULL,
	status     TEXT NOT NULL,
	position   TEXT NOT NULL,
	state      JSONB NOT NULL,
	err        TEXT NOT NULL DEFAULT '',
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS catga_flow_wait (
	flow_id    TEXT NOT NULL,
	step_path  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	keys       JSONB NOT NULL,
	received   JSONB NOT NULL,
	deadline   TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (flow_id, step_path)
);

CREATE INDEX IF NOT EXISTS catga_flow_wait_deadline_idx ON catga_flow_wait (deadline);

CREATE TABLE IF NOT EXISTS catga_flow_foreach (
	flow_id    TEXT NOT NULL,
	step_path  TEXT NOT NULL,
	total      INTEGER NOT NULL,
	completed  JSONB NOT NULL,
	failed     JSONB NOT NULL,
	results    JSONB NOT NULL,
	PRIMARY KEY (flow_id, step_path)
);
`

func (s *PostgresStore) Create(ctx context.Context, snap FlowSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catga_flow (flow_id, definition, status, position, state, err, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, snap.FlowID, snap.Definition, string(snap.Status), snap.Position.String(), snap.State, snap.Err,
		snap.Version, snap.CreatedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("flow: create: %w", err)
	}
	return nil
}

func scanPosition(s string) Position {
	if s == "" {
		return nil
	}
	var pos Position
	cur := 0
	started := false
	for _, r := range s {
		if r == '.' {
			pos = append(pos, cur)
			cur = 0
			started = false
			continue
		}
		cur = cur*10 + int(r-'0')
		started = true
	}
	if started || len(pos) == 0 {
		pos = append(pos, cur)
	}
	return pos
}

func (s *PostgresStore) scanRow(row *sql.Row) (FlowSnapshot, bool, error) {
	var snap FlowSnapshot
	var position string
	err := row.Scan(&snap.FlowID, &snap.Definition, &snap.Status, &position, &snap.State, &snap.Err,
		&snap.Version, &snap.CreatedAt, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return FlowSnapshot{}, false, nil
	}
	if err != nil {
		return FlowSnapshot{}, false, fmt.Errorf("flow: scan: %w", err)
	}
	snap.Position = scanPosition(position)
	return snap, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, flowID string) (FlowSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, definition, status, position, state, err, version, created_at, updated_at
		FROM catga_flow WHERE flow_id = $1
	`, flowID)
	return s.scanRow(row)
}

func (s *PostgresStore) Update(ctx context.Context, snap FlowSnapshot, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flow: begin update tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM catga_flow WHERE flow_id = $1 FOR UPDATE
	`, snap.FlowID).Scan(&current)
	if err == sql.ErrNoRows {
		return errNotFound(snap.FlowID)
	}
	if err != nil {
		return fmt.Errorf("flow: lock instance row: %w", err)
	}
	if current != expectedVersion {
		return errConcurrencyConflict(snap.FlowID, expectedVersion, current)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE catga_flow
		SET status = $2, position = $3, state = $4, err = $5, version = $6, updated_at = $7
		WHERE flow_id = $1
	`, snap.FlowID, string(snap.Status), snap.Position.String(), snap.State, snap.Err, expectedVersion+1, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("flow: update instance: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Delete(ctx context.Context, flowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catga_flow WHERE flow_id = $1`, flowID); err != nil {
		return fmt.Errorf("flow: delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetWaitCondition(ctx context.Context, w WaitCondition) error {
	return s.UpdateWaitCondition(ctx, w)
}

func (s *PostgresStore) UpdateWaitCondition(ctx context.Context, w WaitCondition) error {
	keysJSON, err := json.Marshal(w.Keys)
	if err != nil {
		return fmt.Errorf("flow: marshal wait keys: %w", err)
	}
	receivedJSON, err := json.Marshal(w.Received)
	if err != nil {
		return fmt.Errorf("flow: marshal wait received: %w", err)
	}
	var deadline any
	if !w.Deadline.IsZero() {
		deadline = w.Deadline
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catga_flow_wait (flow_id, step_path, kind, keys, received, deadline, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (flow_id, step_path) DO UPDATE SET
			kind = EXCLUDED.kind, keys = EXCLUDED.keys, received = EXCLUDED.received, deadline = EXCLUDED.deadline
	`, w.FlowID, w.StepPath, string(w.Kind), keysJSON, receivedJSON, deadline, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("flow: upsert wait condition: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanWaitRow(row *sql.Row) (WaitCondition, bool, error) {
	var w WaitCondition
	var keysJSON, receivedJSON []byte
	var deadline sql.NullTime
	err := row.Scan(&w.FlowID, &w.StepPath, &w.Kind, &keysJSON, &receivedJSON, &deadline, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return WaitCondition{}, false, nil
	}
	if err != nil {
		return WaitCondition{}, false, fmt.Errorf("flow: scan wait: %w", err)
	}
	if err := json.Unmarshal(keysJSON, &w.Keys); err != nil {
		return WaitCondition{}, false, fmt.Errorf("flow: unmarshal wait keys: %w", err)
	}
	if err := json.Unmarshal(receivedJSON, &w.Received); err != nil {
		return WaitCondition{}, false, fmt.Errorf("flow: unmarshal wait received: %w", err)
	}
	if deadline.Valid {
		w.Deadline = deadline.Time
	}
	return w, true, nil
}

func (s *PostgresStore) GetWaitCondition(ctx context.Context, flowID, stepPath string) (WaitCondition, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, step_path, kind, keys, received, deadline, created_at
		FROM catga_flow_wait WHERE flow_id = $1 AND step_path = $2
	`, flowID, stepPath)
	return s.scanWaitRow(row)
}

func (s *PostgresStore) ClearWaitCondition(ctx context.Context, flowID, stepPath string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM catga_flow_wait WHERE flow_id = $1 AND step_path = $2
	`, flowID, stepPath)
	if err != nil {
		return fmt.Errorf("flow: clear wait condition: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]WaitCondition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, step_path, kind, keys, received, deadline, created_at
		FROM catga_flow_wait WHERE deadline IS NOT NULL AND deadline <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("flow: query timed out waits: %w", err)
	}
	defer rows.Close()

	var out []WaitCondition
	for rows.Next() {
		var w WaitCondition
		var keysJSON, receivedJSON []byte
		var deadline sql.NullTime
		if err := rows.Scan(&w.FlowID, &w.StepPath, &w.Kind, &keysJSON, &receivedJSON, &deadline, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("flow: scan timed out wait: %w", err)
		}
		if err := json.Unmarshal(keysJSON, &w.Keys); err != nil {
			return nil, fmt.Errorf("flow: unmarshal wait keys: %w", err)
		}
		if err := json.Unmarshal(receivedJSON, &w.Received); err != nil {
			return nil, fmt.Errorf("flow: unmarshal wait received: %w", err)
		}
		if deadline.Valid {
			w.Deadline = deadline.Time
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveForEachProgress(ctx context.Context, p ForEachProgress) error {
	completedJSON, err := json.Marshal(p.Completed)
	if err != nil {
		return fmt.Errorf("flow: marshal foreach completed: %w", err)
	}
	failedJSON, err := json.Marshal(p.Failed)
	if err != nil {
		return fmt.Errorf("flow: marshal foreach failed: %w", err)
	}
	resultsJSON, err := json.Marshal(p.Results)
	if err != nil {
		return fmt.Errorf("flow: marshal foreach results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catga_flow_foreach (flow_id, step_path, total, completed, failed, results)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (flow_id, step_path) DO UPDATE SET
			total = EXCLUDED.total, completed = EXCLUDED.completed, failed = EXCLUDED.failed, results = EXCLUDED.results
	`, p.FlowID, p.StepPath, p.Total, completedJSON, failedJSON, resultsJSON)
	if err != nil {
		return fmt.Errorf("flow: upsert foreach progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetForEachProgress(ctx context.Context, flowID, stepPath string) (ForEachProgress, bool, error) {
	var p ForEachProgress
	var completedJSON, failedJSON, resultsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT flow_id, step_path, total, completed, failed, results
		FROM catga_flow_foreach WHERE flow_id = $1 AND step_path = $2
	`, flowID, stepPath).Scan(&p.FlowID, &p.StepPath, &p.Total, &completedJSON, &failedJSON, &resultsJSON)
	if err == sql.ErrNoRows {
		return ForEachProgress{}, false, nil
	}
	if err != nil {
		return ForEachProgress{}, false, fmt.Errorf("flow: get foreach progress: %w", err)
	}
	if err := json.Unmarshal(completedJSON, &p.Completed); err != nil {
		return ForEachProgress{}, false, fmt.Errorf("flow: unmarshal foreach completed: %w", err)
	}
	if err := json.Unmarshal(failedJSON, &p.Failed); err != nil {
		return ForEachProgress{}, false, fmt.Errorf("flow: unmarshal foreach failed: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &p.Results); err != nil {
		return ForEachProgress{}, false, fmt.Errorf("flow: unmarshal foreach results: %w", err)
	}
	return p, true, nil
}

func (s *PostgresStore) ClearForEachProgress(ctx context.Context, flowID, stepPath string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM catga_flow_foreach WHERE flow_id = $1 AND step_path = $2
	`, flowID, stepPath)
	if err != nil {
		return fmt.Errorf("flow: clear foreach progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id FROM catga_flow WHERE status NOT IN ('Succeeded', 'Failed', 'Cancelled')
	`)
	if err != nil {
		return nil, fmt.Errorf("flow: list non-terminal: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("flow: scan flow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
