// Package outbox implements catga's durable outbox: a crash-safe queue of
// messages pending publish, giving at-least-once delivery across process
// restarts. The companion inbox/idempotency half is implemented by
// pkg/idempotency, whose TryBeginProcess/Complete already satisfy the inbox
// contract — outbox only owns the publish side.
package outbox

import (
	"context"
	"time"
)

// Status is the outbox record lifecycle state. Transitions are
// Pending→Publishing→{Pending|Published|Failed}: a failed attempt within the
// retry budget goes back to Pending, and a record that exhausted it is left
// Failed. Published and Failed records are never leased again; Failed does
// not return to Pending.
type Status string

const (
	Pending    Status = "Pending"
	Publishing Status = "Publishing"
	Published  Status = "Published"
	Failed     Status = "Failed"
)

// Record is a single durable outbox entry.
type Record struct {
	ID            string
	MessageID     string
	CorrelationID string
	MessageType   string // fully-qualified type name
	Partition     string // routes ordering; records with the same partition publish FIFO
	Payload       []byte
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	LastError     string
	LeaseOwner    string
	LeaseExpires  *time.Time
}

// Store is the durable outbox contract. Implementations (Postgres, memory)
// must give the publisher loop's lease semantics: a record leased into
// Publishing whose lease expires before MarkPublished/MarkFailed reverts to
// Pending automatically, so a crashed publisher never strands a record.
type Store interface {
	// Append durably records a new Pending entry.
	Append(ctx context.Context, rec *Record) error

	// LeasePending atomically selects up to batchSize Pending (or
	// lease-expired Publishing) records for partition — or across all
	// partitions if partition is "" — marks them Publishing with a fresh
	// lease of leaseDuration, and returns them ordered by CreatedAt
	// ascending within each partition (FIFO).
	LeasePending(ctx context.Context, partition string, batchSize int, leaseDuration time.Duration) ([]*Record, error)

	// MarkPublished transitions id to the terminal Published state.
	MarkPublished(ctx context.Context, id string) error

	// MarkFailed records a publish failure. If attempts (after increment)
	// is still under maxAttempts the record returns to Pending for another
	// lease cycle; otherwise it is left Failed for the caller to route to
	// the dead-letter queue.
	MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) error

	// Partitions lists distinct partitions with at least one Pending or
	// lease-expired Publishing record, letting a sharded publisher loop
	// discover work without scanning every partition on every tick.
	Partitions(ctx context.Context) ([]string, error)
}
