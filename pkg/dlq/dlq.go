// Package dlq implements catga's dead-letter queue: the terminal home for
// messages that exhausted their retry budget.
package dlq

import (
	"context"
	"time"

	"github.com/catgadev/catga/pkg/outbox"
)

// Record is one dead-lettered message.
type Record struct {
	ID          string
	MessageID   string
	MessageType string
	Payload     []byte
	LastError   string
	Attempts    int
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Filter narrows a List call. A zero-value field is unconstrained.
type Filter struct {
	MessageType string
	Since       time.Time
}

// Page requests a slice of the filtered result set, ordered by FirstSeen
// ascending.
type Page struct {
	Offset int
	Limit  int
}

// Republisher is the narrow transport surface Replay needs: re-emit a
// payload under its original message type. Satisfied by
// transport.PublishBytesAdapter, kept as its own narrow interface here
// (rather than importing pkg/transport) for the same import-cycle
// avoidance pkg/outbox.Publisher already uses.
type Republisher interface {
	PublishBytes(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error
}

// Store is the dead-letter queue contract.
type Store interface {
	// Enqueue records a dead-lettered message.
	Enqueue(ctx context.Context, rec *Record) error

	// EnqueueFailed implements outbox.DeadLetterer, converting an outbox
	// Record (plus the error that exhausted its retry budget) into a dlq
	// Record.
	EnqueueFailed(ctx context.Context, rec *outbox.Record, lastErr error) error

	// List returns records matching filter, paginated, plus the total
	// matching count (ignoring pagination) for caller-side paging UIs.
	List(ctx context.Context, filter Filter, page Page) ([]*Record, int, error)

	// Replay re-emits the record's payload through pub via Republisher,
	// under its original MessageID/MessageType. It does not remove the
	// record; callers that want replay-then-purge call Purge explicitly.
	Replay(ctx context.Context, id string, pub Republisher) error

	// Purge deletes records by id, or (if id is "") every record with
	// FirstSeen before olderThan.
	Purge(ctx context.Context, id string, olderThan time.Time) error
}
