// Package eventstore implements catga's append-only per-stream event log
// with optimistic concurrency and periodic snapshots.
package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/resilience"
)

// StoredEvent is a single persisted event within a stream.
type StoredEvent struct {
	StreamID      string
	Version       int64 // the stream version this event produced, starting at 1
	EventType     string
	Payload       []byte
	MessageID     string
	CorrelationID string
	RecordedAt    time.Time
}

// Snapshot is a caller-opaque materialized state for a stream at Version.
type Snapshot struct {
	StreamID string
	State    []byte
	Version  int64
}

// ExpectNoStream is passed as expectedVersion to Append to require the
// stream not already exist — "-1 meaning must not exist"
const ExpectNoStream int64 = -1

// ExpectAny disables the optimistic check, appending unconditionally.
const ExpectAny int64 = -2

// Store is the event-store contract. Append is atomic per stream: either
// every event in the call is appended and the stream version advances by
// len(events), or none are and ConcurrencyConflict is returned.
type Store interface {
	// Append appends events to streamID, failing with
	// catgaerr-coded ConcurrencyConflict if the stream's current version
	// does not equal expectedVersion (or, for ExpectNoStream, if the
	// stream already has any events). Returns the new stream version.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []NewEvent) (newVersion int64, err error)

	// Read returns events in the stream in ascending version order,
	// restricted to [fromVersion, toVersion] when either is non-zero.
	// toVersion of 0 means "through the latest version".
	Read(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error)

	// LoadSnapshot returns the most recently saved snapshot for streamID,
	// or ok=false if none has been saved.
	LoadSnapshot(ctx context.Context, streamID string) (snap Snapshot, ok bool, err error)

	// SaveSnapshot persists state as of version, replacing any prior
	// snapshot for the stream. Cadence is caller-driven
	SaveSnapshot(ctx context.Context, streamID string, state []byte, version int64) error
}

// NewEvent is a caller-supplied event awaiting a stream version assignment.
type NewEvent struct {
	EventType     string
	Payload       []byte
	MessageID     string
	CorrelationID string
}

// errConcurrencyConflict builds the *resilience.CodedError a Store returns
// when expectedVersion doesn't match the stream's actual version, the same
// coded-error shape pkg/resilience's classification already understands.
func errConcurrencyConflict(streamID string, expected, actual int64) error {
	return &resilience.CodedError{
		Code: catgaerr.ConcurrencyConflict,
		Err:  &conflictError{streamID: streamID, expected: expected, actual: actual},
	}
}

type conflictError struct {
	streamID         string
	expected, actual int64
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("eventstore: stream %s expected version %d, got %d", e.streamID, e.expected, e.actual)
}
