package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/resilience"
)

// Store is the Flow Store contract. Every method must behave
// identically across backends (MemoryStore, RedisStore, PostgresStore):
// flow instances are the unit of optimistic concurrency (Update), while
// wait conditions and ForEach progress are addressed independently so a
// signal or an item completion never has to read-modify-write the whole
// snapshot.
type Store interface {
	Create(ctx context.Context, snap FlowSnapshot) error
	Get(ctx context.Context, flowID string) (FlowSnapshot, bool, error)
	// Update persists snap only if the stored version still equals
	// expectedVersion, atomically bumping it by one. A mismatch returns a
	// *resilience.CodedError with catgaerr.ConcurrencyConflict.
	Update(ctx context.Context, snap FlowSnapshot, expectedVersion int64) error
	Delete(ctx context.Context, flowID string) error

	SetWaitCondition(ctx context.Context, w WaitCondition) error
	GetWaitCondition(ctx context.Context, flowID, stepPath string) (WaitCondition, bool, error)
	UpdateWaitCondition(ctx context.Context, w WaitCondition) error
	ClearWaitCondition(ctx context.Context, flowID, stepPath string) error
	// GetTimedOutWaitConditions lists every unresolved WaitCondition whose
	// Deadline has passed as of now, for the timeout sweep loop.
	GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]WaitCondition, error)

	SaveForEachProgress(ctx context.Context, p ForEachProgress) error
	GetForEachProgress(ctx context.Context, flowID, stepPath string) (ForEachProgress, bool, error)
	ClearForEachProgress(ctx context.Context, flowID, stepPath string) error

	// ListNonTerminal lists flow IDs whose Status is not terminal, for the
	// restart recovery loop.
	ListNonTerminal(ctx context.Context) ([]string, error)
}

func errConcurrencyConflict(flowID string, expected, actual int64) error {
	return &resilience.CodedError{
		Code: catgaerr.ConcurrencyConflict,
		Err:  fmt.Errorf("flow: instance %s expected version %d, got %d", flowID, expected, actual),
	}
}

func errNotFound(flowID string) error {
	return fmt.Errorf("flow: instance %s not found", flowID)
}
