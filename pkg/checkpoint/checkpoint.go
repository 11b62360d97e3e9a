// Package checkpoint implements a per-projection cursor store over event
// streams, so a read-model projector can resume from where it left off
// after a restart instead of replaying a stream's full history.
package checkpoint

import "context"

// Store tracks the last processed position for each named projection.
type Store interface {
	// Get returns the last committed position for projection, or ok=false
	// if the projection has never checkpointed.
	Get(ctx context.Context, projection string) (position int64, ok bool, err error)

	// Set durably advances projection's checkpoint to position. Callers
	// only ever move position forward; Set does not itself enforce
	// monotonicity so a projector can be reset by calling Set with a
	// smaller position deliberately (e.g. to force a replay window).
	Set(ctx context.Context, projection string, position int64) error
}
