// Package lock implements catga's distributed lock: a named exclusive lock
// with a TTL-bound auto-release and a fencing token that guards Release
// against releasing a lock someone else now holds.
package lock

import (
	"context"
	"time"
)

// Handle is returned by a successful TryAcquire. Token must be presented to
// Release; a mismatched token means the caller's lease already expired and
// someone else owns the key, so Release is a no-op rather than an error.
type Handle struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Locker acquires and releases named exclusive locks cluster-wide.
// Reentrance is intentionally unsupported: a caller holding a lock that
// calls TryAcquire again for the same key blocks/fails like any other
// caller — callers needing reentrant access must serialize
// it themselves above this layer.
type Locker interface {
	// TryAcquire attempts to acquire key, retrying internally up to
	// waitTimeout before giving up. A nil handle with a nil error means the
	// wait elapsed without acquiring the lock.
	TryAcquire(ctx context.Context, key string, ttl, waitTimeout time.Duration) (*Handle, error)

	// Release releases the lock iff handle.Token still matches the current
	// holder; otherwise it is a no-op (the TTL already expired and someone
	// else may hold it).
	Release(ctx context.Context, handle *Handle) error

	// Extend refreshes handle's TTL iff the token still matches, for
	// long-running critical sections that outlive the original TTL.
	Extend(ctx context.Context, handle *Handle, ttl time.Duration) error
}
