package outbox

import (
	"context"

	"github.com/google/uuid"
)

// Appender adapts a Store to the narrow (messageType, payload) shape the
// pipeline's Outbox behavior needs (pipeline.Deps.Outbox) — structurally
// satisfying that interface without this package importing pkg/pipeline
// (which would risk the same import cycle Publisher/DeadLetterer dodge).
type Appender struct {
	Store     Store
	Partition func(messageType string, payload []byte) string
}

// Append records payload as a new Pending entry, deriving MessageID from a
// fresh uuid and Partition from a.Partition (or "" if unset, meaning every
// record shares the unordered default partition).
func (a Appender) Append(ctx context.Context, messageType string, payload []byte) error {
	partition := ""
	if a.Partition != nil {
		partition = a.Partition(messageType, payload)
	}
	return a.Store.Append(ctx, &Record{
		ID:          uuid.NewString(),
		MessageID:   uuid.NewString(),
		MessageType: messageType,
		Partition:   partition,
		Payload:     payload,
		Status:      Pending,
	})
}
