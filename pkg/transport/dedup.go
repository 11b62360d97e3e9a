package transport

import (
	"context"

	"github.com/catgadev/catga/pkg/idempotency"
)

// Deduplicating wraps any Transport and consults an idempotency.Store before
// invoking a Subscribe handler, so at-least-once redelivery from any backend
// (Watermill retry, Redis Streams claim sweep, in-process redelivery) never
// reaches application code twice for the same message id. This is the
// Transport-side half of the Inbox pattern; idempotency.Store's
// TryBeginProcess/Complete pair already implements the store contract.
type Deduplicating struct {
	Transport
	store idempotency.Store
}

// NewDeduplicating wraps t so every Subscribe handler is deduplicated
// against store, keyed by TransportContext.MessageID.
func NewDeduplicating(t Transport, store idempotency.Store) *Deduplicating {
	return &Deduplicating{Transport: t, store: store}
}

func (d *Deduplicating) Subscribe(ctx context.Context, subject string, queueGroup string, handler Handler) (func() error, error) {
	wrapped := func(ctx context.Context, tc TransportContext, payload []byte) error {
		if tc.MessageID == "" {
			return handler(ctx, tc, payload)
		}

		status, err := d.store.TryBeginProcess(ctx, tc.MessageID)
		if err != nil {
			return err
		}
		switch status {
		case idempotency.Duplicate:
			return nil
		case idempotency.InProgress:
			// Another delivery of the same message is already being handled;
			// ack this one without reprocessing so the backend doesn't spin.
			return nil
		}

		if err := handler(ctx, tc, payload); err != nil {
			return err
		}
		return d.store.Complete(ctx, tc.MessageID, nil)
	}
	return d.Transport.Subscribe(ctx, subject, queueGroup, wrapped)
}
