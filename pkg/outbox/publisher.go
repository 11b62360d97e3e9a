package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/catgadev/catga/pkg/logging"
)

// Publisher is the minimal transport surface the outbox loop needs: publish
// a record's already-serialized payload under its message type. It is
// satisfied by transport.PublishBytesAdapter, which wraps any Transport, so
// this package never imports pkg/transport (which itself may append to the
// outbox), avoiding an import cycle.
type Publisher interface {
	PublishBytes(ctx context.Context, messageType string, payload []byte, messageID, correlationID string) error
}

// DeadLetterer receives records that exhausted their retry budget. Satisfied
// by pkg/dlq.Store's EnqueueFailed, kept as a narrow interface for the same
// import-cycle reason as Publisher.
type DeadLetterer interface {
	EnqueueFailed(ctx context.Context, rec *Record, lastErr error) error
}

// PublisherLoopConfig configures the outbox's single logical worker per
// partition, preserving FIFO delivery order within that partition.
type PublisherLoopConfig struct {
	BatchSize      int
	LeaseDuration  time.Duration
	PollInterval   time.Duration
	MaxAttempts    int
	Partition      string // "" means this worker owns every partition
}

// PublisherLoop repeatedly leases a batch, publishes each record in order,
// and marks results, following a (1) lease (2) publish (3) mark sequence.
// It is the publish-side analogue of the forwarder background loop in
// pkg/transport.
type PublisherLoop struct {
	store     Store
	publisher Publisher
	dlq       DeadLetterer
	cfg       PublisherLoopConfig
	log       logging.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPublisherLoop builds a PublisherLoop. dlq may be nil, in which case
// exhausted records are simply left Failed in the store.
func NewPublisherLoop(store Store, publisher Publisher, dlq DeadLetterer, cfg PublisherLoopConfig, log logging.Logger) *PublisherLoop {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &PublisherLoop{
		store: store, publisher: publisher, dlq: dlq, cfg: cfg, log: log,
		stop: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start runs the loop until Stop is called or ctx is cancelled.
func (l *PublisherLoop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer func() {
		ticker.Stop()
		close(l.done)
	}()

	for {
		if err := l.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Error("outbox publisher tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop signals the loop to exit and blocks until it does.
func (l *PublisherLoop) Stop() {
	close(l.stop)
	<-l.done
}

func (l *PublisherLoop) tick(ctx context.Context) error {
	batch, err := l.store.LeasePending(ctx, l.cfg.Partition, l.cfg.BatchSize, l.cfg.LeaseDuration)
	if err != nil {
		return err
	}
	for _, rec := range batch {
		if err := l.publisher.PublishBytes(ctx, rec.MessageType, rec.Payload, rec.MessageID, rec.CorrelationID); err != nil {
			if markErr := l.store.MarkFailed(ctx, rec.ID, err, l.cfg.MaxAttempts); markErr != nil {
				l.log.Error("outbox mark failed errored", "recordId", rec.ID, "error", markErr)
			}
			if rec.Attempts+1 >= l.cfg.MaxAttempts && l.dlq != nil {
				if dlqErr := l.dlq.EnqueueFailed(ctx, rec, err); dlqErr != nil {
					l.log.Error("outbox dead-letter enqueue failed", "recordId", rec.ID, "error", dlqErr)
				}
			}
			continue
		}
		if err := l.store.MarkPublished(ctx, rec.ID); err != nil {
			l.log.Error("outbox mark published errored", "recordId", rec.ID, "error", err)
		}
	}
	return nil
}
