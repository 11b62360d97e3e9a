package transport

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	watermillsql "github.com/ThreeDotsLabs/watermill-sql/v3/pkg/sql"
	"github.com/google/uuid"

	"github.com/catgadev/catga/pkg/logging"
)

const (
	watermillMaxRetries  = 3
	watermillRetryDelay  = time.Second
	metaTraceParent      = "catga.traceparent"
	metaTraceState       = "catga.tracestate"
	metaTraceBaggage     = "catga.trace_baggage"
	metaMessageID        = "catga.message_id"
	metaCorrelationID    = "catga.correlation_id"
	metaMessageType      = "catga.message_type"
	metaReplySubjectMeta = "catga.reply_subject"
)

// SubscriberFactory builds a message.Subscriber bound to a queue group. Each
// backend encodes "queue group" differently (Watermill's SQL adapter takes
// it as a constructor option; gochannel has no native grouping), so
// Watermill defers the
// decision to this factory rather than baking one backend in.
type SubscriberFactory func(queueGroup string) (message.Subscriber, error)

// Watermill is a NATS-style subject/queue-group Transport built on
// Watermill's pub/sub abstraction: an Ack/Nack-with-retry contract, OTel
// metadata propagation, and slog bridging. It is not tied to any one
// backend — any message.Publisher plus a SubscriberFactory works, so the
// same code serves an in-process gochannel backend in tests and a durable
// SQL-backed one in production.
type Watermill struct {
	publisher message.Publisher
	factory   SubscriberFactory
	log       logging.Logger

	mu   sync.Mutex
	subs []message.Subscriber
}

// NewWatermill builds a Transport from a ready Watermill publisher and
// subscriber factory.
func NewWatermill(pub message.Publisher, factory SubscriberFactory, log logging.Logger) *Watermill {
	return &Watermill{publisher: pub, factory: factory, log: log}
}

// NewWatermillGoChannel builds an in-process NATS-style Transport on
// Watermill's gochannel pub/sub, used for tests and single-process
// deployments. Every subscription reads from the one gochannel that
// Publish writes to, so every subscriber receives every message whatever
// its queue group; subscribers sharing a queue group are not load-balanced.
func NewWatermillGoChannel(log logging.Logger) *Watermill {
	wlog := &watermillSlogAdapter{log: log}

	pub := gochannel.NewGoChannel(gochannel.Config{}, wlog)
	factory := func(queueGroup string) (message.Subscriber, error) {
		return pub, nil
	}
	return NewWatermill(pub, factory, log)
}

// NewWatermillSQL builds a durable NATS-style Transport backed by
// Watermill's Postgres SQL transport, with AutoInitializeSchema enabled so
// the message tables are created on first use. The ConsumerGroup passed to
// each subscriber is the catga queueGroup, giving genuine cross-instance
// load balancing instead of a single one-group-per-service default.
func NewWatermillSQL(db *sql.DB, log logging.Logger) (*Watermill, error) {
	wlog := &watermillSlogAdapter{log: log}
	pub, err := watermillsql.NewPublisher(
		db,
		watermillsql.PublisherConfig{
			SchemaAdapter:        watermillsql.DefaultPostgreSQLSchema{},
			AutoInitializeSchema: true,
		},
		wlog,
	)
	if err != nil {
		return nil, fmt.Errorf("transport: new sql publisher: %w", err)
	}
	factory := func(queueGroup string) (message.Subscriber, error) {
		if queueGroup == "" {
			queueGroup = "catga-broadcast-" + uuid.NewString()
		}
		return watermillsql.NewSubscriber(
			db,
			watermillsql.SubscriberConfig{
				SchemaAdapter:    watermillsql.DefaultPostgreSQLSchema{},
				OffsetsAdapter:   watermillsql.DefaultPostgreSQLOffsetsAdapter{},
				InitializeSchema: true,
				ConsumerGroup:    queueGroup,
			},
			wlog,
		)
	}
	return NewWatermill(pub, factory, log), nil
}

func (w *Watermill) Publish(ctx context.Context, subject string, tc TransportContext, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	applyMetadata(msg, tc)
	if err := w.publisher.Publish(subject, msg); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", subject, err)
	}
	return nil
}

func (w *Watermill) SendAndReceive(ctx context.Context, subject string, tc TransportContext, payload []byte, timeout time.Duration) ([]byte, TransportContext, error) {
	replyID := uuid.NewString()
	replySubject := ReplySubject(replyID)

	replyCh := make(chan struct {
		payload []byte
		tc      TransportContext
	}, 1)
	unsub, err := w.Subscribe(ctx, replySubject, "", func(ctx context.Context, tc TransportContext, payload []byte) error {
		replyCh <- struct {
			payload []byte
			tc      TransportContext
		}{payload, tc}
		return nil
	})
	if err != nil {
		return nil, TransportContext{}, err
	}
	defer unsub() //nolint:errcheck

	tc.Headers = mergeHeader(tc.Headers, metaReplySubjectMeta, replySubject)
	if err := w.Publish(ctx, subject, tc, payload); err != nil {
		return nil, TransportContext{}, err
	}

	select {
	case r := <-replyCh:
		return r.payload, r.tc, nil
	case <-time.After(timeout):
		return nil, TransportContext{}, fmt.Errorf("transport: send and receive on %s timed out after %s", subject, timeout)
	case <-ctx.Done():
		return nil, TransportContext{}, ctx.Err()
	}
}

// Subscribe registers handler on subject within queueGroup. Ack/Nack follows
// a fixed retry contract: the handler is tried up to 3 times in all, with
// exponential backoff between attempts, before the message is Nacked.
func (w *Watermill) Subscribe(ctx context.Context, subject string, queueGroup string, handler Handler) (func() error, error) {
	sub, err := w.factory(queueGroup)
	if err != nil {
		return nil, fmt.Errorf("transport: build subscriber for group %q: %w", queueGroup, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := sub.Subscribe(subCtx, subject)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: subscribe to %s: %w", subject, err)
	}

	w.mu.Lock()
	w.subs = append(w.subs, sub)
	w.mu.Unlock()

	go func() {
		for msg := range ch {
			tc := extractMetadata(msg)
			if err := retryWatermillHandler(subCtx, msg, tc, handler, watermillMaxRetries, watermillRetryDelay, w.log); err != nil {
				msg.Nack()
				w.log.ErrorContext(subCtx, "transport: handler failed after retries", "subject", subject, "error", err)
			} else {
				msg.Ack()
			}
		}
	}()

	return func() error {
		cancel()
		return nil
	}, nil
}

func (w *Watermill) Close() error {
	cancelErr := w.publisher.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subs {
		if err := sub.Close(); err != nil && cancelErr == nil {
			cancelErr = err
		}
	}
	return cancelErr
}

func applyMetadata(msg *message.Message, tc TransportContext) {
	msg.Metadata.Set(metaMessageID, tc.MessageID)
	msg.Metadata.Set(metaCorrelationID, tc.CorrelationID)
	msg.Metadata.Set(metaMessageType, tc.MessageType)
	if tc.TraceParent != "" {
		msg.Metadata.Set(metaTraceParent, tc.TraceParent)
	}
	if tc.TraceState != "" {
		msg.Metadata.Set(metaTraceState, tc.TraceState)
	}
	if tc.TraceBaggage != "" {
		msg.Metadata.Set(metaTraceBaggage, tc.TraceBaggage)
	}
	for k, v := range tc.Headers {
		msg.Metadata.Set(k, v)
	}
}

func extractMetadata(msg *message.Message) TransportContext {
	tc := TransportContext{
		MessageID:     msg.Metadata.Get(metaMessageID),
		CorrelationID: msg.Metadata.Get(metaCorrelationID),
		MessageType:   msg.Metadata.Get(metaMessageType),
		TraceParent:   msg.Metadata.Get(metaTraceParent),
		TraceState:    msg.Metadata.Get(metaTraceState),
		TraceBaggage:  msg.Metadata.Get(metaTraceBaggage),
		Headers:       make(map[string]string),
	}
	reserved := map[string]bool{
		metaMessageID: true, metaCorrelationID: true, metaMessageType: true,
		metaTraceParent: true, metaTraceState: true, metaTraceBaggage: true,
	}
	for k, v := range msg.Metadata {
		if !reserved[k] {
			tc.Headers[k] = v
		}
	}
	return tc
}

func retryWatermillHandler(ctx context.Context, msg *message.Message, tc TransportContext, handler Handler, maxRetries int, baseDelay time.Duration, log logging.Logger) error {
	delay := baseDelay
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = handler(ctx, tc, msg.Payload); err == nil {
			return nil
		}
		if attempt < maxRetries {
			log.WarnContext(ctx, "transport: handler failed, retrying", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("transport: handler failed after %d attempts: %w", maxRetries, err)
}

// watermillSlogAdapter bridges logging.Logger to watermill.LoggerAdapter.
type watermillSlogAdapter struct{ log logging.Logger }

func (a *watermillSlogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(watermillFieldsToArgs(fields), "error", err)...)
}
func (a *watermillSlogAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, watermillFieldsToArgs(fields)...)
}
func (a *watermillSlogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, watermillFieldsToArgs(fields)...)
}
func (a *watermillSlogAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, watermillFieldsToArgs(fields)...)
}
func (a *watermillSlogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillSlogAdapter{log: a.log.With(watermillFieldsToArgs(fields)...)}
}

func watermillFieldsToArgs(fields watermill.LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
