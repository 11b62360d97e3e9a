package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type subscription struct {
	id         string
	queueGroup string
	handler    Handler
}

// InMemory is a typed subject table mapping subject → subscribers,
// dispatching synchronously on a bounded worker pool
// in-process backend description. Queue-group subscribers on the same
// subject load-balance round-robin; subscribers with no queue group all
// receive every message.
type InMemory struct {
	mu   sync.Mutex
	subs map[string][]*subscription
	rr   map[string]int // round-robin cursor per (subject,queueGroup)

	workers chan struct{}
}

// NewInMemory builds an in-process Transport. maxWorkers bounds concurrent
// handler dispatch (0 means unbounded).
func NewInMemory(maxWorkers int) *InMemory {
	t := &InMemory{subs: make(map[string][]*subscription), rr: make(map[string]int)}
	if maxWorkers > 0 {
		t.workers = make(chan struct{}, maxWorkers)
	}
	return t
}

func (t *InMemory) dispatch(ctx context.Context, tc TransportContext, payload []byte, h Handler) error {
	if t.workers == nil {
		return h(ctx, tc, payload)
	}
	t.workers <- struct{}{}
	defer func() { <-t.workers }()
	return h(ctx, tc, payload)
}

func (t *InMemory) Publish(ctx context.Context, subject string, tc TransportContext, payload []byte) error {
	t.mu.Lock()
	subs := append([]*subscription(nil), t.subs[subject]...)
	grouped := make(map[string][]*subscription)
	var broadcast []*subscription
	for _, s := range subs {
		if s.queueGroup == "" {
			broadcast = append(broadcast, s)
		} else {
			grouped[s.queueGroup] = append(grouped[s.queueGroup], s)
		}
	}
	var chosen []*subscription
	chosen = append(chosen, broadcast...)
	for group, members := range grouped {
		key := subject + "|" + group
		idx := t.rr[key] % len(members)
		t.rr[key] = t.rr[key] + 1
		chosen = append(chosen, members[idx])
	}
	t.mu.Unlock()

	var firstErr error
	for _, s := range chosen {
		if err := t.dispatch(ctx, tc, payload, s.handler); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *InMemory) SendAndReceive(ctx context.Context, subject string, tc TransportContext, payload []byte, timeout time.Duration) ([]byte, TransportContext, error) {
	replyID := uuid.NewString()
	replySubject := ReplySubject(replyID)

	replyCh := make(chan struct {
		payload []byte
		tc      TransportContext
	}, 1)
	unsub, err := t.Subscribe(ctx, replySubject, "", func(ctx context.Context, tc TransportContext, payload []byte) error {
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

	tc.Headers = mergeHeader(tc.Headers, "catga.reply_subject", replySubject)
	if err := t.Publish(ctx, subject, tc, payload); err != nil {
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

func mergeHeader(h map[string]string, k, v string) map[string]string {
	if h == nil {
		h = make(map[string]string)
	}
	h[k] = v
	return h
}

func (t *InMemory) Subscribe(_ context.Context, subject string, queueGroup string, handler Handler) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &subscription{id: uuid.NewString(), queueGroup: queueGroup, handler: handler}
	t.subs[subject] = append(t.subs[subject], sub)

	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.subs[subject]
		for i, s := range list {
			if s.id == sub.id {
				t.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
		return nil
	}, nil
}

func (t *InMemory) Close() error { return nil }

// Reply publishes payload to the reply subject embedded in tc by the
// original SendAndReceive caller's "catga.reply_subject" header — the
// request-handling side of an in-process request/reply exchange calls this
// from inside its Subscribe handler.
func (t *InMemory) Reply(ctx context.Context, tc TransportContext, payload []byte) error {
	replySubject, ok := tc.Header("catga.reply_subject")
	if !ok {
		return fmt.Errorf("transport: no reply subject in context")
	}
	return t.Publish(ctx, replySubject, TransportContext{MessageID: tc.MessageID, CorrelationID: tc.CorrelationID}, payload)
}
