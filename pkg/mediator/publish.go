package mediator

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/pipeline"
	"github.com/catgadev/catga/pkg/result"
)

// Publish dispatches evt concurrently to every handler registered for TEvt.
// Each handler's pipeline runs in isolation: a panic or failure in one does
// not cancel or block the others. The aggregate result is success
// only if every handler succeeded; otherwise it is a
// catgaerr.PartialEventFailure carrying one "handler:<name>" metadata entry
// per failed handler with that handler's own code and message. Zero
// registered handlers is a vacuous success.
func Publish[TEvt any](ctx context.Context, m *Mediator, evt TEvt) result.Result[any] {
	select {
	case <-ctx.Done():
		return result.Failure[any](catgaerr.Cancelled, "publish cancelled before dispatch")
	default:
	}

	key := reflect.TypeOf((*TEvt)(nil)).Elem()
	m.mu.RLock()
	entries := append([]*eventEntry(nil), m.eventHandlers[key]...)
	m.mu.RUnlock()

	if len(entries) == 0 {
		return result.Success[any](nil)
	}

	correlationID := correlationIDFromContext(ctx)
	fields := fieldsOf(evt)

	type outcome struct {
		name string
		res  result.Result[any]
	}
	outcomes := make([]outcome, len(entries))

	var wg sync.WaitGroup
	wg.Add(len(entries))
	for i, entry := range entries {
		i, entry := i, entry
		go func() {
			defer wg.Done()
			env := &pipeline.Envelope{
				MessageID:     uuid.NewString(),
				CorrelationID: correlationID,
				Payload:       evt,
				Fields:        fields,
			}
			chain := m.cache.GetOrBuild(entry.descriptor, m.deps, entry.handler)
			outcomes[i] = outcome{name: entry.descriptor.HandlerType, res: chain(ctx, env)}
		}()
	}
	wg.Wait()

	out := result.Success[any](nil)
	anyFailed := false
	for _, oc := range outcomes {
		if oc.res.IsFailure() {
			anyFailed = true
			out = out.WithMetadata(fmt.Sprintf("handler:%s", oc.name), string(oc.res.Code())+": "+oc.res.Message())
		}
	}
	if !anyFailed {
		return out
	}

	failure := result.Failure[any](catgaerr.PartialEventFailure, "one or more event handlers failed")
	for _, k := range out.Metadata().Keys() {
		v, _ := out.Metadata().Get(k)
		failure = failure.WithMetadata(k, v)
	}
	return failure
}
