package flow

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// evalForEach dispatches node.Body once per item, bounded by
// node.MaxConcurrency when node.Parallel is set, tracking completion in a
// ForEachProgress keyed by (flowID, stepPath). Item completion is recorded
// at-most-once: a resumed tick only re-dispatches items the stored
// progress has not yet marked Completed or Failed, and Results preserves
// input order regardless of which goroutine finishes first.
func (e *Engine) evalForEach(ec *execContext, node *Node, here Position) evalResult {
	stepPath := here.String()
	var items []any
	if node.ItemsSelector != nil {
		items = node.ItemsSelector(ec.vars)
	}

	progress, ok, _ := e.store.GetForEachProgress(ec.ctx, ec.flowID, stepPath)
	if !ok {
		progress = ForEachProgress{
			FlowID: ec.flowID, StepPath: stepPath, Total: len(items),
			Completed: map[int]bool{}, Failed: map[int]string{}, Results: map[int]json.RawMessage{},
		}
	}

	var pending []int
	for i := range items {
		if progress.Completed[i] || progress.Failed[i] != "" {
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) == 0 {
		return e.finishForEach(ec, node, stepPath, progress)
	}

	concurrency := 1
	if node.Parallel {
		concurrency = node.MaxConcurrency
		if concurrency <= 0 {
			concurrency = len(pending)
		}
	}

	var mu sync.Mutex
	var aborted int32
	var saveErr error
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, idx := range pending {
		if node.FailFast && atomic.LoadInt32(&aborted) == 1 {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			itemVars := cloneVars(ec.vars)
			itemVars["_item"] = items[idx]
			itemVars["_itemIndex"] = idx
			itemEC := &execContext{ctx: ec.ctx, engine: e, flowID: ec.flowID, vars: itemVars}
			res := e.evalNode(itemEC, node.Body, here.Child(idx), nil)

			mu.Lock()
			defer mu.Unlock()

			// Record this item's outcome and re-snapshot progress
			// immediately, under the same lock, so a crash mid-dispatch only
			// loses items still in flight at crash time rather than every
			// item this tick has completed so far.
			if res.kind == outcomeFail {
				progress.Failed[idx] = res.err.Error()
				if node.FailFast {
					atomic.StoreInt32(&aborted, 1)
				}
			} else if raw, err := json.Marshal(itemVars); err != nil {
				progress.Failed[idx] = err.Error()
			} else {
				progress.Completed[idx] = true
				progress.Results[idx] = raw
			}

			if err := e.store.SaveForEachProgress(ec.ctx, progress); err != nil && saveErr == nil {
				saveErr = err
			}
		}(idx)
	}
	wg.Wait()

	if saveErr != nil {
		return evalResult{kind: outcomeFail, err: saveErr}
	}

	if !progress.Done() {
		return evalResult{kind: outcomeSuspend}
	}
	return e.finishForEach(ec, node, stepPath, progress)
}

func (e *Engine) finishForEach(ec *execContext, node *Node, stepPath string, progress ForEachProgress) evalResult {
	_ = e.store.ClearForEachProgress(ec.ctx, ec.flowID, stepPath)
	if progress.AnyFailed() {
		return evalResult{kind: outcomeFail, err: fmt.Errorf("forEach %q: %d item(s) failed", node.Name, len(progress.Failed))}
	}
	return evalResult{kind: outcomeContinue}
}
