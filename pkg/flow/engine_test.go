package flow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/flow"
	"github.com/catgadev/catga/pkg/logging"
)

func varsOf(t *testing.T, snap flow.FlowSnapshot) flow.Vars {
	t.Helper()
	var v flow.Vars
	require.NoError(t, json.Unmarshal(snap.State, &v))
	return v
}

func appendLog(key string) flow.Action {
	return func(_ context.Context, vars flow.Vars) error {
		var log []any
		if existing, ok := vars["log"]; ok {
			arr, _ := existing.([]any)
			log = arr
		}
		vars["log"] = append(log, key)
		return nil
	}
}

func TestSequentialFlowRunsStepsInOrder(t *testing.T) {
	def := &flow.Definition{Name: "seq", Root: flow.Sequence("root",
		flow.Step("a", appendLog("a")),
		flow.Step("b", appendLog("b")),
		flow.Step("c", appendLog("c")),
	)}
	engine := flow.NewEngine(flow.NewMemoryStore(), logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "seq", "f1", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)

	vars := varsOf(t, snap)
	assert.Equal(t, []any{"a", "b", "c"}, vars["log"])
}

func TestStepFailurePropagatesToFailedStatus(t *testing.T) {
	boom := fmt.Errorf("boom")
	def := &flow.Definition{Name: "failing", Root: flow.Sequence("root",
		flow.Step("a", appendLog("a")),
		flow.Step("b", func(context.Context, flow.Vars) error { return boom }),
		flow.Step("c", appendLog("c")),
	)}
	engine := flow.NewEngine(flow.NewMemoryStore(), logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "failing", "f1", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusFailed, snap.Status)
	assert.Contains(t, snap.Err, "boom")

	vars := varsOf(t, snap)
	assert.Equal(t, []any{"a"}, vars["log"], "step c must never run once step b fails")
}

func TestIfNodeBranchesOnCondition(t *testing.T) {
	cond := func(vars flow.Vars) bool {
		approved, _ := vars["approved"].(bool)
		return approved
	}
	def := &flow.Definition{Name: "branching", Root: flow.Sequence("root",
		flow.If("check", cond, flow.Step("approve", appendLog("approved")), flow.Step("reject", appendLog("rejected"))),
	)}
	engine := flow.NewEngine(flow.NewMemoryStore(), logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "branching", "approved-case", flow.Vars{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, []any{"approved"}, varsOf(t, snap)["log"])

	snap, err = engine.Start(context.Background(), "branching", "rejected-case", flow.Vars{"approved": false})
	require.NoError(t, err)
	assert.Equal(t, []any{"rejected"}, varsOf(t, snap)["log"])
}

func TestWaitSuspendsAndResumesOnSignal(t *testing.T) {
	def := &flow.Definition{Name: "approval", Root: flow.Sequence("root",
		flow.Wait("approval", []string{"approved"}, flow.WaitAll, 0, nil),
		flow.Step("after", appendLog("after")),
	)}
	store := flow.NewMemoryStore()
	engine := flow.NewEngine(store, logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "approval", "order-1", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusWaitingSignal, snap.Status)

	w, ok, err := store.GetWaitCondition(context.Background(), "order-1", "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"approved"}, w.Keys)

	snap, err = engine.Signal(context.Background(), "order-1", "0", "approved", map[string]any{"by": "mgr"})
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)
	assert.Equal(t, []any{"after"}, varsOf(t, snap)["log"])
}

func TestWaitAnyCompletesOnFirstSignal(t *testing.T) {
	def := &flow.Definition{Name: "either", Root: flow.Sequence("root",
		flow.Wait("either", []string{"approved", "rejected"}, flow.WaitAny, 0, nil),
	)}
	store := flow.NewMemoryStore()
	engine := flow.NewEngine(store, logging.NewNop())
	engine.Register(def)

	_, err := engine.Start(context.Background(), "either", "order-2", nil)
	require.NoError(t, err)

	snap, err := engine.Signal(context.Background(), "order-2", "0", "rejected", "because")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)
}

func TestWaitTimesOutAndRunsOnTimeoutBranch(t *testing.T) {
	def := &flow.Definition{Name: "timeoutFlow", Root: flow.Sequence("root",
		flow.Wait("approval", []string{"approved"}, flow.WaitAll, 10*time.Millisecond,
			flow.Step("expired", appendLog("expired"))),
	)}
	store := flow.NewMemoryStore()
	engine := flow.NewEngine(store, logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "timeoutFlow", "order-3", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusWaitingSignal, snap.Status)

	time.Sleep(20 * time.Millisecond)
	resumed, err := engine.SweepTimeouts(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	snap, _, err = store.Get(context.Background(), "order-3")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)
	assert.Equal(t, []any{"expired"}, varsOf(t, snap)["log"])
}

func TestCompensateRunsHandlerOnBodyFailure(t *testing.T) {
	boom := fmt.Errorf("charge declined")
	def := &flow.Definition{Name: "checkout", Root: flow.Sequence("root",
		flow.Compensate("charge",
			flow.Step("charge-card", func(context.Context, flow.Vars) error { return boom }),
			flow.Step("release-hold", appendLog("released")),
		),
	)}
	engine := flow.NewEngine(flow.NewMemoryStore(), logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "checkout", "order-4", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusFailed, snap.Status)
	assert.Equal(t, []any{"released"}, varsOf(t, snap)["log"])
}

func TestWhenAllRunsBranchesConcurrentlyAndMergesVars(t *testing.T) {
	def := &flow.Definition{Name: "fanout", Root: flow.Sequence("root",
		flow.WhenAll("both",
			flow.Step("left", func(_ context.Context, vars flow.Vars) error { vars["left"] = true; return nil }),
			flow.Step("right", func(_ context.Context, vars flow.Vars) error { vars["right"] = true; return nil }),
		),
	)}
	engine := flow.NewEngine(flow.NewMemoryStore(), logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "fanout", "order-5", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)
	vars := varsOf(t, snap)
	assert.Equal(t, true, vars["left"])
	assert.Equal(t, true, vars["right"])
}

func TestWhenAnyCompletesOnFirstBranch(t *testing.T) {
	def := &flow.Definition{Name: "race", Root: flow.Sequence("root",
		flow.WhenAny("race",
			flow.Step("fast", func(context.Context, flow.Vars) error { return nil }),
			flow.Step("slow", func(ctx context.Context, _ flow.Vars) error {
				select {
				case <-time.After(50 * time.Millisecond):
				case <-ctx.Done():
				}
				return nil
			}),
		),
	)}
	engine := flow.NewEngine(flow.NewMemoryStore(), logging.NewNop())
	engine.Register(def)

	start := time.Now()
	snap, err := engine.Start(context.Background(), "race", "order-6", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestForEachParallelRunsEveryItemExactlyOnce(t *testing.T) {
	var invocations int32
	body := flow.Step("charge-item", func(_ context.Context, vars flow.Vars) error {
		atomic.AddInt32(&invocations, 1)
		idx, _ := vars["_itemIndex"].(int)
		vars["done"] = idx
		return nil
	})
	def := &flow.Definition{Name: "fanoutItems", Root: flow.Sequence("root",
		flow.ForEach("items", func(flow.Vars) []any { return []any{"a", "b", "c"} }, body,
			flow.ForEachConfig{Parallel: true, MaxConcurrency: 2}),
	)}
	engine := flow.NewEngine(flow.NewMemoryStore(), logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "fanoutItems", "order-7", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&invocations))
}

func TestForEachFailsWhenAnyItemFails(t *testing.T) {
	body := flow.Step("maybe-fail", func(_ context.Context, vars flow.Vars) error {
		idx, _ := vars["_itemIndex"].(int)
		if idx == 1 {
			return fmt.Errorf("item %d failed", idx)
		}
		return nil
	})
	def := &flow.Definition{Name: "partial", Root: flow.Sequence("root",
		flow.ForEach("items", func(flow.Vars) []any { return []any{"a", "b", "c"} }, body,
			flow.ForEachConfig{Parallel: true, MaxConcurrency: 3}),
	)}
	engine := flow.NewEngine(flow.NewMemoryStore(), logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "partial", "order-8", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusFailed, snap.Status)
}

// TestForEachResumeSkipsAlreadyCompletedItems seeds a ForEachProgress where
// item 0 is already marked complete, then resumes the flow — item 0's body
// must not run again, matching the at-most-once dedup on
// (flowId, stepPath, itemIndex) required of every ForEach resume.
func TestForEachResumeSkipsAlreadyCompletedItems(t *testing.T) {
	var invoked sync.Map
	body := flow.Step("charge-item", func(_ context.Context, vars flow.Vars) error {
		idx, _ := vars["_itemIndex"].(int)
		invoked.Store(idx, true)
		return nil
	})
	def := &flow.Definition{Name: "resumeItems", Root: flow.Sequence("root",
		flow.ForEach("items", func(flow.Vars) []any { return []any{"a", "b"} }, body,
			flow.ForEachConfig{Parallel: true, MaxConcurrency: 2}),
	)}
	store := flow.NewMemoryStore()
	engine := flow.NewEngine(store, logging.NewNop())
	engine.Register(def)

	ctx := context.Background()
	now := time.Now()
	state, err := json.Marshal(flow.Vars{})
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, flow.FlowSnapshot{
		FlowID: "order-9", Definition: "resumeItems", Status: flow.StatusWaitingTimer,
		Position: flow.Position{0}, State: state, Version: 0, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.SaveForEachProgress(ctx, flow.ForEachProgress{
		FlowID: "order-9", StepPath: "0", Total: 2,
		Completed: map[int]bool{0: true}, Failed: map[int]string{}, Results: map[int]json.RawMessage{0: json.RawMessage(`{}`)},
	}))

	snap, err := engine.Resume(ctx, "order-9")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)

	_, item0Ran := invoked.Load(0)
	_, item1Ran := invoked.Load(1)
	assert.False(t, item0Ran, "already-completed item must not be re-dispatched on resume")
	assert.True(t, item1Ran, "pending item must still be dispatched on resume")
}

func TestDelaySuspendsUntilDeadlineThenContinues(t *testing.T) {
	def := &flow.Definition{Name: "delayed", Root: flow.Sequence("root",
		flow.Delay("pause", 10*time.Millisecond),
		flow.Step("after", appendLog("after")),
	)}
	store := flow.NewMemoryStore()
	engine := flow.NewEngine(store, logging.NewNop())
	engine.Register(def)

	snap, err := engine.Start(context.Background(), "delayed", "order-10", nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusWaitingTimer, snap.Status)

	snap, err = engine.Resume(context.Background(), "order-10")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusWaitingTimer, snap.Status, "resuming before the deadline must stay suspended")

	time.Sleep(15 * time.Millisecond)
	snap, err = engine.Resume(context.Background(), "order-10")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, snap.Status)
	assert.Equal(t, []any{"after"}, varsOf(t, snap)["log"])
}

func TestRecoverNonTerminalResumesSuspendedFlows(t *testing.T) {
	def := &flow.Definition{Name: "recoverable", Root: flow.Sequence("root",
		flow.Wait("approval", []string{"approved"}, flow.WaitAll, 0, nil),
	)}
	store := flow.NewMemoryStore()
	engine := flow.NewEngine(store, logging.NewNop())
	engine.Register(def)

	ctx := context.Background()
	_, err := engine.Start(ctx, "recoverable", "order-11", nil)
	require.NoError(t, err)

	ids, err := store.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "order-11")
}
