package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/logging"
	"github.com/catgadev/catga/pkg/resilience"
)

// Definition is a registered, named node tree. It is process code, never
// persisted — only a flow instance's State/Position/Status (FlowSnapshot)
// is.
type Definition struct {
	Name string
	Root *Node
}

// Engine interprets Definitions against a Store, one tick at a time. A
// tick runs from the current Position until the flow either completes,
// fails, or needs to suspend (Wait, Delay, or an in-flight parallel
// ForEach/WhenAll/WhenAny).
type Engine struct {
	store         Store
	defs          map[string]*Definition
	log           logging.Logger
	maxCASRetries int
}

// NewEngine builds an Engine over store. Definitions are registered via
// Register before Start/Resume can use them.
func NewEngine(store Store, log logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{store: store, defs: make(map[string]*Definition), log: log, maxCASRetries: 5}
}

// Register adds def to the Engine's lookup table. Registering the same
// name twice replaces the earlier Definition — callers are expected to
// register once at startup, before any flow instance references it.
func (e *Engine) Register(def *Definition) {
	e.defs[def.Name] = def
}

// Start creates a new flow instance at Position{} and runs it to its
// first suspension point (or completion).
func (e *Engine) Start(ctx context.Context, definition, flowID string, initial Vars) (FlowSnapshot, error) {
	if _, ok := e.defs[definition]; !ok {
		return FlowSnapshot{}, fmt.Errorf("flow: unknown definition %q", definition)
	}
	if flowID == "" {
		flowID = uuid.NewString()
	}
	if initial == nil {
		initial = Vars{}
	}
	state, err := json.Marshal(initial)
	if err != nil {
		return FlowSnapshot{}, fmt.Errorf("flow: marshal initial vars: %w", err)
	}
	now := time.Now()
	snap := FlowSnapshot{
		FlowID: flowID, Definition: definition, Status: StatusRunning,
		Position: Position{}, State: state, Version: 0, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.store.Create(ctx, snap); err != nil {
		return FlowSnapshot{}, err
	}
	return e.tick(ctx, snap)
}

// Resume re-evaluates an existing, non-terminal flow instance from its
// stored position — used both by callers reacting to a Signal and by the
// restart recovery loop.
func (e *Engine) Resume(ctx context.Context, flowID string) (FlowSnapshot, error) {
	snap, ok, err := e.store.Get(ctx, flowID)
	if err != nil {
		return FlowSnapshot{}, err
	}
	if !ok {
		return FlowSnapshot{}, errNotFound(flowID)
	}
	if snap.Status.Terminal() {
		return snap, nil
	}
	return e.tick(ctx, snap)
}

// Signal delivers an external event to a suspended Wait node and, if the
// node's completion rule is now satisfied, resumes the flow.
func (e *Engine) Signal(ctx context.Context, flowID, stepPath, key string, payload any) (FlowSnapshot, error) {
	w, ok, err := e.store.GetWaitCondition(ctx, flowID, stepPath)
	if err != nil {
		return FlowSnapshot{}, err
	}
	if !ok {
		return FlowSnapshot{}, fmt.Errorf("flow: no wait condition at %s/%s", flowID, stepPath)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return FlowSnapshot{}, fmt.Errorf("flow: marshal signal payload: %w", err)
	}
	if w.Received == nil {
		w.Received = map[string]json.RawMessage{}
	}
	w.Received[key] = raw
	if err := e.store.UpdateWaitCondition(ctx, w); err != nil {
		return FlowSnapshot{}, err
	}
	if !w.Satisfied() {
		snap, _, err := e.store.Get(ctx, flowID)
		return snap, err
	}
	return e.Resume(ctx, flowID)
}

// SweepTimeouts resumes every flow whose Wait or Delay node has passed its
// deadline. It returns the number of
// flows resumed and the first error encountered, continuing past
// individual failures so one stuck flow cannot block the rest of the
// sweep.
func (e *Engine) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	timedOut, err := e.store.GetTimedOutWaitConditions(ctx, now)
	if err != nil {
		return 0, err
	}
	var firstErr error
	resumed := 0
	for _, w := range timedOut {
		if _, err := e.Resume(ctx, w.FlowID); err != nil {
			e.log.ErrorContext(ctx, "flow: resume on timeout failed", "flow_id", w.FlowID, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resumed++
	}
	return resumed, firstErr
}

// RecoverNonTerminal resumes every non-terminal flow instance, for use on
// process startup.
func (e *Engine) RecoverNonTerminal(ctx context.Context) (int, error) {
	ids, err := e.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}
	var firstErr error
	resumed := 0
	for _, id := range ids {
		if _, err := e.Resume(ctx, id); err != nil {
			e.log.ErrorContext(ctx, "flow: recovery resume failed", "flow_id", id, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resumed++
	}
	return resumed, firstErr
}

// execContext threads the per-tick dependencies an evalNode call needs
// without every node type's signature growing a parameter.
type execContext struct {
	ctx    context.Context
	engine *Engine
	flowID string
	vars   Vars
}

// outcome is what evalNode returns: either the node is done (continue to
// the next sibling), it needs the flow to suspend here, or it failed.
type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeSuspend
	outcomeFail
)

type evalResult struct {
	kind outcomeKind
	pos  Position // where execution is now (relative to the node just evaluated)
	err  error
}

// tick runs the flow from its stored Position until it suspends or
// terminates, then persists the new snapshot with a bounded number of
// optimistic-CAS retries against concurrent ticks of the same instance.
func (e *Engine) tick(ctx context.Context, snap FlowSnapshot) (FlowSnapshot, error) {
	for attempt := 0; ; attempt++ {
		next, err := e.runOnce(ctx, snap)
		if err == nil {
			return next, nil
		}
		var coded *resilience.CodedError
		if !errors.As(err, &coded) || coded.Code != catgaerr.ConcurrencyConflict || attempt >= e.maxCASRetries {
			return FlowSnapshot{}, err
		}
		snap, _, err = e.store.Get(ctx, snap.FlowID)
		if err != nil {
			return FlowSnapshot{}, err
		}
	}
}

func (e *Engine) runOnce(ctx context.Context, snap FlowSnapshot) (FlowSnapshot, error) {
	def, ok := e.defs[snap.Definition]
	if !ok {
		return FlowSnapshot{}, fmt.Errorf("flow: unknown definition %q", snap.Definition)
	}
	var vars Vars
	if err := json.Unmarshal(snap.State, &vars); err != nil {
		return FlowSnapshot{}, fmt.Errorf("flow: unmarshal vars: %w", err)
	}
	if vars == nil {
		vars = Vars{}
	}
	ec := &execContext{ctx: ctx, engine: e, flowID: snap.FlowID, vars: vars}

	res := e.evalNode(ec, def.Root, Position{}, snap.Position)

	updated := snap
	updated.UpdatedAt = time.Now()
	stateJSON, err := json.Marshal(vars)
	if err != nil {
		return FlowSnapshot{}, fmt.Errorf("flow: marshal vars: %w", err)
	}
	updated.State = stateJSON

	switch res.kind {
	case outcomeContinue:
		updated.Status = StatusSucceeded
		updated.Position = nil
	case outcomeSuspend:
		updated.Position = res.pos
		updated.Status = e.suspendStatus(res.pos, def.Root)
	case outcomeFail:
		updated.Status = StatusFailed
		updated.Err = res.err.Error()
	}

	if err := e.store.Update(ctx, updated, snap.Version); err != nil {
		return FlowSnapshot{}, err
	}
	updated.Version = snap.Version + 1
	return updated, nil
}

// suspendStatus determines whether a suspend outcome is waiting on a
// timer (Delay, or a Wait with no pending signal keys left unresolved) or
// a signal (Wait), by inspecting the node at pos.
func (e *Engine) suspendStatus(pos Position, root *Node) Status {
	node := locate(root, pos)
	if node == nil {
		return StatusWaitingSignal
	}
	switch node.Kind {
	case KindDelay:
		return StatusWaitingTimer
	case KindWait:
		if len(node.SignalKeys) == 0 {
			return StatusWaitingTimer
		}
		return StatusWaitingSignal
	default:
		// ForEach/WhenAll/WhenAny in-flight parallel work: treated as
		// awaiting its own internal completion, not an external signal.
		return StatusWaitingTimer
	}
}

func locate(node *Node, pos Position) *Node {
	if node.Kind == KindCompensate {
		return locate(node.Body2, pos)
	}
	idx, rest, ok := pos.Head()
	if !ok {
		return node
	}
	switch node.Kind {
	case KindSequence:
		if idx < 0 || idx >= len(node.Children) {
			return nil
		}
		return locate(node.Children[idx], rest)
	case KindIf:
		if idx == 0 && node.Then != nil {
			return locate(node.Then, rest)
		}
		if idx == 1 && node.Else != nil {
			return locate(node.Else, rest)
		}
		return nil
	default:
		return node
	}
}

// evalNode executes node, located at the absolute path here, resuming
// from pos (empty meaning "start this node fresh" — pos is always
// relative to node, while here is node's fixed address in the tree, used
// as the stable key for any externally-persisted state: WaitCondition and
// ForEachProgress).
func (e *Engine) evalNode(ec *execContext, node *Node, here, pos Position) evalResult {
	select {
	case <-ec.ctx.Done():
		return evalResult{kind: outcomeFail, err: ec.ctx.Err()}
	default:
	}

	switch node.Kind {
	case KindSequence:
		return e.evalSequence(ec, node, here, pos)
	case KindStep:
		return e.evalStep(ec, node)
	case KindIf:
		return e.evalIf(ec, node, here, pos)
	case KindSwitch:
		return e.evalSwitch(ec, node, here, pos)
	case KindForEach:
		return e.evalForEach(ec, node, here)
	case KindWhenAll:
		return e.evalWhenAll(ec, node, here)
	case KindWhenAny:
		return e.evalWhenAny(ec, node, here)
	case KindWait:
		return e.evalWait(ec, node, here)
	case KindDelay:
		return e.evalDelay(ec, node, here)
	case KindCompensate:
		return e.evalCompensate(ec, node, here, pos)
	default:
		return evalResult{kind: outcomeFail, err: fmt.Errorf("flow: unknown node kind %q", node.Kind)}
	}
}

func (e *Engine) evalSequence(ec *execContext, node *Node, here, pos Position) evalResult {
	start, rest, resuming := pos.Head()
	if !resuming {
		start = 0
	}
	for i := start; i < len(node.Children); i++ {
		var childPos Position
		if resuming && i == start {
			childPos = rest
		}
		res := e.evalNode(ec, node.Children[i], here.Child(i), childPos)
		if res.kind != outcomeContinue {
			res.pos = append(Position{i}, res.pos...)
			return res
		}
	}
	return evalResult{kind: outcomeContinue}
}

func (e *Engine) evalStep(ec *execContext, node *Node) evalResult {
	if node.Action == nil {
		return evalResult{kind: outcomeContinue}
	}
	if err := node.Action(ec.ctx, ec.vars); err != nil {
		return evalResult{kind: outcomeFail, err: fmt.Errorf("step %q: %w", node.Name, err)}
	}
	return evalResult{kind: outcomeContinue}
}

func (e *Engine) evalIf(ec *execContext, node *Node, here, pos Position) evalResult {
	_, rest, resuming := pos.Head()
	branch := node.Then
	branchIdx := 0
	if !resuming {
		if node.Cond != nil && !node.Cond(ec.vars) {
			branch, branchIdx = node.Else, 1
		}
	} else {
		if pos[0] == 1 {
			branch, branchIdx = node.Else, 1
		}
	}
	if branch == nil {
		return evalResult{kind: outcomeContinue}
	}
	var childPos Position
	if resuming {
		childPos = rest
	}
	res := e.evalNode(ec, branch, here.Child(branchIdx), childPos)
	if res.kind != outcomeContinue {
		res.pos = append(Position{branchIdx}, res.pos...)
	}
	return res
}

func (e *Engine) evalSwitch(ec *execContext, node *Node, here, pos Position) evalResult {
	_, rest, resuming := pos.Head()
	var key string
	if node.Selector != nil {
		key = node.Selector(ec.vars)
	}
	branch, ok := node.Cases[key]
	if !ok {
		branch = node.Default
	}
	if branch == nil {
		return evalResult{kind: outcomeContinue}
	}
	var childPos Position
	if resuming {
		childPos = rest
	}
	res := e.evalNode(ec, branch, here.Child(0), childPos)
	if res.kind != outcomeContinue {
		res.pos = append(Position{0}, res.pos...)
	}
	return res
}

func (e *Engine) evalDelay(ec *execContext, node *Node, here Position) evalResult {
	stepPath := here.String()
	w, ok, _ := e.store.GetWaitCondition(ec.ctx, ec.flowID, stepPath)
	if !ok {
		w = WaitCondition{
			FlowID: ec.flowID, StepPath: stepPath, Kind: WaitAll,
			Deadline: time.Now().Add(node.Delay), CreatedAt: time.Now(),
		}
		if err := e.store.SetWaitCondition(ec.ctx, w); err != nil {
			return evalResult{kind: outcomeFail, err: err}
		}
		return evalResult{kind: outcomeSuspend}
	}
	if !w.TimedOut(time.Now()) {
		return evalResult{kind: outcomeSuspend}
	}
	_ = e.store.ClearWaitCondition(ec.ctx, ec.flowID, stepPath)
	return evalResult{kind: outcomeContinue}
}

func (e *Engine) evalWait(ec *execContext, node *Node, here Position) evalResult {
	stepPath := here.String()
	w, ok, _ := e.store.GetWaitCondition(ec.ctx, ec.flowID, stepPath)
	if !ok {
		w = WaitCondition{
			FlowID: ec.flowID, StepPath: stepPath, Kind: node.WaitKind, Keys: node.SignalKeys,
			Received: map[string]json.RawMessage{}, CreatedAt: time.Now(),
		}
		if node.WaitTimeout > 0 {
			w.Deadline = time.Now().Add(node.WaitTimeout)
		}
		if err := e.store.SetWaitCondition(ec.ctx, w); err != nil {
			return evalResult{kind: outcomeFail, err: err}
		}
		return evalResult{kind: outcomeSuspend}
	}
	if w.Satisfied() {
		for key, payload := range w.Received {
			ec.vars["_signal_"+key] = json.RawMessage(payload)
		}
		_ = e.store.ClearWaitCondition(ec.ctx, ec.flowID, stepPath)
		return evalResult{kind: outcomeContinue}
	}
	if w.TimedOut(time.Now()) {
		_ = e.store.ClearWaitCondition(ec.ctx, ec.flowID, stepPath)
		if node.OnTimeout != nil {
			res := e.evalNode(ec, node.OnTimeout, here.Child(0), nil)
			if res.kind != outcomeContinue {
				res.pos = append(Position{0}, res.pos...)
			}
			return res
		}
		return evalResult{kind: outcomeFail, err: fmt.Errorf("wait %q: timed out", node.Name)}
	}
	return evalResult{kind: outcomeSuspend}
}

func (e *Engine) evalCompensate(ec *execContext, node *Node, here, pos Position) evalResult {
	res := e.evalNode(ec, node.Body2, here, pos)
	if res.kind == outcomeFail && node.Handler != nil {
		if _, herr := e.evalNodeToCompletion(ec, node.Handler, here.Child(0)); herr != nil {
			ec.engine.log.ErrorContext(ec.ctx, "flow: compensation handler failed",
				"node", node.Name, "error", herr.Error())
		}
	}
	return res
}

// evalNodeToCompletion runs a node (a compensation handler) to completion
// within one tick, ignoring suspension — compensation handlers are
// expected to be synchronous cleanup steps, mirroring pkg/saga's
// Step.Compensate contract.
func (e *Engine) evalNodeToCompletion(ec *execContext, node *Node, here Position) (bool, error) {
	res := e.evalNode(ec, node, here, nil)
	if res.kind == outcomeFail {
		return false, res.err
	}
	return true, nil
}

// evalWhenAll runs every branch concurrently against its own cloned Vars,
// and merges results back into ec.vars sequentially after every branch has
// finished — branches never touch ec.vars directly, so two branches
// writing the same key concurrently can never race.
func (e *Engine) evalWhenAll(ec *execContext, node *Node, here Position) evalResult {
	type branchResult struct {
		vars Vars
		err  error
	}
	results := make([]branchResult, len(node.Branches))
	var wg sync.WaitGroup
	for i, branch := range node.Branches {
		wg.Add(1)
		go func(i int, branch *Node) {
			defer wg.Done()
			branchVars := cloneVars(ec.vars)
			branchEC := &execContext{ctx: ec.ctx, engine: e, flowID: ec.flowID, vars: branchVars}
			res := e.evalNode(branchEC, branch, here.Child(i), nil)
			if res.kind == outcomeFail {
				results[i] = branchResult{err: res.err}
				return
			}
			results[i] = branchResult{vars: branchVars}
		}(i, branch)
	}
	wg.Wait()
	for _, r := range results {
		if r.err != nil {
			return evalResult{kind: outcomeFail, err: fmt.Errorf("whenAll %q: %w", node.Name, r.err)}
		}
	}
	for _, r := range results {
		mergeVars(ec.vars, r.vars)
	}
	return evalResult{kind: outcomeContinue}
}

// evalWhenAny runs every branch concurrently against its own cloned Vars
// and completes as soon as the first one finishes; only the winner's vars
// are merged back, from the calling goroutine, once the first result is
// received — every branch's clone is taken before any goroutine starts, and
// losing branches' goroutines still run to completion but never touch
// ec.vars, so there is no race on the flow's shared state.
func (e *Engine) evalWhenAny(ec *execContext, node *Node, here Position) evalResult {
	type branchOutcome struct {
		vars Vars
		err  error
	}
	outcomes := make(chan branchOutcome, len(node.Branches))
	for i, branch := range node.Branches {
		branchVars := cloneVars(ec.vars)
		go func(i int, branch *Node, branchVars Vars) {
			branchEC := &execContext{ctx: ec.ctx, engine: e, flowID: ec.flowID, vars: branchVars}
			res := e.evalNode(branchEC, branch, here.Child(i), nil)
			if res.kind == outcomeFail {
				outcomes <- branchOutcome{err: res.err}
				return
			}
			outcomes <- branchOutcome{vars: branchVars}
		}(i, branch, branchVars)
	}
	first := <-outcomes
	if first.err != nil {
		return evalResult{kind: outcomeFail, err: fmt.Errorf("whenAny %q: %w", node.Name, first.err)}
	}
	mergeVars(ec.vars, first.vars)
	return evalResult{kind: outcomeContinue}
}

func cloneVars(v Vars) Vars {
	cp := make(Vars, len(v))
	for k, val := range v {
		cp[k] = val
	}
	return cp
}

func mergeVars(dst, src Vars) {
	for k, v := range src {
		dst[k] = v
	}
}
