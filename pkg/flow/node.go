// Package flow implements catga's Flow Engine DSL : an
// interpreter over a tree of nodes, persisted between steps so a flow can
// suspend (waiting on a signal, a timer, or a parallel fan-out) and resume
// across process restarts.
//
// A Definition (the node tree plus its Step actions) lives in process code,
// registered once at startup — like a Temporal workflow definition, it is
// never itself persisted. Only a flow instance's State/Position/Status is
// persisted, via Store.
package flow

import (
	"context"
	"time"
)

// Kind discriminates a Node's shape.
type Kind string

const (
	KindSequence   Kind = "Sequence"
	KindStep       Kind = "Step"
	KindIf         Kind = "If"
	KindSwitch     Kind = "Switch"
	KindForEach    Kind = "ForEach"
	KindWhenAll    Kind = "WhenAll"
	KindWhenAny    Kind = "WhenAny"
	KindWait       Kind = "Wait"
	KindDelay      Kind = "Delay"
	KindCompensate Kind = "Compensate"
)

// WaitKind selects a Wait node's completion rule across its SignalKeys.
type WaitKind string

const (
	WaitAll WaitKind = "All"
	WaitAny WaitKind = "Any"
)

// Vars is the flow instance's working state, read and written by Step
// actions and conditions. It is JSON-serialized into FlowSnapshot.State
// between every suspension point.
type Vars map[string]any

// Action is a Step node's user code. ctx carries the engine's per-tick
// deadline; vars is the flow's live working state.
type Action func(ctx context.Context, vars Vars) error

// Cond evaluates a boolean branch condition (If) against the flow's vars.
type Cond func(vars Vars) bool

// Selector picks a Switch case key from vars.
type Selector func(vars Vars) string

// ItemsSelector extracts the slice ForEach iterates, from vars.
type ItemsSelector func(vars Vars) []any

// Node is one element of a flow's tree. Only the fields relevant to Kind
// are populated; the zero value of the rest is ignored.
type Node struct {
	Kind Kind
	Name string

	// Sequence
	Children []*Node

	// Step
	Action Action

	// If
	Cond Cond
	Then *Node
	Else *Node

	// Switch
	Selector Selector
	Cases    map[string]*Node
	Default  *Node

	// ForEach
	ItemsSelector  ItemsSelector
	Body           *Node
	Parallel       bool
	MaxConcurrency int
	FailFast       bool

	// WhenAll / WhenAny
	Branches []*Node

	// Wait
	SignalKeys  []string
	WaitKind    WaitKind
	WaitTimeout time.Duration
	OnTimeout   *Node

	// Delay
	Delay time.Duration

	// Compensate
	Body2   *Node // the guarded body (named Body2 to avoid clashing with ForEach.Body)
	Handler *Node // compensation handler, run in reverse if Body2 fails
}

// Sequence runs children in order.
func Sequence(name string, children ...*Node) *Node {
	return &Node{Kind: KindSequence, Name: name, Children: children}
}

// Step runs action once, synchronously, per tick.
func Step(name string, action Action) *Node {
	return &Node{Kind: KindStep, Name: name, Action: action}
}

// If branches on cond; elseBranch may be nil.
func If(name string, cond Cond, thenBranch, elseBranch *Node) *Node {
	return &Node{Kind: KindIf, Name: name, Cond: cond, Then: thenBranch, Else: elseBranch}
}

// Switch branches on selector's result against cases, falling back to def.
func Switch(name string, selector Selector, cases map[string]*Node, def *Node) *Node {
	return &Node{Kind: KindSwitch, Name: name, Selector: selector, Cases: cases, Default: def}
}

// ForEachConfig configures parallelism for a ForEach node.
type ForEachConfig struct {
	Parallel       bool
	MaxConcurrency int
	FailFast       bool
}

// ForEach runs body once per item from itemsSelector(vars), item index
// available to body as vars["_item"]/vars["_itemIndex"].
func ForEach(name string, itemsSelector ItemsSelector, body *Node, cfg ForEachConfig) *Node {
	return &Node{
		Kind: KindForEach, Name: name, ItemsSelector: itemsSelector, Body: body,
		Parallel: cfg.Parallel, MaxConcurrency: cfg.MaxConcurrency, FailFast: cfg.FailFast,
	}
}

// WhenAll runs branches concurrently, completing only once every branch
// completes (or failing if any fails).
func WhenAll(name string, branches ...*Node) *Node {
	return &Node{Kind: KindWhenAll, Name: name, Branches: branches}
}

// WhenAny runs branches concurrently, completing as soon as the first
// branch completes.
func WhenAny(name string, branches ...*Node) *Node {
	return &Node{Kind: KindWhenAny, Name: name, Branches: branches}
}

// Wait suspends the flow until signals matching keys satisfy kind's
// completion rule, or timeout elapses (0 disables the timeout — the flow
// then only ever resumes via Signal). onTimeout, if set, runs instead of
// failing when the deadline is reached first.
func Wait(name string, keys []string, kind WaitKind, timeout time.Duration, onTimeout *Node) *Node {
	return &Node{Kind: KindWait, Name: name, SignalKeys: keys, WaitKind: kind, WaitTimeout: timeout, OnTimeout: onTimeout}
}

// Delay suspends the flow for d before continuing.
func Delay(name string, d time.Duration) *Node {
	return &Node{Kind: KindDelay, Name: name, Delay: d}
}

// Compensate runs body; if body fails, handler runs before the failure is
// propagated — the node-level analogue of pkg/saga's step compensation.
func Compensate(name string, body, handler *Node) *Node {
	return &Node{Kind: KindCompensate, Name: name, Body2: body, Handler: handler}
}
