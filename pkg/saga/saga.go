// Package saga implements catga's forward-execution/reverse-compensation
// executor for multi-step business transactions.
package saga

import (
	"context"
	"time"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/logging"
	"github.com/catgadev/catga/pkg/result"
)

// Status is a saga's terminal outcome.
type Status string

const (
	Succeeded   Status = "Succeeded"
	Compensated Status = "Compensated"
	Failed      Status = "Failed"
)

// StepOutcome records what happened to one step within a saga run.
type StepOutcome string

const (
	StepSucceeded          StepOutcome = "Succeeded"
	StepFailed             StepOutcome = "Failed"
	StepCompensated        StepOutcome = "Compensated"
	StepCompensationFailed StepOutcome = "CompensationFailed"
	StepSkippedNotReached  StepOutcome = "SkippedNotReached"
)

// StepResult is one entry in a Report's step list.
type StepResult struct {
	Name     string
	Outcome  StepOutcome
	Duration time.Duration
	Err      error
}

// Report is the saga's outcome: "{status, sagaId,
// steps:[{name,outcome,duration}], duration, error?}".
type Report struct {
	SagaID   string
	Status   Status
	Steps    []StepResult
	Duration time.Duration
	Err      error
}

// Step is one forward/compensating action pair. Action's ctx carries the
// step's own timeout (callers apply resilience attributes via
// pkg/pipeline.Build around Action/Compensate themselves; Saga just calls
// them "retries per step are caller-configured via
// resilience attributes on the step's handler").
type Step struct {
	Name       string
	Action     func(ctx context.Context) result.Result[any]
	Compensate func(ctx context.Context) error
	Timeout    time.Duration
}

// Saga is an ordered list of steps executed forward, compensated in
// reverse on failure.
type Saga struct {
	ID    string
	Steps []Step
	log   logging.Logger
}

// New builds a Saga. log may be nil to disable logging.
func New(sagaID string, steps []Step, log logging.Logger) *Saga {
	return &Saga{ID: sagaID, Steps: steps, log: log}
}

// Run executes the saga's steps in order. On step k's failure, steps
// k-1..0 are compensated in reverse; the result is Compensated if every
// compensation succeeds, or Failed if any compensation itself fails
// (requiring manual intervention)
func (s *Saga) Run(ctx context.Context) Report {
	start := time.Now()
	report := Report{SagaID: s.ID, Steps: make([]StepResult, len(s.Steps))}
	for i := range report.Steps {
		report.Steps[i] = StepResult{Name: s.Steps[i].Name, Outcome: StepSkippedNotReached}
	}

	completed := -1
	var failureErr error
	failed := false

	for i, step := range s.Steps {
		select {
		case <-ctx.Done():
			report.Steps[i] = StepResult{Name: step.Name, Outcome: StepFailed, Err: ctx.Err()}
			failureErr = ctx.Err()
			failed = true
		default:
		}
		if failed {
			break
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		stepStart := time.Now()
		res := step.Action(stepCtx)
		dur := time.Since(stepStart)
		if cancel != nil {
			cancel()
		}

		if res.IsFailure() {
			report.Steps[i] = StepResult{Name: step.Name, Outcome: StepFailed, Duration: dur, Err: errFromResult(res)}
			failureErr = errFromResult(res)
			s.logf(ctx, "saga: step failed", step.Name, failureErr)
			failed = true
			break
		}

		report.Steps[i] = StepResult{Name: step.Name, Outcome: StepSucceeded, Duration: dur}
		completed = i
	}

	if !failed {
		report.Status = Succeeded
		report.Duration = time.Since(start)
		return report
	}

	compensationFailed := false
	for i := completed; i >= 0; i-- {
		step := s.Steps[i]
		if step.Compensate == nil {
			report.Steps[i].Outcome = StepCompensated
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			report.Steps[i].Outcome = StepCompensationFailed
			report.Steps[i].Err = err
			compensationFailed = true
			s.logf(ctx, "saga: compensation failed", step.Name, err)
			continue
		}
		report.Steps[i].Outcome = StepCompensated
	}

	report.Duration = time.Since(start)
	report.Err = failureErr
	if compensationFailed {
		report.Status = Failed
	} else {
		report.Status = Compensated
	}
	return report
}

func (s *Saga) logf(ctx context.Context, msg, step string, err error) {
	if s.log == nil {
		return
	}
	s.log.ErrorContext(ctx, msg, "step", step, "error", err.Error())
}

type resultErr struct{ msg string }

func (e *resultErr) Error() string { return e.msg }

func errFromResult(res result.Result[any]) error {
	if cause := res.Cause(); cause != nil {
		return cause
	}
	return &resultErr{msg: string(res.Code()) + ": " + res.Message()}
}

// IsRetryableCode reports whether a step's failure code is one the caller's
// own resilience-wrapped Action would already have retried, exposed so
// callers building Steps from pkg/pipeline-wrapped handlers can decide
// whether to re-run Run() itself versus treat the saga as terminally
// failed. Saga itself never retries a step.
func IsRetryableCode(code catgaerr.Code) bool { return catgaerr.Retryable(code) }
