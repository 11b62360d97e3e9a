package saga_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catgadev/catga/pkg/catgaerr"
	"github.com/catgadev/catga/pkg/logging"
	"github.com/catgadev/catga/pkg/result"
	"github.com/catgadev/catga/pkg/saga"
)

func TestRunSucceedsWhenEveryStepSucceeds(t *testing.T) {
	var order []string
	steps := []saga.Step{
		{Name: "ReserveInventory", Action: func(ctx context.Context) result.Result[any] {
			order = append(order, "reserve")
			return result.Success[any](nil)
		}},
		{Name: "ChargeCard", Action: func(ctx context.Context) result.Result[any] {
			order = append(order, "charge")
			return result.Success[any](nil)
		}},
	}
	s := saga.New("saga-1", steps, logging.NewNop())

	report := s.Run(context.Background())
	require.Equal(t, saga.Succeeded, report.Status)
	assert.Equal(t, []string{"reserve", "charge"}, order)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, saga.StepSucceeded, report.Steps[0].Outcome)
	assert.Equal(t, saga.StepSucceeded, report.Steps[1].Outcome)
}

func TestRunCompensatesCompletedStepsInReverseOnFailure(t *testing.T) {
	var compensated []string
	steps := []saga.Step{
		{
			Name:       "ReserveInventory",
			Action:     func(ctx context.Context) result.Result[any] { return result.Success[any](nil) },
			Compensate: func(ctx context.Context) error { compensated = append(compensated, "ReserveInventory"); return nil },
		},
		{
			Name:       "ChargeCard",
			Action:     func(ctx context.Context) result.Result[any] { return result.Success[any](nil) },
			Compensate: func(ctx context.Context) error { compensated = append(compensated, "ChargeCard"); return nil },
		},
		{
			Name:   "ShipOrder",
			Action: func(ctx context.Context) result.Result[any] { return result.Failure[any](catgaerr.TransportFailed, "carrier unreachable") },
		},
	}
	s := saga.New("saga-2", steps, logging.NewNop())

	report := s.Run(context.Background())
	require.Equal(t, saga.Compensated, report.Status)
	assert.Equal(t, []string{"ChargeCard", "ReserveInventory"}, compensated, "compensation must run in reverse step order")
	require.Len(t, report.Steps, 3)
	assert.Equal(t, saga.StepFailed, report.Steps[2].Outcome)
	assert.Equal(t, saga.StepCompensated, report.Steps[0].Outcome)
	assert.Equal(t, saga.StepCompensated, report.Steps[1].Outcome)
}

func TestRunReportsFailedWhenCompensationItselfFails(t *testing.T) {
	steps := []saga.Step{
		{
			Name:       "ReserveInventory",
			Action:     func(ctx context.Context) result.Result[any] { return result.Success[any](nil) },
			Compensate: func(ctx context.Context) error { return errors.New("compensation unreachable") },
		},
		{
			Name:   "ChargeCard",
			Action: func(ctx context.Context) result.Result[any] { return result.Failure[any](catgaerr.HandlerFailed, "card declined") },
		},
	}
	s := saga.New("saga-3", steps, logging.NewNop())

	report := s.Run(context.Background())
	require.Equal(t, saga.Failed, report.Status, "a failed compensation requires manual intervention")
	assert.Equal(t, saga.StepCompensationFailed, report.Steps[0].Outcome)
}

func TestRunSkipsStepsNotReachedAfterEarlyFailure(t *testing.T) {
	steps := []saga.Step{
		{Name: "A", Action: func(ctx context.Context) result.Result[any] { return result.Failure[any](catgaerr.HandlerFailed, "boom") }},
		{Name: "B", Action: func(ctx context.Context) result.Result[any] {
			t.Fatal("step B must not run after step A fails")
			return result.Success[any](nil)
		}},
	}
	s := saga.New("saga-4", steps, logging.NewNop())

	report := s.Run(context.Background())
	assert.Equal(t, saga.StepSkippedNotReached, report.Steps[1].Outcome)
}

func TestRunRespectsPerStepTimeout(t *testing.T) {
	steps := []saga.Step{
		{
			Name:    "SlowStep",
			Timeout: 5 * time.Millisecond,
			Action: func(ctx context.Context) result.Result[any] {
				<-ctx.Done()
				return result.Failure[any](catgaerr.Timeout, "deadline exceeded")
			},
		},
	}
	s := saga.New("saga-5", steps, logging.NewNop())

	start := time.Now()
	report := s.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, saga.Compensated, report.Status)
}
