package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/catgadev/catga/pkg/catgaerr"
)

var (
	errOverloaded  = errors.New("resilience: bulkhead capacity exhausted")
	overloadedCode = catgaerr.Overloaded
)

// WithTimeout runs fn with a context bounded by d. On deadline exceeded it
// returns a CodedError wrapping catgaerr.Timeout; fn must observe ctx.Done()
// promptly since WithTimeout cannot forcibly stop fn's goroutine, only stop
// waiting on its result.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(tctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-tctx.Done():
		return nil, &CodedError{Code: catgaerr.Timeout, Err: tctx.Err()}
	}
}
