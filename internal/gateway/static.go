package gateway

import (
	"context"
	"errors"
	"time"
)

// Func adapts a function into a Predictor. The function sees a context that
// carries the call's timeout.
type Func struct {
	name string
	fn   func(ctx context.Context, text string) (string, error)
}

// NewFunc returns a Predictor backed by fn.
func NewFunc(name string, fn func(ctx context.Context, text string) (string, error)) *Func {
	return &Func{name: name, fn: fn}
}

// Name returns the predictor identity.
func (f *Func) Name() string { return f.name }

// Invoke calls the function.
func (f *Func) Invoke(ctx context.Context, text string, timeout time.Duration) Result {
	return invoke(ctx, text, timeout, f.fn)
}

// NewStatic returns a Predictor that always answers output, or fails with
// errText when it is non-empty. It is used for dry runs and tests.
func NewStatic(name, output, errText string) *Func {
	return NewFunc(name, func(ctx context.Context, _ string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if errText != "" {
			return "", errors.New(errText)
		}
		return output, nil
	})
}
