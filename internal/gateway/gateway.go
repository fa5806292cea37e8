// Package gateway invokes external predictors (LLM command line tools or
// HTTP chat servers) and normalizes every outcome into a Result value.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is the Result.Error text of a call that exceeded its timeout.
const ErrTimeout = "timeout"

// Result is the outcome of one predictor call. Failures are values: a
// Result with Success false carries the captured error text in Error.
type Result struct {
	Success   bool
	Output    string
	Error     string
	Elapsed   time.Duration
	TokensIn  int
	TokensOut int
}

// Predictor is an external predictor. Invoke issues exactly one call and
// never returns an error or panics; every failure mode is in the Result.
type Predictor interface {
	Name() string
	Invoke(ctx context.Context, text string, timeout time.Duration) Result
}

// CountTokens approximates a token count as the number of whitespace
// separated fields.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

// callFunc performs the transport-specific part of a call.
type callFunc func(ctx context.Context, text string) (string, error)

// invoke runs call under timeout and converts its outcome into a Result.
func invoke(ctx context.Context, text string, timeout time.Duration, call callFunc) (res Result) {
	res.TokensIn = CountTokens(text)

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Output = ""
			res.Error = fmt.Sprintf("panic: %v", r)
			res.Elapsed = time.Since(start)
			res.TokensOut = 0
		}
	}()

	out, err := call(callCtx, text)
	res.Elapsed = time.Since(start)

	if err != nil {
		switch {
		case ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
			res.Error = ErrTimeout
			res.Elapsed = timeout
		case ctx.Err() != nil:
			res.Error = fmt.Sprintf("canceled: %v", ctx.Err())
		default:
			res.Error = err.Error()
		}
		return res
	}

	res.Success = true
	res.Output = out
	res.TokensOut = CountTokens(out)
	return res
}
