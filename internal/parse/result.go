// Package parse turns free-form predictor output into structured payloads.
// Malformed output is a value, not an error: every parser returns a Result
// that either holds the payload or the reason it could not be produced.
package parse

import "fmt"

// Result holds either a parsed value or the reason parsing failed.
type Result[T any] struct {
	value  T
	reason string
	ok     bool
}

// Ok wraps a successfully parsed value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Fail returns a failed Result with a formatted reason.
func Fail[T any](format string, args ...any) Result[T] {
	return Result[T]{reason: fmt.Sprintf(format, args...)}
}

// OK reports whether parsing succeeded.
func (r Result[T]) OK() bool { return r.ok }

// Value returns the parsed value and whether it is valid.
func (r Result[T]) Value() (T, bool) { return r.value, r.ok }

// Reason returns why parsing failed, or "" on success.
func (r Result[T]) Reason() string { return r.reason }
