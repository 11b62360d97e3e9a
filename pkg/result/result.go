// Package result implements the tagged-union Result[T] carrier used
// throughout catga in place of Go's bare error return for business outcomes.
// Infrastructure faults are still plain Go errors at the call boundary; the
// pipeline (pkg/pipeline) is responsible for converting a recovered panic or
// an unclassified error into a Result carrying catgaerr.Unexpected.
package result

import (
	"fmt"

	"github.com/catgadev/catga/pkg/catgaerr"
)

// Metadata is an ordered key/value bag attached to a Result. Order is
// preserved so consumers can read metadata in attachment order.
type Metadata struct {
	keys   []string
	values map[string]string
}

// NewMetadata returns an empty metadata bag.
func NewMetadata() Metadata {
	return Metadata{values: make(map[string]string)}
}

// Set attaches or overwrites key. Returns the receiver's value to allow
// chaining: m = m.Set("a", "1").Set("b", "2").
func (m Metadata) Set(key, value string) Metadata {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
	return m
}

// Get returns the value for key and whether it was present.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the attachment-ordered key list.
func (m Metadata) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len reports the number of entries.
func (m Metadata) Len() int { return len(m.keys) }

// Result is a tagged union: exactly one of the success or failure branches
// is populated, indicated by ok.
type Result[T any] struct {
	ok       bool
	value    T
	code     catgaerr.Code
	message  string
	cause    error
	metadata Metadata
}

// Success wraps a value as a successful Result.
func Success[T any](value T) Result[T] {
	return Result[T]{ok: true, value: value, metadata: NewMetadata()}
}

// Failure builds a failed Result with the given error code and message.
func Failure[T any](code catgaerr.Code, message string) Result[T] {
	return Result[T]{ok: false, code: code, message: message, metadata: NewMetadata()}
}

// FailureWithCause builds a failed Result wrapping an underlying Go error,
// used at the pipeline boundary when converting a recovered fault.
func FailureWithCause[T any](code catgaerr.Code, message string, cause error) Result[T] {
	return Result[T]{ok: false, code: code, message: message, cause: cause, metadata: NewMetadata()}
}

// IsSuccess reports whether r is the success branch.
func (r Result[T]) IsSuccess() bool { return r.ok }

// IsFailure reports whether r is the failure branch.
func (r Result[T]) IsFailure() bool { return !r.ok }

// Value returns the success value and true, or the zero value and false.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.ok
}

// MustValue returns the success value, panicking if r is a failure. Callers
// in infrastructure code that has already checked IsSuccess use this to
// avoid redundant zero-value handling.
func (r Result[T]) MustValue() T {
	if !r.ok {
		panic(fmt.Sprintf("result: MustValue called on failure %s: %s", r.code, r.message))
	}
	return r.value
}

// Code returns the failure error code, or "" for a success.
func (r Result[T]) Code() catgaerr.Code { return r.code }

// Message returns the failure message, or "" for a success.
func (r Result[T]) Message() string { return r.message }

// Cause returns the wrapped infrastructure error, if any.
func (r Result[T]) Cause() error { return r.cause }

// Metadata returns the result's metadata bag.
func (r Result[T]) Metadata() Metadata { return r.metadata }

// WithMetadata returns a copy of r with key/value attached to its metadata.
// Valid on both branches — failures carry metadata such as per-handler
// causes for PartialEventFailure.
func (r Result[T]) WithMetadata(key, value string) Result[T] {
	r.metadata = r.metadata.Set(key, value)
	return r
}

// Error renders the failure as a Go error string. It is not an error value
// itself; it exists for logging.
func (r Result[T]) Error() string {
	if r.ok {
		return ""
	}
	if r.cause != nil {
		return fmt.Sprintf("%s: %s: %v", r.code, r.message, r.cause)
	}
	return fmt.Sprintf("%s: %s", r.code, r.message)
}

// Map transforms a successful value, passing failures through unchanged.
func Map[T, U any](r Result[T], f func(T) U) Result[U] {
	if !r.ok {
		out := Result[U]{ok: false, code: r.code, message: r.message, cause: r.cause, metadata: r.metadata}
		return out
	}
	out := Success(f(r.value))
	out.metadata = r.metadata
	return out
}

// Bind chains a Result-returning step, short-circuiting on failure.
func Bind[T, U any](r Result[T], f func(T) Result[U]) Result[U] {
	if !r.ok {
		return Result[U]{ok: false, code: r.code, message: r.message, cause: r.cause, metadata: r.metadata}
	}
	out := f(r.value)
	for _, k := range r.metadata.Keys() {
		v, _ := r.metadata.Get(k)
		out = out.WithMetadata(k, v)
	}
	return out
}
