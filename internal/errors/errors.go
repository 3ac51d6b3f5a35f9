// Package errors defines the error taxonomy used across the upload
// engine. It wraps github.com/pkg/errors so that errors keep a stack
// trace as they cross package boundaries.
package errors

import (
	"github.com/pkg/errors"
)

// New, Wrap, Wrapf, Errorf and Cause re-export the corresponding
// github.com/pkg/errors functions so callers only need to import this
// package.
var (
	New    = errors.New
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
	Errorf = errors.Errorf
	Cause  = errors.Cause
	Is     = errors.Is
	As     = errors.As
)

// Kind classifies an error for retry/logging policy, per the taxonomy
// in the specification.
type Kind int

const (
	// KindTransport covers network/adapter failures on a single request.
	KindTransport Kind = iota
	// KindToken covers an invalid or expired upload token. Treated as
	// KindTransport for retry purposes.
	KindToken
	// KindHash covers hash compute/verify failures. Never task-fatal.
	KindHash
	// KindStorage covers durable-store failures. Never task-fatal.
	KindStorage
	// KindInvalidState covers a control operation called in the wrong
	// task state.
	KindInvalidState
	// KindCancelled marks an error observed after cancellation; it is
	// not surfaced as a failure.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindToken:
		return "token"
	case KindHash:
		return "hash"
	case KindStorage:
		return "storage"
	case KindInvalidState:
		return "invalid_state"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskError carries a Kind alongside the wrapped cause so callers can
// branch on retry/logging policy without string matching.
type TaskError struct {
	Kind Kind
	Err  error
}

func (e *TaskError) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// New kind-tagged constructors.

func Transport(err error) error { return &TaskError{Kind: KindTransport, Err: err} }
func Token(err error) error     { return &TaskError{Kind: KindToken, Err: err} }
func Hash(err error) error      { return &TaskError{Kind: KindHash, Err: err} }
func Storage(err error) error   { return &TaskError{Kind: KindStorage, Err: err} }
func InvalidState(msg string) error {
	return &TaskError{Kind: KindInvalidState, Err: errors.New(msg)}
}
func Cancelled() error {
	return &TaskError{Kind: KindCancelled, Err: errors.New("cancelled")}
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *TaskError, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether err should be retried per the taxonomy:
// transport and token errors are retryable, everything else is not.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindTransport || kind == KindToken
}
