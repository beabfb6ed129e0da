// Package taxonomy implements the client's error/result taxonomy.
package taxonomy

import "github.com/pkg/errors"

// Result is the tri-state-plus outcome code threaded through the parser and
// the client state machine in place of a bare error.
type Result int

const (
	// Ok signals "need more input, keep calling".
	Ok Result = iota
	// Done signals "work unit complete, state advance is in order".
	Done
	// Fail is terminal for the current operation.
	Fail
	// NotFound distinguishes storage misses from other failures.
	NotFound
	// NotImplemented is reserved for weak platform stubs.
	NotImplemented
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Done:
		return "done"
	case Fail:
		return "fail"
	case NotFound:
		return "not-found"
	case NotImplemented:
		return "not-implemented"
	default:
		return "unknown"
	}
}

// ClientError wraps an error with a fatal/transient classification, mirroring
// the real Mender client's menderError split between NewFatalError and
// NewTransientError.
type ClientError struct {
	cause  error
	fatal  bool
	Result Result
}

func (e *ClientError) Error() string {
	return e.cause.Error()
}

// Cause returns the wrapped error for use with errors.Cause.
func (e *ClientError) Cause() error {
	return e.cause
}

// Fatal reports whether the error should abort the current flow outright
// rather than be retried at the next scheduled firing.
func (e *ClientError) Fatal() bool {
	return e.fatal
}

// NewFatalError builds a ClientError that must not be retried.
func NewFatalError(err error) *ClientError {
	return &ClientError{cause: err, fatal: true, Result: Fail}
}

// NewTransientError builds a ClientError eligible for retry at the next
// scheduled work-item firing.
func NewTransientError(err error) *ClientError {
	return &ClientError{cause: err, fatal: false, Result: Fail}
}

// NewNotFoundError marks a storage-miss outcome distinct from other failures.
func NewNotFoundError(err error) *ClientError {
	return &ClientError{cause: err, fatal: false, Result: NotFound}
}

// IsFatal reports whether err is a ClientError flagged fatal. Non-ClientError
// values are treated as fatal, matching the conservative default the real
// Mender client applies to unclassified errors.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClientError
	if ok := errors.As(err, &ce); ok {
		return ce.Fatal()
	}
	return true
}

// IsNotFound reports whether err represents a storage miss.
func IsNotFound(err error) bool {
	var ce *ClientError
	if ok := errors.As(err, &ce); ok {
		return ce.Result == NotFound
	}
	return false
}
