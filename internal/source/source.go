package source

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection indicates the mailbox server could not be reached or
	// the session broke before the run completed.
	ErrConnection = errors.New("connection failed")

	// ErrTimeout indicates a network phase exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// AuthError indicates that the server rejected the account credentials.
// It is never retried with the same credentials.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsFatal reports whether err aborts the run for an account.
func IsFatal(err error) bool {
	return IsAuthError(err) ||
		errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTimeout)
}

// FailureKind classifies an account-level error for reporting.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuthError(err):
		return "authentication"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "other"
	}
}

// Status is the outcome of a single operation whose failure may or may
// not be recoverable.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result carries a value together with its outcome. Skipped results
// carry a reason; fatal results carry the error that ended the run.
type Result[T any] struct {
	Value  T
	Status Status
	Reason string
	Err    error
}

// OK wraps a successful value.
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

// Skip reports a recoverable failure. err may be nil.
func Skip[T any](reason string, err error) Result[T] {
	return Result[T]{Status: StatusSkipped, Reason: reason, Err: err}
}

// Fatal reports an unrecoverable failure.
func Fatal[T any](err error) Result[T] {
	return Result[T]{Status: StatusFatal, Err: err}
}

// Ok reports whether the result holds a usable value.
func (r Result[T]) Ok() bool {
	return r.Status == StatusOK
}
