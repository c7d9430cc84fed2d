package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for callers and the queue's retry machinery.
//
// Validation, conflict and not-found errors surface synchronously and are
// never retried. Fatal errors mark a job failed on its first attempt
// (missing configuration, unknown job type, no session). Anything else a
// worker returns is treated as transient and retried per the job's
// backoff policy.

type ValidationError struct{ Message string }

func (e *ValidationError) Error() string { return e.Message }

func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

func Conflictf(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

func NotFoundf(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

type FatalError struct{ Message string }

func (e *FatalError) Error() string { return e.Message }

func Fatalf(format string, args ...any) error {
	return &FatalError{Message: fmt.Sprintf(format, args...)}
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// NoRetry reports whether a worker error should short-circuit the queue's
// attempts policy.
func NoRetry(err error) bool {
	return IsFatal(err) || IsValidation(err)
}
