package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can pick the right
// containment behaviour (skip the series, retry delivery, escalate).
type ErrorKind string

const (
	// KindInput marks missing or unreadable history for one series.
	KindInput ErrorKind = "input"
	// KindComputation marks a malformed series (e.g. non-monotonic timestamps).
	KindComputation ErrorKind = "computation"
	// KindDelivery marks a notifier failure; alert state persists regardless.
	KindDelivery ErrorKind = "delivery"
	// KindPrecondition marks a rejected remediation with zero state mutation.
	KindPrecondition ErrorKind = "precondition"
	// KindRollback marks a failed rollback; configuration state may be
	// inconsistent and must be escalated.
	KindRollback ErrorKind = "rollback"
	// KindInternal is the fallback for unclassified failures.
	KindInternal ErrorKind = "internal"
)

// AppError wraps an operation, failure kind, human-facing message, and
// underlying error.
type AppError struct {
	Op   string
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op string, kind ErrorKind, msg string, err error) error {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure kind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
