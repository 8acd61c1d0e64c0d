// Package apperr defines the error taxonomy shared by the orchestration core.
// Components wrap these sentinels with context; callers match with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicateID           = errors.New("duplicate id")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrInvalidHierarchy      = errors.New("invalid hierarchy")
	ErrAgentUnavailable      = errors.New("agent unavailable")
	ErrHasDependents         = errors.New("has dependents")
	ErrPhaseFailure          = errors.New("phase failure")
	ErrReconciliationFailure = errors.New("reconciliation failure")
	ErrInvalidArgument       = errors.New("invalid argument")
)

// NotFound reports a missing entity of the given kind.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Transition reports an illegal state-machine move.
func Transition(kind, id string, from, to any) error {
	return fmt.Errorf("%s %s: %q → %q: %w", kind, id, from, to, ErrInvalidTransition)
}

// Invalid reports malformed caller input.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as safe to retry. Producers and persistence backends use it
// to opt into bounded retry; unmarked errors are permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
