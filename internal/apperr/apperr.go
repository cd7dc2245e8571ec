// Package apperr defines the error kinds the service reports to callers.
package apperr

import (
	"errors"
	"fmt"

	"fieldroute/internal/model"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindNotFound              Kind = "not_found"
	KindInvalidTransition     Kind = "invalid_transition"
	KindConcurrencyConflict   Kind = "concurrency_conflict"
	KindConstraintViolation   Kind = "constraint_violation"
	KindProviderFailure       Kind = "provider_failure"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindInternal              Kind = "internal"
)

// Sentinels for errors.Is; every *Error matches the sentinel of its kind.
var (
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition}
	ErrConcurrencyConflict   = &Error{Kind: KindConcurrencyConflict}
	ErrConstraintViolation   = &Error{Kind: KindConstraintViolation}
	ErrProviderFailure       = &Error{Kind: KindProviderFailure}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
)

type Error struct {
	Kind       Kind
	Msg        string
	Violations []model.Violation
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so errors.Is(err, ErrNotFound) works for any not-found.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func Invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalidRequest, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Transition(format string, args ...any) error {
	return &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConcurrencyConflict, Msg: fmt.Sprintf(format, args...)}
}

func Constraint(msg string, violations []model.Violation) error {
	return &Error{Kind: KindConstraintViolation, Msg: msg, Violations: violations}
}

func Provider(msg string, err error) error {
	return &Error{Kind: KindProviderFailure, Msg: msg, Err: err}
}

func Unavailable(msg string, err error) error {
	return &Error{Kind: KindDependencyUnavailable, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ViolationsOf returns the violations carried by a constraint error.
func ViolationsOf(err error) []model.Violation {
	var e *Error
	if errors.As(err, &e) {
		return e.Violations
	}
	return nil
}
