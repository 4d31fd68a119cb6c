package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("resource conflict")
	ErrTooManyAttempts = errors.New("too many attempts")
)

// ConflictError reports a violated uniqueness or referential constraint by name.
type ConflictError struct {
	Constraint string
	Detail     string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrConflict, e.Detail, e.Constraint)
	}
	return fmt.Sprintf("%s: %s", ErrConflict, e.Constraint)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Conflict builds a ConflictError for the named constraint.
func Conflict(constraint, detail string) error {
	return &ConflictError{Constraint: constraint, Detail: detail}
}

// ConstraintOf returns the constraint name carried by err, if any.
func ConstraintOf(err error) (string, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Constraint, true
	}
	return "", false
}
