package model

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// NewNotFound builds a NotFoundError.
func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// StateConflictError reports an operation that is invalid for the entity's
// current state. Current and Expected carry enough detail to diagnose the
// conflict; Handle carries an existing job handle when the conflict is a
// duplicate enqueue.
type StateConflictError struct {
	Entity   string
	ID       string
	Current  string
	Expected string
	Reason   string
	Handle   string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("state conflict on %s %s: current=%s", e.Entity, e.ID, e.Current)
	if e.Expected != "" {
		msg += " expected=" + e.Expected
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStateConflict reports whether err is (or wraps) a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}
