package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors shared by the engine, the workflow and the stores.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
	ErrPersistence   = errors.New("persistence failure")
)

// ValidationError is returned before any I/O when an input is missing or out of range.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NewNotFoundError(entity string, id uuid.UUID) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

// StateConflictError is returned when an asset is not in the state an
// operation requires, or when a write lost an optimistic version race.
type StateConflictError struct {
	AssetID uuid.UUID
	Reason  string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("asset %s: %s", e.AssetID, e.Reason)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

func NewStateConflictError(assetID uuid.UUID, reason string) *StateConflictError {
	return &StateConflictError{AssetID: assetID, Reason: reason}
}

// PatternError reports a rule pattern that failed to compile. It is logged
// and the rule skipped; it never aborts an evaluation.
type PatternError struct {
	RuleID  uuid.UUID
	Field   string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("rule %s: invalid %s pattern %q: %v", e.RuleID, e.Field, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Persistence wraps a store failure so callers can tell it apart from
// domain errors with errors.Is(err, ErrPersistence).
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStateConflict) || errors.Is(err, ErrValidation) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
