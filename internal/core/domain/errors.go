package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("transaction conflict")
	ErrTerminalState     = errors.New("order is in a terminal state")
	ErrRetryExhausted    = errors.New("retries exhausted, reload and try again")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrIncompatible      = errors.New("incompatible selection")
)

// ValidationError reports a missing or malformed field before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientStockError names the first record that would have gone negative.
type InsufficientStockError struct {
	ItemID    string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: %s has %d, needs %d", ErrInsufficientStock, e.ItemID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func ItemNotFound(id string) error  { return notFound("item", id) }
func OrderNotFound(id string) error { return notFound("order", id) }
func UnitNotFound(id string) error  { return notFound("assembled unit", id) }
func DraftNotFound(id string) error { return notFound("build draft", id) }
