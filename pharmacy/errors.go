/*
errors.go - Centralized error types for the dispensation core

PURPOSE:
  All error types in one place. Callers branch with errors.Is / errors.As;
  the HTTP layer maps them to status codes in a single function.

ERROR CATEGORIES:
  1. Stock errors - InsufficientStockError (user-correctable)
  2. Lookup errors - dispensation or medication no longer exists
  3. Validation errors - bad quantity, missing actor, referential/uniqueness
     violations (including an unknown medication reference)
  4. Persistence errors - UpdateFailedError wraps the underlying cause

SEE ALSO:
  - workflow.go: Produces these errors
  - api/handlers.go: Maps them to HTTP statuses
*/
package pharmacy

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientStock is returned when a dispensation would drive stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrDispensationNotFound is returned when the target dispensation no longer exists.
	ErrDispensationNotFound = errors.New("dispensation not found")

	// ErrMedicationNotFound is returned when a referenced medication does not exist.
	ErrMedicationNotFound = errors.New("medication not found")

	// ErrRecordNotFound is returned by catalog lookups (patients, users, appointments).
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidQuantity is returned when a dispensed quantity is not positive.
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")

	// ErrMissingActor is returned when an update or delete does not say who
	// is making it.
	ErrMissingActor = errors.New("modifying user id and name are required")

	// ErrConstraintViolation is returned when the record store rejects a write
	// for referential integrity or uniqueness reasons.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrUpdateFailed is returned when an update hits an unexpected persistence failure.
	ErrUpdateFailed = errors.New("update failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError reports how many units were available when the
// request was rejected.
type InsufficientStockError struct {
	MedicationID MedicationID
	Available    int
	Requested    int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for medication %d: available %d, requested %d",
		e.MedicationID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// UpdateFailedError wraps an unexpected persistence failure during an update.
// It matches both ErrUpdateFailed and the underlying cause.
type UpdateFailedError struct {
	DispensationID DispensationID
	Cause          error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("update of dispensation %d failed: %v", e.DispensationID, e.Cause)
}

func (e *UpdateFailedError) Unwrap() []error {
	return []error{ErrUpdateFailed, e.Cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrMissingActor) ||
		errors.Is(err, ErrConstraintViolation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDispensationNotFound) ||
		errors.Is(err, ErrMedicationNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}
