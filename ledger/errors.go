/*
errors.go - Centralized error taxonomy for the custody engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Every mutating operation raises these inside its transaction boundary
  and rolls back fully; no component swallows a ledger error.

ERROR CATEGORIES:
  1. Validation errors      - malformed input, caller's fault, not retryable
  2. Not-found errors       - referenced batch/product/party doesn't exist
  3. Insufficient quantity  - transfer exceeds available/in-stock at commit
  4. Consistency violations - an invariant would break; fatal to the tx
  5. Resource busy          - lock contention; transient, retry with backoff

USAGE:
  Callers classify with the helpers rather than matching strings:

    if ledger.IsRetryable(err) { backoffAndResubmit() }
    if ledger.IsNotFound(err)  { respond404() }

SEE ALSO:
  - movement.go: Validate() produces ValidationError
  - custody/guard.go: produces ConsistencyError
  - store/sqlite: maps SQLITE_BUSY onto ErrResourceBusy
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all malformed-input failures.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound is returned when a referenced batch, product, or party
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientQuantity is returned when a requested transfer exceeds
	// the available or in-stock quantity at commit time.
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrConsistencyViolation is returned when a guard invariant would be
	// broken. Always fatal to the enclosing transaction.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrResourceBusy is returned on lock contention or transaction
	// conflict. Transient; safe to retry with backoff.
	ErrResourceBusy = errors.New("resource busy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed or out-of-range input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a dangling reference.
type NotFoundError struct {
	Entity string // "batch", "product", "party", "position", "purchase"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientQuantityError provides details about a quantity shortage.
type InsufficientQuantityError struct {
	BatchID   string
	Holder    PartyRef
	Available int64
	Requested int64
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity for batch %s at %s %s: available %d, requested %d",
		e.BatchID, e.Holder.Type, e.Holder.ID, e.Available, e.Requested)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

// ConsistencyError reports a guard invariant that would be broken.
// Indicates a logic bug or a race not otherwise caught.
type ConsistencyError struct {
	Rule   string // e.g. "non_negative_stock", "available_exceeds_produced"
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation [%s]: %s", e.Rule, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistencyViolation }

// BusyError reports lock contention with the operation that hit it.
type BusyError struct {
	Op  string
	Err error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: store busy: %v", e.Op, e.Err)
}

func (e *BusyError) Unwrap() error { return ErrResourceBusy }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Only contention is retryable; logic errors never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResourceBusy)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientQuantity)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
