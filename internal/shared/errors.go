package shared

import "errors"

// Failure taxonomy shared across modules. Domain packages wrap these with
// operation-specific context so callers can match with errors.Is.
var (
	// ErrValidation indicates malformed input. Nothing is applied.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates an unknown requisition or item id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates the operation is not legal for the current
	// requisition status.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrConcurrentModification indicates the optimistic status check failed;
	// the caller should refetch and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInsufficientStock indicates reconciliation found inadequate stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConsistency indicates ledger arithmetic did not balance. This is a
	// bug or data corruption, never silently corrected.
	ErrConsistency = errors.New("ledger consistency violation")
)
