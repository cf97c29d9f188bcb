/*
errors.go - Centralized error types for the invoice ledger

PURPOSE:
  All error values in one place. Callers classify failures with errors.Is
  against the sentinels; structured types carry the details (e.g. the
  payable ceiling that a payment would have exceeded).

ERROR CATEGORIES:
  1. Business-rule violations - invalid amount, ceiling exceeded, not found.
     Always detected before any mutation.
  2. Storage failures - surfaced as-is, wrapped in ErrStorage.
  3. Partial-write signal - LedgerAdjustmentError, raised when the payment
     record was persisted but the invoice credit adjustment failed. Never
     masked as success; the repair pass exists for exactly this case.

SEE ALSO:
  - store.go: Store contracts that return these errors
  - reconcile: Wraps and raises these during apply/amend/reverse
*/
package erp

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when a zero payment amount is submitted.
	ErrInvalidAmount = errors.New("amount must be non-zero")

	// ErrInvoiceNotFound is returned when a referenced invoice does not
	// exist or is soft-removed.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrPaymentNotFound is returned when a referenced payment record does
	// not exist or is soft-removed.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrAmountExceedsLimit is returned when an amount or delta would push
	// credit above the payable ceiling.
	ErrAmountExceedsLimit = errors.New("amount exceeds payable ceiling")

	// ErrCreditOutOfRange is returned by InvoiceStore.ApplyDelta when the
	// resulting credit would leave [0, total - discount]. It backstops the
	// reconciler's own pre-checks at the storage boundary.
	ErrCreditOutOfRange = errors.New("credit out of range")

	// ErrValidation is returned when required fields are missing or
	// malformed.
	ErrValidation = errors.New("validation failed")

	// ErrStorage is returned when an underlying persistence operation
	// failed.
	ErrStorage = errors.New("storage failure")

	// ErrConcurrentModification is returned when a conditional credit
	// update lost the race too many times.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ExceedsLimitError reports a payment amount over the remaining headroom.
// MaxAmount is the ceiling the caller may still add.
type ExceedsLimitError struct {
	InvoiceID InvoiceID
	Requested Money
	MaxAmount Money
}

func (e *ExceedsLimitError) Error() string {
	return fmt.Sprintf("the max amount you can add is %s", e.MaxAmount)
}

func (e *ExceedsLimitError) Unwrap() error {
	return ErrAmountExceedsLimit
}

// LedgerAdjustmentError reports a credit adjustment that failed after the
// payment record write already succeeded. On a transactional backend the
// record write is rolled back; on a plain backend the record is orphaned
// until a repair pass runs.
type LedgerAdjustmentError struct {
	InvoiceID InvoiceID
	PaymentID PaymentID
	Err       error
}

func (e *LedgerAdjustmentError) Error() string {
	return fmt.Sprintf("credit adjustment failed for invoice %s (payment %s): %v",
		e.InvoiceID, e.PaymentID, e.Err)
}

func (e *LedgerAdjustmentError) Unwrap() error {
	return e.Err
}

// StorageError wraps a backend failure so callers can match ErrStorage
// while still unwrapping the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return ErrStorage }

// Cause returns the underlying driver error.
func (e *StorageError) Cause() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing or removed record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound) || errors.Is(err, ErrPaymentNotFound)
}

// IsClientError returns true if the error is due to invalid client input
// rather than a backend fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAmountExceedsLimit) ||
		errors.Is(err, ErrValidation)
}

// Kind maps an error to its stable taxonomy name, used in API envelopes.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrAmountExceedsLimit), errors.Is(err, ErrCreditOutOfRange):
		return "amount_exceeds_limit"
	case errors.Is(err, ErrValidation):
		return "validation_failure"
	default:
		return "storage_failure"
	}
}
