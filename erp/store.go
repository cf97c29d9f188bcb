/*
store.go - Persistence contracts for invoices and payment records

PURPOSE:
  Defines the interface between the reconciler and the database. Each
  entity gets its own typed store capability; there is no name-keyed model
  lookup. Different implementations can use SQLite or in-memory storage.

SOFT-DELETE CONTRACT:
  Every read is implicitly scoped to removed = false. A Get on a removed
  record returns the NotFound sentinel, and no interface exposes hard
  deletion.

ATOMIC CREDIT ADJUSTMENT:
  InvoiceStore.ApplyDelta is the single write path for credit and status.
  Implementations MUST execute it as an atomic read-modify-write per
  invoice (conditional update or equivalent) so that two concurrent
  adjustments against the same invoice cannot both read the same credit
  and lose an update. Adjustments against different invoices are
  independent.

TRANSACTIONS:
  The payment-record write and the credit adjustment are two sequential
  steps by default. Backends that can make the pair atomic implement
  TxStores; the reconciler detects it and uses it automatically.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (conditional UPDATE, real BEGIN/COMMIT)
  - erp/store:    in-memory for tests and dev

SEE ALSO:
  - types.go: The records these stores persist
  - reconcile: The only writer of credit and status
*/
package erp

import (
	"context"
	"time"
)

// =============================================================================
// INVOICE STORE
// =============================================================================

// RefChange tells ApplyDelta how to adjust the invoice's payment list in
// the same atomic write as the credit change. Zero value leaves the list
// untouched.
type RefChange struct {
	Attach PaymentID // appended to the payment list when non-empty
	Detach PaymentID // pulled from the payment list when non-empty
}

// InvoiceStore persists invoices. All reads are scoped to removed = false.
type InvoiceStore interface {
	// CreateInvoice persists a new invoice. ID is assigned by the caller.
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)

	// GetInvoice returns the invoice or ErrInvoiceNotFound.
	GetInvoice(ctx context.Context, id InvoiceID) (Invoice, error)

	// ListInvoices returns a page of invoices, newest first, plus the
	// total non-removed count.
	ListInvoices(ctx context.Context, page Page) ([]Invoice, int, error)

	// ApplyDelta atomically reads the invoice, computes
	// newCredit = credit + delta and the derived status, applies the
	// payment-list change, persists all of it, and returns the updated
	// invoice. Returns ErrInvoiceNotFound if absent or removed and
	// ErrCreditOutOfRange if newCredit would leave [0, total-discount].
	ApplyDelta(ctx context.Context, id InvoiceID, delta Money, refs RefChange) (Invoice, error)
}

// =============================================================================
// PAYMENT RECORD STORE
// =============================================================================

// PaymentPatch holds the amendable fields of a payment record. Nil fields
// are left unchanged. InvoiceID is deliberately absent: a payment can
// never move to another invoice.
type PaymentPatch struct {
	Number      *int
	Date        *time.Time
	Amount      *Money
	PaymentMode *string
	Ref         *string
	Description *string
}

// PaymentStore persists payment records. All reads are scoped to
// removed = false.
type PaymentStore interface {
	// CreatePayment persists a new record. ID is assigned by the caller.
	CreatePayment(ctx context.Context, p PaymentRecord) (PaymentRecord, error)

	// GetPayment returns the record or ErrPaymentNotFound.
	GetPayment(ctx context.Context, id PaymentID) (PaymentRecord, error)

	// UpdatePayment patches the record and returns the new state.
	// Returns ErrPaymentNotFound if absent or removed.
	UpdatePayment(ctx context.Context, id PaymentID, patch PaymentPatch) (PaymentRecord, error)

	// MarkRemoved soft-deletes the record and returns its final state.
	// Returns ErrPaymentNotFound if absent or already removed.
	MarkRemoved(ctx context.Context, id PaymentID) (PaymentRecord, error)

	// ListByInvoice returns the non-removed payments of one invoice in
	// creation order. This is the authoritative input of the repair pass.
	ListByInvoice(ctx context.Context, id InvoiceID) ([]PaymentRecord, error)

	// ListPayments returns a page of payments, newest first, plus the
	// total non-removed count.
	ListPayments(ctx context.Context, page Page) ([]PaymentRecord, int, error)

	// SearchPayments returns up to limit records where any of the given
	// text fields contains q (case-insensitive). Supported fields:
	// "ref", "description", "paymentMode".
	SearchPayments(ctx context.Context, q string, fields []string, limit int) ([]PaymentRecord, error)

	// FilterPayments returns records whose named field equals the given
	// value. Supported fields: "invoice", "paymentMode", "ref".
	FilterPayments(ctx context.Context, field, equals string) ([]PaymentRecord, error)
}

// =============================================================================
// TRANSACTIONAL STORES
// =============================================================================

// TxStores is implemented by backends that can run the payment write and
// the credit adjustment in one atomic transaction. If fn returns an error
// the transaction is rolled back.
type TxStores interface {
	WithTx(ctx context.Context, fn func(InvoiceStore, PaymentStore) error) error
}

// =============================================================================
// PAGINATION
// =============================================================================

// Page is a 1-based page request. Items <= 0 falls back to DefaultPageSize.
type Page struct {
	Page  int
	Items int
}

const DefaultPageSize = 10

// Normalize clamps the request to sane values.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Items <= 0 {
		p.Items = DefaultPageSize
	}
	return p
}

// Offset returns the number of records to skip.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Items
}
