/*
Package reconcile orchestrates payment lifecycle operations against an
invoice's ledger state.

PURPOSE:
  The reconciler is the only writer of an invoice's credit and payment
  status. It enforces one invariant across apply, amend, and reverse:

    0 <= credit <= total - discount

  and keeps credit equal to the sum of the invoice's non-removed payment
  amounts, incrementally, by issuing signed deltas through
  InvoiceStore.ApplyDelta.

OPERATIONS:
  Apply   - create a payment; credit += amount
  Amend   - change a payment's amount/metadata; credit += (new - old)
  Reverse - soft-delete a payment; credit -= amount
  Repair  - recompute credit as the authoritative sum over non-removed
            payments and correct any drift

ORDERING:
  Every operation validates before mutating anything. On success the
  payment record is persisted first, then the ledger adjustment. When the
  store pair supports transactions (erp.TxStores) both writes run in one
  transaction; otherwise a failure between the two steps surfaces as
  *erp.LedgerAdjustmentError and Repair is the recovery path.

SEE ALSO:
  - erp/store.go: The contracts this package drives
  - erp/errors.go: The error taxonomy raised here
*/
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/warp/invoice-engine/erp"
)

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler coordinates the invoice ledger and the payment record store.
// Construct with New; the zero value is not usable.
type Reconciler struct {
	invoices erp.InvoiceStore
	payments erp.PaymentStore
	tx       erp.TxStores // nil when the backend cannot span both writes

	now   func() time.Time
	newID func() erp.PaymentID
}

// New creates a reconciler over the given stores. If the invoice store
// also implements erp.TxStores (the SQLite store does, since both entities
// live in one database), apply/amend/reverse run their two writes in a
// single transaction.
func New(invoices erp.InvoiceStore, payments erp.PaymentStore) *Reconciler {
	r := &Reconciler{
		invoices: invoices,
		payments: payments,
		now:      time.Now,
		newID:    func() erp.PaymentID { return erp.PaymentID(uuid.NewString()) },
	}
	if tx, ok := invoices.(erp.TxStores); ok {
		r.tx = tx
	}
	return r
}

// Result is the success envelope of apply/amend/reverse: the payment
// record as persisted plus the invoice's updated ledger state.
type Result struct {
	Payment erp.PaymentRecord
	Invoice erp.Invoice
}

// =============================================================================
// APPLY - create a payment
// =============================================================================

// ApplyRequest carries a new payment. Amount must be non-zero and within
// the invoice's remaining headroom.
type ApplyRequest struct {
	InvoiceID   erp.InvoiceID
	Amount      erp.Money
	Number      int
	Date        time.Time
	PaymentMode string
	Ref         string
	Description string
}

// Apply creates a payment record against the invoice and credits its
// amount. Boundary inclusive: amount exactly equal to the remaining
// headroom is allowed and flips status to paid.
func (r *Reconciler) Apply(ctx context.Context, req ApplyRequest) (Result, error) {
	if r.tx != nil {
		var res Result
		err := r.tx.WithTx(ctx, func(is erp.InvoiceStore, ps erp.PaymentStore) error {
			var err error
			res, err = r.apply(ctx, is, ps, req)
			return err
		})
		return res, err
	}
	return r.apply(ctx, r.invoices, r.payments, req)
}

func (r *Reconciler) apply(ctx context.Context, invoices erp.InvoiceStore, payments erp.PaymentStore, req ApplyRequest) (Result, error) {
	if req.Amount.IsZero() {
		return Result{}, erp.ErrInvalidAmount
	}

	inv, err := invoices.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return Result{}, err
	}

	maxAmount := inv.Headroom()
	if req.Amount.GreaterThan(maxAmount) {
		return Result{}, &erp.ExceedsLimitError{
			InvoiceID: inv.ID,
			Requested: req.Amount,
			MaxAmount: maxAmount,
		}
	}
	// Negative amounts may not pull credit below zero either.
	if inv.Credit.Add(req.Amount).IsNegative() {
		return Result{}, erp.ErrInvalidAmount
	}

	record := erp.PaymentRecord{
		ID:          r.newID(),
		InvoiceID:   inv.ID,
		Number:      req.Number,
		Date:        req.Date,
		Amount:      req.Amount,
		PaymentMode: req.PaymentMode,
		Ref:         req.Ref,
		Description: req.Description,
	}
	if record.Date.IsZero() {
		record.Date = r.now()
	}

	record, err = payments.CreatePayment(ctx, record)
	if err != nil {
		return Result{}, err
	}

	updated, err := invoices.ApplyDelta(ctx, inv.ID, req.Amount, erp.RefChange{Attach: record.ID})
	if err != nil {
		return Result{}, &erp.LedgerAdjustmentError{InvoiceID: inv.ID, PaymentID: record.ID, Err: err}
	}

	return Result{Payment: record, Invoice: updated}, nil
}

// =============================================================================
// AMEND - update a payment
// =============================================================================

// AmendRequest carries the amendable fields of a payment. Nil fields are
// left unchanged; a non-nil Amount must be non-zero.
type AmendRequest struct {
	Amount      *erp.Money
	Number      *int
	Date        *time.Time
	PaymentMode *string
	Ref         *string
	Description *string
}

// Amend updates a payment and applies the signed amount difference to the
// invoice. The ceiling excludes this payment's own prior contribution:
// maxAmount = payable - (credit - previousAmount).
func (r *Reconciler) Amend(ctx context.Context, id erp.PaymentID, req AmendRequest) (Result, error) {
	if r.tx != nil {
		var res Result
		err := r.tx.WithTx(ctx, func(is erp.InvoiceStore, ps erp.PaymentStore) error {
			var err error
			res, err = r.amend(ctx, is, ps, id, req)
			return err
		})
		return res, err
	}
	return r.amend(ctx, r.invoices, r.payments, id, req)
}

func (r *Reconciler) amend(ctx context.Context, invoices erp.InvoiceStore, payments erp.PaymentStore, id erp.PaymentID, req AmendRequest) (Result, error) {
	prev, err := payments.GetPayment(ctx, id)
	if err != nil {
		return Result{}, err
	}

	newAmount := prev.Amount
	if req.Amount != nil {
		if req.Amount.IsZero() {
			return Result{}, erp.ErrInvalidAmount
		}
		newAmount = *req.Amount
	}

	inv, err := invoices.GetInvoice(ctx, prev.InvoiceID)
	if err != nil {
		return Result{}, err
	}

	changedAmount := newAmount.Sub(prev.Amount)
	// Headroom excluding this payment's own prior contribution.
	maxAmount := inv.Payable().Sub(inv.Credit.Sub(prev.Amount))
	if newAmount.GreaterThan(maxAmount) {
		return Result{}, &erp.ExceedsLimitError{
			InvoiceID: inv.ID,
			Requested: newAmount,
			MaxAmount: maxAmount,
		}
	}
	if inv.Credit.Add(changedAmount).IsNegative() {
		return Result{}, erp.ErrInvalidAmount
	}

	record, err := payments.UpdatePayment(ctx, id, erp.PaymentPatch{
		Number:      req.Number,
		Date:        req.Date,
		Amount:      req.Amount,
		PaymentMode: req.PaymentMode,
		Ref:         req.Ref,
		Description: req.Description,
	})
	if err != nil {
		return Result{}, err
	}

	updated, err := invoices.ApplyDelta(ctx, inv.ID, changedAmount, erp.RefChange{})
	if err != nil {
		return Result{}, &erp.LedgerAdjustmentError{InvoiceID: inv.ID, PaymentID: id, Err: err}
	}

	return Result{Payment: record, Invoice: updated}, nil
}

// =============================================================================
// REVERSE - delete a payment
// =============================================================================

// Reverse soft-deletes a payment, detaches it from the invoice and gives
// its amount back as headroom. Reversing an already-removed payment
// reports ErrPaymentNotFound, never a silent success.
func (r *Reconciler) Reverse(ctx context.Context, id erp.PaymentID) (Result, error) {
	if r.tx != nil {
		var res Result
		err := r.tx.WithTx(ctx, func(is erp.InvoiceStore, ps erp.PaymentStore) error {
			var err error
			res, err = r.reverse(ctx, is, ps, id)
			return err
		})
		return res, err
	}
	return r.reverse(ctx, r.invoices, r.payments, id)
}

func (r *Reconciler) reverse(ctx context.Context, invoices erp.InvoiceStore, payments erp.PaymentStore, id erp.PaymentID) (Result, error) {
	prev, err := payments.GetPayment(ctx, id)
	if err != nil {
		return Result{}, err
	}

	record, err := payments.MarkRemoved(ctx, id)
	if err != nil {
		return Result{}, err
	}

	updated, err := invoices.ApplyDelta(ctx, prev.InvoiceID, prev.Amount.Neg(), erp.RefChange{Detach: id})
	if err != nil {
		return Result{}, &erp.LedgerAdjustmentError{InvoiceID: prev.InvoiceID, PaymentID: id, Err: err}
	}

	return Result{Payment: record, Invoice: updated}, nil
}

// =============================================================================
// REPAIR - drift correction
// =============================================================================

// RepairResult reports what the repair pass found and did.
type RepairResult struct {
	Invoice         erp.Invoice
	RecordedCredit  erp.Money // credit before the pass
	AuthorityCredit erp.Money // sum over non-removed payment records
	Drift           erp.Money // authority - recorded
	Corrected       bool
}

// Repair recomputes the invoice's credit as the sum over its non-removed
// payment records and, when it differs from the recorded credit, applies
// the correcting delta. This is the recovery path for the two-step write
// gap on non-transactional backends.
func (r *Reconciler) Repair(ctx context.Context, id erp.InvoiceID) (RepairResult, error) {
	if r.tx != nil {
		var res RepairResult
		err := r.tx.WithTx(ctx, func(is erp.InvoiceStore, ps erp.PaymentStore) error {
			var err error
			res, err = r.repair(ctx, is, ps, id)
			return err
		})
		return res, err
	}
	return r.repair(ctx, r.invoices, r.payments, id)
}

func (r *Reconciler) repair(ctx context.Context, invoices erp.InvoiceStore, payments erp.PaymentStore, id erp.InvoiceID) (RepairResult, error) {
	inv, err := invoices.GetInvoice(ctx, id)
	if err != nil {
		return RepairResult{}, err
	}

	records, err := payments.ListByInvoice(ctx, id)
	if err != nil {
		return RepairResult{}, err
	}

	authority := erp.Money{}
	for _, p := range records {
		authority = authority.Add(p.Amount)
	}

	res := RepairResult{
		Invoice:         inv,
		RecordedCredit:  inv.Credit,
		AuthorityCredit: authority,
		Drift:           authority.Sub(inv.Credit),
	}
	if res.Drift.IsZero() {
		return res, nil
	}

	refs := erp.RefChange{}
	for _, p := range records {
		if !containsRef(inv.Payments, p.ID) {
			// Re-attach the orphan so the invoice's payment list matches
			// its records. ApplyDelta takes one attach at a time; drift
			// from a single failed step has at most one.
			refs.Attach = p.ID
			break
		}
	}

	updated, err := invoices.ApplyDelta(ctx, id, res.Drift, refs)
	if err != nil {
		return RepairResult{}, err
	}
	res.Invoice = updated
	res.Corrected = true
	return res, nil
}

func containsRef(refs []erp.PaymentID, id erp.PaymentID) bool {
	for _, r := range refs {
		if r == id {
			return true
		}
	}
	return false
}
