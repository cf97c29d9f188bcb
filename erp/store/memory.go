// Package store provides in-memory implementations of the erp store
// contracts, used in tests and for dev servers.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/invoice-engine/erp"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements erp.InvoiceStore and erp.PaymentStore behind a single
// mutex, which makes ApplyDelta an atomic read-modify-write. Operations on
// different invoices share the lock here; that is stricter than required,
// and fine for a test store.
type Memory struct {
	mu       sync.RWMutex
	invoices map[erp.InvoiceID]erp.Invoice
	payments map[erp.PaymentID]erp.PaymentRecord

	// creation order, for list pagination and ListByInvoice
	invoiceOrder []erp.InvoiceID
	paymentOrder []erp.PaymentID

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		invoices: make(map[erp.InvoiceID]erp.Invoice),
		payments: make(map[erp.PaymentID]erp.PaymentRecord),
		now:      time.Now,
	}
}

// -----------------------------------------------------------------------------
// InvoiceStore
// -----------------------------------------------------------------------------

func (m *Memory) CreateInvoice(_ context.Context, inv erp.Invoice) (erp.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createInvoiceLocked(inv)
}

func (m *Memory) createInvoiceLocked(inv erp.Invoice) (erp.Invoice, error) {
	now := m.now()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.PaymentStatus = erp.DeriveStatus(inv.Total, inv.Discount, inv.Credit)
	m.invoices[inv.ID] = inv
	m.invoiceOrder = append(m.invoiceOrder, inv.ID)
	return cloneInvoice(inv), nil
}

func (m *Memory) GetInvoice(_ context.Context, id erp.InvoiceID) (erp.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoiceLocked(id)
}

func (m *Memory) getInvoiceLocked(id erp.InvoiceID) (erp.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok || inv.Removed {
		return erp.Invoice{}, erp.ErrInvoiceNotFound
	}
	return cloneInvoice(inv), nil
}

func (m *Memory) ListInvoices(_ context.Context, page erp.Page) ([]erp.Invoice, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []erp.Invoice
	for _, id := range m.invoiceOrder {
		if inv, ok := m.invoices[id]; ok && !inv.Removed {
			all = append(all, cloneInvoice(inv))
		}
	}
	// newest first
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginateInvoices(all, page)
}

func (m *Memory) ApplyDelta(_ context.Context, id erp.InvoiceID, delta erp.Money, refs erp.RefChange) (erp.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyDeltaLocked(id, delta, refs)
}

func (m *Memory) applyDeltaLocked(id erp.InvoiceID, delta erp.Money, refs erp.RefChange) (erp.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok || inv.Removed {
		return erp.Invoice{}, erp.ErrInvoiceNotFound
	}

	newCredit := inv.Credit.Add(delta)
	if newCredit.IsNegative() || newCredit.GreaterThan(inv.Payable()) {
		return erp.Invoice{}, erp.ErrCreditOutOfRange
	}

	inv.Credit = newCredit
	inv.PaymentStatus = erp.DeriveStatus(inv.Total, inv.Discount, newCredit)
	inv.UpdatedAt = m.now()
	if refs.Attach != "" {
		inv.Payments = append(inv.Payments, refs.Attach)
	}
	if refs.Detach != "" {
		kept := inv.Payments[:0]
		for _, p := range inv.Payments {
			if p != refs.Detach {
				kept = append(kept, p)
			}
		}
		inv.Payments = kept
	}
	m.invoices[id] = inv
	return cloneInvoice(inv), nil
}

// -----------------------------------------------------------------------------
// PaymentStore
// -----------------------------------------------------------------------------

func (m *Memory) CreatePayment(_ context.Context, p erp.PaymentRecord) (erp.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPaymentLocked(p)
}

func (m *Memory) createPaymentLocked(p erp.PaymentRecord) (erp.PaymentRecord, error) {
	now := m.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.payments[p.ID] = p
	m.paymentOrder = append(m.paymentOrder, p.ID)
	return p, nil
}

func (m *Memory) GetPayment(_ context.Context, id erp.PaymentID) (erp.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPaymentLocked(id)
}

func (m *Memory) getPaymentLocked(id erp.PaymentID) (erp.PaymentRecord, error) {
	p, ok := m.payments[id]
	if !ok || p.Removed {
		return erp.PaymentRecord{}, erp.ErrPaymentNotFound
	}
	return p, nil
}

func (m *Memory) UpdatePayment(_ context.Context, id erp.PaymentID, patch erp.PaymentPatch) (erp.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePaymentLocked(id, patch)
}

func (m *Memory) updatePaymentLocked(id erp.PaymentID, patch erp.PaymentPatch) (erp.PaymentRecord, error) {
	p, ok := m.payments[id]
	if !ok || p.Removed {
		return erp.PaymentRecord{}, erp.ErrPaymentNotFound
	}
	if patch.Number != nil {
		p.Number = *patch.Number
	}
	if patch.Date != nil {
		p.Date = *patch.Date
	}
	if patch.Amount != nil {
		p.Amount = *patch.Amount
	}
	if patch.PaymentMode != nil {
		p.PaymentMode = *patch.PaymentMode
	}
	if patch.Ref != nil {
		p.Ref = *patch.Ref
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	p.UpdatedAt = m.now()
	m.payments[id] = p
	return p, nil
}

func (m *Memory) MarkRemoved(_ context.Context, id erp.PaymentID) (erp.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markRemovedLocked(id)
}

func (m *Memory) markRemovedLocked(id erp.PaymentID) (erp.PaymentRecord, error) {
	p, ok := m.payments[id]
	if !ok || p.Removed {
		return erp.PaymentRecord{}, erp.ErrPaymentNotFound
	}
	p.Removed = true
	p.UpdatedAt = m.now()
	m.payments[id] = p
	return p, nil
}

func (m *Memory) ListByInvoice(_ context.Context, id erp.InvoiceID) ([]erp.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByInvoiceLocked(id)
}

func (m *Memory) listByInvoiceLocked(id erp.InvoiceID) ([]erp.PaymentRecord, error) {
	var result []erp.PaymentRecord
	for _, pid := range m.paymentOrder {
		p, ok := m.payments[pid]
		if ok && !p.Removed && p.InvoiceID == id {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *Memory) ListPayments(_ context.Context, page erp.Page) ([]erp.PaymentRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []erp.PaymentRecord
	for _, id := range m.paymentOrder {
		if p, ok := m.payments[id]; ok && !p.Removed {
			all = append(all, p)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginatePayments(all, page)
}

func (m *Memory) SearchPayments(_ context.Context, q string, fields []string, limit int) ([]erp.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = erp.DefaultPageSize
	}
	if len(fields) == 0 {
		fields = []string{"ref", "description"}
	}
	needle := strings.ToLower(q)

	var result []erp.PaymentRecord
	for _, id := range m.paymentOrder {
		p, ok := m.payments[id]
		if !ok || p.Removed {
			continue
		}
		if paymentMatches(p, needle, fields) {
			result = append(result, p)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *Memory) FilterPayments(_ context.Context, field, equals string) ([]erp.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []erp.PaymentRecord
	for _, id := range m.paymentOrder {
		p, ok := m.payments[id]
		if !ok || p.Removed {
			continue
		}
		var v string
		switch field {
		case "invoice":
			v = string(p.InvoiceID)
		case "paymentMode":
			v = p.PaymentMode
		case "ref":
			v = p.Ref
		default:
			return nil, erp.ErrValidation
		}
		if v == equals {
			result = append(result, p)
		}
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func paymentMatches(p erp.PaymentRecord, needle string, fields []string) bool {
	for _, f := range fields {
		var v string
		switch f {
		case "ref":
			v = p.Ref
		case "description":
			v = p.Description
		case "paymentMode":
			v = p.PaymentMode
		}
		if v != "" && strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

func paginateInvoices(all []erp.Invoice, page erp.Page) ([]erp.Invoice, int, error) {
	page = page.Normalize()
	count := len(all)
	start := page.Offset()
	if start >= count {
		return []erp.Invoice{}, count, nil
	}
	end := start + page.Items
	if end > count {
		end = count
	}
	return all[start:end], count, nil
}

func paginatePayments(all []erp.PaymentRecord, page erp.Page) ([]erp.PaymentRecord, int, error) {
	page = page.Normalize()
	count := len(all)
	start := page.Offset()
	if start >= count {
		return []erp.PaymentRecord{}, count, nil
	}
	end := start + page.Items
	if end > count {
		end = count
	}
	return all[start:end], count, nil
}

func cloneInvoice(inv erp.Invoice) erp.Invoice {
	inv.Payments = append([]erp.PaymentID(nil), inv.Payments...)
	return inv
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with erp.TxStores support, simulated with a
// snapshot + rollback on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(erp.InvoiceStore, erp.PaymentStore) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view, view); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	invoices     map[erp.InvoiceID]erp.Invoice
	payments     map[erp.PaymentID]erp.PaymentRecord
	invoiceOrder []erp.InvoiceID
	paymentOrder []erp.PaymentID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		invoices:     make(map[erp.InvoiceID]erp.Invoice, len(tm.invoices)),
		payments:     make(map[erp.PaymentID]erp.PaymentRecord, len(tm.payments)),
		invoiceOrder: append([]erp.InvoiceID(nil), tm.invoiceOrder...),
		paymentOrder: append([]erp.PaymentID(nil), tm.paymentOrder...),
	}
	for k, v := range tm.invoices {
		s.invoices[k] = cloneInvoice(v)
	}
	for k, v := range tm.payments {
		s.payments[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.invoices = s.invoices
	tm.payments = s.payments
	tm.invoiceOrder = s.invoiceOrder
	tm.paymentOrder = s.paymentOrder
}

// txMemoryView calls the *Locked methods directly: the outer WithTx holds
// the mutex for the whole transaction.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateInvoice(_ context.Context, inv erp.Invoice) (erp.Invoice, error) {
	return tv.parent.createInvoiceLocked(inv)
}

func (tv *txMemoryView) GetInvoice(_ context.Context, id erp.InvoiceID) (erp.Invoice, error) {
	return tv.parent.getInvoiceLocked(id)
}

func (tv *txMemoryView) ListInvoices(ctx context.Context, page erp.Page) ([]erp.Invoice, int, error) {
	var all []erp.Invoice
	for _, id := range tv.parent.invoiceOrder {
		if inv, ok := tv.parent.invoices[id]; ok && !inv.Removed {
			all = append(all, cloneInvoice(inv))
		}
	}
	return paginateInvoices(all, page)
}

func (tv *txMemoryView) ApplyDelta(_ context.Context, id erp.InvoiceID, delta erp.Money, refs erp.RefChange) (erp.Invoice, error) {
	return tv.parent.applyDeltaLocked(id, delta, refs)
}

func (tv *txMemoryView) CreatePayment(_ context.Context, p erp.PaymentRecord) (erp.PaymentRecord, error) {
	return tv.parent.createPaymentLocked(p)
}

func (tv *txMemoryView) GetPayment(_ context.Context, id erp.PaymentID) (erp.PaymentRecord, error) {
	return tv.parent.getPaymentLocked(id)
}

func (tv *txMemoryView) UpdatePayment(_ context.Context, id erp.PaymentID, patch erp.PaymentPatch) (erp.PaymentRecord, error) {
	return tv.parent.updatePaymentLocked(id, patch)
}

func (tv *txMemoryView) MarkRemoved(_ context.Context, id erp.PaymentID) (erp.PaymentRecord, error) {
	return tv.parent.markRemovedLocked(id)
}

func (tv *txMemoryView) ListByInvoice(_ context.Context, id erp.InvoiceID) ([]erp.PaymentRecord, error) {
	return tv.parent.listByInvoiceLocked(id)
}

func (tv *txMemoryView) ListPayments(ctx context.Context, page erp.Page) ([]erp.PaymentRecord, int, error) {
	var all []erp.PaymentRecord
	for _, id := range tv.parent.paymentOrder {
		if p, ok := tv.parent.payments[id]; ok && !p.Removed {
			all = append(all, p)
		}
	}
	return paginatePayments(all, page)
}

func (tv *txMemoryView) SearchPayments(_ context.Context, q string, fields []string, limit int) ([]erp.PaymentRecord, error) {
	if limit <= 0 {
		limit = erp.DefaultPageSize
	}
	if len(fields) == 0 {
		fields = []string{"ref", "description"}
	}
	needle := strings.ToLower(q)
	var result []erp.PaymentRecord
	for _, id := range tv.parent.paymentOrder {
		p, ok := tv.parent.payments[id]
		if ok && !p.Removed && paymentMatches(p, needle, fields) {
			result = append(result, p)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (tv *txMemoryView) FilterPayments(_ context.Context, field, equals string) ([]erp.PaymentRecord, error) {
	var result []erp.PaymentRecord
	for _, id := range tv.parent.paymentOrder {
		p, ok := tv.parent.payments[id]
		if !ok || p.Removed {
			continue
		}
		var v string
		switch field {
		case "invoice":
			v = string(p.InvoiceID)
		case "paymentMode":
			v = p.PaymentMode
		case "ref":
			v = p.Ref
		default:
			return nil, erp.ErrValidation
		}
		if v == equals {
			result = append(result, p)
		}
	}
	return result, nil
}
