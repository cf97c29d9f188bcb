package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/invoice-engine/erp"
	"github.com/warp/invoice-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newFileStore backs the store with a real file, needed when the test
// hits the database from multiple goroutines.
func newFileStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "erp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedInvoice(t *testing.T, s *sqlite.Store, id, total, discount string) erp.Invoice {
	t.Helper()
	inv, err := s.CreateInvoice(context.Background(), erp.Invoice{
		ID:       erp.InvoiceID(id),
		Number:   7,
		Year:     2026,
		Client:   "acme",
		Total:    erp.MustMoney(total),
		Discount: erp.MustMoney(discount),
	})
	require.NoError(t, err)
	return inv
}

func seedPayment(t *testing.T, s *sqlite.Store, id, invoiceID, amount string) erp.PaymentRecord {
	t.Helper()
	p, err := s.CreatePayment(context.Background(), erp.PaymentRecord{
		ID:        erp.PaymentID(id),
		InvoiceID: erp.InvoiceID(invoiceID),
		Amount:    erp.MustMoney(amount),
		Date:      time.Now(),
	})
	require.NoError(t, err)
	return p
}

// =============================================================================
// INVOICE TESTS
// =============================================================================

func TestStore_CreateAndGetInvoice(t *testing.T) {
	s := newTestStore(t)
	created := seedInvoice(t, s, "inv-1", "1000", "100")

	assert.Equal(t, erp.StatusUnpaid, created.PaymentStatus)

	got, err := s.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Client)
	assert.Equal(t, 7, got.Number)
	assert.True(t, got.Total.Equal(erp.MustMoney("1000")))
	assert.True(t, got.Discount.Equal(erp.MustMoney("100")))
	assert.True(t, got.Credit.IsZero())
	assert.Empty(t, got.Payments)
}

func TestStore_GetInvoice_Unknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetInvoice(context.Background(), "missing")
	assert.ErrorIs(t, err, erp.ErrInvoiceNotFound)
}

func TestStore_PaymentListIsDerived(t *testing.T) {
	// The invoice's payment list comes from the payments table in insertion
	// order, scoped to removed = 0.

	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "0")
	seedPayment(t, s, "pay-1", "inv-1", "100")
	seedPayment(t, s, "pay-2", "inv-1", "200")

	inv, err := s.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, []erp.PaymentID{"pay-1", "pay-2"}, inv.Payments)

	_, err = s.MarkRemoved(context.Background(), "pay-1")
	require.NoError(t, err)

	inv, err = s.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, []erp.PaymentID{"pay-2"}, inv.Payments)
}

func TestStore_ApplyDelta(t *testing.T) {
	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "100")

	inv, err := s.ApplyDelta(context.Background(), "inv-1", erp.MustMoney("400"), erp.RefChange{})
	require.NoError(t, err)
	assert.True(t, inv.Credit.Equal(erp.MustMoney("400")))
	assert.Equal(t, erp.StatusPartially, inv.PaymentStatus)

	inv, err = s.ApplyDelta(context.Background(), "inv-1", erp.MustMoney("500"), erp.RefChange{})
	require.NoError(t, err)
	assert.True(t, inv.Credit.Equal(erp.MustMoney("900")))
	assert.Equal(t, erp.StatusPaid, inv.PaymentStatus)
}

func TestStore_ApplyDelta_BoundsEnforced(t *testing.T) {
	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "100")

	// Above payable (900).
	_, err := s.ApplyDelta(context.Background(), "inv-1", erp.MustMoney("901"), erp.RefChange{})
	assert.ErrorIs(t, err, erp.ErrCreditOutOfRange)

	// Below zero.
	_, err = s.ApplyDelta(context.Background(), "inv-1", erp.MustMoney("-1"), erp.RefChange{})
	assert.ErrorIs(t, err, erp.ErrCreditOutOfRange)

	inv, err := s.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.True(t, inv.Credit.IsZero())
	assert.Equal(t, erp.StatusUnpaid, inv.PaymentStatus)
}

func TestStore_ApplyDelta_ConcurrentAdjustmentsNeverLoseUpdates(t *testing.T) {
	// GIVEN: 10 goroutines each crediting 1 against the same invoice
	// WHEN: They race through the conditional-update path
	// THEN: Every credit lands; the final value is exactly 10

	s := newFileStore(t)
	seedInvoice(t, s, "inv-1", "1000", "0")

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A writer may exhaust its internal retries under heavy
			// contention; that surfaces as ErrConcurrentModification and
			// the caller tries again. It must never silently lose.
			for {
				_, err := s.ApplyDelta(context.Background(), "inv-1", erp.NewMoney(1), erp.RefChange{})
				if err == nil {
					return
				}
				if !errors.Is(err, erp.ErrConcurrentModification) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	inv, err := s.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.True(t, inv.Credit.Equal(erp.NewMoney(writers)),
		"expected credit %d, got %s", writers, inv.Credit)
}

func TestStore_ListInvoices_NewestFirstWithCount(t *testing.T) {
	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "100", "0")
	seedInvoice(t, s, "inv-2", "200", "0")
	seedInvoice(t, s, "inv-3", "300", "0")

	page, count, err := s.ListInvoices(context.Background(), erp.Page{Page: 1, Items: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.Len(t, page, 2)
	assert.Equal(t, erp.InvoiceID("inv-3"), page[0].ID)

	page, _, err = s.ListInvoices(context.Background(), erp.Page{Page: 2, Items: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, erp.InvoiceID("inv-1"), page[0].ID)
}

// =============================================================================
// PAYMENT TESTS
// =============================================================================

func TestStore_PaymentLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "0")
	seedPayment(t, s, "pay-1", "inv-1", "250.50")

	got, err := s.GetPayment(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(erp.MustMoney("250.50")))
	assert.False(t, got.Removed)

	// Patch a subset of fields.
	mode := "wire"
	amount := erp.MustMoney("300")
	updated, err := s.UpdatePayment(context.Background(), "pay-1", erp.PaymentPatch{
		PaymentMode: &mode,
		Amount:      &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, "wire", updated.PaymentMode)
	assert.True(t, updated.Amount.Equal(amount))

	// Soft delete returns the final removed state.
	removed, err := s.MarkRemoved(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.True(t, removed.Removed)

	_, err = s.GetPayment(context.Background(), "pay-1")
	assert.ErrorIs(t, err, erp.ErrPaymentNotFound)

	_, err = s.MarkRemoved(context.Background(), "pay-1")
	assert.ErrorIs(t, err, erp.ErrPaymentNotFound)

	mode2 := "cash"
	_, err = s.UpdatePayment(context.Background(), "pay-1", erp.PaymentPatch{PaymentMode: &mode2})
	assert.ErrorIs(t, err, erp.ErrPaymentNotFound)
}

func TestStore_ListByInvoice_ScopedAndOrdered(t *testing.T) {
	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "0")
	seedInvoice(t, s, "inv-2", "1000", "0")
	seedPayment(t, s, "pay-1", "inv-1", "100")
	seedPayment(t, s, "pay-2", "inv-2", "200")
	seedPayment(t, s, "pay-3", "inv-1", "300")

	records, err := s.ListByInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, erp.PaymentID("pay-1"), records[0].ID)
	assert.Equal(t, erp.PaymentID("pay-3"), records[1].ID)
}

func TestStore_SearchPayments(t *testing.T) {
	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "0")
	_, err := s.CreatePayment(context.Background(), erp.PaymentRecord{
		ID: "pay-1", InvoiceID: "inv-1", Amount: erp.NewMoney(10),
		Ref: "WIRE-2026-001", Description: "quarterly settlement",
	})
	require.NoError(t, err)
	_, err = s.CreatePayment(context.Background(), erp.PaymentRecord{
		ID: "pay-2", InvoiceID: "inv-1", Amount: erp.NewMoney(20),
		Ref: "CHK-17", Description: "deposit",
	})
	require.NoError(t, err)

	hits, err := s.SearchPayments(context.Background(), "wire", nil, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, erp.PaymentID("pay-1"), hits[0].ID)

	hits, err = s.SearchPayments(context.Background(), "SETTLEMENT", []string{"description"}, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	// Unknown field names never reach SQL.
	_, err = s.SearchPayments(context.Background(), "x", []string{"amount) OR 1=1 --"}, 5)
	assert.ErrorIs(t, err, erp.ErrValidation)
}

func TestStore_FilterPayments(t *testing.T) {
	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "0")
	seedInvoice(t, s, "inv-2", "1000", "0")
	_, err := s.CreatePayment(context.Background(), erp.PaymentRecord{
		ID: "pay-1", InvoiceID: "inv-1", Amount: erp.NewMoney(10), PaymentMode: "card",
	})
	require.NoError(t, err)
	_, err = s.CreatePayment(context.Background(), erp.PaymentRecord{
		ID: "pay-2", InvoiceID: "inv-2", Amount: erp.NewMoney(20), PaymentMode: "cash",
	})
	require.NoError(t, err)

	hits, err := s.FilterPayments(context.Background(), "invoice", "inv-2")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, erp.PaymentID("pay-2"), hits[0].ID)

	hits, err = s.FilterPayments(context.Background(), "paymentMode", "card")
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = s.FilterPayments(context.Background(), "removed", "0")
	assert.ErrorIs(t, err, erp.ErrValidation)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestStore_WithTx_CommitsBothWrites(t *testing.T) {
	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "0")

	err := s.WithTx(context.Background(), func(is erp.InvoiceStore, ps erp.PaymentStore) error {
		if _, err := ps.CreatePayment(context.Background(), erp.PaymentRecord{
			ID: "pay-1", InvoiceID: "inv-1", Amount: erp.MustMoney("100"),
		}); err != nil {
			return err
		}
		_, err := is.ApplyDelta(context.Background(), "inv-1", erp.MustMoney("100"), erp.RefChange{})
		return err
	})
	require.NoError(t, err)

	inv, err := s.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.True(t, inv.Credit.Equal(erp.MustMoney("100")))
	assert.Equal(t, []erp.PaymentID{"pay-1"}, inv.Payments)
}

func TestStore_WithTx_RollsBackBothWrites(t *testing.T) {
	// A failed credit adjustment inside the transaction takes the payment
	// write down with it; no orphan survives.

	s := newTestStore(t)
	seedInvoice(t, s, "inv-1", "1000", "0")

	err := s.WithTx(context.Background(), func(is erp.InvoiceStore, ps erp.PaymentStore) error {
		if _, err := ps.CreatePayment(context.Background(), erp.PaymentRecord{
			ID: "pay-1", InvoiceID: "inv-1", Amount: erp.MustMoney("100"),
		}); err != nil {
			return err
		}
		_, err := is.ApplyDelta(context.Background(), "inv-1", erp.MustMoney("5000"), erp.RefChange{})
		return err
	})
	assert.ErrorIs(t, err, erp.ErrCreditOutOfRange)

	_, err = s.GetPayment(context.Background(), "pay-1")
	assert.ErrorIs(t, err, erp.ErrPaymentNotFound)

	inv, err := s.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.True(t, inv.Credit.IsZero())
	assert.Empty(t, inv.Payments)
}
