/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements erp.InvoiceStore, erp.PaymentStore, and erp.TxStores using
  SQLite. In production the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

SOFT-DELETE ENFORCEMENT:
  Every read carries removed = 0 in its WHERE clause. There are no DELETE
  statements anywhere in this package.

LOST-UPDATE PROTECTION:
  ApplyDelta is a conditional update keyed on the credit value that was
  read:

    UPDATE invoices SET credit = ?, payment_status = ?
    WHERE id = ? AND removed = 0 AND credit = ?

  If another writer got in between, zero rows are affected and the
  read-compute-update cycle retries. After a few lost races it gives up
  with erp.ErrConcurrentModification. Invoices are independent rows, so
  adjustments to different invoices never contend.

PAYMENT LIST:
  The invoice's ordered payment list is derived from the payments table
  (invoice_id, non-removed, insertion order) rather than stored as a
  column, so attach/detach never needs its own write here.

WAL MODE:
  SQLite is opened with WAL for better concurrency: multiple readers
  don't block and crash recovery is cleaner.

USAGE:
  store, err := sqlite.New("./data/erp.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  rec := reconcile.New(store, store) // TxStores detected automatically

SEE ALSO:
  - erp/store.go: Interface definitions
  - erp/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/invoice-engine/erp"
)

// maxDeltaRetries bounds the conditional-update retry loop in ApplyDelta.
const maxDeltaRetries = 5

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	c  conn
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, c: conn{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number INTEGER NOT NULL DEFAULT 0,
		year INTEGER NOT NULL DEFAULT 0,
		client TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL,
		discount TEXT NOT NULL,
		credit TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		removed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_removed_created
		ON invoices(removed, created_at DESC);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		number INTEGER NOT NULL DEFAULT 0,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_mode TEXT NOT NULL DEFAULT '',
		ref TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		removed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hot path: deriving an invoice's payment list and the repair sum
	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id, removed);
	CREATE INDEX IF NOT EXISTS idx_payments_removed_created
		ON payments(removed, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE INTERFACE DELEGATION
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, inv erp.Invoice) (erp.Invoice, error) {
	return s.c.CreateInvoice(ctx, inv)
}

func (s *Store) GetInvoice(ctx context.Context, id erp.InvoiceID) (erp.Invoice, error) {
	return s.c.GetInvoice(ctx, id)
}

func (s *Store) ListInvoices(ctx context.Context, page erp.Page) ([]erp.Invoice, int, error) {
	return s.c.ListInvoices(ctx, page)
}

func (s *Store) ApplyDelta(ctx context.Context, id erp.InvoiceID, delta erp.Money, refs erp.RefChange) (erp.Invoice, error) {
	return s.c.ApplyDelta(ctx, id, delta, refs)
}

func (s *Store) CreatePayment(ctx context.Context, p erp.PaymentRecord) (erp.PaymentRecord, error) {
	return s.c.CreatePayment(ctx, p)
}

func (s *Store) GetPayment(ctx context.Context, id erp.PaymentID) (erp.PaymentRecord, error) {
	return s.c.GetPayment(ctx, id)
}

func (s *Store) UpdatePayment(ctx context.Context, id erp.PaymentID, patch erp.PaymentPatch) (erp.PaymentRecord, error) {
	return s.c.UpdatePayment(ctx, id, patch)
}

func (s *Store) MarkRemoved(ctx context.Context, id erp.PaymentID) (erp.PaymentRecord, error) {
	return s.c.MarkRemoved(ctx, id)
}

func (s *Store) ListByInvoice(ctx context.Context, id erp.InvoiceID) ([]erp.PaymentRecord, error) {
	return s.c.ListByInvoice(ctx, id)
}

func (s *Store) ListPayments(ctx context.Context, page erp.Page) ([]erp.PaymentRecord, int, error) {
	return s.c.ListPayments(ctx, page)
}

func (s *Store) SearchPayments(ctx context.Context, q string, fields []string, limit int) ([]erp.PaymentRecord, error) {
	return s.c.SearchPayments(ctx, q, fields, limit)
}

func (s *Store) FilterPayments(ctx context.Context, field, equals string) ([]erp.PaymentRecord, error) {
	return s.c.FilterPayments(ctx, field, equals)
}

// WithTx executes fn with store views bound to a single database
// transaction. If fn returns an error the transaction is rolled back,
// which is what keeps a failed credit adjustment from leaving an orphaned
// payment record on this backend.
func (s *Store) WithTx(ctx context.Context, fn func(erp.InvoiceStore, erp.PaymentStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &erp.StorageError{Op: "begin tx", Err: err}
	}
	view := conn{db: tx}
	if err := fn(view, view); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &erp.StorageError{Op: "commit tx", Err: err}
	}
	return nil
}

// =============================================================================
// CONN - query implementations shared by *sql.DB and *sql.Tx
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	db dbtx
}

// -----------------------------------------------------------------------------
// Invoices
// -----------------------------------------------------------------------------

func (c conn) CreateInvoice(ctx context.Context, inv erp.Invoice) (erp.Invoice, error) {
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.PaymentStatus = erp.DeriveStatus(inv.Total, inv.Discount, inv.Credit)

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO invoices (id, number, year, client, total, discount, credit, payment_status, removed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		string(inv.ID), inv.Number, inv.Year, inv.Client,
		inv.Total.String(), inv.Discount.String(), inv.Credit.String(),
		string(inv.PaymentStatus),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return erp.Invoice{}, &erp.StorageError{Op: "create invoice", Err: err}
	}
	return c.GetInvoice(ctx, inv.ID)
}

// invoiceRow keeps the raw credit text around: ApplyDelta uses it as the
// conditional-update key so the comparison is byte-exact.
type invoiceRow struct {
	inv       erp.Invoice
	rawCredit string
}

func (c conn) getInvoiceRow(ctx context.Context, id erp.InvoiceID) (invoiceRow, error) {
	var (
		row                     invoiceRow
		total, discount, status string
		createdAt, updatedAt    string
		number, year            int
		client                  string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT number, year, client, total, discount, credit, payment_status, created_at, updated_at
		FROM invoices WHERE id = ? AND removed = 0`, string(id)).
		Scan(&number, &year, &client, &total, &discount, &row.rawCredit, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return invoiceRow{}, erp.ErrInvoiceNotFound
	}
	if err != nil {
		return invoiceRow{}, &erp.StorageError{Op: "get invoice", Err: err}
	}

	row.inv = erp.Invoice{
		ID:            id,
		Number:        number,
		Year:          year,
		Client:        client,
		PaymentStatus: erp.PaymentStatus(status),
	}
	if row.inv.Total, err = erp.MoneyFromString(total); err != nil {
		return invoiceRow{}, &erp.StorageError{Op: "parse invoice total", Err: err}
	}
	if row.inv.Discount, err = erp.MoneyFromString(discount); err != nil {
		return invoiceRow{}, &erp.StorageError{Op: "parse invoice discount", Err: err}
	}
	if row.inv.Credit, err = erp.MoneyFromString(row.rawCredit); err != nil {
		return invoiceRow{}, &erp.StorageError{Op: "parse invoice credit", Err: err}
	}
	row.inv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.inv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	row.inv.Payments, err = c.paymentRefs(ctx, id)
	if err != nil {
		return invoiceRow{}, err
	}
	return row, nil
}

func (c conn) GetInvoice(ctx context.Context, id erp.InvoiceID) (erp.Invoice, error) {
	row, err := c.getInvoiceRow(ctx, id)
	if err != nil {
		return erp.Invoice{}, err
	}
	return row.inv, nil
}

// paymentRefs returns the invoice's non-removed payment IDs in insertion
// order.
func (c conn) paymentRefs(ctx context.Context, id erp.InvoiceID) ([]erp.PaymentID, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM payments WHERE invoice_id = ? AND removed = 0 ORDER BY rowid`, string(id))
	if err != nil {
		return nil, &erp.StorageError{Op: "list payment refs", Err: err}
	}
	defer rows.Close()

	var refs []erp.PaymentID
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, &erp.StorageError{Op: "scan payment ref", Err: err}
		}
		refs = append(refs, erp.PaymentID(pid))
	}
	return refs, rows.Err()
}

func (c conn) ListInvoices(ctx context.Context, page erp.Page) ([]erp.Invoice, int, error) {
	page = page.Normalize()

	var count int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invoices WHERE removed = 0`).Scan(&count); err != nil {
		return nil, 0, &erp.StorageError{Op: "count invoices", Err: err}
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM invoices WHERE removed = 0
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		page.Items, page.Offset())
	if err != nil {
		return nil, 0, &erp.StorageError{Op: "list invoices", Err: err}
	}
	defer rows.Close()

	var ids []erp.InvoiceID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, &erp.StorageError{Op: "scan invoice id", Err: err}
		}
		ids = append(ids, erp.InvoiceID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &erp.StorageError{Op: "list invoices", Err: err}
	}

	result := make([]erp.Invoice, 0, len(ids))
	for _, id := range ids {
		inv, err := c.GetInvoice(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, inv)
	}
	return result, count, nil
}

func (c conn) ApplyDelta(ctx context.Context, id erp.InvoiceID, delta erp.Money, _ erp.RefChange) (erp.Invoice, error) {
	// Attach/detach is implicit here: the payment list is derived from the
	// payments table, so only credit and status need the guarded write.
	for attempt := 0; attempt < maxDeltaRetries; attempt++ {
		row, err := c.getInvoiceRow(ctx, id)
		if err != nil {
			return erp.Invoice{}, err
		}

		newCredit := row.inv.Credit.Add(delta)
		if newCredit.IsNegative() || newCredit.GreaterThan(row.inv.Payable()) {
			return erp.Invoice{}, erp.ErrCreditOutOfRange
		}
		status := erp.DeriveStatus(row.inv.Total, row.inv.Discount, newCredit)

		res, err := c.db.ExecContext(ctx, `
			UPDATE invoices SET credit = ?, payment_status = ?, updated_at = ?
			WHERE id = ? AND removed = 0 AND credit = ?`,
			newCredit.String(), string(status), time.Now().UTC().Format(time.RFC3339Nano),
			string(id), row.rawCredit)
		if err != nil {
			return erp.Invoice{}, &erp.StorageError{Op: "apply delta", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return erp.Invoice{}, &erp.StorageError{Op: "apply delta", Err: err}
		}
		if n == 1 {
			return c.GetInvoice(ctx, id)
		}
		// Lost the race against a concurrent adjustment; re-read and retry.
	}
	return erp.Invoice{}, erp.ErrConcurrentModification
}

// -----------------------------------------------------------------------------
// Payments
// -----------------------------------------------------------------------------

const paymentColumns = `id, invoice_id, number, date, amount, payment_mode, ref, description, removed, created_at, updated_at`

func (c conn) CreatePayment(ctx context.Context, p erp.PaymentRecord) (erp.PaymentRecord, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Date.IsZero() {
		p.Date = now
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, number, date, amount, payment_mode, ref, description, removed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		string(p.ID), string(p.InvoiceID), p.Number,
		p.Date.UTC().Format(time.RFC3339Nano), p.Amount.String(),
		p.PaymentMode, p.Ref, p.Description,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return erp.PaymentRecord{}, &erp.StorageError{Op: "create payment", Err: err}
	}
	return p, nil
}

func (c conn) GetPayment(ctx context.Context, id erp.PaymentID) (erp.PaymentRecord, error) {
	return c.getPayment(ctx, id, false)
}

// getPayment optionally includes removed rows: MarkRemoved returns the
// final (removed) state of the record it just flipped.
func (c conn) getPayment(ctx context.Context, id erp.PaymentID, includeRemoved bool) (erp.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`
	if !includeRemoved {
		query += ` AND removed = 0`
	}
	rows, err := c.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return erp.PaymentRecord{}, &erp.StorageError{Op: "get payment", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return erp.PaymentRecord{}, &erp.StorageError{Op: "get payment", Err: err}
		}
		return erp.PaymentRecord{}, erp.ErrPaymentNotFound
	}
	return scanPayment(rows)
}

func (c conn) UpdatePayment(ctx context.Context, id erp.PaymentID, patch erp.PaymentPatch) (erp.PaymentRecord, error) {
	p, err := c.getPayment(ctx, id, false)
	if err != nil {
		return erp.PaymentRecord{}, err
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
	p.UpdatedAt = time.Now().UTC()

	res, err := c.db.ExecContext(ctx, `
		UPDATE payments SET number = ?, date = ?, amount = ?, payment_mode = ?, ref = ?, description = ?, updated_at = ?
		WHERE id = ? AND removed = 0`,
		p.Number, p.Date.UTC().Format(time.RFC3339Nano), p.Amount.String(),
		p.PaymentMode, p.Ref, p.Description,
		p.UpdatedAt.Format(time.RFC3339Nano), string(id))
	if err != nil {
		return erp.PaymentRecord{}, &erp.StorageError{Op: "update payment", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return erp.PaymentRecord{}, erp.ErrPaymentNotFound
	}
	return p, nil
}

func (c conn) MarkRemoved(ctx context.Context, id erp.PaymentID) (erp.PaymentRecord, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE payments SET removed = 1, updated_at = ? WHERE id = ? AND removed = 0`,
		time.Now().UTC().Format(time.RFC3339Nano), string(id))
	if err != nil {
		return erp.PaymentRecord{}, &erp.StorageError{Op: "remove payment", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return erp.PaymentRecord{}, erp.ErrPaymentNotFound
	}
	return c.getPayment(ctx, id, true)
}

func (c conn) ListByInvoice(ctx context.Context, id erp.InvoiceID) ([]erp.PaymentRecord, error) {
	return c.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE invoice_id = ? AND removed = 0 ORDER BY rowid`, string(id))
}

func (c conn) ListPayments(ctx context.Context, page erp.Page) ([]erp.PaymentRecord, int, error) {
	page = page.Normalize()

	var count int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE removed = 0`).Scan(&count); err != nil {
		return nil, 0, &erp.StorageError{Op: "count payments", Err: err}
	}

	result, err := c.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE removed = 0
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		page.Items, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	return result, count, nil
}

// searchColumns maps API field names to columns. Only these are
// searchable; anything else is a validation error, not an SQL fragment.
var searchColumns = map[string]string{
	"ref":         "ref",
	"description": "description",
	"paymentMode": "payment_mode",
}

func (c conn) SearchPayments(ctx context.Context, q string, fields []string, limit int) ([]erp.PaymentRecord, error) {
	if limit <= 0 {
		limit = erp.DefaultPageSize
	}
	if len(fields) == 0 {
		fields = []string{"ref", "description"}
	}

	var (
		clauses []string
		args    []any
	)
	for _, f := range fields {
		col, ok := searchColumns[f]
		if !ok {
			return nil, erp.ErrValidation
		}
		clauses = append(clauses, "instr(lower("+col+"), ?) > 0")
		args = append(args, strings.ToLower(q))
	}
	args = append(args, limit)

	return c.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE removed = 0 AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY rowid LIMIT ?`, args...)
}

var filterColumns = map[string]string{
	"invoice":     "invoice_id",
	"paymentMode": "payment_mode",
	"ref":         "ref",
}

func (c conn) FilterPayments(ctx context.Context, field, equals string) ([]erp.PaymentRecord, error) {
	col, ok := filterColumns[field]
	if !ok {
		return nil, erp.ErrValidation
	}
	return c.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE removed = 0 AND `+col+` = ? ORDER BY rowid`, equals)
}

// -----------------------------------------------------------------------------
// Scanning helpers
// -----------------------------------------------------------------------------

func (c conn) queryPayments(ctx context.Context, query string, args ...any) ([]erp.PaymentRecord, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &erp.StorageError{Op: "query payments", Err: err}
	}
	defer rows.Close()

	var result []erp.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPayment(rows *sql.Rows) (erp.PaymentRecord, error) {
	var (
		p                          erp.PaymentRecord
		id, invoiceID, amount      string
		date, createdAt, updatedAt string
		removed                    int
	)
	err := rows.Scan(&id, &invoiceID, &p.Number, &date, &amount,
		&p.PaymentMode, &p.Ref, &p.Description, &removed, &createdAt, &updatedAt)
	if err != nil {
		return erp.PaymentRecord{}, &erp.StorageError{Op: "scan payment", Err: err}
	}

	p.ID = erp.PaymentID(id)
	p.InvoiceID = erp.InvoiceID(invoiceID)
	p.Removed = removed != 0
	if p.Amount, err = erp.MoneyFromString(amount); err != nil {
		return erp.PaymentRecord{}, &erp.StorageError{Op: "parse payment amount", Err: err}
	}
	p.Date, _ = time.Parse(time.RFC3339Nano, date)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return p, nil
}
