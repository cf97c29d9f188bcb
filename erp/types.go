/*
Package erp provides the core invoice ledger types and rules.

PURPOSE:
  This package contains the monetary domain model shared by every layer:
  invoices, payment records, and the derivation rule that turns an invoice's
  credited amount into its payment status. It knows nothing about HTTP or
  any particular database.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An exact decimal monetary amount (never a float)
  - Invoice: The ledger side of the model (total, discount, credit, status)
  - PaymentRecord: A single client payment applied against one invoice
  - DeriveStatus / PayableAmount: The status derivation rule and its ceiling

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal so status comparison is exact
  2. Soft-delete: Records carry a Removed flag; stores never hard-delete
  3. Derived state: Credit and PaymentStatus are only ever written by the
     reconciler through InvoiceStore.ApplyDelta, never set by callers

USAGE:
  payable := inv.Payable()               // total - discount
  headroom := inv.Headroom()             // payable - credit
  status := erp.DeriveStatus(inv.Total, inv.Discount, newCredit)

SEE ALSO:
  - errors.go: Error taxonomy for rule violations
  - store.go: Persistence contracts consumed by the reconciler
*/
package erp

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal monetary amount
// =============================================================================

// Money is a monetary amount with exact decimal arithmetic.
// The zero value is 0.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(value int64) Money {
	return Money{Value: decimal.NewFromInt(value)}
}

func MoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

// MustMoney parses a decimal string, returning zero on failure.
// Intended for constants in tests and fixtures.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}
	}
	return Money{Value: d}
}

func (m Money) Add(b Money) Money        { return Money{Value: m.Value.Add(b.Value)} }
func (m Money) Sub(b Money) Money        { return Money{Value: m.Value.Sub(b.Value)} }
func (m Money) Neg() Money               { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool             { return m.Value.IsZero() }
func (m Money) IsNegative() bool         { return m.Value.IsNegative() }
func (m Money) IsPositive() bool         { return m.Value.IsPositive() }
func (m Money) Equal(b Money) bool       { return m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool { return m.Value.GreaterThan(b.Value) }
func (m Money) LessThan(b Money) bool    { return m.Value.LessThan(b.Value) }
func (m Money) String() string           { return m.Value.String() }

// MarshalJSON encodes the amount as a decimal string to avoid any
// float64 round-trip in clients.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.Value.String() + `"`), nil
}

// UnmarshalJSON accepts both a JSON number and a decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	m.Value = d
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InvoiceID string
type PaymentID string

// =============================================================================
// PAYMENT STATUS - Derived from (total, discount, credit)
// =============================================================================

type PaymentStatus string

const (
	StatusUnpaid    PaymentStatus = "unpaid"
	StatusPartially PaymentStatus = "partially"
	StatusPaid      PaymentStatus = "paid"
)

// PayableAmount returns the amount an invoice can actually collect:
// total minus discount. This is the ceiling for credit.
func PayableAmount(total, discount Money) Money {
	return total.Sub(discount)
}

// DeriveStatus computes payment status from the invoice's monetary state.
// Exact decimal comparison: "paid" only when credit equals the payable
// amount, never by tolerance.
func DeriveStatus(total, discount, credit Money) PaymentStatus {
	switch {
	case PayableAmount(total, discount).Equal(credit):
		return StatusPaid
	case credit.IsPositive():
		return StatusPartially
	default:
		return StatusUnpaid
	}
}

// =============================================================================
// INVOICE - Ledger side of the model
// =============================================================================

// Invoice holds the monetary state the reconciler operates on.
//
// INVARIANTS (while Removed is false):
//   - 0 <= Credit <= Total - Discount
//   - Credit equals the sum of Amount over all non-removed payment
//     records referencing this invoice
//   - PaymentStatus equals DeriveStatus(Total, Discount, Credit)
type Invoice struct {
	ID            InvoiceID
	Number        int
	Year          int
	Client        string
	Total         Money
	Discount      Money
	Credit        Money
	PaymentStatus PaymentStatus
	// Payments lists references to this invoice's payment records in
	// creation order.
	Payments  []PaymentID
	Removed   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payable returns total minus discount.
func (inv Invoice) Payable() Money {
	return PayableAmount(inv.Total, inv.Discount)
}

// Headroom returns the remaining amount this invoice can accept before
// being fully paid.
func (inv Invoice) Headroom() Money {
	return inv.Payable().Sub(inv.Credit)
}

// =============================================================================
// PAYMENT RECORD - A single client payment against one invoice
// =============================================================================

// PaymentRecord is owned by the PaymentStore. InvoiceID is immutable after
// creation; Amount and the descriptive fields may be amended. Deletion is
// always soft (Removed flag), with the credit reversal handled by the
// reconciler.
type PaymentRecord struct {
	ID          PaymentID
	InvoiceID   InvoiceID
	Number      int
	Date        time.Time
	Amount      Money
	PaymentMode string
	Ref         string
	Description string
	Removed     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
