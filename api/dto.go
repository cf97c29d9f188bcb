/*
dto.go - Data transfer objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the domain
  model from the wire contract.

ENVELOPE:
  Every endpoint answers with the same envelope:

    { "success": bool, "result": ..., "message": "...", "error": "kind" }

  plus a "pagination" object on list endpoints. "error" carries the stable
  taxonomy name (invalid_amount, not_found, amount_exceeds_limit,
  validation_failure, storage_failure); "message" is human-readable.

VALIDATION:
  Request DTOs carry go-playground/validator tags; handlers run the
  validator before touching the reconciler. Amount rules (non-zero,
  ceiling) live in the reconciler, not here.

SEE ALSO:
  - handlers.go: Uses these types
  - erp/errors.go: Kind() feeding the error field
*/
package api

import (
	"time"

	"github.com/warp/invoice-engine/erp"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Response is the uniform success/failure envelope.
type Response struct {
	Success    bool        `json:"success"`
	Result     any         `json:"result"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination mirrors the list query: 1-based page, total pages, total count.
type Pagination struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Count int `json:"count"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreatePaymentRequest is the body of POST /api/paymentInvoice/create.
type CreatePaymentRequest struct {
	Invoice     string    `json:"invoice" validate:"required"`
	Amount      erp.Money `json:"amount"`
	Number      int       `json:"number"`
	Date        time.Time `json:"date"`
	PaymentMode string    `json:"paymentMode"`
	Ref         string    `json:"ref"`
	Description string    `json:"description"`
}

// UpdatePaymentRequest is the body of PATCH /api/paymentInvoice/update/{id}.
// Absent fields are left unchanged.
type UpdatePaymentRequest struct {
	Amount      *erp.Money `json:"amount"`
	Number      *int       `json:"number"`
	Date        *time.Time `json:"date"`
	PaymentMode *string    `json:"paymentMode"`
	Ref         *string    `json:"ref"`
	Description *string    `json:"description"`
}

// CreateInvoiceRequest is the body of POST /api/invoice/create.
// Credit and payment status are derived state and deliberately absent.
type CreateInvoiceRequest struct {
	Number   int       `json:"number"`
	Year     int       `json:"year"`
	Client   string    `json:"client" validate:"required"`
	Total    erp.Money `json:"total"`
	Discount erp.Money `json:"discount"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// InvoiceDTO represents an invoice's ledger state in API responses.
type InvoiceDTO struct {
	ID             string    `json:"_id"`
	Number         int       `json:"number"`
	Year           int       `json:"year"`
	Client         string    `json:"client"`
	Total          erp.Money `json:"total"`
	Discount       erp.Money `json:"discount"`
	Credit         erp.Money `json:"credit"`
	PaymentStatus  string    `json:"paymentStatus"`
	PaymentInvoice []string  `json:"paymentInvoice"`
	CreatedAt      string    `json:"created,omitempty"`
	UpdatedAt      string    `json:"updated,omitempty"`
}

// PaymentDTO represents a payment record in API responses.
type PaymentDTO struct {
	ID          string    `json:"_id"`
	Invoice     string    `json:"invoice"`
	Number      int       `json:"number"`
	Date        string    `json:"date"`
	Amount      erp.Money `json:"amount"`
	PaymentMode string    `json:"paymentMode,omitempty"`
	Ref         string    `json:"ref,omitempty"`
	Description string    `json:"description,omitempty"`
	Removed     bool      `json:"removed"`
	CreatedAt   string    `json:"created,omitempty"`
	UpdatedAt   string    `json:"updated,omitempty"`
}

// PaymentResultDTO is the success payload of apply/amend/reverse: the
// payment together with the invoice's updated ledger state.
type PaymentResultDTO struct {
	Payment PaymentDTO `json:"payment"`
	Invoice InvoiceDTO `json:"invoice"`
}

// RepairDTO is the payload of the admin repair endpoint.
type RepairDTO struct {
	Invoice         InvoiceDTO `json:"invoice"`
	RecordedCredit  erp.Money  `json:"recordedCredit"`
	AuthorityCredit erp.Money  `json:"authorityCredit"`
	Drift           erp.Money  `json:"drift"`
	Corrected       bool       `json:"corrected"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toInvoiceDTO(inv erp.Invoice) InvoiceDTO {
	refs := make([]string, len(inv.Payments))
	for i, p := range inv.Payments {
		refs[i] = string(p)
	}
	return InvoiceDTO{
		ID:             string(inv.ID),
		Number:         inv.Number,
		Year:           inv.Year,
		Client:         inv.Client,
		Total:          inv.Total,
		Discount:       inv.Discount,
		Credit:         inv.Credit,
		PaymentStatus:  string(inv.PaymentStatus),
		PaymentInvoice: refs,
		CreatedAt:      formatTime(inv.CreatedAt),
		UpdatedAt:      formatTime(inv.UpdatedAt),
	}
}

func toPaymentDTO(p erp.PaymentRecord) PaymentDTO {
	return PaymentDTO{
		ID:          string(p.ID),
		Invoice:     string(p.InvoiceID),
		Number:      p.Number,
		Date:        formatTime(p.Date),
		Amount:      p.Amount,
		PaymentMode: p.PaymentMode,
		Ref:         p.Ref,
		Description: p.Description,
		Removed:     p.Removed,
		CreatedAt:   formatTime(p.CreatedAt),
		UpdatedAt:   formatTime(p.UpdatedAt),
	}
}

func toPaymentDTOs(ps []erp.PaymentRecord) []PaymentDTO {
	dtos := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

func toInvoiceDTOs(invs []erp.Invoice) []InvoiceDTO {
	dtos := make([]InvoiceDTO, len(invs))
	for i, inv := range invs {
		dtos[i] = toInvoiceDTO(inv)
	}
	return dtos
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
