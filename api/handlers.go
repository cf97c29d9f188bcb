/*
handlers.go - HTTP API handlers for the payment reconciliation service

PURPOSE:
  Exposes the reconciler via REST. Handles HTTP request/response, JSON
  serialization, and delegates the actual ledger work to reconcile.

ENDPOINTS:
  Payments:
    POST   /api/paymentInvoice/create       Apply a payment
    PATCH  /api/paymentInvoice/update/{id}  Amend a payment
    DELETE /api/paymentInvoice/delete/{id}  Reverse (soft-delete) a payment
    GET    /api/paymentInvoice/read/{id}    Read a payment
    GET    /api/paymentInvoice/list         Paginated list (?page=&items=)
    GET    /api/paymentInvoice/search       Text search (?q=&fields=)
    GET    /api/paymentInvoice/filter       Equality filter (?filter=&equal=)

  Invoices:
    POST   /api/invoice/create              Create an invoice
    GET    /api/invoice/read/{id}           Read ledger state
    GET    /api/invoice/list                Paginated list

  Admin:
    POST   /api/admin/repair/{invoiceId}    Recompute credit from records

ERROR HANDLING:
  Failures use the shared envelope with the taxonomy kind in "error":
  - 202: business rejection (zero amount, ceiling exceeded)
  - 400: malformed body / validation failure
  - 404: invoice or payment not found (or soft-removed)
  - 500: storage failure, including a failed credit adjustment after the
         payment write (the message tells ops to run repair)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/invoice-engine/erp"
	"github.com/warp/invoice-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Reconciler *reconcile.Reconciler
	Invoices   erp.InvoiceStore
	Payments   erp.PaymentStore

	validate *validator.Validate
	newID    func() erp.InvoiceID
}

// NewHandler creates a handler over the given stores. The reconciler is
// built here so transactional backends are detected in one place.
func NewHandler(invoices erp.InvoiceStore, payments erp.PaymentStore, newInvoiceID func() erp.InvoiceID) *Handler {
	return &Handler{
		Reconciler: reconcile.New(invoices, payments),
		Invoices:   invoices,
		Payments:   payments,
		validate:   validator.New(),
		newID:      newInvoiceID,
	}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment applies a new payment against an invoice.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body", erp.ErrValidation)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Required fields are not supplied", erp.ErrValidation)
		return
	}

	res, err := h.Reconciler.Apply(r.Context(), reconcile.ApplyRequest{
		InvoiceID:   erp.InvoiceID(req.Invoice),
		Amount:      req.Amount,
		Number:      req.Number,
		Date:        req.Date,
		PaymentMode: req.PaymentMode,
		Ref:         req.Ref,
		Description: req.Description,
	})
	if err != nil {
		writeReconcileError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, PaymentResultDTO{
		Payment: toPaymentDTO(res.Payment),
		Invoice: toInvoiceDTO(res.Invoice),
	}, "Successfully created the payment")
}

// UpdatePayment amends an existing payment.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id := erp.PaymentID(chi.URLParam(r, "id"))

	var req UpdatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body", erp.ErrValidation)
		return
	}

	res, err := h.Reconciler.Amend(r.Context(), id, reconcile.AmendRequest{
		Amount:      req.Amount,
		Number:      req.Number,
		Date:        req.Date,
		PaymentMode: req.PaymentMode,
		Ref:         req.Ref,
		Description: req.Description,
	})
	if err != nil {
		writeReconcileError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, PaymentResultDTO{
		Payment: toPaymentDTO(res.Payment),
		Invoice: toInvoiceDTO(res.Invoice),
	}, "Successfully updated the payment")
}

// DeletePayment reverses a payment, restoring the invoice's headroom.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := erp.PaymentID(chi.URLParam(r, "id"))

	res, err := h.Reconciler.Reverse(r.Context(), id)
	if err != nil {
		writeReconcileError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, PaymentResultDTO{
		Payment: toPaymentDTO(res.Payment),
		Invoice: toInvoiceDTO(res.Invoice),
	}, "Successfully deleted the payment")
}

// ReadPayment returns a single payment record.
func (h *Handler) ReadPayment(w http.ResponseWriter, r *http.Request) {
	id := erp.PaymentID(chi.URLParam(r, "id"))

	p, err := h.Payments.GetPayment(r.Context(), id)
	if err != nil {
		writeReconcileError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toPaymentDTO(p), "Found the payment")
}

// ListPayments returns a page of payments, newest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)

	records, count, err := h.Payments.ListPayments(r.Context(), page)
	if err != nil {
		writeReconcileError(w, err)
		return
	}
	writePage(w, toPaymentDTOs(records), page, count)
}

// SearchPayments returns payments matching a case-insensitive substring
// over the requested text fields.
func (h *Handler) SearchPayments(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeFailure(w, http.StatusAccepted, "No document found by this request", erp.ErrValidation)
		return
	}
	var fields []string
	if raw := r.URL.Query().Get("fields"); raw != "" {
		fields = strings.Split(raw, ",")
	}

	records, err := h.Payments.SearchPayments(r.Context(), q, fields, erp.DefaultPageSize)
	if err != nil {
		writeReconcileError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toPaymentDTOs(records), "Successfully found all documents")
}

// FilterPayments returns payments whose named field equals the given value.
func (h *Handler) FilterPayments(w http.ResponseWriter, r *http.Request) {
	field := r.URL.Query().Get("filter")
	equals := r.URL.Query().Get("equal")
	if field == "" || equals == "" {
		writeFailure(w, http.StatusBadRequest, "Filter not provided correctly", erp.ErrValidation)
		return
	}

	records, err := h.Payments.FilterPayments(r.Context(), field, equals)
	if err != nil {
		writeReconcileError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toPaymentDTOs(records), "Successfully found all documents")
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice creates a new invoice with zero credit.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body", erp.ErrValidation)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Required fields are not supplied", erp.ErrValidation)
		return
	}
	if req.Total.IsNegative() || req.Discount.IsNegative() || req.Discount.GreaterThan(req.Total) {
		writeFailure(w, http.StatusBadRequest, "Discount must be between 0 and total", erp.ErrValidation)
		return
	}

	inv, err := h.Invoices.CreateInvoice(r.Context(), erp.Invoice{
		ID:       h.newID(),
		Number:   req.Number,
		Year:     req.Year,
		Client:   req.Client,
		Total:    req.Total,
		Discount: req.Discount,
	})
	if err != nil {
		writeReconcileError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toInvoiceDTO(inv), "Successfully created the invoice")
}

// ReadInvoice returns an invoice's ledger state.
func (h *Handler) ReadInvoice(w http.ResponseWriter, r *http.Request) {
	id := erp.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Invoices.GetInvoice(r.Context(), id)
	if err != nil {
		writeReconcileError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toInvoiceDTO(inv), "Found the invoice")
}

// ListInvoices returns a page of invoices, newest first.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)

	invs, count, err := h.Invoices.ListInvoices(r.Context(), page)
	if err != nil {
		writeReconcileError(w, err)
		return
	}
	writePage(w, toInvoiceDTOs(invs), page, count)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RepairInvoice recomputes the invoice's credit from its non-removed
// payment records and corrects drift.
func (h *Handler) RepairInvoice(w http.ResponseWriter, r *http.Request) {
	id := erp.InvoiceID(chi.URLParam(r, "invoiceId"))

	res, err := h.Reconciler.Repair(r.Context(), id)
	if err != nil {
		writeReconcileError(w, err)
		return
	}

	msg := "Credit matches payment records"
	if res.Corrected {
		msg = "Corrected credit drift"
	}
	writeSuccess(w, http.StatusOK, RepairDTO{
		Invoice:         toInvoiceDTO(res.Invoice),
		RecordedCredit:  res.RecordedCredit,
		AuthorityCredit: res.AuthorityCredit,
		Drift:           res.Drift,
		Corrected:       res.Corrected,
	}, msg)
}

// =============================================================================
// HELPERS
// =============================================================================

func pageFromQuery(r *http.Request) erp.Page {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	items, _ := strconv.Atoi(r.URL.Query().Get("items"))
	return erp.Page{Page: page, Items: items}.Normalize()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, status int, result any, message string) {
	writeJSON(w, status, Response{Success: true, Result: result, Message: message})
}

func writeFailure(w http.ResponseWriter, status int, message string, err error) {
	writeJSON(w, status, Response{Success: false, Message: message, Error: erp.Kind(err)})
}

func writePage(w http.ResponseWriter, result any, page erp.Page, count int) {
	pages := (count + page.Items - 1) / page.Items
	writeJSON(w, http.StatusOK, Response{
		Success:    true,
		Result:     result,
		Message:    "Successfully found all documents",
		Pagination: &Pagination{Page: page.Page, Pages: pages, Count: count},
	})
}

// writeReconcileError maps the error taxonomy onto HTTP statuses and the
// shared envelope. Business rejections answer 202 with the rule message
// (for ceiling violations that message carries the computed maximum).
func writeReconcileError(w http.ResponseWriter, err error) {
	var limitErr *erp.ExceedsLimitError
	var adjErr *erp.LedgerAdjustmentError

	switch {
	case errors.As(err, &limitErr):
		writeFailure(w, http.StatusAccepted, "The max amount you can add is "+limitErr.MaxAmount.String(), err)
	case errors.Is(err, erp.ErrInvalidAmount):
		writeFailure(w, http.StatusAccepted, "The minimum amount couldn't be 0", err)
	case erp.IsNotFound(err):
		writeFailure(w, http.StatusNotFound, "No document found by this id", err)
	case errors.Is(err, erp.ErrValidation):
		writeFailure(w, http.StatusBadRequest, "Required fields are not supplied", err)
	case errors.As(err, &adjErr):
		writeFailure(w, http.StatusInternalServerError,
			"Payment was recorded but the invoice credit update failed; run repair for invoice "+string(adjErr.InvoiceID), err)
	default:
		writeFailure(w, http.StatusInternalServerError, "Oops there is an error", err)
	}
}
