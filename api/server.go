/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route table. This is
  the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE SHAPE:
  Routes follow the verb-in-path convention of the admin frontend
  (/entity/create, /entity/read/{id}, ...) rather than plain REST nouns.

SECURITY NOTE:
  No authentication middleware. Session handling is a separate service;
  this one is expected to run behind it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Client payment routes
		r.Route("/paymentInvoice", func(r chi.Router) {
			r.Post("/create", h.CreatePayment)
			r.Patch("/update/{id}", h.UpdatePayment)
			r.Delete("/delete/{id}", h.DeletePayment)
			r.Get("/read/{id}", h.ReadPayment)
			r.Get("/list", h.ListPayments)
			r.Get("/search", h.SearchPayments)
			r.Get("/filter", h.FilterPayments)
		})

		// Invoice routes (ledger state)
		r.Route("/invoice", func(r chi.Router) {
			r.Post("/create", h.CreateInvoice)
			r.Get("/read/{id}", h.ReadInvoice)
			r.Get("/list", h.ListInvoices)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/repair/{invoiceId}", h.RepairInvoice)
		})
	})

	return r
}
