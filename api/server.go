/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the host frontend
  5. withUser:   X-User header into the request context

ROUTE GROUPS:
  /api/stock/*                   Stock receipts, availability, transfer cancel
  /api/loans/*                   Loan lifecycle and ledger views
  /api/sales-orders/*            Orders, remaining, pending loans, linked notes
  /api/promissory-notes/*        Promissory note cancellation
  /api/customer-delivery-notes/* Customer delivery note lifecycle
  /api/conversions               Draft conversion deliveries
  /api/deliveries/*              Delivery lifecycle
  /api/hooks/*                   Host lifecycle hooks

SECURITY NOTE:
  No authentication middleware. The X-User header is trusted; the host is
  expected to sit in front of this API.

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
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))
	r.Use(withUser)

	r.Route("/api", func(r chi.Router) {
		r.Route("/stock", func(r chi.Router) {
			r.Post("/receipts", h.ReceiveStock)
			r.Get("/bins", h.GetStock)
			r.Get("/items", h.ListStockItems)
			r.Post("/transfers/{id}/cancel", h.CancelTransfer)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Post("/", h.SaveLoan)
			r.Get("/{id}", h.GetLoan)
			r.Delete("/{id}", h.DeleteLoan)
			r.Post("/{id}/submit", h.SubmitLoan)
			r.Post("/{id}/cancel", h.CancelLoan)
			r.Get("/{id}/balances", h.GetBalances)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/integrity", h.VerifyLoan)
		})

		r.Route("/sales-orders", func(r chi.Router) {
			r.Post("/", h.SaveSalesOrder)
			r.Get("/{id}", h.GetSalesOrder)
			r.Get("/{id}/remaining", h.GetRemaining)
			r.Get("/{id}/pending-loans", h.GetPendingLoans)
			r.Post("/{id}/promissory-note", h.EnsurePromissoryNote)
			r.Get("/{id}/promissory-note", h.GetPromissoryNote)
			r.Get("/{id}/promissory-note.xlsx", h.ExportPromissoryNote)
			r.Post("/{id}/customer-delivery-note", h.EnsureCustomerDeliveryNote)
			r.Get("/{id}/customer-delivery-note", h.GetOrderCustomerDeliveryNote)
		})

		r.Post("/promissory-notes/{id}/cancel", h.CancelPromissoryNote)

		r.Route("/customer-delivery-notes", func(r chi.Router) {
			r.Post("/", h.SaveCustomerDeliveryNote)
			r.Get("/{id}", h.GetCustomerDeliveryNote)
			r.Post("/{id}/submit", h.SubmitCustomerDeliveryNote)
			r.Post("/{id}/cancel", h.CancelCustomerDeliveryNote)
		})

		r.Post("/conversions", h.CreateConversion)

		r.Route("/deliveries", func(r chi.Router) {
			r.Post("/", h.SaveDelivery)
			r.Get("/{id}", h.GetDelivery)
			r.Post("/{id}/submit", h.SubmitDelivery)
			r.Post("/{id}/cancel", h.CancelDelivery)
		})

		r.Post("/hooks/{doctype}/{event}", h.DispatchHook)
	})

	return r
}
