/*
handlers.go - HTTP API handlers for the loan conversion ledger

PURPOSE:
  Exposes the service over REST. Handles HTTP request/response, JSON
  serialization and request-shape validation, and delegates everything
  else to the service.

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Service: loan, delivery, sales order and note operations
  - Hooks:   host lifecycle hook registry
  - Logger:  request-scoped failures the client cannot act on

ACTING USER:
  The X-User header, if present, is attached to the request context and
  used for permission checks and conversion history.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Permission denied
  - 404: Document not found, unknown hook
  - 409: Loan busy in another request
  - 500: Integrity and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/hooks"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/report"
	"github.com/nbs/loanledger/service"
	"github.com/sirupsen/logrus"
)

// UserHeader carries the acting user.
const UserHeader = "X-User"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *service.Service
	Hooks   *hooks.Registry
	Logger  logrus.FieldLogger

	validate *validator.Validate
}

// NewHandler creates a handler over svc with the default hook table.
func NewHandler(svc *service.Service, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Service:  svc,
		Hooks:    hooks.Default(svc),
		Logger:   logger,
		validate: validator.New(),
	}
}

// withUser moves the X-User header into the request context.
func withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get(UserHeader); user != "" {
			r = r.WithContext(doc.WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// decode reads and validates a JSON body. On failure it has already
// written the response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Code:    "invalid_request",
			Details: validationDetails(err),
		})
		return false
	}
	return true
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// ReceiveStock brings stock into a location.
// POST /api/stock/receipts
func (h *Handler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Service.ReceiveStock(r.Context(), req.toReceipt()); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "received"})
}

// GetStock returns the available quantity of an item at a location.
// GET /api/stock/bins?item=&location=
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	item, location := r.URL.Query().Get("item"), r.URL.Query().Get("location")
	if item == "" || location == "" {
		writeError(w, http.StatusBadRequest, "item and location are required", nil)
		return
	}
	qty, err := h.Service.AvailableStock(r.Context(), item, location)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StockResponse{ItemCode: item, Location: location, Qty: qty})
}

// ListStockItems lists item codes in stock at a location.
// GET /api/stock/items?location=&search=&limit=
func (h *Handler) ListStockItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("location") == "" {
		writeError(w, http.StatusBadRequest, "location is required", nil)
		return
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit: %s", v), err)
			return
		}
		limit = n
	}
	items, err := h.Service.ItemsInStock(r.Context(), q.Get("location"), q.Get("search"), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, items)
}

// CancelTransfer cancels a non-loan stock transfer.
// POST /api/stock/transfers/{id}/cancel
func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.CancelTransfer(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": doc.Cancelled.String()})
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// SaveLoan validates and stores a draft loan.
// POST /api/loans
func (h *Handler) SaveLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.Service.SaveLoan(r.Context(), req.toLoan())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GetLoan returns a loan with its items and totals.
// GET /api/loans/{id}
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.Service.GetLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// SubmitLoan moves the loaned goods and opens the balance ledger.
// POST /api/loans/{id}/submit
func (h *Handler) SubmitLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.Service.SubmitLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CancelLoan returns the goods and closes an unconverted loan.
// POST /api/loans/{id}/cancel
func (h *Handler) CancelLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.Service.CancelLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// DeleteLoan deletes a draft loan.
// DELETE /api/loans/{id}
func (h *Handler) DeleteLoan(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteLoan(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalances returns the loan's balance rows.
// GET /api/loans/{id}/balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Service.BalanceRows(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if rows == nil {
		rows = []loan.BalanceRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetHistory returns the loan's conversion history.
// GET /api/loans/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []loan.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// VerifyLoan checks the loan's balance rows against its totals. An
// inconsistent ledger is reported in the body, not as a failed request.
// GET /api/loans/{id}/integrity
func (h *Handler) VerifyLoan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Service.VerifyLoan(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, IntegrityResponse{LoanID: id, OK: true})
	case loan.IsIntegrity(err):
		writeJSON(w, http.StatusOK, IntegrityResponse{LoanID: id, Error: err.Error()})
	default:
		h.writeDomainError(w, r, err)
	}
}

// =============================================================================
// SALES ORDER HANDLERS
// =============================================================================

// SaveSalesOrder validates and submits a sales order.
// POST /api/sales-orders
func (h *Handler) SaveSalesOrder(w http.ResponseWriter, r *http.Request) {
	var req SalesOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	so, err := h.Service.SaveSalesOrder(r.Context(), req.toOrder())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, so)
}

// GET /api/sales-orders/{id}
func (h *Handler) GetSalesOrder(w http.ResponseWriter, r *http.Request) {
	so, err := h.Service.GetSalesOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, so)
}

// GetRemaining returns what is still owed per item code.
// GET /api/sales-orders/{id}/remaining
func (h *Handler) GetRemaining(w http.ResponseWriter, r *http.Request) {
	left, err := h.Service.RemainingToDeliver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, left)
}

// GetPendingLoans lists loans that can still fill the order.
// GET /api/sales-orders/{id}/pending-loans
func (h *Handler) GetPendingLoans(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Service.PendingLoans(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// =============================================================================
// PROMISSORY NOTE HANDLERS
// =============================================================================

// EnsurePromissoryNote returns the order's active note, creating it if
// there is none (201) or returning the existing one (200).
// POST /api/sales-orders/{id}/promissory-note
func (h *Handler) EnsurePromissoryNote(w http.ResponseWriter, r *http.Request) {
	note, created, err := h.Service.EnsurePromissoryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, note)
}

// GetPromissoryNote returns the active note recomputed from deliveries.
// GET /api/sales-orders/{id}/promissory-note
func (h *Handler) GetPromissoryNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Service.PromissoryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// ExportPromissoryNote downloads the active note as XLSX.
// GET /api/sales-orders/{id}/promissory-note.xlsx
func (h *Handler) ExportPromissoryNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Service.PromissoryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	f, err := report.Promissory(note)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", report.Filename(note)))
	if err := f.Write(w); err != nil {
		h.Logger.WithError(err).WithField("sales_order", note.SalesOrderID).Error("failed to write promissory workbook")
	}
}

// CancelPromissoryNote cancels a note.
// POST /api/promissory-notes/{id}/cancel
func (h *Handler) CancelPromissoryNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Service.CancelPromissoryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// =============================================================================
// CUSTOMER DELIVERY NOTE HANDLERS
// =============================================================================

// EnsureCustomerDeliveryNote returns the order's linked note, drafting one
// if there is none (201) or returning the existing one (200).
// POST /api/sales-orders/{id}/customer-delivery-note
func (h *Handler) EnsureCustomerDeliveryNote(w http.ResponseWriter, r *http.Request) {
	note, created, err := h.Service.EnsureCustomerDeliveryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, note)
}

// GET /api/sales-orders/{id}/customer-delivery-note
func (h *Handler) GetOrderCustomerDeliveryNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Service.CustomerDeliveryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// SaveCustomerDeliveryNote stores a draft note.
// POST /api/customer-delivery-notes
func (h *Handler) SaveCustomerDeliveryNote(w http.ResponseWriter, r *http.Request) {
	var req CustomerDeliveryNoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	note, err := h.Service.SaveCustomerDeliveryNote(r.Context(), req.toNote())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// GET /api/customer-delivery-notes/{id}
func (h *Handler) GetCustomerDeliveryNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Service.GetCustomerDeliveryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// POST /api/customer-delivery-notes/{id}/submit
func (h *Handler) SubmitCustomerDeliveryNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Service.SubmitCustomerDeliveryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// POST /api/customer-delivery-notes/{id}/cancel
func (h *Handler) CancelCustomerDeliveryNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Service.CancelCustomerDeliveryNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// =============================================================================
// DELIVERY HANDLERS
// =============================================================================

// CreateConversion drafts a conversion delivery from balance-row selections.
// POST /api/conversions
func (h *Handler) CreateConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Service.CreateConversionDraft(r.Context(), req.toService())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// SaveDelivery validates and stores a draft delivery.
// POST /api/deliveries
func (h *Handler) SaveDelivery(w http.ResponseWriter, r *http.Request) {
	var req DeliveryRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Service.SaveDelivery(r.Context(), req.toDelivery())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GET /api/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// SubmitDelivery submits a delivery, converting its loan if linked.
// POST /api/deliveries/{id}/submit
func (h *Handler) SubmitDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.SubmitDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CancelDelivery cancels a delivery, reversing its conversion if any.
// POST /api/deliveries/{id}/cancel
func (h *Handler) CancelDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.CancelDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// =============================================================================
// HOOK HANDLERS
// =============================================================================

// DispatchHook runs a host lifecycle hook.
// POST /api/hooks/{doctype}/{event}
func (h *Handler) DispatchHook(w http.ResponseWriter, r *http.Request) {
	var req HookRequest
	if !h.decode(w, r, &req) {
		return
	}
	doctype, event := chi.URLParam(r, "doctype"), chi.URLParam(r, "event")
	result, err := h.Hooks.Dispatch(r.Context(), doctype, event, req.Name)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HookResponse{DocType: doctype, Event: event, Name: req.Name, Result: result})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusOf classifies a service error.
func statusOf(err error) (int, string) {
	switch {
	case loan.IsPermission(err):
		return http.StatusForbidden, "permission_denied"
	case loan.IsNotFound(err), errors.Is(err, hooks.ErrUnknownHook):
		return http.StatusNotFound, "not_found"
	case loan.IsRetryable(err):
		return http.StatusConflict, "busy"
	case loan.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case loan.IsIntegrity(err):
		return http.StatusInternalServerError, "integrity"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeDomainError maps a service error to its status and logs server-side
// failures.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   code,
		}).Error("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
