/*
Package hooks maps host document lifecycle events onto service operations.

PURPOSE:
  The ledger is embedded in a host that owns the documents' lifecycle. The
  host fires an event ("validate", "on_submit", "before_cancel", ...) for a
  document type and name; the registry routes it to the service operation
  that enforces the ledger's rules for that event.

EVENT TABLE (Default):
  loan                    validate, on_submit, before_cancel, on_trash
  delivery                validate, on_submit, on_cancel
  sales_order             validate
  stock_transfer          validate, before_cancel
  promissory_note         validate, on_cancel
  customer_delivery_note  validate, on_submit, on_cancel

  "before_*" and "validate" handlers only check and may refuse; the others
  perform the transition.

USAGE:
  reg := hooks.Default(svc)
  result, err := reg.Dispatch(ctx, doc.TypeLoan, hooks.OnSubmit, "LW-...")

SEE ALSO:
  - service/: the operations behind each event
  - api/server.go: POST /api/hooks/{doctype}/{event}
*/
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/service"
)

// Event names as fired by the host.
const (
	Validate     = "validate"
	OnSubmit     = "on_submit"
	OnCancel     = "on_cancel"
	BeforeCancel = "before_cancel"
	OnTrash      = "on_trash"
)

// ErrUnknownHook is returned when nothing is registered for an event.
var ErrUnknownHook = errors.New("no hook registered")

// Handler runs one event for the named document. The result, if any, is
// the document after the event.
type Handler func(ctx context.Context, name string) (any, error)

type key struct {
	doctype string
	event   string
}

// Registry routes (doctype, event) pairs to handlers.
type Registry struct {
	handlers map[key]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[key]Handler)}
}

// Register adds or replaces the handler for an event.
func (r *Registry) Register(doctype, event string, h Handler) {
	r.handlers[key{doctype, event}] = h
}

// Dispatch runs the handler registered for (doctype, event).
func (r *Registry) Dispatch(ctx context.Context, doctype, event, name string) (any, error) {
	h, ok := r.handlers[key{doctype, event}]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownHook, doctype, event)
	}
	return h(ctx, name)
}

// Events lists registered events as "doctype.event", sorted.
func (r *Registry) Events() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k.doctype+"."+k.event)
	}
	sort.Strings(out)
	return out
}

// check adapts a check-only operation to a Handler.
func check(fn func(context.Context, string) error) Handler {
	return func(ctx context.Context, name string) (any, error) {
		return nil, fn(ctx, name)
	}
}

// Default wires the standard event table to svc.
func Default(svc *service.Service) *Registry {
	r := NewRegistry()

	r.Register(doc.TypeLoan, Validate, check(svc.ValidateLoan))
	r.Register(doc.TypeLoan, OnSubmit, func(ctx context.Context, name string) (any, error) {
		return svc.SubmitLoan(ctx, name)
	})
	r.Register(doc.TypeLoan, BeforeCancel, check(svc.CheckLoanCancellable))
	r.Register(doc.TypeLoan, OnTrash, check(svc.DeleteLoan))

	r.Register(doc.TypeDelivery, Validate, check(svc.ValidateDelivery))
	r.Register(doc.TypeDelivery, OnSubmit, func(ctx context.Context, name string) (any, error) {
		return svc.SubmitDelivery(ctx, name)
	})
	r.Register(doc.TypeDelivery, OnCancel, func(ctx context.Context, name string) (any, error) {
		return svc.CancelDelivery(ctx, name)
	})

	r.Register(doc.TypeSalesOrder, Validate, check(svc.ValidateSalesOrder))

	r.Register(doc.TypeStockTransfer, Validate, check(svc.ValidateTransfer))
	r.Register(doc.TypeStockTransfer, BeforeCancel, check(svc.CheckTransferCancellable))

	r.Register(doc.TypePromissoryNote, Validate, func(ctx context.Context, name string) (any, error) {
		return svc.RecalculatePromissoryNote(ctx, name)
	})
	r.Register(doc.TypePromissoryNote, OnCancel, func(ctx context.Context, name string) (any, error) {
		return svc.CancelPromissoryNote(ctx, name)
	})

	r.Register(doc.TypeCustomerNote, Validate, check(svc.ValidateCustomerDeliveryNote))
	r.Register(doc.TypeCustomerNote, OnSubmit, func(ctx context.Context, name string) (any, error) {
		return svc.SubmitCustomerDeliveryNote(ctx, name)
	})
	r.Register(doc.TypeCustomerNote, OnCancel, func(ctx context.Context, name string) (any, error) {
		return svc.CancelCustomerDeliveryNote(ctx, name)
	})
	return r
}
