/*
Package doc holds the document lifecycle vocabulary shared by every document
type in the system (loans, deliveries, sales orders, stock transfers,
promissory notes).

LIFECYCLE:
  Draft ──submit──▶ Submitted ──cancel──▶ Cancelled

  A submitted document is frozen; corrections are made by cancelling it and
  creating a new one. Cancelled is terminal.

NAMES:
  Every document and child row is identified by an opaque name generated
  with NewName. Names are UUIDs prefixed by a short document code so they
  stay readable in logs ("LW-3f2c...", "DN-91ab...").
*/
package doc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a document.
type Status int

const (
	Draft     Status = 0
	Submitted Status = 1
	Cancelled Status = 2
)

func (s Status) String() string {
	switch s {
	case Draft:
		return "draft"
	case Submitted:
		return "submitted"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Document type codes used as name prefixes.
const (
	PrefixLoan       = "LW"
	PrefixBalanceRow = "LWB"
	PrefixLoanItem   = "LWI"
	PrefixHistory    = "LCH"
	PrefixDelivery   = "DN"
	PrefixLine       = "DNI"
	PrefixOrder      = "SO"
	PrefixOrderItem  = "SOI"
	PrefixTransfer   = "STE"
	PrefixTransferLn = "STED"
	PrefixPromissory = "PN"
	PrefixCustomerDN = "CDN"
)

// Document types, as named by permission checks and hook dispatch.
const (
	TypeLoan           = "loan"
	TypeDelivery       = "delivery"
	TypeSalesOrder     = "sales_order"
	TypeStockTransfer  = "stock_transfer"
	TypePromissoryNote = "promissory_note"
	TypeCustomerNote   = "customer_delivery_note"
)

// NewName returns a fresh document name with the given prefix.
func NewName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

type userKey struct{}

// WithUser attaches the acting user to ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the acting user, or "" if none was attached.
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}
