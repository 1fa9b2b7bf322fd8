/*
Package sales holds the sales-side documents the loan ledger reads and keeps
in sync: sales orders, deliveries, promissory notes and customer delivery
notes.

PURPOSE:
  A sales order says what the customer bought. Deliveries ship against it,
  either from stock (Regular) or by converting goods already sitting at the
  customer under a loan (Loan Conversion). A promissory note is the
  customer-facing statement of what is still owed on an order; it is a
  projection and can always be rebuilt from the order and its deliveries.

KEY CONCEPTS:
  Remaining to deliver: ordered − Σ submitted, non-return deliveries, per
                        item code. Only strictly positive entries are kept.
  Promissory status:    Pending / Partially Fulfilled / Fulfilled, derived
                        from the remaining quantities.

SEE ALSO:
  - projection.go: remaining-to-deliver and promissory projection
  - validation.go: row-level document checks
  - customer_note.go: customer delivery notes mirrored from the order
  - loan/: the conversion engine that consumes deliveries
*/
package sales

import (
	"context"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SALES ORDER
// =============================================================================

type SalesOrder struct {
	ID              string          `json:"id"`
	Customer        string          `json:"customer"`
	TransactionDate time.Time       `json:"transaction_date"`
	DocStatus       doc.Status      `json:"docstatus"`
	Items           []OrderItem     `json:"items"`
	GrandTotal      decimal.Decimal `json:"grand_total"`
	CreatedAt       time.Time       `json:"created_at"`
}

type OrderItem struct {
	ID          string          `json:"id"`
	ItemCode    string          `json:"item_code"`
	Description string          `json:"description,omitempty"`
	UOM         string          `json:"uom,omitempty"`
	Qty         decimal.Decimal `json:"qty"`
	Rate        decimal.Decimal `json:"rate"`
}

// Item returns the first order row for an item code.
func (so *SalesOrder) Item(itemCode string) *OrderItem {
	for i := range so.Items {
		if so.Items[i].ItemCode == itemCode {
			return &so.Items[i]
		}
	}
	return nil
}

// Ordered sums ordered quantity per item code.
func (so *SalesOrder) Ordered() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(so.Items))
	for _, it := range so.Items {
		out[it.ItemCode] = out[it.ItemCode].Add(it.Qty)
	}
	return out
}

// =============================================================================
// DELIVERY
// =============================================================================

type DeliveryType string

const (
	DeliveryRegular        DeliveryType = "Regular"
	DeliveryLoanConversion DeliveryType = "Loan Conversion"
)

type Delivery struct {
	ID          string         `json:"id"`
	Customer    string         `json:"customer"`
	PostingDate time.Time      `json:"posting_date"`
	Type        DeliveryType   `json:"type"`
	LoanID      string         `json:"loan_id,omitempty"`
	IsReturn    bool           `json:"is_return"`
	DocStatus   doc.Status     `json:"docstatus"`
	Lines       []DeliveryLine `json:"lines"`
	CreatedAt   time.Time      `json:"created_at"`
}

type DeliveryLine struct {
	ID               string          `json:"id"`
	Idx              int             `json:"idx"`
	ItemCode         string          `json:"item_code"`
	Qty              decimal.Decimal `json:"qty"`
	UOM              string          `json:"uom,omitempty"`
	Rate             decimal.Decimal `json:"rate"`
	BatchNo          string          `json:"batch_no,omitempty"`
	SerialNo         string          `json:"serial_no,omitempty"`
	Location         string          `json:"location"`
	SalesOrderID     string          `json:"sales_order_id,omitempty"`
	SalesOrderItemID string          `json:"sales_order_item_id,omitempty"`
	TransferLineID   string          `json:"transfer_line_id,omitempty"`
}

// IsConversion reports whether the delivery converts loaned goods.
func (d *Delivery) IsConversion() bool {
	return d.Type == DeliveryLoanConversion
}

// SalesOrders lists the distinct sales orders the lines ship against,
// in first-seen order.
func (d *Delivery) SalesOrders() []string {
	var out []string
	seen := make(map[string]bool)
	for _, l := range d.Lines {
		if l.SalesOrderID != "" && !seen[l.SalesOrderID] {
			seen[l.SalesOrderID] = true
			out = append(out, l.SalesOrderID)
		}
	}
	return out
}

// =============================================================================
// PROMISSORY NOTE
// =============================================================================

type PromissoryStatus string

const (
	PromissoryPending            PromissoryStatus = "Pending"
	PromissoryPartiallyFulfilled PromissoryStatus = "Partially Fulfilled"
	PromissoryFulfilled          PromissoryStatus = "Fulfilled"
	PromissoryCancelled          PromissoryStatus = "Cancelled"
)

type PromissoryNote struct {
	ID           string           `json:"id"`
	SalesOrderID string           `json:"sales_order_id"`
	Customer     string           `json:"customer"`
	Date         time.Time        `json:"date"`
	DocStatus    doc.Status       `json:"docstatus"`
	Status       PromissoryStatus `json:"status"`
	Items        []PromissoryItem `json:"items"`
	Total        decimal.Decimal  `json:"total"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type PromissoryItem struct {
	ItemCode     string          `json:"item_code"`
	Description  string          `json:"description,omitempty"`
	UOM          string          `json:"uom,omitempty"`
	Ordered      decimal.Decimal `json:"ordered"`
	Delivered    decimal.Decimal `json:"delivered"`
	QtyRemaining decimal.Decimal `json:"qty_remaining"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	SubTotal     decimal.Decimal `json:"sub_total"`
}

// =============================================================================
// STORE
// =============================================================================

// Store persists sales documents.
type Store interface {
	SaveSalesOrder(ctx context.Context, so *SalesOrder) error
	// GetSalesOrder returns ErrOrderNotFound for unknown ids.
	GetSalesOrder(ctx context.Context, id string) (*SalesOrder, error)
	// LockSalesOrder is GetSalesOrder holding an exclusive lock on the order
	// until the transaction ends.
	LockSalesOrder(ctx context.Context, id string) (*SalesOrder, error)

	SaveDelivery(ctx context.Context, d *Delivery) error
	// GetDelivery returns ErrDeliveryNotFound for unknown ids.
	GetDelivery(ctx context.Context, id string) (*Delivery, error)

	// DeliveredQuantities sums line quantities per item code over submitted,
	// non-return deliveries shipping against the sales order.
	DeliveredQuantities(ctx context.Context, salesOrderID string) (map[string]decimal.Decimal, error)

	SavePromissoryNote(ctx context.Context, n *PromissoryNote) error
	// GetPromissoryNote returns ErrNoteNotFound for unknown ids.
	GetPromissoryNote(ctx context.Context, id string) (*PromissoryNote, error)
	// ActivePromissoryNote returns the non-cancelled note of a sales order,
	// or ErrNoteNotFound.
	ActivePromissoryNote(ctx context.Context, salesOrderID string) (*PromissoryNote, error)

	// SaveCustomerDeliveryNote returns ErrDuplicateCustomerNote when another
	// non-cancelled note already links the same order.
	SaveCustomerDeliveryNote(ctx context.Context, n *CustomerDeliveryNote) error
	// GetCustomerDeliveryNote returns ErrCustomerNoteNotFound for unknown ids.
	GetCustomerDeliveryNote(ctx context.Context, id string) (*CustomerDeliveryNote, error)
	// ActiveCustomerDeliveryNote returns the non-cancelled note of a sales
	// order, or ErrCustomerNoteNotFound.
	ActiveCustomerDeliveryNote(ctx context.Context, salesOrderID string) (*CustomerDeliveryNote, error)
}
