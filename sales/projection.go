package sales

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PURE PROJECTIONS
// =============================================================================

// Remaining computes ordered − delivered per item code, keeping only
// strictly positive entries.
func Remaining(so *SalesOrder, delivered map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for item, ordered := range so.Ordered() {
		left := ordered.Sub(delivered[item])
		if left.IsPositive() {
			out[item] = left
		}
	}
	return out
}

// PromissoryItems builds one row per order item with the quantity still owed.
func PromissoryItems(so *SalesOrder, delivered map[string]decimal.Decimal) ([]PromissoryItem, decimal.Decimal) {
	items := make([]PromissoryItem, 0, len(so.Items))
	total := decimal.Zero
	for _, it := range so.Items {
		d := delivered[it.ItemCode]
		left := decimal.Max(decimal.Zero, it.Qty.Sub(d))
		sub := left.Mul(it.Rate)
		items = append(items, PromissoryItem{
			ItemCode:     it.ItemCode,
			Description:  it.Description,
			UOM:          it.UOM,
			Ordered:      it.Qty,
			Delivered:    d,
			QtyRemaining: left,
			UnitPrice:    it.Rate,
			SubTotal:     sub,
		})
		total = total.Add(sub)
	}
	return items, total
}

// PromissoryStatusOf derives the note status from its rows:
// no rows → Pending; nothing left → Fulfilled; nothing delivered → Pending;
// otherwise Partially Fulfilled.
func PromissoryStatusOf(items []PromissoryItem) PromissoryStatus {
	if len(items) == 0 {
		return PromissoryPending
	}
	allDone, noneDelivered := true, true
	for _, it := range items {
		if it.QtyRemaining.IsPositive() {
			allDone = false
		}
		if !it.QtyRemaining.Equal(it.Ordered) {
			noneDelivered = false
		}
	}
	switch {
	case allDone:
		return PromissoryFulfilled
	case noneDelivered:
		return PromissoryPending
	default:
		return PromissoryPartiallyFulfilled
	}
}

// =============================================================================
// PROJECTOR
// =============================================================================

// Reader is the read side of Store the projector needs.
type Reader interface {
	GetSalesOrder(ctx context.Context, id string) (*SalesOrder, error)
	DeliveredQuantities(ctx context.Context, salesOrderID string) (map[string]decimal.Decimal, error)
}

// Projector answers "what is still owed on this order". Nothing is cached;
// every call reads the current deliveries.
type Projector struct {
	store Reader
}

func NewProjector(store Reader) *Projector {
	return &Projector{store: store}
}

// RemainingToDeliver returns the outstanding quantity per item code.
func (p *Projector) RemainingToDeliver(ctx context.Context, salesOrderID string) (map[string]decimal.Decimal, error) {
	so, err := p.store.GetSalesOrder(ctx, salesOrderID)
	if err != nil {
		return nil, err
	}
	delivered, err := p.store.DeliveredQuantities(ctx, salesOrderID)
	if err != nil {
		return nil, err
	}
	return Remaining(so, delivered), nil
}

// Recompute rebuilds a note's rows, total and status from its order.
// Cancelled notes are left untouched.
func (p *Projector) Recompute(ctx context.Context, note *PromissoryNote, now time.Time) error {
	if note.Status == PromissoryCancelled {
		return nil
	}
	so, err := p.store.GetSalesOrder(ctx, note.SalesOrderID)
	if err != nil {
		return err
	}
	delivered, err := p.store.DeliveredQuantities(ctx, note.SalesOrderID)
	if err != nil {
		return err
	}
	note.Customer = so.Customer
	note.Items, note.Total = PromissoryItems(so, delivered)
	note.Status = PromissoryStatusOf(note.Items)
	note.UpdatedAt = now
	return nil
}
