package sales_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbs/loanledger/sales"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func order() *sales.SalesOrder {
	return &sales.SalesOrder{
		ID:       "SO-1",
		Customer: "ACME",
		Items: []sales.OrderItem{
			{ItemCode: "SYR", Qty: qty(8), Rate: qty(3)},
			{ItemCode: "BOLT", Qty: qty(5), Rate: qty(2)},
		},
	}
}

// fakeReader serves one order and fixed delivered quantities.
type fakeReader struct {
	so        *sales.SalesOrder
	delivered map[string]decimal.Decimal
}

func (f *fakeReader) GetSalesOrder(_ context.Context, id string) (*sales.SalesOrder, error) {
	if f.so == nil || f.so.ID != id {
		return nil, sales.ErrOrderNotFound
	}
	return f.so, nil
}

func (f *fakeReader) DeliveredQuantities(context.Context, string) (map[string]decimal.Decimal, error) {
	return f.delivered, nil
}

// =============================================================================
// PROJECTIONS
// =============================================================================

func TestRemaining_KeepsOnlyPositive(t *testing.T) {
	delivered := map[string]decimal.Decimal{"SYR": qty(3), "BOLT": qty(7)}

	left := sales.Remaining(order(), delivered)

	assert.Len(t, left, 1)
	assert.True(t, left["SYR"].Equal(qty(5)))
	_, ok := left["BOLT"]
	assert.False(t, ok, "over-delivered items are not owed")
}

func TestPromissoryItems_ClampsAtZero(t *testing.T) {
	items, total := sales.PromissoryItems(order(), map[string]decimal.Decimal{"SYR": qty(2), "BOLT": qty(9)})

	require.Len(t, items, 2)
	assert.True(t, items[0].QtyRemaining.Equal(qty(6)))
	assert.True(t, items[0].SubTotal.Equal(qty(18)))
	assert.True(t, items[1].QtyRemaining.IsZero())
	assert.True(t, total.Equal(qty(18)))
}

func TestPromissoryStatusOf(t *testing.T) {
	so := order()
	tests := []struct {
		name      string
		delivered map[string]decimal.Decimal
		want      sales.PromissoryStatus
	}{
		{"nothing delivered", nil, sales.PromissoryPending},
		{"partly delivered", map[string]decimal.Decimal{"SYR": qty(1)}, sales.PromissoryPartiallyFulfilled},
		{"all delivered", map[string]decimal.Decimal{"SYR": qty(8), "BOLT": qty(5)}, sales.PromissoryFulfilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, _ := sales.PromissoryItems(so, tt.delivered)
			assert.Equal(t, tt.want, sales.PromissoryStatusOf(items))
		})
	}
	assert.Equal(t, sales.PromissoryPending, sales.PromissoryStatusOf(nil))
}

func TestProjector_Recompute(t *testing.T) {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	p := sales.NewProjector(&fakeReader{so: order(), delivered: map[string]decimal.Decimal{"SYR": qty(8)}})
	note := &sales.PromissoryNote{ID: "PN-1", SalesOrderID: "SO-1", Status: sales.PromissoryPending}

	require.NoError(t, p.Recompute(context.Background(), note, now))

	assert.Equal(t, sales.PromissoryPartiallyFulfilled, note.Status)
	assert.Equal(t, "ACME", note.Customer)
	assert.True(t, note.Total.Equal(qty(10)))
	assert.Equal(t, now, note.UpdatedAt)
}

func TestProjector_RecomputeLeavesCancelledNote(t *testing.T) {
	p := sales.NewProjector(&fakeReader{})
	note := &sales.PromissoryNote{ID: "PN-1", SalesOrderID: "SO-1", Status: sales.PromissoryCancelled}

	require.NoError(t, p.Recompute(context.Background(), note, time.Now()))
	assert.Empty(t, note.Items)
}

func TestProjector_RemainingToDeliver_UnknownOrder(t *testing.T) {
	p := sales.NewProjector(&fakeReader{so: order()})

	_, err := p.RemainingToDeliver(context.Background(), "SO-404")

	assert.True(t, errors.Is(err, sales.ErrOrderNotFound))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateOrder(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(so *sales.SalesOrder)
		wantErr string
	}{
		{"valid", func(*sales.SalesOrder) {}, ""},
		{"no customer", func(so *sales.SalesOrder) { so.Customer = "" }, "customer is mandatory"},
		{"no items", func(so *sales.SalesOrder) { so.Items = nil }, "no items"},
		{"duplicate", func(so *sales.SalesOrder) { so.Items[1].ItemCode = "SYR" }, "row #2: item SYR is already entered in row #1"},
		{"zero qty", func(so *sales.SalesOrder) { so.Items[0].Qty = decimal.Zero }, "greater than zero"},
		{"negative rate", func(so *sales.SalesOrder) { so.Items[0].Rate = qty(-1) }, "rate cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			so := order()
			tt.mutate(so)
			err := sales.ValidateOrder(so)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, sales.ErrInvalidDocument))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDeliveryRows(t *testing.T) {
	d := &sales.Delivery{Lines: []sales.DeliveryLine{
		{ItemCode: "SYR", BatchNo: "B1", Qty: qty(1)},
		{ItemCode: "SYR", BatchNo: "B2", Qty: qty(1)},
	}}
	assert.NoError(t, sales.ValidateDeliveryRows(d))

	d.Lines[1].BatchNo = "B1"
	err := sales.ValidateDeliveryRows(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row #2: duplicate entry for item SYR")

	d.Lines[1].BatchNo = "B2"
	d.Lines[1].Qty = qty(-1)
	assert.Error(t, sales.ValidateDeliveryRows(d))
	d.IsReturn = true
	assert.NoError(t, sales.ValidateDeliveryRows(d))
}

func TestDelivery_SalesOrdersFirstSeenOrder(t *testing.T) {
	d := &sales.Delivery{Lines: []sales.DeliveryLine{
		{SalesOrderID: "SO-2"}, {SalesOrderID: ""}, {SalesOrderID: "SO-1"}, {SalesOrderID: "SO-2"},
	}}
	assert.Equal(t, []string{"SO-2", "SO-1"}, d.SalesOrders())
}

func TestSyncCustomerNote_MirrorsOrder(t *testing.T) {
	// GIVEN a note with a stale BOLT row and no SYR row
	n := &sales.CustomerDeliveryNote{Items: []sales.CustomerNoteItem{
		{ItemCode: "BOLT", QtyRequested: qty(2), QtySupplied: qty(1), BalanceLeft: qty(1)},
	}}

	// WHEN
	changed, err := sales.SyncCustomerNote(n, order())

	// THEN the BOLT row keeps its place and everything is supplied
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "ACME", n.Customer)
	require.Len(t, n.Items, 2)
	assert.Equal(t, "BOLT", n.Items[0].ItemCode)
	assert.True(t, n.Items[0].QtyRequested.Equal(qty(5)))
	assert.True(t, n.Items[0].QtySupplied.Equal(qty(5)))
	assert.True(t, n.Items[0].BalanceLeft.IsZero())
	assert.Equal(t, "SYR", n.Items[1].ItemCode)
	assert.True(t, n.Items[1].QtySupplied.Equal(qty(8)))

	changed, err = sales.SyncCustomerNote(n, order())
	require.NoError(t, err)
	assert.False(t, changed, "a synced note stays as is")
}

func TestSyncCustomerNote_RejectsForeignItems(t *testing.T) {
	n := &sales.CustomerDeliveryNote{Items: []sales.CustomerNoteItem{
		{ItemCode: "PUMP", QtyRequested: qty(1)},
		{ItemCode: "GAUZE", QtyRequested: qty(1)},
	}}

	_, err := sales.SyncCustomerNote(n, order())

	var rowErr *sales.RowError
	require.True(t, errors.As(err, &rowErr))
	assert.Contains(t, err.Error(), "items not in sales order SO-1: GAUZE, PUMP")
	assert.Len(t, n.Items, 2, "rows are left untouched")
}

func TestSyncCustomerNote_EmptyOrder(t *testing.T) {
	so := order()
	so.Items = nil

	_, err := sales.SyncCustomerNote(&sales.CustomerDeliveryNote{}, so)

	assert.ErrorContains(t, err, "sales order SO-1 has no items")
}
