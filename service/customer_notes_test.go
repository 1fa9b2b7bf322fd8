package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomerDeliveryNote_Lifecycle(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	so := f.order(t, map[string]int64{"SYR": 2, "BOLT": 3})

	// GIVEN: the order has no note yet
	note, created, err := f.svc.EnsureCustomerDeliveryNote(ctx, so.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, customer, note.Customer)
	assert.Equal(t, sales.CustomerNoteDraft, note.Status)
	require.Len(t, note.Items, 2)
	assert.True(t, note.Items[1].QtySupplied.Equal(qty(3)))
	assert.True(t, f.logged(logrus.InfoLevel, "customer delivery note created"))

	// WHEN: it is asked for again
	again, created, err := f.svc.EnsureCustomerDeliveryNote(ctx, so.ID)

	// THEN: the same draft comes back
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, note.ID, again.ID)
	_, err = f.svc.CreateCustomerDeliveryNote(ctx, so.ID)
	assert.True(t, errors.Is(err, sales.ErrDuplicateCustomerNote))
	assert.True(t, loan.IsValidation(err))

	submitted, err := f.svc.SubmitCustomerDeliveryNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Submitted, submitted.DocStatus)
	_, err = f.svc.SaveCustomerDeliveryNote(ctx, submitted)
	assert.ErrorContains(t, err, "cannot be modified")

	cancelled, err := f.svc.CancelCustomerDeliveryNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.CustomerNoteCancelled, cancelled.Status)
	_, err = f.svc.CustomerDeliveryNote(ctx, so.ID)
	assert.True(t, loan.IsNotFound(err))
	_, err = f.svc.CancelCustomerDeliveryNote(ctx, note.ID)
	assert.ErrorContains(t, err, "already cancelled")

	fresh, created, err := f.svc.EnsureCustomerDeliveryNote(ctx, so.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, note.ID, fresh.ID)
}

func TestCustomerDeliveryNote_RequiresSubmittedOrder(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	require.NoError(t, f.store.SaveSalesOrder(ctx, &sales.SalesOrder{
		ID: "SO-draft", Customer: customer, DocStatus: doc.Draft,
		Items: []sales.OrderItem{{ItemCode: "SYR", Qty: qty(1), Rate: qty(1)}},
	}))

	_, err := f.svc.CreateCustomerDeliveryNote(ctx, "SO-draft")

	assert.ErrorContains(t, err, "sales order SO-draft must be submitted")
	assert.True(t, loan.IsValidation(err))
	_, err = f.svc.CreateCustomerDeliveryNote(ctx, "SO-404")
	assert.True(t, loan.IsNotFound(err))
}

func TestSaveCustomerDeliveryNote_Rejections(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	so := f.order(t, map[string]int64{"SYR": 2})
	linked, err := f.svc.CreateCustomerDeliveryNote(ctx, so.ID)
	require.NoError(t, err)
	other := f.order(t, map[string]int64{"BOLT": 1})

	tests := []struct {
		name string
		note *sales.CustomerDeliveryNote
		want string
	}{
		{
			name: "no order",
			note: &sales.CustomerDeliveryNote{},
			want: "sales order is required",
		},
		{
			name: "order already linked",
			note: &sales.CustomerDeliveryNote{SalesOrderID: so.ID},
			want: "is linked to " + linked.ID,
		},
		{
			name: "other customer",
			note: &sales.CustomerDeliveryNote{SalesOrderID: other.ID, Customer: "Globex"},
			want: "customer must match the sales order customer",
		},
		{
			name: "item not ordered",
			note: &sales.CustomerDeliveryNote{SalesOrderID: other.ID, Items: []sales.CustomerNoteItem{
				{ItemCode: "SYR", QtyRequested: qty(1)},
			}},
			want: "items not in sales order " + other.ID + ": SYR",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SaveCustomerDeliveryNote(ctx, tc.note)
			assert.ErrorContains(t, err, tc.want)
			assert.True(t, loan.IsValidation(err))
		})
	}

	_, err = f.svc.CustomerDeliveryNote(ctx, other.ID)
	assert.True(t, loan.IsNotFound(err), "rejected drafts are not stored")
}

func TestSaveCustomerDeliveryNote_ResyncsDraft(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	so := f.order(t, map[string]int64{"SYR": 2, "BOLT": 3})
	note, err := f.svc.CreateCustomerDeliveryNote(ctx, so.ID)
	require.NoError(t, err)

	note.Items = note.Items[:1]
	note.Items[0].QtySupplied = qty(1)
	saved, err := f.svc.SaveCustomerDeliveryNote(ctx, note)

	require.NoError(t, err)
	require.Len(t, saved.Items, 2)
	assert.True(t, saved.Items[0].QtySupplied.Equal(qty(2)))
	assert.True(t, saved.Items[0].BalanceLeft.IsZero())
	require.NoError(t, f.svc.ValidateCustomerDeliveryNote(ctx, note.ID))
}

func TestCancelCustomerDeliveryNote_PermissionDenied(t *testing.T) {
	f := newFixture(t, memoryBackend(t), service.WithAuthorizer(denyAll))
	ctx := context.Background()
	so := f.order(t, map[string]int64{"SYR": 2})
	note, err := f.svc.CreateCustomerDeliveryNote(ctx, so.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelCustomerDeliveryNote(asUser("mallory"), note.ID)

	assert.True(t, loan.IsPermission(err))
	stored, err := f.svc.GetCustomerDeliveryNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.CustomerNoteDraft, stored.Status)
}
