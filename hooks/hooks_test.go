package hooks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/hooks"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/loan/store"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/service"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*service.Service, *hooks.Registry) {
	t.Helper()
	svc := service.New(store.NewTxMemory(), stock.NewMemory())
	require.NoError(t, svc.ReceiveStock(context.Background(), stock.Receipt{
		ItemCode: "BOLT", Location: "Stores", Qty: decimal.NewFromInt(20),
	}))
	return svc, hooks.Default(svc)
}

func draftLoan(t *testing.T, svc *service.Service) *loan.Loan {
	t.Helper()
	l, err := svc.SaveLoan(context.Background(), &loan.Loan{
		Customer: "ACME", SourceLocation: "Stores", TargetLocation: "ACME - Consignment",
		Items: []loan.Item{{ItemCode: "BOLT", Loaned: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)
	return l
}

func TestDefault_EventTable(t *testing.T) {
	_, reg := setup(t)

	assert.Equal(t, []string{
		"customer_delivery_note.on_cancel",
		"customer_delivery_note.on_submit",
		"customer_delivery_note.validate",
		"delivery.on_cancel",
		"delivery.on_submit",
		"delivery.validate",
		"loan.before_cancel",
		"loan.on_submit",
		"loan.on_trash",
		"loan.validate",
		"promissory_note.on_cancel",
		"promissory_note.validate",
		"sales_order.validate",
		"stock_transfer.before_cancel",
		"stock_transfer.validate",
	}, reg.Events())
}

func TestDispatch_LoanLifecycle(t *testing.T) {
	svc, reg := setup(t)
	ctx := context.Background()
	l := draftLoan(t, svc)

	// WHEN: the host validates and submits the loan
	_, err := reg.Dispatch(ctx, doc.TypeLoan, hooks.Validate, l.ID)
	require.NoError(t, err)
	out, err := reg.Dispatch(ctx, doc.TypeLoan, hooks.OnSubmit, l.ID)
	require.NoError(t, err)

	// THEN: the submitted loan comes back
	submitted, ok := out.(*loan.Loan)
	require.True(t, ok)
	assert.Equal(t, doc.Submitted, submitted.DocStatus)

	// AND: its transfer refuses a direct cancel, its trash is refused
	_, err = reg.Dispatch(ctx, doc.TypeStockTransfer, hooks.BeforeCancel, submitted.TransferID)
	assert.True(t, errors.Is(err, stock.ErrLoanTransfer))
	_, err = reg.Dispatch(ctx, doc.TypeLoan, hooks.OnTrash, l.ID)
	assert.True(t, errors.Is(err, loan.ErrSubmittedLoan))

	// AND: before_cancel passes on an unconverted loan
	_, err = reg.Dispatch(ctx, doc.TypeLoan, hooks.BeforeCancel, l.ID)
	assert.NoError(t, err)
}

func TestDispatch_PromissoryValidateRecomputes(t *testing.T) {
	svc, reg := setup(t)
	ctx := context.Background()
	so, err := svc.SaveSalesOrder(ctx, &sales.SalesOrder{
		Customer: "ACME",
		Items:    []sales.OrderItem{{ItemCode: "BOLT", Qty: decimal.NewFromInt(4), Rate: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)
	note, err := svc.CreatePromissoryNote(ctx, so.ID)
	require.NoError(t, err)

	out, err := reg.Dispatch(ctx, doc.TypePromissoryNote, hooks.Validate, note.ID)

	require.NoError(t, err)
	got := out.(*sales.PromissoryNote)
	assert.True(t, got.Total.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, sales.PromissoryPending, got.Status)
}

func TestDispatch_CustomerDeliveryNoteLifecycle(t *testing.T) {
	// GIVEN: a draft customer delivery note for a submitted order
	svc, reg := setup(t)
	ctx := context.Background()
	so, err := svc.SaveSalesOrder(ctx, &sales.SalesOrder{
		Customer: "ACME",
		Items:    []sales.OrderItem{{ItemCode: "BOLT", Qty: decimal.NewFromInt(4), Rate: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)
	note, _, err := svc.EnsureCustomerDeliveryNote(ctx, so.ID)
	require.NoError(t, err)

	// WHEN: the host validates, submits, then cancels it
	_, err = reg.Dispatch(ctx, doc.TypeCustomerNote, hooks.Validate, note.ID)
	require.NoError(t, err)
	out, err := reg.Dispatch(ctx, doc.TypeCustomerNote, hooks.OnSubmit, note.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.CustomerNoteSubmitted, out.(*sales.CustomerDeliveryNote).Status)
	out, err = reg.Dispatch(ctx, doc.TypeCustomerNote, hooks.OnCancel, note.ID)

	// THEN: the note ends cancelled
	require.NoError(t, err)
	assert.Equal(t, sales.CustomerNoteCancelled, out.(*sales.CustomerDeliveryNote).Status)
}

func TestDispatch_Unknown(t *testing.T) {
	_, reg := setup(t)

	_, err := reg.Dispatch(context.Background(), doc.TypeSalesOrder, hooks.OnSubmit, "SO-1")

	require.Error(t, err)
	assert.True(t, errors.Is(err, hooks.ErrUnknownHook))
	assert.Contains(t, err.Error(), "sales_order.on_submit")
}

func TestRegister_Replaces(t *testing.T) {
	reg := hooks.NewRegistry()
	reg.Register("thing", hooks.Validate, func(context.Context, string) (any, error) { return 1, nil })
	reg.Register("thing", hooks.Validate, func(context.Context, string) (any, error) { return 2, nil })

	out, err := reg.Dispatch(context.Background(), "thing", hooks.Validate, "x")

	require.NoError(t, err)
	assert.Equal(t, 2, out)
	assert.Len(t, reg.Events(), 1)
}
