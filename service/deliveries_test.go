package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/service"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CONVERSION SCENARIOS
// =============================================================================

func TestScenario_PartialThenFullConversion(t *testing.T) {
	// GIVEN: a loan of 100 untracked units, one balance row
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	require.NoError(t, f.svc.ReceiveStock(ctx, stock.Receipt{ItemCode: "BOLT", Location: source, Qty: qty(50)}))
	l := f.submitLoanOf(t, map[string]int64{"BOLT": 100})
	so := f.order(t, map[string]int64{"BOLT": 100})
	require.Len(t, f.rows(t, l.ID), 1)

	// WHEN: 40 are converted
	f.convert(t, l, so, line{"BOLT", "", 40})

	// THEN: the row and the loan are partly converted
	row := f.rows(t, l.ID)[0]
	assert.True(t, row.Remaining.Equal(qty(60)))
	assert.True(t, row.Converted.Equal(qty(40)))
	assert.Equal(t, loan.StatusPartiallyConverted, f.reload(t, l.ID).Status)

	// WHEN: the other 60 are converted
	f.convert(t, l, so, line{"BOLT", "", 60})

	// THEN: nothing remains
	row = f.rows(t, l.ID)[0]
	assert.True(t, row.Remaining.IsZero())
	got := f.reload(t, l.ID)
	assert.Equal(t, loan.StatusFullyConverted, got.Status)
	assert.True(t, got.TotalConverted.Equal(qty(100)))
	assert.NoError(t, f.svc.VerifyLoan(ctx, l.ID))

	// AND: one more unit is refused without touching anything
	other := f.order(t, map[string]int64{"BOLT": 1})
	_, err := f.svc.SaveDelivery(ctx, conversion(l, other, line{"BOLT", "", 1}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, loan.ErrFullyConverted))
	assert.True(t, f.rows(t, l.ID)[0].Converted.Equal(qty(100)))
	history, err := f.svc.History(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestScenario_ReverseRestoresInitialState(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)
	before := f.rows(t, l.ID)
	so := f.order(t, map[string]int64{"SYR": 8, "BOLT": 5})

	// GIVEN: a conversion touching both batches and the untracked item
	d := f.convert(t, l, so, line{"SYR", "B1", 4}, line{"SYR", "B2", 4}, line{"BOLT", "", 2})
	assert.Equal(t, loan.StatusPartiallyConverted, f.reload(t, l.ID).Status)

	// WHEN: the delivery is cancelled
	cancelled, err := f.svc.CancelDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Cancelled, cancelled.DocStatus)

	// THEN: every row is back where it started and the history is gone
	after := f.rows(t, l.ID)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.True(t, before[i].Remaining.Equal(after[i].Remaining), "row %d remaining", i)
		assert.True(t, after[i].Converted.IsZero(), "row %d converted", i)
	}
	got := f.reload(t, l.ID)
	assert.Equal(t, loan.StatusPending, got.Status)
	assert.True(t, got.TotalRemaining.Equal(qty(15)))
	history, err := f.svc.History(ctx, l.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.NoError(t, f.svc.VerifyLoan(ctx, l.ID))
}

func TestScenario_SplitBalanceNeverSplitsALine(t *testing.T) {
	// GIVEN: two balance rows of 10 and 5 with the same key
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	require.NoError(t, f.svc.ReceiveStock(ctx, stock.Receipt{ItemCode: "BOLT", Location: source, Qty: qty(50)}))
	l := f.submitLoanOf(t, map[string]int64{"BOLT": 15})
	require.NoError(t, f.store.WithTx(ctx, func(tx loan.Store) error {
		rows, err := tx.BalanceRows(ctx, l.ID)
		if err != nil {
			return err
		}
		first, second := rows[0], rows[0]
		first.Loaned, first.Remaining = qty(10), qty(10)
		second.ID, second.Seq, second.TransferLineID = "LWB-second", 2, "STED-second"
		second.Loaned, second.Remaining = qty(5), qty(5)
		return tx.ReplaceBalanceRows(ctx, l.ID, []loan.BalanceRow{first, second})
	}))
	so := f.order(t, map[string]int64{"BOLT": 20})

	// WHEN: 12 are requested in one line
	_, err := f.svc.SaveDelivery(ctx, conversion(l, so, line{"BOLT", "", 12}))

	// THEN: neither row alone covers it and the summed 15 is reported
	require.Error(t, err)
	var ib *loan.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.True(t, ib.Available.Equal(qty(15)))
	assert.Contains(t, err.Error(), "only 15 remaining")
}

func TestScenario_OrderRemainingAndPromissoryStatus(t *testing.T) {
	// GIVEN: an order of 50 with deliveries of 20 and 10
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	so := f.order(t, map[string]int64{"BOLT": 50})
	note, err := f.svc.CreatePromissoryNote(ctx, so.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.PromissoryPending, note.Status)

	f.regular(t, so, "BOLT", 20)
	f.regular(t, so, "BOLT", 10)

	// THEN: 20 remain and the stored note followed along
	left, err := f.svc.RemainingToDeliver(ctx, so.ID)
	require.NoError(t, err)
	assert.True(t, left["BOLT"].Equal(qty(20)))

	stored, err := f.store.GetPromissoryNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.PromissoryPartiallyFulfilled, stored.Status)
	require.Len(t, stored.Items, 1)
	assert.True(t, stored.Items[0].QtyRemaining.Equal(qty(20)))
	assert.True(t, stored.Total.Equal(qty(40)))
}

// =============================================================================
// CONVERSION RULES
// =============================================================================

func TestSubmitDelivery_RevalidatesOnSubmit(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"SYR": 10, "BOLT": 5})

	// GIVEN: a draft that was valid when saved
	stale := f.draftConversion(t, l, so, line{"BOLT", "", 1}, line{"SYR", "B2", 3})

	// AND: another delivery then takes most of B2
	f.convert(t, l, so, line{"SYR", "B2", 2})

	// WHEN: the stale draft is submitted
	_, err := f.svc.SubmitDelivery(ctx, stale.ID)

	// THEN: it fails as a whole; its BOLT line left no trace
	require.Error(t, err)
	assert.True(t, errors.Is(err, loan.ErrInsufficientBalance))
	rows := f.rows(t, l.ID)
	assert.True(t, rowOf(rows, "BOLT", "").Remaining.Equal(qty(5)))
	assert.True(t, rowOf(rows, "SYR", "B2").Remaining.Equal(qty(2)))
	d, err := f.svc.GetDelivery(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Draft, d.DocStatus)
}

func TestSaveDelivery_ConversionRules(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"SYR": 3, "BOLT": 5})
	draft, err := f.svc.SaveLoan(ctx, &loan.Loan{
		Customer: customer, SourceLocation: source, TargetLocation: target,
		Items: []loan.Item{{ItemCode: "BOLT", Loaned: qty(1)}},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(d *sales.Delivery)
		is     error
		msg    string
	}{
		{
			name:   "missing loan link",
			mutate: func(d *sales.Delivery) { d.LoanID = "" },
			is:     loan.ErrValidation,
			msg:    "loan link is required",
		},
		{
			name:   "wrong location",
			mutate: func(d *sales.Delivery) { d.Lines[0].Location = source },
			is:     loan.ErrValidation,
			msg:    "row 1: location must be the loan's target location",
		},
		{
			name:   "loan not submitted",
			mutate: func(d *sales.Delivery) { d.LoanID = draft.ID },
			is:     loan.ErrNotSubmitted,
		},
		{
			name:   "exceeds order",
			mutate: func(d *sales.Delivery) { d.Lines[0].Qty = qty(4) },
			is:     loan.ErrExceedsOrder,
			msg:    "exceeds sales order",
		},
		{
			name:   "item not on loan",
			mutate: func(d *sales.Delivery) { d.Lines[0].ItemCode = "PUMP" },
			is:     loan.ErrItemNotInLoan,
		},
		{
			name:   "other customer",
			mutate: func(d *sales.Delivery) { d.Customer = "Globex" },
			is:     sales.ErrInvalidDocument,
			msg:    "belongs to customer ACME",
		},
		{
			name:   "duplicate rows",
			mutate: func(d *sales.Delivery) { d.Lines = append(d.Lines, d.Lines[0]) },
			is:     sales.ErrInvalidDocument,
			msg:    "duplicate entry",
		},
		{
			name:   "unknown sales order",
			mutate: func(d *sales.Delivery) { d.Lines[0].SalesOrderID = "SO-404" },
			is:     sales.ErrOrderNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := conversion(l, so, line{"SYR", "B1", 2})
			tt.mutate(d)

			_, err := f.svc.SaveDelivery(ctx, d)

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.is), "got %v", err)
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestSaveDelivery_RegularCannotLinkLoan(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"BOLT": 5})
	d := conversion(l, so, line{"BOLT", "", 1})
	d.Type = sales.DeliveryRegular

	_, err := f.svc.SaveDelivery(context.Background(), d)

	assert.True(t, loan.IsValidation(err))
}

func TestCancelDelivery_OnlyItsOwnConversion(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"SYR": 10})
	first := f.convert(t, l, so, line{"SYR", "B1", 2})
	f.convert(t, l, so, line{"SYR", "B1", 3})

	_, err := f.svc.CancelDelivery(ctx, first.ID)
	require.NoError(t, err)

	b1 := rowOf(f.rows(t, l.ID), "SYR", "B1")
	assert.True(t, b1.Converted.Equal(qty(3)))
	assert.True(t, b1.Remaining.Equal(qty(3)))
	history, err := f.svc.History(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Qty.Equal(qty(3)))

	_, err = f.svc.CancelDelivery(ctx, first.ID)
	assert.True(t, errors.Is(err, sales.ErrInvalidDocument), "already cancelled")
}

func TestCancelDelivery_PermissionDenied(t *testing.T) {
	f := newFixture(t, memoryBackend(t), service.WithAuthorizer(denyAll))
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"SYR": 10})
	d := f.convert(t, l, so, line{"SYR", "B1", 2})

	_, err := f.svc.CancelDelivery(asUser("mallory"), d.ID)

	assert.True(t, loan.IsPermission(err))
	assert.True(t, rowOf(f.rows(t, l.ID), "SYR", "B1").Converted.Equal(qty(2)))
}

// =============================================================================
// PROMISSORY REFRESH
// =============================================================================

func TestConversion_RefreshesPromissoryNote(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"SYR": 4})
	note, err := f.svc.CreatePromissoryNote(ctx, so.ID)
	require.NoError(t, err)

	d := f.convert(t, l, so, line{"SYR", "B1", 4})
	stored, err := f.store.GetPromissoryNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.PromissoryFulfilled, stored.Status)
	assert.True(t, stored.Total.IsZero())

	_, err = f.svc.CancelDelivery(ctx, d.ID)
	require.NoError(t, err)
	stored, err = f.store.GetPromissoryNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.PromissoryPending, stored.Status)
	assert.True(t, stored.Total.Equal(qty(8)))
}

// noteFailStore refuses to store promissory notes outside a transaction.
type noteFailStore struct {
	loan.TxStore
}

func (noteFailStore) SavePromissoryNote(context.Context, *sales.PromissoryNote) error {
	return errors.New("notes table locked")
}

func TestConversion_PromissoryRefreshFailureDoesNotBlock(t *testing.T) {
	// GIVEN: an order with a note, and a service whose note writes fail
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"SYR": 4})
	_, err := f.svc.CreatePromissoryNote(ctx, so.ID)
	require.NoError(t, err)
	g := newFixture(t, backend{store: noteFailStore{f.store}, stock: f.stock})

	// WHEN: a conversion against the order is submitted
	d := g.draftConversion(t, l, so, line{"SYR", "B1", 1})
	out, err := g.svc.SubmitDelivery(ctx, d.ID)

	// THEN: the delivery goes through and the failure is logged
	require.NoError(t, err)
	assert.Equal(t, doc.Submitted, out.DocStatus)
	assert.True(t, g.logged(logrus.ErrorLevel, "failed to refresh promissory note"))
}

func TestPromissoryNote_Lifecycle(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	so := f.order(t, map[string]int64{"SYR": 2, "BOLT": 3})

	note, created, err := f.svc.EnsurePromissoryNote(ctx, so.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, note.Total.Equal(qty(10)))

	_, err = f.svc.CreatePromissoryNote(ctx, so.ID)
	assert.True(t, errors.Is(err, sales.ErrDuplicateNote))

	again, created, err := f.svc.EnsurePromissoryNote(ctx, so.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, note.ID, again.ID)

	cancelled, err := f.svc.CancelPromissoryNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, sales.PromissoryCancelled, cancelled.Status)
	_, err = f.svc.PromissoryNote(ctx, so.ID)
	assert.True(t, errors.Is(err, sales.ErrNoteNotFound))

	fresh, err := f.svc.CreatePromissoryNote(ctx, so.ID)
	require.NoError(t, err)
	assert.NotEqual(t, note.ID, fresh.ID)
}

func TestPromissoryNote_RequiresSubmittedOrder(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	require.NoError(t, f.store.SaveSalesOrder(ctx, &sales.SalesOrder{
		ID: "SO-draft", Customer: customer, DocStatus: doc.Draft,
		Items: []sales.OrderItem{{ItemCode: "SYR", Qty: qty(1), Rate: decimal.Zero}},
	}))

	_, err := f.svc.CreatePromissoryNote(ctx, "SO-draft")

	assert.True(t, errors.Is(err, sales.ErrInvalidDocument))
}
