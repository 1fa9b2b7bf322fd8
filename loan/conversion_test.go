package loan_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CONVERSION
// =============================================================================

func TestConvert_PartialConversion(t *testing.T) {
	// GIVEN: a loan of SYR 10 (B1 6, B2 4) and BOLT 5, order SO-1 for SYR 8, BOLT 5
	s, e := seededStore(t)
	ctx := doc.WithUser(context.Background(), "clerk@acme")

	// WHEN: a conversion delivery ships SYR B1 5, SYR B2 3, BOLT 2
	d := conversion("DN-1",
		line{item: "SYR", batch: "B1", so: "SO-1", qty: 5},
		line{item: "SYR", batch: "B2", so: "SO-1", qty: 3},
		line{item: "BOLT", so: "SO-1", qty: 2},
	)
	var history []loan.HistoryEntry
	err := s.WithTx(ctx, func(tx loan.Store) error {
		h, err := e.Convert(ctx, tx, "LW-1", d)
		history = h
		return err
	})

	// THEN: each line deducted its own row and the loan is partially converted
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "clerk@acme", history[0].CreatedBy)
	assert.Equal(t, "SO-1", history[0].SalesOrderID)
	assert.Equal(t, testNow, history[0].CreatedAt)

	rows, err := s.BalanceRows(ctx, "LW-1")
	require.NoError(t, err)
	b1 := rowByBatch(t, rows, "SYR", "B1")
	assert.True(t, b1.Remaining.Equal(qty(1)))
	assert.True(t, b1.Converted.Equal(qty(5)))
	assert.Equal(t, b1.ID, history[0].BalanceRowID)
	assert.True(t, rowByBatch(t, rows, "SYR", "B2").Remaining.Equal(qty(1)))
	assert.True(t, rowByBatch(t, rows, "BOLT", "").Remaining.Equal(qty(3)))

	l, err := s.GetLoan(ctx, "LW-1")
	require.NoError(t, err)
	assert.Equal(t, loan.StatusPartiallyConverted, l.Status)
	assert.True(t, l.Item("SYR").Converted.Equal(qty(8)))
	assert.True(t, l.Item("SYR").Remaining.Equal(qty(2)))
	assert.True(t, l.TotalConverted.Equal(qty(10)))
	assert.True(t, l.TotalRemaining.Equal(qty(5)))
	assert.NoError(t, loan.VerifyIntegrity(l, rows))
}

func TestConvert_FullConversion(t *testing.T) {
	s, e := seededStore(t)
	require.NoError(t, s.SaveSalesOrder(context.Background(), salesOrder("SO-2", map[string]int64{"SYR": 10, "BOLT": 5})))

	_, err := convert(t, s, e, conversion("DN-1",
		line{item: "SYR", batch: "B1", so: "SO-2", qty: 6},
		line{item: "SYR", batch: "B2", so: "SO-2", qty: 4},
		line{item: "BOLT", so: "SO-2", qty: 5},
	))
	require.NoError(t, err)

	l, err := s.GetLoan(context.Background(), "LW-1")
	require.NoError(t, err)
	assert.Equal(t, loan.StatusFullyConverted, l.Status)
	assert.True(t, l.TotalRemaining.IsZero())

	// AND: a further conversion is refused outright
	_, err = convert(t, s, e, conversion("DN-2", line{item: "BOLT", qty: 1}))
	assert.True(t, errors.Is(err, loan.ErrFullyConverted))
}

func TestConvert_ItemNotInLoan(t *testing.T) {
	s, e := seededStore(t)

	_, err := convert(t, s, e, conversion("DN-1", line{item: "NUT", qty: 1}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, loan.ErrItemNotInLoan))
	assert.True(t, loan.IsValidation(err))
	assert.Contains(t, err.Error(), "row 1")
}

func TestConvert_OverConversionIsCumulativePerItem(t *testing.T) {
	s, e := seededStore(t)
	require.NoError(t, s.SaveSalesOrder(context.Background(), salesOrder("SO-2", map[string]int64{"SYR": 50})))

	// WHEN: two SYR lines that each fit but together exceed the loan's 10
	_, err := convert(t, s, e, conversion("DN-1",
		line{item: "SYR", batch: "B1", so: "SO-2", qty: 6},
		line{item: "SYR", batch: "B2", so: "SO-2", qty: 5},
	))

	// THEN: the second row is named with the cumulative request
	var over *loan.OverConversionError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, 2, over.Row)
	assert.True(t, over.Requested.Equal(qty(11)))
	assert.True(t, over.Remaining.Equal(qty(10)))
}

func TestConvert_ExceedsOrderRemaining(t *testing.T) {
	s, e := seededStore(t)

	_, err := convert(t, s, e, conversion("DN-1",
		line{item: "SYR", batch: "B1", so: "SO-1", qty: 6},
		line{item: "SYR", batch: "B2", so: "SO-1", qty: 3},
	))

	var exceeds *loan.ExceedsOrderError
	require.ErrorAs(t, err, &exceeds)
	assert.Equal(t, 2, exceeds.Row)
	assert.Equal(t, "SO-1", exceeds.SalesOrderID)
	assert.True(t, exceeds.Remaining.Equal(qty(8)))
}

func TestConvert_OrderRemainingCountsEarlierDeliveries(t *testing.T) {
	// GIVEN: DN-1 already shipped SYR 6 against SO-1 (ordered 8)
	s, e := seededStore(t)
	_, err := convert(t, s, e, conversion("DN-1", line{item: "SYR", batch: "B1", so: "SO-1", qty: 6}))
	require.NoError(t, err)

	// WHEN: DN-2 tries to ship 3 more
	_, err = convert(t, s, e, conversion("DN-2", line{item: "SYR", batch: "B2", so: "SO-1", qty: 3}))

	// THEN: only 2 are left on the order
	var exceeds *loan.ExceedsOrderError
	require.ErrorAs(t, err, &exceeds)
	assert.True(t, exceeds.Remaining.Equal(qty(2)))
}

// lockRecorder notes the order in which a unit of work takes its locks.
type lockRecorder struct {
	loan.Store
	locks []string
}

func (r *lockRecorder) LockLoan(ctx context.Context, id string) (*loan.Loan, []loan.BalanceRow, error) {
	r.locks = append(r.locks, "loan "+id)
	return r.Store.LockLoan(ctx, id)
}

func (r *lockRecorder) LockSalesOrder(ctx context.Context, id string) (*sales.SalesOrder, error) {
	r.locks = append(r.locks, "order "+id)
	return r.Store.LockSalesOrder(ctx, id)
}

func TestConvert_LocksLoanThenOrdersByName(t *testing.T) {
	// GIVEN: a delivery shipping against SO-2 before SO-1
	s, e := seededStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSalesOrder(ctx, salesOrder("SO-2", map[string]int64{"BOLT": 5})))
	d := conversion("DN-1",
		line{item: "BOLT", so: "SO-2", qty: 2},
		line{item: "SYR", batch: "B1", so: "SO-1", qty: 2},
	)

	// WHEN: it is converted
	var rec *lockRecorder
	err := s.WithTx(ctx, func(tx loan.Store) error {
		rec = &lockRecorder{Store: tx}
		_, err := e.Convert(ctx, rec, "LW-1", d)
		return err
	})

	// THEN: the loan is locked first, then each order in name order
	require.NoError(t, err)
	assert.Equal(t, []string{"loan LW-1", "order SO-1", "order SO-2"}, rec.locks)
}

func TestConvert_InsufficientBalanceOnBatch(t *testing.T) {
	s, e := seededStore(t)

	_, err := convert(t, s, e, conversion("DN-1", line{item: "SYR", batch: "B2", so: "SO-1", qty: 5}))

	var short *loan.InsufficientBalanceError
	require.ErrorAs(t, err, &short)
	assert.True(t, short.Available.Equal(qty(4)))
	assert.Contains(t, err.Error(), "only 4 remaining")
}

func TestConvert_AllOrNothing(t *testing.T) {
	// GIVEN: a delivery whose first line is fine and second is not
	s, e := seededStore(t)
	ctx := context.Background()

	_, err := convert(t, s, e, conversion("DN-1",
		line{item: "BOLT", so: "SO-1", qty: 2},
		line{item: "NUT", qty: 1},
	))
	require.Error(t, err)

	// THEN: nothing was written
	rows, err := s.BalanceRows(ctx, "LW-1")
	require.NoError(t, err)
	assert.True(t, rowByBatch(t, rows, "BOLT", "").Remaining.Equal(qty(5)))
	history, err := s.History(ctx, "LW-1", "")
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = s.GetDelivery(ctx, "DN-1")
	assert.True(t, loan.IsNotFound(err))
}

func TestConvert_SkipsNonPositiveLines(t *testing.T) {
	s, e := seededStore(t)

	history, err := convert(t, s, e, conversion("DN-1",
		line{item: "BOLT", so: "SO-1", qty: 0},
		line{item: "BOLT", so: "SO-1", qty: 1},
	))

	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Qty.Equal(qty(1)))
}

func TestConvert_DraftLoanRefused(t *testing.T) {
	s, e := seededStore(t)
	ctx := context.Background()
	l, err := s.GetLoan(ctx, "LW-1")
	require.NoError(t, err)
	l.DocStatus = doc.Draft
	require.NoError(t, s.SaveLoan(ctx, l))

	_, err = convert(t, s, e, conversion("DN-1", line{item: "BOLT", qty: 1}))

	assert.True(t, errors.Is(err, loan.ErrNotSubmitted))
}

func TestPlanConversion_DoesNotMutateInputs(t *testing.T) {
	l := submittedLoan()
	rows := loan.ExpandTransfer(l.ID, loanTransfer())
	remaining := loan.OrderRemaining{"SO-1": {"BOLT": qty(5)}}

	plan, err := loan.PlanConversion(l, rows, conversion("DN-1", line{item: "BOLT", so: "SO-1", qty: 2}), remaining, testNow, "")

	require.NoError(t, err)
	require.Len(t, plan.Rows, 1)
	assert.True(t, plan.Rows[0].Remaining.Equal(qty(3)))
	assert.True(t, rows[2].Remaining.Equal(qty(5)))
	assert.True(t, l.Item("BOLT").Converted.IsZero())
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverse_RestoresExactly(t *testing.T) {
	// GIVEN: a converted delivery
	s, e := seededStore(t)
	ctx := context.Background()
	before, err := s.BalanceRows(ctx, "LW-1")
	require.NoError(t, err)

	_, err = convert(t, s, e, conversion("DN-1",
		line{item: "SYR", batch: "B1", so: "SO-1", qty: 5},
		line{item: "BOLT", so: "SO-1", qty: 2},
	))
	require.NoError(t, err)

	// WHEN: it is reversed
	entries, err := reverse(t, s, e, "LW-1", "DN-1")

	// THEN: the ledger is back to where it started
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	after, err := s.BalanceRows(ctx, "LW-1")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].Remaining.Equal(after[i].Remaining), "row %s", before[i].ID)
		assert.True(t, after[i].Converted.IsZero())
	}

	l, err := s.GetLoan(ctx, "LW-1")
	require.NoError(t, err)
	assert.Equal(t, loan.StatusPending, l.Status)
	assert.True(t, l.TotalConverted.IsZero())

	history, err := s.History(ctx, "LW-1", "DN-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestReverse_OnlyTouchesTheNamedDelivery(t *testing.T) {
	s, e := seededStore(t)
	ctx := context.Background()
	_, err := convert(t, s, e, conversion("DN-1", line{item: "BOLT", so: "SO-1", qty: 2}))
	require.NoError(t, err)
	_, err = convert(t, s, e, conversion("DN-2", line{item: "BOLT", so: "SO-1", qty: 1}))
	require.NoError(t, err)

	_, err = reverse(t, s, e, "LW-1", "DN-1")
	require.NoError(t, err)

	l, err := s.GetLoan(ctx, "LW-1")
	require.NoError(t, err)
	assert.True(t, l.Item("BOLT").Converted.Equal(qty(1)))
	history, err := s.History(ctx, "LW-1", "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "DN-2", history[0].DeliveryID)
}

func TestReverse_NoHistoryIsNoop(t *testing.T) {
	s, e := seededStore(t)

	entries, err := reverse(t, s, e, "LW-1", "DN-404")

	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestReverse_MissingRowIsSkipped(t *testing.T) {
	// GIVEN: a conversion whose BOLT row has since disappeared
	s, e := seededStore(t)
	ctx := context.Background()
	_, err := convert(t, s, e, conversion("DN-1",
		line{item: "SYR", batch: "B1", so: "SO-1", qty: 2},
		line{item: "BOLT", so: "SO-1", qty: 2},
	))
	require.NoError(t, err)

	rows, err := s.BalanceRows(ctx, "LW-1")
	require.NoError(t, err)
	var kept []loan.BalanceRow
	for _, r := range rows {
		if r.ItemCode != "BOLT" {
			kept = append(kept, r)
		}
	}
	require.NoError(t, s.ReplaceBalanceRows(ctx, "LW-1", kept))

	// WHEN: the delivery is reversed
	_, err = reverse(t, s, e, "LW-1", "DN-1")

	// THEN: SYR is restored and BOLT is left alone
	require.NoError(t, err)
	l, err := s.GetLoan(ctx, "LW-1")
	require.NoError(t, err)
	assert.True(t, l.Item("SYR").Converted.IsZero())
	assert.True(t, l.Item("BOLT").Converted.Equal(qty(2)))
}

func TestReverse_RestoreBeyondConvertedIsIntegrityError(t *testing.T) {
	s, e := seededStore(t)
	ctx := context.Background()
	_, err := convert(t, s, e, conversion("DN-1", line{item: "BOLT", so: "SO-1", qty: 2}))
	require.NoError(t, err)

	// GIVEN: the row was tampered with after the conversion
	rows, err := s.BalanceRows(ctx, "LW-1")
	require.NoError(t, err)
	bolt := rowByBatch(t, rows, "BOLT", "")
	bolt.Converted = qty(1)
	bolt.Remaining = qty(4)
	require.NoError(t, s.UpdateBalanceRows(ctx, []loan.BalanceRow{bolt}))

	_, err = reverse(t, s, e, "LW-1", "DN-1")

	require.Error(t, err)
	assert.True(t, loan.IsIntegrity(err))

	// AND: the failed reversal kept its history
	history, err := s.History(ctx, "LW-1", "DN-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
