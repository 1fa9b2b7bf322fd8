/*
Package storetest is the shared contract suite for storage backends.

PURPOSE:
  Every backend (memory, SQLite, PostgreSQL) must behave the same towards
  the engines. Each backend's _test.go calls Run with a constructor; the
  suite exercises persistence round-trips, transaction rollback, the stock
  ledger and a full convert/reverse cycle through the real engine.

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) storetest.Backend {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return storetest.Backend{Store: s, Stock: s}
      })
  }
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend is what a constructor hands the suite.
type Backend struct {
	Store loan.TxStore
	Stock stock.Ledger
}

// Run executes the whole suite; newBackend is called once per subtest and
// must return empty stores.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"LoanRoundTrip", testLoanRoundTrip},
		{"ListOpenLoans", testListOpenLoans},
		{"BalanceRows", testBalanceRows},
		{"History", testHistory},
		{"WithTxRollback", testWithTxRollback},
		{"SalesDocuments", testSalesDocuments},
		{"PromissoryNotes", testPromissoryNotes},
		{"CustomerDeliveryNotes", testCustomerDeliveryNotes},
		{"StockLedger", testStockLedger},
		{"ConvertAndReverse", testConvertAndReverse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var day = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

func newLoan(id, customer string, at time.Time) *loan.Loan {
	l := &loan.Loan{
		ID:             id,
		Customer:       customer,
		SourceLocation: "Stores",
		TargetLocation: customer + " - Consignment",
		LoanDate:       at,
		DocStatus:      doc.Submitted,
		Items: []loan.Item{
			{ID: id + "-1", ItemCode: "SYR", Description: "Syringe 5ml", UOM: "Box", Rate: dec("3.25"), Loaned: dec("10.5")},
			{ID: id + "-2", ItemCode: "BOLT", Rate: dec("0.1"), Loaned: dec("5")},
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
	loan.RecalculateTotals(l)
	loan.RecomputeStatus(l)
	return l
}

func rowsFor(l *loan.Loan) []loan.BalanceRow {
	expiry := day.AddDate(1, 0, 0)
	return []loan.BalanceRow{
		{ID: l.ID + "-r1", LoanID: l.ID, Seq: 1, ItemCode: "SYR", BatchNo: "B1", TransferID: "STE-x",
			TransferLineID: "STED-1", Location: l.TargetLocation, Loaned: dec("6.5"), Remaining: dec("6.5"),
			ValuationRate: dec("3.25"), Expiry: &expiry},
		{ID: l.ID + "-r2", LoanID: l.ID, Seq: 2, ItemCode: "SYR", BatchNo: "B2", TransferID: "STE-x",
			TransferLineID: "STED-1", Location: l.TargetLocation, Loaned: dec("4"), Remaining: dec("4")},
		{ID: l.ID + "-r3", LoanID: l.ID, Seq: 3, ItemCode: "BOLT", TransferID: "STE-x",
			TransferLineID: "STED-2", Location: l.TargetLocation, Loaned: dec("5"), Remaining: dec("5")},
	}
}

// =============================================================================
// LOANS
// =============================================================================

func testLoanRoundTrip(t *testing.T, b Backend) {
	ctx := context.Background()
	l := newLoan("LW-1", "ACME", day)
	l.TransferID = "STE-1"

	require.NoError(t, b.Store.SaveLoan(ctx, l))
	got, err := b.Store.GetLoan(ctx, "LW-1")
	require.NoError(t, err)

	assert.Equal(t, "ACME", got.Customer)
	assert.Equal(t, "STE-1", got.TransferID)
	assert.Equal(t, doc.Submitted, got.DocStatus)
	assert.Equal(t, loan.StatusPending, got.Status)
	assert.True(t, got.LoanDate.Equal(day))
	assert.True(t, got.TotalLoaned.Equal(dec("15.5")), "decimals round-trip exactly, got %s", got.TotalLoaned)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "SYR", got.Items[0].ItemCode)
	assert.Equal(t, "Syringe 5ml", got.Items[0].Description)
	assert.True(t, got.Items[0].Rate.Equal(dec("3.25")))
	assert.True(t, got.Items[0].Remaining.Equal(dec("10.5")))

	// update in place keeps a single copy of the items
	got.Items[0].Converted = dec("0.5")
	loan.RecalculateTotals(got)
	require.NoError(t, b.Store.SaveLoan(ctx, got))
	again, err := b.Store.GetLoan(ctx, "LW-1")
	require.NoError(t, err)
	require.Len(t, again.Items, 2)
	assert.True(t, again.Items[0].Remaining.Equal(dec("10")))

	require.NoError(t, b.Store.DeleteLoan(ctx, "LW-1"))
	_, err = b.Store.GetLoan(ctx, "LW-1")
	assert.True(t, errors.Is(err, loan.ErrLoanNotFound))
	assert.True(t, errors.Is(b.Store.DeleteLoan(ctx, "LW-1"), loan.ErrLoanNotFound))
}

func testListOpenLoans(t *testing.T, b Backend) {
	ctx := context.Background()
	later := newLoan("LW-2", "ACME", day.AddDate(0, 0, 2))
	earlier := newLoan("LW-3", "ACME", day)
	full := newLoan("LW-4", "ACME", day)
	full.Status = loan.StatusFullyConverted
	draft := newLoan("LW-5", "ACME", day)
	draft.DocStatus = doc.Draft
	other := newLoan("LW-6", "Globex", day)

	for _, l := range []*loan.Loan{later, earlier, full, draft, other} {
		require.NoError(t, b.Store.SaveLoan(ctx, l))
	}

	open, err := b.Store.ListOpenLoans(ctx, "ACME")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "LW-3", open[0].ID, "oldest loan first")
	assert.Equal(t, "LW-2", open[1].ID)
	assert.Len(t, open[0].Items, 2)

	all, err := b.Store.ListOpenLoans(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3, "empty customer lists every open loan")
}

func testBalanceRows(t *testing.T, b Backend) {
	ctx := context.Background()
	l := newLoan("LW-1", "ACME", day)
	require.NoError(t, b.Store.SaveLoan(ctx, l))

	rows := rowsFor(l)
	require.NoError(t, b.Store.ReplaceBalanceRows(ctx, l.ID, rows))

	got, err := b.Store.BalanceRows(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Seq)
	assert.True(t, got[0].Loaned.Equal(dec("6.5")))
	require.NotNil(t, got[0].Expiry)
	assert.True(t, got[0].Expiry.Equal(*rows[0].Expiry))
	assert.Nil(t, got[1].Expiry)
	assert.NoError(t, loan.VerifyIntegrity(l, got))

	locked, lockedRows, err := b.Store.LockLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.ID, locked.ID)
	assert.Len(t, lockedRows, 3)

	got[0].Converted = dec("1.5")
	got[0].Remaining = dec("5")
	require.NoError(t, b.Store.UpdateBalanceRows(ctx, got[:1]))
	after, err := b.Store.BalanceRows(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, after[0].Remaining.Equal(dec("5")))

	ghost := got[0]
	ghost.ID = "nope"
	assert.True(t, loan.IsIntegrity(b.Store.UpdateBalanceRows(ctx, []loan.BalanceRow{ghost})))

	dup := append(rowsFor(l), rowsFor(l)[2])
	dup[3].ID = "dup"
	assert.True(t, loan.IsIntegrity(b.Store.ReplaceBalanceRows(ctx, l.ID, dup)))

	require.NoError(t, b.Store.ReplaceBalanceRows(ctx, l.ID, rowsFor(l)[:1]))
	after, err = b.Store.BalanceRows(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, after, 1, "replace drops rows that are not in the new set")
}

func testHistory(t *testing.T, b Backend) {
	ctx := context.Background()
	l := newLoan("LW-1", "ACME", day)
	require.NoError(t, b.Store.SaveLoan(ctx, l))

	entry := func(id, delivery string, q string) loan.HistoryEntry {
		return loan.HistoryEntry{
			ID: id, LoanID: l.ID, DeliveryID: delivery, DeliveryLineID: delivery + "-a",
			SalesOrderID: "SO-1", ItemCode: "SYR", BatchNo: "B1", Qty: dec(q),
			BalanceRowID: "r1", ConversionDate: day, CreatedBy: "clerk", CreatedAt: day,
		}
	}
	require.NoError(t, b.Store.AppendHistory(ctx, []loan.HistoryEntry{
		entry("h3", "DN-1", "1"), entry("h1", "DN-2", "2"), entry("h2", "DN-1", "0.25"),
	}))

	all, err := b.Store.History(ctx, l.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"h3", "h1", "h2"}, []string{all[0].ID, all[1].ID, all[2].ID}, "insertion order")

	one, err := b.Store.History(ctx, l.ID, "DN-1")
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.True(t, one[1].Qty.Equal(dec("0.25")))
	assert.Equal(t, "clerk", one[0].CreatedBy)
	assert.True(t, one[0].ConversionDate.Equal(day))

	require.NoError(t, b.Store.DeleteHistory(ctx, l.ID, "DN-1"))
	all, err = b.Store.History(ctx, l.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "DN-2", all[0].DeliveryID)
}

func testWithTxRollback(t *testing.T, b Backend) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := b.Store.WithTx(ctx, func(tx loan.Store) error {
		if err := tx.SaveLoan(ctx, newLoan("LW-1", "ACME", day)); err != nil {
			return err
		}
		if _, err := tx.GetLoan(ctx, "LW-1"); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	_, err = b.Store.GetLoan(ctx, "LW-1")
	assert.True(t, errors.Is(err, loan.ErrLoanNotFound), "rolled back")

	require.NoError(t, b.Store.WithTx(ctx, func(tx loan.Store) error {
		return tx.SaveLoan(ctx, newLoan("LW-2", "ACME", day))
	}))
	_, err = b.Store.GetLoan(ctx, "LW-2")
	assert.NoError(t, err, "committed")
}

// =============================================================================
// SALES
// =============================================================================

func testSalesDocuments(t *testing.T, b Backend) {
	ctx := context.Background()
	so := &sales.SalesOrder{
		ID: "SO-1", Customer: "ACME", TransactionDate: day, DocStatus: doc.Submitted,
		GrandTotal: dec("30"), CreatedAt: day,
		Items: []sales.OrderItem{
			{ID: "SOI-1", ItemCode: "SYR", Qty: dec("8"), Rate: dec("3")},
			{ID: "SOI-2", ItemCode: "BOLT", Qty: dec("5"), Rate: dec("1.2")},
		},
	}
	require.NoError(t, b.Store.SaveSalesOrder(ctx, so))
	got, err := b.Store.GetSalesOrder(ctx, "SO-1")
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.True(t, got.Items[1].Rate.Equal(dec("1.2")))

	_, err = b.Store.GetSalesOrder(ctx, "SO-404")
	assert.True(t, errors.Is(err, sales.ErrOrderNotFound))

	require.NoError(t, b.Store.WithTx(ctx, func(tx loan.Store) error {
		locked, err := tx.LockSalesOrder(ctx, "SO-1")
		if err != nil {
			return err
		}
		assert.Len(t, locked.Items, 2)
		_, err = tx.LockSalesOrder(ctx, "SO-404")
		assert.True(t, errors.Is(err, sales.ErrOrderNotFound))
		return nil
	}))

	deliver := func(id string, status doc.Status, isReturn bool, q string) {
		d := &sales.Delivery{
			ID: id, Customer: "ACME", PostingDate: day, Type: sales.DeliveryRegular,
			IsReturn: isReturn, DocStatus: status, CreatedAt: day,
			Lines: []sales.DeliveryLine{
				{ID: id + "-a", Idx: 1, ItemCode: "SYR", Qty: dec(q), Location: "Stores", SalesOrderID: "SO-1", SalesOrderItemID: "SOI-1"},
			},
		}
		require.NoError(t, b.Store.SaveDelivery(ctx, d))
	}
	deliver("DN-1", doc.Submitted, false, "2.5")
	deliver("DN-2", doc.Submitted, false, "1")
	deliver("DN-3", doc.Draft, false, "4")
	deliver("DN-4", doc.Cancelled, false, "4")
	deliver("DN-5", doc.Submitted, true, "-1")

	delivered, err := b.Store.DeliveredQuantities(ctx, "SO-1")
	require.NoError(t, err)
	assert.True(t, delivered["SYR"].Equal(dec("3.5")), "only submitted non-return deliveries count, got %s", delivered["SYR"])
	assert.True(t, delivered["BOLT"].IsZero())

	d, err := b.Store.GetDelivery(ctx, "DN-1")
	require.NoError(t, err)
	assert.Equal(t, sales.DeliveryRegular, d.Type)
	require.Len(t, d.Lines, 1)
	assert.Equal(t, "SOI-1", d.Lines[0].SalesOrderItemID)

	_, err = b.Store.GetDelivery(ctx, "DN-404")
	assert.True(t, errors.Is(err, sales.ErrDeliveryNotFound))
}

func testPromissoryNotes(t *testing.T, b Backend) {
	ctx := context.Background()
	note := &sales.PromissoryNote{
		ID: "PN-1", SalesOrderID: "SO-1", Customer: "ACME", Date: day, DocStatus: doc.Submitted,
		Status: sales.PromissoryPending, Total: dec("24"), UpdatedAt: day,
		Items: []sales.PromissoryItem{
			{ItemCode: "SYR", Ordered: dec("8"), Delivered: decimal.Zero, QtyRemaining: dec("8"), UnitPrice: dec("3"), SubTotal: dec("24")},
		},
	}
	require.NoError(t, b.Store.SavePromissoryNote(ctx, note))

	active, err := b.Store.ActivePromissoryNote(ctx, "SO-1")
	require.NoError(t, err)
	assert.Equal(t, "PN-1", active.ID)
	require.Len(t, active.Items, 1)
	assert.True(t, active.Items[0].SubTotal.Equal(dec("24")))

	second := *note
	second.ID = "PN-2"
	err = b.Store.SavePromissoryNote(ctx, &second)
	assert.True(t, errors.Is(err, sales.ErrDuplicateNote), "one active note per sales order")

	note.DocStatus = doc.Cancelled
	note.Status = sales.PromissoryCancelled
	require.NoError(t, b.Store.SavePromissoryNote(ctx, note))

	_, err = b.Store.ActivePromissoryNote(ctx, "SO-1")
	assert.True(t, errors.Is(err, sales.ErrNoteNotFound))
	got, err := b.Store.GetPromissoryNote(ctx, "PN-1")
	require.NoError(t, err)
	assert.Equal(t, sales.PromissoryCancelled, got.Status)
}

func testCustomerDeliveryNotes(t *testing.T, b Backend) {
	ctx := context.Background()
	note := &sales.CustomerDeliveryNote{
		ID: "CDN-1", SalesOrderID: "SO-1", Customer: "ACME", Date: day, DocStatus: doc.Draft,
		Status: sales.CustomerNoteDraft, UpdatedAt: day,
		Items: []sales.CustomerNoteItem{
			{ItemCode: "SYR", Description: "Syringe", QtyRequested: dec("8"), QtySupplied: dec("8"), BalanceLeft: decimal.Zero},
			{ItemCode: "BOLT", QtyRequested: dec("2.5"), QtySupplied: dec("2.5"), BalanceLeft: decimal.Zero},
		},
	}
	require.NoError(t, b.Store.SaveCustomerDeliveryNote(ctx, note))

	active, err := b.Store.ActiveCustomerDeliveryNote(ctx, "SO-1")
	require.NoError(t, err)
	assert.Equal(t, "CDN-1", active.ID)
	require.Len(t, active.Items, 2)
	assert.Equal(t, "Syringe", active.Items[0].Description)
	assert.True(t, active.Items[1].QtySupplied.Equal(dec("2.5")))

	second := *note
	second.ID = "CDN-2"
	err = b.Store.SaveCustomerDeliveryNote(ctx, &second)
	assert.True(t, errors.Is(err, sales.ErrDuplicateCustomerNote), "one live note per sales order")

	note.DocStatus = doc.Cancelled
	note.Status = sales.CustomerNoteCancelled
	require.NoError(t, b.Store.SaveCustomerDeliveryNote(ctx, note))

	_, err = b.Store.ActiveCustomerDeliveryNote(ctx, "SO-1")
	assert.True(t, errors.Is(err, sales.ErrCustomerNoteNotFound))
	require.NoError(t, b.Store.SaveCustomerDeliveryNote(ctx, &second), "a cancelled note frees the order")
	got, err := b.Store.GetCustomerDeliveryNote(ctx, "CDN-1")
	require.NoError(t, err)
	assert.Equal(t, sales.CustomerNoteCancelled, got.Status)

	_, err = b.Store.GetCustomerDeliveryNote(ctx, "CDN-404")
	assert.True(t, errors.Is(err, sales.ErrCustomerNoteNotFound))
}

// =============================================================================
// STOCK
// =============================================================================

func testStockLedger(t *testing.T, b Backend) {
	ctx := context.Background()
	soon, late := day.AddDate(0, 1, 0), day.AddDate(0, 6, 0)
	require.NoError(t, b.Stock.Receive(ctx, stock.Receipt{ItemCode: "SYR", Location: "Stores", Qty: dec("6"), BatchNo: "B-late", Expiry: &late}))
	require.NoError(t, b.Stock.Receive(ctx, stock.Receipt{ItemCode: "SYR", Location: "Stores", Qty: dec("4"), BatchNo: "B-soon", Expiry: &soon}))
	require.NoError(t, b.Stock.Receive(ctx, stock.Receipt{ItemCode: "BOLT", Location: "Stores", Qty: dec("100")}))
	require.NoError(t, b.Stock.Receive(ctx, stock.Receipt{ItemCode: "PUMP", Location: "Stores", SerialNos: []string{"SN-1", "SN-2"}}))

	avail, err := b.Stock.Available(ctx, "SYR", "Stores")
	require.NoError(t, err)
	assert.True(t, avail.Equal(dec("10")))

	items, err := b.Stock.ItemsInStock(ctx, "Stores", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"BOLT", "PUMP", "SYR"}, items)
	items, err = b.Stock.ItemsInStock(ctx, "Stores", "Y", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"SYR"}, items)

	// WHEN: a loan transfer moves 7 SYR, 1 PUMP and 10 BOLT
	tr, err := b.Stock.SubmitTransfer(ctx, stock.Transfer{
		Source: "Stores", Target: "ACME - Consignment", IsLoan: true, LoanID: "LW-1",
		Lines: []stock.TransferLine{
			{ItemCode: "SYR", Qty: dec("7")},
			{ItemCode: "PUMP", Qty: dec("1")},
			{ItemCode: "BOLT", Qty: dec("10")},
		},
	})
	require.NoError(t, err)

	// THEN: SYR is bundled earliest expiry first
	require.Len(t, tr.Lines, 3)
	require.Len(t, tr.Lines[0].Bundle, 2)
	assert.Equal(t, "B-soon", tr.Lines[0].Bundle[0].BatchNo)
	assert.True(t, tr.Lines[0].Bundle[0].Qty.Equal(dec("-4")))
	assert.Equal(t, "B-late", tr.Lines[0].Bundle[1].BatchNo)
	assert.True(t, tr.Lines[0].Bundle[1].Qty.Equal(dec("-3")))
	require.Len(t, tr.Lines[1].Bundle, 1)
	assert.Equal(t, "SN-1", tr.Lines[1].Bundle[0].SerialNo)
	assert.Empty(t, tr.Lines[2].Bundle)

	stored, err := b.Stock.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Submitted, stored.Status)
	require.Len(t, stored.Lines, 3)
	require.Len(t, stored.Lines[0].Bundle, 2)
	require.NotNil(t, stored.Lines[0].Bundle[0].Expiry)
	assert.True(t, stored.Lines[0].Bundle[0].Expiry.Equal(soon))

	atCustomer, err := b.Stock.Available(ctx, "SYR", "ACME - Consignment")
	require.NoError(t, err)
	assert.True(t, atCustomer.Equal(dec("7")))

	// AND: a too-large transfer moves nothing
	_, err = b.Stock.SubmitTransfer(ctx, stock.Transfer{
		Source: "Stores", Target: "Other",
		Lines: []stock.TransferLine{{ItemCode: "BOLT", Qty: dec("1")}, {ItemCode: "SYR", Qty: dec("4")}},
	})
	assert.True(t, errors.Is(err, stock.ErrInsufficientStock))
	bolts, err := b.Stock.Available(ctx, "BOLT", "Stores")
	require.NoError(t, err)
	assert.True(t, bolts.Equal(dec("90")))

	// AND: the loan transfer only cancels with the loan's capability
	assert.True(t, errors.Is(b.Stock.CancelTransfer(ctx, tr.ID, stock.Capability{}), stock.ErrLoanTransfer))
	assert.True(t, errors.Is(b.Stock.CancelTransfer(ctx, tr.ID, stock.LoanRelease("LW-2")), stock.ErrLoanTransfer))
	require.NoError(t, b.Stock.CancelTransfer(ctx, tr.ID, stock.LoanRelease("LW-1")))
	assert.True(t, errors.Is(b.Stock.CancelTransfer(ctx, tr.ID, stock.LoanRelease("LW-1")), stock.ErrTransferCancelled))

	avail, err = b.Stock.Available(ctx, "SYR", "Stores")
	require.NoError(t, err)
	assert.True(t, avail.Equal(dec("10")))
	atCustomer, err = b.Stock.Available(ctx, "SYR", "ACME - Consignment")
	require.NoError(t, err)
	assert.True(t, atCustomer.IsZero())

	_, err = b.Stock.GetTransfer(ctx, "STE-404")
	assert.True(t, errors.Is(err, stock.ErrTransferNotFound))
}

// =============================================================================
// ENGINE ON THE BACKEND
// =============================================================================

func testConvertAndReverse(t *testing.T, b Backend) {
	ctx := context.Background()
	engine := loan.NewEngine(nil)

	l := newLoan("LW-1", "ACME", day)
	require.NoError(t, b.Store.SaveLoan(ctx, l))
	require.NoError(t, b.Store.ReplaceBalanceRows(ctx, l.ID, rowsFor(l)))
	require.NoError(t, b.Store.SaveSalesOrder(ctx, &sales.SalesOrder{
		ID: "SO-1", Customer: "ACME", TransactionDate: day, DocStatus: doc.Submitted, CreatedAt: day,
		Items: []sales.OrderItem{{ID: "SOI-1", ItemCode: "SYR", Qty: dec("20"), Rate: dec("3")}},
	}))

	d := &sales.Delivery{
		ID: "DN-1", Customer: "ACME", PostingDate: day, Type: sales.DeliveryLoanConversion, LoanID: l.ID, CreatedAt: day,
		Lines: []sales.DeliveryLine{
			{ID: "DN-1-a", Idx: 1, ItemCode: "SYR", BatchNo: "B1", Qty: dec("6.5"), Location: l.TargetLocation, SalesOrderID: "SO-1"},
			{ID: "DN-1-b", Idx: 2, ItemCode: "SYR", BatchNo: "B2", Qty: dec("1"), Location: l.TargetLocation, SalesOrderID: "SO-1"},
		},
	}
	err := b.Store.WithTx(ctx, func(tx loan.Store) error {
		if _, err := engine.Convert(ctx, tx, l.ID, d); err != nil {
			return err
		}
		d.DocStatus = doc.Submitted
		return tx.SaveDelivery(ctx, d)
	})
	require.NoError(t, err)

	got, err := b.Store.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusPartiallyConverted, got.Status)
	assert.True(t, got.Item("SYR").Remaining.Equal(dec("3")))
	rows, err := b.Store.BalanceRows(ctx, l.ID)
	require.NoError(t, err)
	assert.NoError(t, loan.VerifyIntegrity(got, rows))

	err = b.Store.WithTx(ctx, func(tx loan.Store) error {
		if _, err := engine.Reverse(ctx, tx, l.ID, d.ID); err != nil {
			return err
		}
		d.DocStatus = doc.Cancelled
		return tx.SaveDelivery(ctx, d)
	})
	require.NoError(t, err)

	got, err = b.Store.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusPending, got.Status)
	rows, err = b.Store.BalanceRows(ctx, l.ID)
	require.NoError(t, err)
	for _, r := range rows {
		assert.True(t, r.Remaining.Equal(r.Loaned), "row %s restored", r.ID)
	}
	history, err := b.Store.History(ctx, l.ID, "")
	require.NoError(t, err)
	assert.Empty(t, history)
}
