package loan_test

import (
	"context"
	"testing"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/loan/store"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var testNow = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine() *loan.Engine {
	e := loan.NewEngine(nil)
	e.Now = func() time.Time { return testNow }
	return e
}

// loanTransfer is what the stock subsystem returns for the fixture loan:
// SYR bundled over two batches, BOLT untracked.
func loanTransfer() *stock.Transfer {
	return &stock.Transfer{
		ID:     "STE-1",
		Source: "Stores",
		Target: "ACME - Consignment",
		IsLoan: true,
		LoanID: "LW-1",
		Status: doc.Submitted,
		Lines: []stock.TransferLine{
			{ID: "STED-1", ItemCode: "SYR", Qty: qty(10), Rate: qty(3), Bundle: []stock.BundleEntry{
				{BatchNo: "B1", Qty: qty(-6)},
				{BatchNo: "B2", Qty: qty(-4)},
			}},
			{ID: "STED-2", ItemCode: "BOLT", Qty: qty(5), Rate: qty(1)},
		},
	}
}

func submittedLoan() *loan.Loan {
	l := &loan.Loan{
		ID:             "LW-1",
		Customer:       "ACME",
		SourceLocation: "Stores",
		TargetLocation: "ACME - Consignment",
		LoanDate:       testNow.AddDate(0, 0, -7),
		DocStatus:      doc.Submitted,
		TransferID:     "STE-1",
		Items: []loan.Item{
			{ID: "LWI-1", ItemCode: "SYR", Loaned: qty(10)},
			{ID: "LWI-2", ItemCode: "BOLT", Loaned: qty(5)},
		},
	}
	loan.RecalculateTotals(l)
	loan.RecomputeStatus(l)
	return l
}

func salesOrder(id string, lines map[string]int64) *sales.SalesOrder {
	so := &sales.SalesOrder{ID: id, Customer: "ACME", DocStatus: doc.Submitted, TransactionDate: testNow}
	for _, code := range []string{"SYR", "BOLT"} {
		if q, ok := lines[code]; ok {
			so.Items = append(so.Items, sales.OrderItem{ID: id + "-" + code, ItemCode: code, Qty: qty(q), Rate: qty(2)})
		}
	}
	return so
}

type line struct {
	item, batch, so string
	qty             int64
}

func conversion(id string, lines ...line) *sales.Delivery {
	d := &sales.Delivery{
		ID:          id,
		Customer:    "ACME",
		PostingDate: testNow,
		Type:        sales.DeliveryLoanConversion,
		LoanID:      "LW-1",
	}
	for i, l := range lines {
		d.Lines = append(d.Lines, sales.DeliveryLine{
			ID:           id + "-" + string(rune('a'+i)),
			Idx:          i + 1,
			ItemCode:     l.item,
			BatchNo:      l.batch,
			Qty:          qty(l.qty),
			Location:     "ACME - Consignment",
			SalesOrderID: l.so,
		})
	}
	return d
}

// seededStore holds the fixture loan with initialized balances and an order
// SO-1 for SYR 8, BOLT 5.
func seededStore(t *testing.T) (*store.TxMemory, *loan.Engine) {
	t.Helper()
	ctx := context.Background()
	s := store.NewTxMemory()
	e := newTestEngine()

	l := submittedLoan()
	require.NoError(t, s.SaveLoan(ctx, l))
	_, err := e.Initialize(ctx, s, l, loanTransfer())
	require.NoError(t, err)
	require.NoError(t, s.SaveSalesOrder(ctx, salesOrder("SO-1", map[string]int64{"SYR": 8, "BOLT": 5})))
	return s, e
}

func convert(t *testing.T, s *store.TxMemory, e *loan.Engine, d *sales.Delivery) ([]loan.HistoryEntry, error) {
	t.Helper()
	var out []loan.HistoryEntry
	err := s.WithTx(context.Background(), func(tx loan.Store) error {
		h, err := e.Convert(context.Background(), tx, d.LoanID, d)
		if err != nil {
			return err
		}
		out = h
		d.DocStatus = doc.Submitted
		return tx.SaveDelivery(context.Background(), d)
	})
	return out, err
}

func reverse(t *testing.T, s *store.TxMemory, e *loan.Engine, loanID, deliveryID string) ([]loan.HistoryEntry, error) {
	t.Helper()
	var out []loan.HistoryEntry
	err := s.WithTx(context.Background(), func(tx loan.Store) error {
		h, err := e.Reverse(context.Background(), tx, loanID, deliveryID)
		out = h
		return err
	})
	return out, err
}

func rowByBatch(t *testing.T, rows []loan.BalanceRow, item, batch string) loan.BalanceRow {
	t.Helper()
	for _, r := range rows {
		if r.ItemCode == item && r.BatchNo == batch {
			return r
		}
	}
	t.Fatalf("no balance row for %s/%s", item, batch)
	return loan.BalanceRow{}
}
