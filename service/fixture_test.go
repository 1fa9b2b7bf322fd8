package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/loan/store"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/service"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	customer = "ACME"
	source   = "Stores"
	target   = "ACME - Consignment"
)

var testNow = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fixture struct {
	svc   *service.Service
	store loan.TxStore
	stock stock.Ledger
	logs  *logtest.Hook
}

type backend struct {
	store loan.TxStore
	stock stock.Ledger
}

func memoryBackend(*testing.T) backend {
	return backend{store: store.NewTxMemory(), stock: stock.NewMemory()}
}

// newFixture builds a service over b with stock at the source location:
// SYR in batches B1 (6, expiring first) and B2 (4), and 50 untracked BOLT.
func newFixture(t *testing.T, b backend, opts ...service.Option) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	opts = append([]service.Option{
		service.WithLogger(logger),
		service.WithClock(func() time.Time { return testNow }),
	}, opts...)
	f := &fixture{
		svc:   service.New(b.store, b.stock, opts...),
		store: b.store,
		stock: b.stock,
		logs:  hook,
	}

	ctx := context.Background()
	soon, late := testNow.AddDate(0, 3, 0), testNow.AddDate(1, 0, 0)
	require.NoError(t, f.svc.ReceiveStock(ctx, stock.Receipt{ItemCode: "SYR", Location: source, Qty: qty(6), BatchNo: "B1", Expiry: &soon}))
	require.NoError(t, f.svc.ReceiveStock(ctx, stock.Receipt{ItemCode: "SYR", Location: source, Qty: qty(4), BatchNo: "B2", Expiry: &late}))
	require.NoError(t, f.svc.ReceiveStock(ctx, stock.Receipt{ItemCode: "BOLT", Location: source, Qty: qty(50)}))
	return f
}

// submitLoan saves and submits a loan of SYR 10 and BOLT 5.
func (f *fixture) submitLoan(t *testing.T) *loan.Loan {
	t.Helper()
	return f.submitLoanOf(t, map[string]int64{"SYR": 10, "BOLT": 5})
}

func (f *fixture) submitLoanOf(t *testing.T, items map[string]int64) *loan.Loan {
	t.Helper()
	ctx := context.Background()
	l := &loan.Loan{
		Customer:       customer,
		SourceLocation: source,
		TargetLocation: target,
		LoanDate:       testNow.AddDate(0, 0, -7),
	}
	for _, code := range []string{"SYR", "BOLT"} {
		if q, ok := items[code]; ok {
			l.Items = append(l.Items, loan.Item{ItemCode: code, Loaned: qty(q), Rate: qty(3)})
		}
	}
	saved, err := f.svc.SaveLoan(ctx, l)
	require.NoError(t, err)
	submitted, err := f.svc.SubmitLoan(ctx, saved.ID)
	require.NoError(t, err)
	return submitted
}

// order saves a submitted sales order.
func (f *fixture) order(t *testing.T, items map[string]int64) *sales.SalesOrder {
	t.Helper()
	so := &sales.SalesOrder{Customer: customer, TransactionDate: testNow}
	for _, code := range []string{"SYR", "BOLT", "PUMP"} {
		if q, ok := items[code]; ok {
			so.Items = append(so.Items, sales.OrderItem{ItemCode: code, Qty: qty(q), Rate: qty(2)})
		}
	}
	saved, err := f.svc.SaveSalesOrder(context.Background(), so)
	require.NoError(t, err)
	return saved
}

type line struct {
	item, batch string
	qty         int64
}

// draftConversion saves a draft conversion delivery against so.
func (f *fixture) draftConversion(t *testing.T, l *loan.Loan, so *sales.SalesOrder, lines ...line) *sales.Delivery {
	t.Helper()
	d, err := f.svc.SaveDelivery(context.Background(), conversion(l, so, lines...))
	require.NoError(t, err)
	return d
}

func conversion(l *loan.Loan, so *sales.SalesOrder, lines ...line) *sales.Delivery {
	d := &sales.Delivery{
		Customer:    customer,
		PostingDate: testNow,
		Type:        sales.DeliveryLoanConversion,
		LoanID:      l.ID,
	}
	for _, ln := range lines {
		d.Lines = append(d.Lines, sales.DeliveryLine{
			ItemCode:     ln.item,
			BatchNo:      ln.batch,
			Qty:          qty(ln.qty),
			Location:     target,
			SalesOrderID: so.ID,
		})
	}
	return d
}

// convert drafts and submits a conversion delivery.
func (f *fixture) convert(t *testing.T, l *loan.Loan, so *sales.SalesOrder, lines ...line) *sales.Delivery {
	t.Helper()
	d := f.draftConversion(t, l, so, lines...)
	out, err := f.svc.SubmitDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	return out
}

// regular submits a regular delivery from the source location.
func (f *fixture) regular(t *testing.T, so *sales.SalesOrder, item string, q int64) *sales.Delivery {
	t.Helper()
	ctx := context.Background()
	d, err := f.svc.SaveDelivery(ctx, &sales.Delivery{
		Customer: customer,
		Type:     sales.DeliveryRegular,
		Lines: []sales.DeliveryLine{
			{ItemCode: item, Qty: qty(q), Location: source, SalesOrderID: so.ID},
		},
	})
	require.NoError(t, err)
	out, err := f.svc.SubmitDelivery(ctx, d.ID)
	require.NoError(t, err)
	return out
}

func (f *fixture) reload(t *testing.T, id string) *loan.Loan {
	t.Helper()
	l, err := f.svc.GetLoan(context.Background(), id)
	require.NoError(t, err)
	return l
}

func (f *fixture) rows(t *testing.T, id string) []loan.BalanceRow {
	t.Helper()
	rows, err := f.svc.BalanceRows(context.Background(), id)
	require.NoError(t, err)
	return rows
}

func rowOf(rows []loan.BalanceRow, item, batch string) loan.BalanceRow {
	for _, r := range rows {
		if r.ItemCode == item && r.BatchNo == batch {
			return r
		}
	}
	return loan.BalanceRow{}
}

// logged reports whether an entry with level and message was logged.
func (f *fixture) logged(level logrus.Level, msg string) bool {
	for _, e := range f.logs.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

func asUser(user string) context.Context {
	return doc.WithUser(context.Background(), user)
}
