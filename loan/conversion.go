/*
conversion.go - Conversion engine: delivery lines → balance deductions

PURPOSE:
  Converting a loan means some of the goods at the customer's location are
  now sold. A conversion delivery lists (item, batch, serial, qty) lines;
  each line is matched to one balance row, deducted, and recorded in the
  conversion history so it can be reversed exactly.

UNIT OF WORK:
  1. LockLoan: loan + all balance rows, exclusively; then LockSalesOrder
     for each order shipped against
  2. PlanConversion: pure validation and deduction over a copy
  3. Persist rows, history and loan
  4. Commit (the caller's WithTx)

  PlanConversion either returns a complete plan or an error; nothing is
  written until it succeeds, so a failing line leaves no trace.

CHECKS (per delivery, cumulative):
  - loan submitted and not fully converted
  - item is on the loan
  - Σ qty per item ≤ item remaining
  - Σ qty per (sales order, item) ≤ sales order remaining
  - line resolvable by the tie-break (see balance.go)

  Lines with qty ≤ 0 are skipped.

SEE ALSO:
  - reversal.go: the inverse
  - service/deliveries.go: calls Convert on delivery submit
*/
package loan

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/sales"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs conversions and reversals against a Store inside the
// caller's transaction.
type Engine struct {
	Now    func() time.Time
	Logger logrus.FieldLogger
}

func NewEngine(logger logrus.FieldLogger) *Engine {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &Engine{Now: time.Now, Logger: logger}
}

// Plan is the outcome of a successful PlanConversion.
type Plan struct {
	Loan    *Loan
	Rows    []BalanceRow
	History []HistoryEntry
}

// OrderRemaining is remaining-to-deliver per sales order, per item code.
type OrderRemaining map[string]map[string]decimal.Decimal

// PlanConversion validates d against a snapshot of the loan and its rows and
// returns the mutated copies. The inputs are not modified.
func PlanConversion(l *Loan, rows []BalanceRow, d *sales.Delivery, remaining OrderRemaining, now time.Time, user string) (*Plan, error) {
	if l.DocStatus != doc.Submitted {
		return nil, fmt.Errorf("%w: %s", ErrNotSubmitted, l.ID)
	}
	if l.Status == StatusFullyConverted {
		return nil, fmt.Errorf("%w: %s", ErrFullyConverted, l.ID)
	}

	work := l.Clone()
	snapshot := append([]BalanceRow(nil), rows...)
	SortRows(snapshot)

	perItem := make(map[string]decimal.Decimal)
	perOrder := make(map[string]map[string]decimal.Decimal)
	touched := make(map[int]bool)
	var order []int
	var history []HistoryEntry

	for i, line := range d.Lines {
		row := line.Idx
		if row == 0 {
			row = i + 1
		}
		q := line.Qty
		if !q.IsPositive() {
			continue
		}

		item := work.Item(line.ItemCode)
		if item == nil {
			return nil, fmt.Errorf("row %d: %w: item %s, loan %s", row, ErrItemNotInLoan, line.ItemCode, l.ID)
		}
		cum := perItem[line.ItemCode].Add(q)
		if cum.GreaterThan(item.Remaining) {
			return nil, &OverConversionError{Row: row, ItemCode: line.ItemCode, Requested: cum, Remaining: item.Remaining}
		}

		if line.SalesOrderID != "" {
			byItem := perOrder[line.SalesOrderID]
			if byItem == nil {
				byItem = make(map[string]decimal.Decimal)
				perOrder[line.SalesOrderID] = byItem
			}
			left := remaining[line.SalesOrderID][line.ItemCode]
			if byItem[line.ItemCode].Add(q).GreaterThan(left) {
				return nil, &ExceedsOrderError{
					Row: row, SalesOrderID: line.SalesOrderID, ItemCode: line.ItemCode,
					Requested: byItem[line.ItemCode].Add(q), Remaining: left,
				}
			}
			byItem[line.ItemCode] = byItem[line.ItemCode].Add(q)
		}

		idx, available := SelectRow(snapshot, line.ItemCode, line.BatchNo, line.SerialNo, q)
		if idx < 0 {
			return nil, &InsufficientBalanceError{
				Row: row, ItemCode: line.ItemCode, BatchNo: line.BatchNo, SerialNo: line.SerialNo,
				Requested: q, Available: available,
			}
		}
		if err := Deduct(&snapshot[idx], q); err != nil {
			return nil, err
		}
		if !touched[idx] {
			touched[idx] = true
			order = append(order, idx)
		}
		perItem[line.ItemCode] = cum

		history = append(history, HistoryEntry{
			ID:             doc.NewName(doc.PrefixHistory),
			LoanID:         l.ID,
			DeliveryID:     d.ID,
			DeliveryLineID: line.ID,
			SalesOrderID:   line.SalesOrderID,
			ItemCode:       line.ItemCode,
			BatchNo:        line.BatchNo,
			SerialNo:       line.SerialNo,
			Qty:            q,
			BalanceRowID:   snapshot[idx].ID,
			ConversionDate: d.PostingDate,
			CreatedBy:      user,
			CreatedAt:      now,
		})
	}

	for code, q := range perItem {
		it := work.Item(code)
		it.Converted = it.Converted.Add(q)
	}
	RecalculateTotals(work)
	RecomputeStatus(work)
	if err := ValidateItemIntegrity(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = now

	changed := make([]BalanceRow, 0, len(order))
	for _, idx := range order {
		changed = append(changed, snapshot[idx])
	}
	return &Plan{Loan: work, Rows: changed, History: history}, nil
}

// Convert applies a conversion delivery to its loan. It must run inside
// WithTx and before the delivery itself is stored as submitted, so that the
// sales-order remaining it reads does not yet include this delivery.
//
// The loan is locked first, then every sales order the delivery ships
// against in name order. Deliveries from different loans into the same
// order therefore take turns on the order's remaining quantity.
func (e *Engine) Convert(ctx context.Context, s Store, loanID string, d *sales.Delivery) ([]HistoryEntry, error) {
	l, rows, err := s.LockLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	orders := d.SalesOrders()
	sort.Strings(orders)
	remaining := make(OrderRemaining)
	for _, soID := range orders {
		so, err := s.LockSalesOrder(ctx, soID)
		if err != nil {
			return nil, err
		}
		delivered, err := s.DeliveredQuantities(ctx, soID)
		if err != nil {
			return nil, err
		}
		remaining[soID] = sales.Remaining(so, delivered)
	}

	plan, err := PlanConversion(l, rows, d, remaining, e.Now(), doc.UserFrom(ctx))
	if err != nil {
		return nil, err
	}

	if err := s.UpdateBalanceRows(ctx, plan.Rows); err != nil {
		return nil, err
	}
	if err := s.AppendHistory(ctx, plan.History); err != nil {
		return nil, err
	}
	if err := s.SaveLoan(ctx, plan.Loan); err != nil {
		return nil, err
	}

	e.Logger.WithFields(logrus.Fields{
		"loan":      loanID,
		"delivery":  d.ID,
		"entries":   len(plan.History),
		"converted": plan.Loan.TotalConverted.String(),
		"status":    plan.Loan.Status,
	}).Info("loan converted")
	return plan.History, nil
}
