package loan

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// REVERSAL ENGINE
// =============================================================================

// Reverse undoes every conversion a delivery made against a loan, using the
// conversion history as the only source. Each referenced balance row is
// restored from its current state. A row that no longer exists is skipped and
// logged; restoring more than a row has converted is an integrity error.
// The history of the delivery is deleted. Must run inside WithTx.
func (e *Engine) Reverse(ctx context.Context, s Store, loanID, deliveryID string) ([]HistoryEntry, error) {
	l, rows, err := s.LockLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	entries, err := s.History(ctx, loanID, deliveryID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		e.Logger.WithFields(logrus.Fields{"loan": loanID, "delivery": deliveryID}).
			Debug("no conversion history to reverse")
		return nil, nil
	}

	work := l.Clone()
	byID := make(map[string]int, len(rows))
	for i, r := range rows {
		byID[r.ID] = i
	}

	restored := make(map[string]decimal.Decimal)
	touched := make(map[int]bool)
	var order []int
	for _, h := range entries {
		if !h.Qty.IsPositive() || h.BalanceRowID == "" {
			continue
		}
		idx, ok := byID[h.BalanceRowID]
		if !ok {
			e.Logger.WithFields(logrus.Fields{
				"loan":        loanID,
				"delivery":    deliveryID,
				"history":     h.ID,
				"balance_row": h.BalanceRowID,
				"qty":         h.Qty.String(),
			}).Warn("balance row referenced by conversion history is missing; skipping")
			continue
		}
		if err := Restore(&rows[idx], h.Qty); err != nil {
			return nil, err
		}
		if !touched[idx] {
			touched[idx] = true
			order = append(order, idx)
		}
		restored[h.ItemCode] = restored[h.ItemCode].Add(h.Qty)
	}

	for code, q := range restored {
		it := work.Item(code)
		if it == nil {
			e.Logger.WithFields(logrus.Fields{"loan": loanID, "item": code}).
				Warn("restored item is not on the loan")
			continue
		}
		it.Converted = it.Converted.Sub(q)
		if it.Converted.IsNegative() {
			return nil, &IntegrityError{LoanID: loanID, Message: fmt.Sprintf(
				"reversing delivery %s drives converted of item %s below zero", deliveryID, code)}
		}
	}
	RecalculateTotals(work)
	RecomputeStatus(work)
	if err := ValidateItemIntegrity(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = e.Now()

	changed := make([]BalanceRow, 0, len(order))
	for _, idx := range order {
		changed = append(changed, rows[idx])
	}
	if err := s.UpdateBalanceRows(ctx, changed); err != nil {
		return nil, err
	}
	if err := s.DeleteHistory(ctx, loanID, deliveryID); err != nil {
		return nil, err
	}
	if err := s.SaveLoan(ctx, work); err != nil {
		return nil, err
	}

	e.Logger.WithFields(logrus.Fields{
		"loan":     loanID,
		"delivery": deliveryID,
		"entries":  len(entries),
		"status":   work.Status,
	}).Info("loan conversion reversed")
	return entries, nil
}
