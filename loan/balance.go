/*
balance.go - Balance ledger: per-batch/serial loan balances

PURPOSE:
  When a loan is submitted its transfer lines are expanded into balance rows,
  one per physical unit identity that moved. Conversions deduct from these
  rows and reversals restore them. Apart from Initialize everything here is
  pure: functions take rows and return rows or errors, and the engines decide
  what to persist.

EXPANSION:
  Transfer line shape        → balance rows
  direct batch/serial        → 1 row, qty = line qty
  bundle of entries          → 1 row per entry, qty = |entry qty|
  untracked                  → 1 row, no batch/serial

  Rows with the same key inside one line are merged so a loan holds at most
  one row per (item, batch, serial, transfer line).

TIE-BREAK:
  A delivery line names (item, batch, serial) but not the transfer line, so
  several rows can match. SelectRow picks the first matching row, in
  creation order, whose remaining covers the whole line. A line is never
  split across rows.

SEE ALSO:
  - conversion.go: uses SelectRow and Deduct
  - reversal.go: uses Restore
*/
package loan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// EXPANSION
// =============================================================================

// ExpandTransfer turns a submitted transfer into fresh balance rows for loanID.
func ExpandTransfer(loanID string, t *stock.Transfer) []BalanceRow {
	var rows []BalanceRow
	index := make(map[RowKey]int)

	add := func(line stock.TransferLine, batch, serial string, q decimal.Decimal, expiry *time.Time) {
		key := RowKey{ItemCode: line.ItemCode, BatchNo: batch, SerialNo: serial, TransferLineID: line.ID}
		if i, ok := index[key]; ok {
			rows[i].Loaned = rows[i].Loaned.Add(q)
			rows[i].Remaining = rows[i].Remaining.Add(q)
			return
		}
		index[key] = len(rows)
		rows = append(rows, BalanceRow{
			ID:             doc.NewName(doc.PrefixBalanceRow),
			LoanID:         loanID,
			Seq:            len(rows) + 1,
			ItemCode:       line.ItemCode,
			BatchNo:        batch,
			SerialNo:       serial,
			TransferID:     t.ID,
			TransferLineID: line.ID,
			Location:       t.Target,
			Loaned:         q,
			Converted:      decimal.Zero,
			Remaining:      q,
			ValuationRate:  line.Rate,
			Expiry:         expiry,
		})
	}

	for _, line := range t.Lines {
		switch {
		case line.Tracked():
			add(line, line.BatchNo, line.SerialNo, line.Qty, line.Expiry)
		case len(line.Bundle) > 0:
			for _, e := range line.Bundle {
				add(line, e.BatchNo, e.SerialNo, e.Qty.Abs(), e.Expiry)
			}
		default:
			add(line, "", "", line.Qty, nil)
		}
	}
	return rows
}

// Initialize replaces the loan's balance rows with the expansion of its
// transfer and verifies them against the loan. Rows are deleted before the
// insert, so re-running it for a resubmitted transfer never duplicates.
func (e *Engine) Initialize(ctx context.Context, s LoanStore, l *Loan, t *stock.Transfer) ([]BalanceRow, error) {
	rows := ExpandTransfer(l.ID, t)
	if err := VerifyIntegrity(l, rows); err != nil {
		return nil, err
	}
	if err := s.ReplaceBalanceRows(ctx, l.ID, rows); err != nil {
		return nil, err
	}
	e.Logger.WithFields(logrus.Fields{
		"loan":     l.ID,
		"transfer": t.ID,
		"rows":     len(rows),
	}).Info("loan balances initialized")
	return rows, nil
}

// =============================================================================
// MATCHING
// =============================================================================

// SortRows orders rows by creation sequence.
func SortRows(rows []BalanceRow) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
}

// FindCandidates returns the indexes of rows matching (item, batch, serial)
// exactly, in slice order. Empty batch/serial only match rows without one.
func FindCandidates(rows []BalanceRow, itemCode, batchNo, serialNo string) []int {
	var out []int
	for i, r := range rows {
		if r.ItemCode == itemCode && r.BatchNo == batchNo && r.SerialNo == serialNo {
			out = append(out, i)
		}
	}
	return out
}

// SelectRow applies the tie-break: the first candidate with remaining ≥ qty.
// When none qualifies it returns -1 and the summed remaining of all
// candidates.
func SelectRow(rows []BalanceRow, itemCode, batchNo, serialNo string, qty decimal.Decimal) (int, decimal.Decimal) {
	available := decimal.Zero
	for _, i := range FindCandidates(rows, itemCode, batchNo, serialNo) {
		if rows[i].Remaining.GreaterThanOrEqual(qty) {
			return i, rows[i].Remaining
		}
		available = available.Add(rows[i].Remaining)
	}
	return -1, available
}

// =============================================================================
// MUTATION
// =============================================================================

// Deduct moves qty from remaining to converted.
func Deduct(r *BalanceRow, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return &ValidationError{ItemCode: r.ItemCode, Message: "conversion quantity must be positive"}
	}
	if r.Remaining.LessThan(qty) {
		return &InsufficientBalanceError{
			ItemCode: r.ItemCode, BatchNo: r.BatchNo, SerialNo: r.SerialNo,
			Requested: qty, Available: r.Remaining,
		}
	}
	r.Remaining = r.Remaining.Sub(qty)
	r.Converted = r.Converted.Add(qty)
	return nil
}

// Restore moves qty from converted back to remaining. Restoring more than was
// converted means the history and the row disagree.
func Restore(r *BalanceRow, qty decimal.Decimal) error {
	if r.Converted.LessThan(qty) {
		return &IntegrityError{LoanID: r.LoanID, Message: fmt.Sprintf(
			"restoring %s to balance row %s would drive converted below zero (converted %s)",
			qty, r.ID, r.Converted)}
	}
	r.Converted = r.Converted.Sub(qty)
	r.Remaining = r.Remaining.Add(qty)
	if r.Remaining.GreaterThan(r.Loaned) {
		return &IntegrityError{LoanID: r.LoanID, Message: fmt.Sprintf(
			"balance row %s remaining %s exceeds loaned %s", r.ID, r.Remaining, r.Loaned)}
	}
	return nil
}

// =============================================================================
// INTEGRITY
// =============================================================================

// VerifyIntegrity checks the balance rows against themselves and against the
// loan: per-row conservation, unique keys, and row sums equal to each item's
// totals. All problems are reported together.
func VerifyIntegrity(l *Loan, rows []BalanceRow) error {
	var problems []string
	seen := make(map[RowKey]bool, len(rows))

	type sums struct{ loaned, converted, remaining decimal.Decimal }
	byItem := make(map[string]*sums)

	for _, r := range rows {
		k := r.Key()
		if seen[k] {
			problems = append(problems, fmt.Sprintf("duplicate balance row for item %s, batch %s, serial %s",
				r.ItemCode, dash(r.BatchNo), dash(r.SerialNo)))
		}
		seen[k] = true

		if !r.Loaned.Equal(r.Converted.Add(r.Remaining)) {
			problems = append(problems, fmt.Sprintf("balance row %s: loaned %s != converted %s + remaining %s",
				r.ID, r.Loaned, r.Converted, r.Remaining))
		}
		if r.Remaining.IsNegative() || r.Converted.IsNegative() {
			problems = append(problems, fmt.Sprintf("balance row %s has a negative quantity", r.ID))
		}

		s := byItem[r.ItemCode]
		if s == nil {
			s = &sums{}
			byItem[r.ItemCode] = s
		}
		s.loaned = s.loaned.Add(r.Loaned)
		s.converted = s.converted.Add(r.Converted)
		s.remaining = s.remaining.Add(r.Remaining)
	}

	for _, it := range l.Items {
		if !it.Loaned.Equal(it.Converted.Add(it.Remaining)) {
			problems = append(problems, fmt.Sprintf("item %s: loaned %s != converted %s + remaining %s",
				it.ItemCode, it.Loaned, it.Converted, it.Remaining))
		}
		s := byItem[it.ItemCode]
		if s == nil {
			s = &sums{}
		}
		if !s.loaned.Equal(it.Loaned) || !s.converted.Equal(it.Converted) || !s.remaining.Equal(it.Remaining) {
			problems = append(problems, fmt.Sprintf(
				"item %s: balance rows (loaned %s, converted %s, remaining %s) disagree with loan (loaned %s, converted %s, remaining %s)",
				it.ItemCode, s.loaned, s.converted, s.remaining, it.Loaned, it.Converted, it.Remaining))
		}
		delete(byItem, it.ItemCode)
	}
	stray := make([]string, 0, len(byItem))
	for item := range byItem {
		stray = append(stray, item)
	}
	sort.Strings(stray)
	for _, item := range stray {
		problems = append(problems, fmt.Sprintf("balance rows reference item %s which is not on the loan", item))
	}

	if len(problems) == 0 {
		return nil
	}
	return &IntegrityError{LoanID: l.ID, Message: strings.Join(problems, "; ")}
}
