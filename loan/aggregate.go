package loan

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbs/loanledger/doc"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LOAN AGGREGATE - totals and status
// =============================================================================

// RecalculateTotals sets each item's remaining to loaned − converted and the
// loan totals to the item sums.
func RecalculateTotals(l *Loan) {
	l.TotalLoaned, l.TotalConverted, l.TotalRemaining = decimal.Zero, decimal.Zero, decimal.Zero
	for i := range l.Items {
		it := &l.Items[i]
		it.Remaining = it.Loaned.Sub(it.Converted)
		l.TotalLoaned = l.TotalLoaned.Add(it.Loaned)
		l.TotalConverted = l.TotalConverted.Add(it.Converted)
		l.TotalRemaining = l.TotalRemaining.Add(it.Remaining)
	}
}

// RecomputeStatus derives the conversion status from the document status and
// the item totals.
func RecomputeStatus(l *Loan) {
	switch l.DocStatus {
	case doc.Draft:
		l.Status = StatusDraft
		return
	case doc.Cancelled:
		l.Status = StatusCancelled
		return
	}

	fully, none := true, true
	for _, it := range l.Items {
		if !it.Remaining.IsZero() {
			fully = false
		}
		if !it.Converted.IsZero() {
			none = false
		}
	}
	switch {
	case fully:
		l.Status = StatusFullyConverted
	case none:
		l.Status = StatusPending
	default:
		l.Status = StatusPartiallyConverted
	}
}

// ValidateItemIntegrity checks loaned = converted + remaining per item.
func ValidateItemIntegrity(l *Loan) error {
	for _, it := range l.Items {
		if !it.Loaned.Equal(it.Converted.Add(it.Remaining)) {
			return &IntegrityError{LoanID: l.ID, Message: fmt.Sprintf(
				"invalid quantities for item %s: expected loaned = converted + remaining", it.ItemCode)}
		}
		if it.Remaining.IsNegative() {
			return &IntegrityError{LoanID: l.ID, Message: fmt.Sprintf(
				"item %s remaining is negative", it.ItemCode)}
		}
	}
	return nil
}

// =============================================================================
// DRAFT VALIDATION
// =============================================================================

// ValidateNoAmend refuses amended loans.
func ValidateNoAmend(l *Loan) error {
	if l.AmendedFrom != "" {
		return ErrAmendNotAllowed
	}
	return nil
}

// ValidateDraft runs the checks applied every time a loan is saved, then
// refreshes totals and status.
func ValidateDraft(l *Loan) error {
	if err := ValidateNoAmend(l); err != nil {
		return err
	}
	if l.Customer == "" {
		return &ValidationError{Message: "customer is mandatory"}
	}
	if l.SourceLocation == "" || l.TargetLocation == "" {
		return &ValidationError{Message: "source and target location are mandatory"}
	}
	if l.SourceLocation == l.TargetLocation {
		return &ValidationError{Message: "source and target location cannot be the same"}
	}
	if !strings.Contains(l.TargetLocation, l.Customer) {
		return &ValidationError{Message: "target location must belong to the selected customer"}
	}
	if len(l.Items) == 0 {
		return &ValidationError{Message: "loan has no items"}
	}

	seen := make(map[string]int, len(l.Items))
	for i, it := range l.Items {
		row := i + 1
		if it.ItemCode == "" {
			return &ValidationError{Row: row, Message: "item code is mandatory"}
		}
		if first, dup := seen[it.ItemCode]; dup {
			return &ValidationError{Row: row, ItemCode: it.ItemCode, Message: fmt.Sprintf(
				"item %s is already entered in row %d; merge the rows", it.ItemCode, first)}
		}
		seen[it.ItemCode] = row
		if !it.Loaned.IsPositive() {
			return &ValidationError{Row: row, ItemCode: it.ItemCode, Message: "loaned quantity must be greater than zero"}
		}
		if it.Converted.IsNegative() || it.Converted.GreaterThan(it.Loaned) {
			return &ValidationError{Row: row, ItemCode: it.ItemCode, Message: "converted quantity out of range"}
		}
	}

	RecalculateTotals(l)
	RecomputeStatus(l)
	return ValidateItemIntegrity(l)
}

// =============================================================================
// STOCK SUFFICIENCY
// =============================================================================

// StockChecker reports on-hand quantity. stock.Ledger satisfies it.
type StockChecker interface {
	Available(ctx context.Context, itemCode, location string) (decimal.Decimal, error)
}

// ValidateStockSufficiency checks the source location holds every loaned
// quantity.
func ValidateStockSufficiency(ctx context.Context, stock StockChecker, l *Loan) error {
	for i, it := range l.Items {
		if it.ItemCode == "" || it.Loaned.IsZero() {
			continue
		}
		avail, err := stock.Available(ctx, it.ItemCode, l.SourceLocation)
		if err != nil {
			return Operational("read stock", err)
		}
		if avail.LessThan(it.Loaned) {
			return &ValidationError{Row: i + 1, ItemCode: it.ItemCode, Message: fmt.Sprintf(
				"insufficient stock for item %s in %s: available %s, requested %s",
				it.ItemCode, l.SourceLocation, avail, it.Loaned)}
		}
	}
	return nil
}
