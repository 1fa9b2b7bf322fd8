/*
errors.go - Error types for the loan ledger

PURPOSE:
  All loan error types in one place. Callers classify with errors.Is and
  the Is* helpers below; the API maps the classes to status codes.

ERROR CATEGORIES:
  1. Validation errors - user-correctable; name the row/item and the
     requested vs available quantity
  2. Integrity errors  - the ledger disagrees with itself; never repaired
     automatically
  3. Operational errors - a collaborator (stock subsystem, database) failed;
     the whole operation is aborted
  4. Not found / permission / busy

SEE ALSO:
  - sales/validation.go, stock/stock.go: sentinels classified here too
  - api/server.go: status-code mapping
*/
package loan

import (
	"errors"
	"fmt"

	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the base of every user-correctable loan error.
	ErrValidation = errors.New("validation failed")

	ErrLoanNotFound = errors.New("loan not found")

	// ErrNotSubmitted is returned when a loan must be submitted first.
	ErrNotSubmitted = errors.New("loan is not submitted")

	// ErrFullyConverted is returned when nothing is left to convert.
	ErrFullyConverted = errors.New("loan is already fully converted")

	// ErrAmendNotAllowed is returned for any attempt to amend a loan.
	ErrAmendNotAllowed = errors.New("loans cannot be amended; create a new loan instead")

	// ErrItemNotInLoan is returned when a delivery line names an item the
	// loan never carried.
	ErrItemNotInLoan = errors.New("item not found in loan")

	// ErrInsufficientBalance is returned when no balance row can cover a line.
	ErrInsufficientBalance = errors.New("insufficient loan balance")

	// ErrOverConversion is returned when a delivery converts more of an item
	// than the loan has remaining.
	ErrOverConversion = errors.New("over-conversion")

	// ErrExceedsOrder is returned when a line ships more than the sales order
	// still has outstanding.
	ErrExceedsOrder = errors.New("quantity exceeds sales order remaining")

	// ErrHasConversions is returned when cancelling a loan that was ever
	// (even partially) converted.
	ErrHasConversions = errors.New("loan has conversions; cancel the related conversion deliveries first")

	// ErrSubmittedLoan is returned when deleting a submitted loan.
	ErrSubmittedLoan = errors.New("submitted loans cannot be deleted; cancel instead")

	// ErrIntegrity is the base of every ledger self-consistency failure.
	ErrIntegrity = errors.New("loan integrity violated")

	// ErrOperational wraps collaborator failures.
	ErrOperational = errors.New("operational failure")

	ErrPermissionDenied = errors.New("permission denied")

	// ErrLoanBusy is returned when another instance holds the loan lock.
	ErrLoanBusy = errors.New("loan is being processed by another request")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is a generic rule violation, optionally pinned to a row.
type ValidationError struct {
	Row      int
	ItemCode string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("row %d: %s", e.Row, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError reports a line no single balance row can cover.
// Available is the sum over all rows with the same key.
type InsufficientBalanceError struct {
	Row       int
	ItemCode  string
	BatchNo   string
	SerialNo  string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	if e.Available.IsZero() {
		return fmt.Sprintf("row %d: no remaining loan balance found for item %s, batch %s, serial %s",
			e.Row, e.ItemCode, dash(e.BatchNo), dash(e.SerialNo))
	}
	return fmt.Sprintf("row %d: cannot convert %s of item %s, batch %s, serial %s; only %s remaining across matching balances",
		e.Row, e.Requested, e.ItemCode, dash(e.BatchNo), dash(e.SerialNo), e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// OverConversionError reports an item converted beyond its loan remaining.
type OverConversionError struct {
	Row       int
	ItemCode  string
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *OverConversionError) Error() string {
	return fmt.Sprintf("row %d: over-conversion of item %s: requested %s, remaining on loan %s",
		e.Row, e.ItemCode, e.Requested, e.Remaining)
}

func (e *OverConversionError) Unwrap() error { return ErrOverConversion }

// ExceedsOrderError reports a line beyond the sales order's outstanding qty.
type ExceedsOrderError struct {
	Row          int
	SalesOrderID string
	ItemCode     string
	Requested    decimal.Decimal
	Remaining    decimal.Decimal
}

func (e *ExceedsOrderError) Error() string {
	return fmt.Sprintf("row %d: quantity %s of item %s exceeds sales order %s remaining %s",
		e.Row, e.Requested, e.ItemCode, e.SalesOrderID, e.Remaining)
}

func (e *ExceedsOrderError) Unwrap() error { return ErrExceedsOrder }

// IntegrityError describes a ledger inconsistency.
type IntegrityError struct {
	LoanID  string
	Message string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("loan %s integrity: %s", e.LoanID, e.Message)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// Operational wraps a collaborator failure so callers can classify it.
func Operational(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrOperational, op, err)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid client input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotSubmitted) ||
		errors.Is(err, ErrFullyConverted) ||
		errors.Is(err, ErrAmendNotAllowed) ||
		errors.Is(err, ErrItemNotInLoan) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOverConversion) ||
		errors.Is(err, ErrExceedsOrder) ||
		errors.Is(err, ErrHasConversions) ||
		errors.Is(err, ErrSubmittedLoan) ||
		errors.Is(err, sales.ErrInvalidDocument) ||
		errors.Is(err, sales.ErrDuplicateNote) ||
		errors.Is(err, sales.ErrDuplicateCustomerNote) ||
		errors.Is(err, stock.ErrInvalidTransfer) ||
		errors.Is(err, stock.ErrInsufficientStock) ||
		errors.Is(err, stock.ErrLoanTransfer) ||
		errors.Is(err, stock.ErrTransferCancelled)
}

// IsIntegrity returns true for ledger self-consistency failures.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, sales.ErrOrderNotFound) ||
		errors.Is(err, sales.ErrDeliveryNotFound) ||
		errors.Is(err, sales.ErrNoteNotFound) ||
		errors.Is(err, sales.ErrCustomerNoteNotFound) ||
		errors.Is(err, stock.ErrTransferNotFound)
}

// IsPermission returns true if the caller lacks the right to act.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLoanBusy)
}
