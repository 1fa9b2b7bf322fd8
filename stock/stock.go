/*
Package stock is the contract for the platform's stock-transfer subsystem.

PURPOSE:
  Loans move goods from a company location to a customer location with a
  Material Transfer. This package describes that transfer, how its lines are
  resolved to batches and serial numbers, and the ledger interface the loan
  lifecycle consumes. The platform owns stock; this repository only needs
  to create, read and cancel transfers and to ask what is on hand.

LINE RESOLUTION:
  After submission every transfer line is in one of three shapes:
    1. Direct:    the line names a batch or a serial number itself
    2. Bundled:   the line carries a bundle of batch/serial entries
                  (allocated from the source location, oldest expiry first)
    3. Untracked: no batch or serial identity at all

  The loan balance ledger expands these shapes into balance rows.

LOAN TRANSFERS:
  A transfer created by a loan is flagged IsLoan and can only be cancelled
  by presenting a Capability minted for that loan. Cancelling it directly
  is refused with ErrLoanTransfer.

IMPLEMENTATIONS:
  - stock/memory.go:           in-memory (tests, dev)
  - store/sqlite/stock.go:     SQLite tables
  - store/postgres/stock.go:   PostgreSQL tables

SEE ALSO:
  - allocate.go: line resolution
  - loan/balance.go: expansion of resolved lines into balance rows
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer is a Material Transfer between two locations.
type Transfer struct {
	ID          string
	PostingDate time.Time
	Source      string
	Target      string
	IsLoan      bool
	LoanID      string
	Status      doc.Status
	Lines       []TransferLine
}

// TransferLine moves one item. After submission BatchNo/SerialNo or Bundle
// describe which units moved.
type TransferLine struct {
	ID       string
	ItemCode string
	Qty      decimal.Decimal
	UOM      string
	Rate     decimal.Decimal
	BatchNo  string
	SerialNo string
	Expiry   *time.Time
	Bundle   []BundleEntry
}

// BundleEntry is one batch or serial unit inside a bundled line.
// Qty is signed the way the platform records it (negative on the outward
// side); consumers take its absolute value.
type BundleEntry struct {
	BatchNo  string
	SerialNo string
	Qty      decimal.Decimal
	Expiry   *time.Time
}

// Tracked reports whether the line carries batch or serial identity directly.
func (l TransferLine) Tracked() bool {
	return l.BatchNo != "" || l.SerialNo != ""
}

// Lot is stock of one item at one location with batch/serial identity.
type Lot struct {
	ItemCode string
	Location string
	BatchNo  string
	SerialNo string
	Qty      decimal.Decimal
	Expiry   *time.Time
}

// Receipt brings stock into a location.
type Receipt struct {
	ItemCode  string
	Location  string
	Qty       decimal.Decimal
	BatchNo   string
	SerialNos []string
	Expiry    *time.Time
}

// =============================================================================
// LEDGER - what the loan lifecycle needs from the platform
// =============================================================================

// Ledger is the stock subsystem.
type Ledger interface {
	// Available returns the on-hand quantity of an item at a location.
	Available(ctx context.Context, itemCode, location string) (decimal.Decimal, error)

	// ItemsInStock lists item codes with positive stock at a location whose
	// code contains search, sorted, at most limit (0 = no limit).
	ItemsInStock(ctx context.Context, location, search string, limit int) ([]string, error)

	// Receive adds stock to a location.
	Receive(ctx context.Context, r Receipt) error

	// SubmitTransfer creates and submits a transfer, resolving each line to
	// batches/serials. Either every line moves or none does.
	SubmitTransfer(ctx context.Context, t Transfer) (*Transfer, error)

	// GetTransfer returns ErrTransferNotFound for unknown ids.
	GetTransfer(ctx context.Context, id string) (*Transfer, error)

	// CancelTransfer moves the stock back. Loan transfers require a
	// Capability minted for their loan.
	CancelTransfer(ctx context.Context, id string, c Capability) error
}

// =============================================================================
// CAPABILITY - scoped permission for one privileged call
// =============================================================================

// Capability is passed to CancelTransfer to authorize cancelling a loan's
// transfer. The zero value grants nothing.
type Capability struct {
	loanID string
}

// LoanRelease mints a capability that allows cancelling the transfer of the
// given loan and no other.
func LoanRelease(loanID string) Capability {
	return Capability{loanID: loanID}
}

// Allows reports whether c may cancel t.
func (c Capability) Allows(t *Transfer) bool {
	if !t.IsLoan {
		return true
	}
	return c.loanID != "" && c.loanID == t.LoanID
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrTransferNotFound  = errors.New("stock transfer not found")
	ErrTransferCancelled = errors.New("stock transfer already cancelled")
	ErrLoanTransfer      = errors.New("stock transfer was created from a loan and cannot be cancelled directly; cancel the loan instead")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransfer   = errors.New("invalid stock transfer")
)

// InsufficientStockError names the item, location and shortfall.
type InsufficientStockError struct {
	ItemCode  string
	Location  string
	BatchNo   string
	SerialNo  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	what := e.ItemCode
	if e.BatchNo != "" {
		what += ", batch " + e.BatchNo
	}
	if e.SerialNo != "" {
		what += ", serial " + e.SerialNo
	}
	return fmt.Sprintf("insufficient stock for item %s in %s: available %s, requested %s",
		what, e.Location, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ValidateTransfer checks the shape of a transfer before any stock moves:
// distinct locations, positive quantities, and no repeated
// (item, batch, serial) line.
func ValidateTransfer(t Transfer) error {
	if t.Source == "" || t.Target == "" {
		return fmt.Errorf("%w: source and target location are mandatory", ErrInvalidTransfer)
	}
	if t.Source == t.Target {
		return fmt.Errorf("%w: source and target location cannot be the same", ErrInvalidTransfer)
	}
	if len(t.Lines) == 0 {
		return fmt.Errorf("%w: no lines", ErrInvalidTransfer)
	}
	type key struct{ item, batch, serial string }
	seen := make(map[key]bool, len(t.Lines))
	for i, l := range t.Lines {
		if l.ItemCode == "" {
			return fmt.Errorf("%w: row #%d has no item", ErrInvalidTransfer, i+1)
		}
		if !l.Qty.IsPositive() {
			return fmt.Errorf("%w: row #%d quantity must be positive", ErrInvalidTransfer, i+1)
		}
		k := key{l.ItemCode, l.BatchNo, l.SerialNo}
		if seen[k] {
			return fmt.Errorf("%w: duplicate entry for item %s with same batch/serial in row #%d",
				ErrInvalidTransfer, l.ItemCode, i+1)
		}
		seen[k] = true
	}
	return nil
}
