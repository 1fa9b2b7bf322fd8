/*
store.go - Persistence interface for loans, balance rows and history

PURPOSE:
  Defines the interface between the engines and the database. Every engine
  run happens inside TxStore.WithTx so that lock → validate → mutate →
  commit is one unit of work.

KEY INTERFACES:
  LoanStore: loans, balance rows, conversion history
  Store:     LoanStore + sales.Store (everything a unit of work touches)
  TxStore:   Store + WithTx

LOCKING:
  LockLoan reads the loan and all of its balance rows under an exclusive
  lock held until the surrounding transaction ends. Engines must read
  balances only through LockLoan. Plain reads (GetLoan, BalanceRows,
  History) take no lock.

IMPLEMENTATIONS:
  - loan/store/memory.go:        in-memory for tests/dev (global lock)
  - store/sqlite/sqlite.go:      SQLite (database-level write lock)
  - store/postgres/postgres.go:  PostgreSQL (SELECT ... FOR UPDATE row locks)

SEE ALSO:
  - conversion.go, reversal.go: the only writers of balance rows
*/
package loan

import (
	"context"

	"github.com/nbs/loanledger/sales"
)

// =============================================================================
// STORE - Interface for loan persistence
// =============================================================================

// LoanStore handles persistence of loans and their ledgers.
type LoanStore interface {
	// SaveLoan inserts or replaces the loan and its item rows.
	SaveLoan(ctx context.Context, l *Loan) error

	// GetLoan returns ErrLoanNotFound for unknown ids.
	GetLoan(ctx context.Context, id string) (*Loan, error)

	// DeleteLoan removes a loan and everything under it.
	DeleteLoan(ctx context.Context, id string) error

	// LockLoan returns the loan and its balance rows in creation order,
	// exclusively locked until the transaction ends.
	LockLoan(ctx context.Context, id string) (*Loan, []BalanceRow, error)

	// ListOpenLoans returns the customer's submitted loans that are not
	// fully converted, oldest loan date first. An empty customer lists
	// every customer's open loans.
	ListOpenLoans(ctx context.Context, customer string) ([]Loan, error)

	// BalanceRows returns a loan's rows in creation order.
	BalanceRows(ctx context.Context, loanID string) ([]BalanceRow, error)

	// ReplaceBalanceRows deletes a loan's rows, then inserts rows.
	ReplaceBalanceRows(ctx context.Context, loanID string, rows []BalanceRow) error

	// UpdateBalanceRows writes converted/remaining of existing rows.
	UpdateBalanceRows(ctx context.Context, rows []BalanceRow) error

	// DeleteBalanceRows removes all rows of a loan.
	DeleteBalanceRows(ctx context.Context, loanID string) error

	// AppendHistory inserts conversion history entries.
	AppendHistory(ctx context.Context, entries []HistoryEntry) error

	// History returns a loan's entries in insertion order; an empty
	// deliveryID returns all of them.
	History(ctx context.Context, loanID, deliveryID string) ([]HistoryEntry, error)

	// DeleteHistory removes the entries of one delivery against one loan.
	DeleteHistory(ctx context.Context, loanID, deliveryID string) error
}

// Store is everything a unit of work can touch.
type Store interface {
	LoanStore
	sales.Store
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
