/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements loan.TxStore (loans, balance rows, conversion history, sales
  documents) and stock.Ledger (bins, lots, transfers) on one SQLite
  database. It is the default persistent store for single-instance
  deployments.

INTERFACES IMPLEMENTED:
  loan.TxStore:  loans, balance rows, history, sales orders, deliveries,
                 promissory notes, customer delivery notes
  stock.Ledger:  stock on hand and Material Transfers

KEY TABLES:
  loans, loan_items:          loan documents and per-item totals
  balance_rows:               per (item, batch, serial, transfer line) balances
  conversion_history:         one row per deduction, replayed on reversal
  sales_orders, deliveries:   sales documents with their rows
  promissory_notes:           projected notes with their rows
  customer_delivery_notes:    signed-for notes mirrored from the order
  bins, lots:                 stock on hand (aggregate / batch+serial)
  transfers:                  Material Transfers with lines and bundles

QUANTITIES:
  Decimals are stored as TEXT and parsed with shopspring/decimal so values
  round-trip exactly.

CONCURRENCY:
  The database is opened with _txlock=immediate: every WithTx takes the
  write lock when it begins, so LockLoan inside a transaction sees rows no
  other writer can change until commit. Writers are therefore serialized
  across all loans; the PostgreSQL store locks per loan instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers don't block
  behind the single writer.

USAGE:
  store, err := sqlite.New("./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - loan/store.go: interface definitions
  - loan/store/memory.go: in-memory implementation for testing
  - store/postgres: row-locking implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nbs/loanledger/loan"
	"github.com/shopspring/decimal"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements loan.Store on top of a querier.
type conn struct {
	q querier
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	*conn
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: &conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Loans
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer TEXT NOT NULL,
		source_location TEXT NOT NULL,
		target_location TEXT NOT NULL,
		loan_date TEXT NOT NULL,
		docstatus INTEGER NOT NULL DEFAULT 0,
		amended_from TEXT,
		conversion_status TEXT NOT NULL,
		transfer_id TEXT,
		total_loaned TEXT NOT NULL,
		total_converted TEXT NOT NULL,
		total_remaining TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loans_customer_open
		ON loans(customer, docstatus, conversion_status, loan_date);

	CREATE TABLE IF NOT EXISTS loan_items (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		description TEXT,
		uom TEXT,
		rate TEXT NOT NULL,
		qty_loaned TEXT NOT NULL,
		qty_converted TEXT NOT NULL,
		qty_remaining TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loan_items_loan ON loan_items(loan_id, idx);

	-- Balance ledger: at most one row per key per loan
	CREATE TABLE IF NOT EXISTS balance_rows (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		transfer_id TEXT NOT NULL,
		transfer_line_id TEXT NOT NULL,
		location TEXT NOT NULL,
		qty_loaned TEXT NOT NULL,
		qty_converted TEXT NOT NULL,
		qty_remaining TEXT NOT NULL,
		valuation_rate TEXT NOT NULL,
		expiry TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_balance_rows_key
		ON balance_rows(loan_id, item_code, batch_no, serial_no, transfer_line_id);

	-- Conversion history; no FK to balance_rows so reversal can detect
	-- and skip rows that went missing
	CREATE TABLE IF NOT EXISTS conversion_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		delivery_id TEXT NOT NULL,
		delivery_line_id TEXT,
		sales_order_id TEXT,
		item_code TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		qty TEXT NOT NULL,
		balance_row_id TEXT NOT NULL,
		conversion_date TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_loan_delivery
		ON conversion_history(loan_id, delivery_id);

	-- Sales orders
	CREATE TABLE IF NOT EXISTS sales_orders (
		id TEXT PRIMARY KEY,
		customer TEXT NOT NULL,
		transaction_date TEXT NOT NULL,
		docstatus INTEGER NOT NULL DEFAULT 0,
		grand_total TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sales_order_items (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL REFERENCES sales_orders(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		description TEXT,
		uom TEXT,
		qty TEXT NOT NULL,
		rate TEXT NOT NULL
	);

	-- Deliveries
	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		customer TEXT NOT NULL,
		posting_date TEXT NOT NULL,
		delivery_type TEXT NOT NULL,
		loan_id TEXT,
		is_return INTEGER NOT NULL DEFAULT 0,
		docstatus INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS delivery_lines (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		qty TEXT NOT NULL,
		uom TEXT,
		rate TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL,
		sales_order_id TEXT,
		sales_order_item_id TEXT,
		transfer_line_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_lines_order
		ON delivery_lines(sales_order_id);

	-- Promissory notes
	CREATE TABLE IF NOT EXISTS promissory_notes (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL,
		customer TEXT NOT NULL,
		note_date TEXT NOT NULL,
		docstatus INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		total TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_promissory_notes_order
		ON promissory_notes(sales_order_id, docstatus);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_promissory_notes_active
		ON promissory_notes(sales_order_id) WHERE status != 'Cancelled';

	CREATE TABLE IF NOT EXISTS promissory_items (
		note_id TEXT NOT NULL REFERENCES promissory_notes(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		description TEXT,
		uom TEXT,
		ordered TEXT NOT NULL,
		delivered TEXT NOT NULL,
		qty_remaining TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		sub_total TEXT NOT NULL,
		PRIMARY KEY (note_id, idx)
	);

	-- Customer delivery notes
	CREATE TABLE IF NOT EXISTS customer_delivery_notes (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL,
		customer TEXT NOT NULL,
		note_date TEXT NOT NULL,
		docstatus INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_customer_delivery_notes_active
		ON customer_delivery_notes(sales_order_id) WHERE docstatus < 2;

	CREATE TABLE IF NOT EXISTS customer_delivery_note_items (
		note_id TEXT NOT NULL REFERENCES customer_delivery_notes(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		description TEXT,
		qty_requested TEXT NOT NULL,
		qty_supplied TEXT NOT NULL,
		balance_left TEXT NOT NULL,
		PRIMARY KEY (note_id, idx)
	);

	-- Stock on hand
	CREATE TABLE IF NOT EXISTS bins (
		item_code TEXT NOT NULL,
		location TEXT NOT NULL,
		qty TEXT NOT NULL,
		PRIMARY KEY (item_code, location)
	);

	CREATE TABLE IF NOT EXISTS lots (
		item_code TEXT NOT NULL,
		location TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		qty TEXT NOT NULL,
		expiry TEXT,
		seq INTEGER NOT NULL,
		PRIMARY KEY (item_code, location, batch_no, serial_no)
	);

	-- Material Transfers
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		posting_date TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		is_loan INTEGER NOT NULL DEFAULT 0,
		loan_id TEXT,
		status INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfer_lines (
		id TEXT PRIMARY KEY,
		transfer_id TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		qty TEXT NOT NULL,
		uom TEXT,
		rate TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		expiry TEXT
	);

	CREATE TABLE IF NOT EXISTS bundle_entries (
		line_id TEXT NOT NULL REFERENCES transfer_lines(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		qty TEXT NOT NULL,
		expiry TEXT,
		PRIMARY KEY (line_id, idx)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loan.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loan.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset clears every table.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"bundle_entries", "transfer_lines", "transfers", "lots", "bins",
		"customer_delivery_note_items", "customer_delivery_notes",
		"promissory_items", "promissory_notes", "delivery_lines", "deliveries",
		"sales_order_items", "sales_orders", "conversion_history", "balance_rows",
		"loan_items", "loans",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatExpiry(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseExpiry(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
