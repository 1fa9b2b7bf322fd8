/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces using pgx.

PURPOSE:
  Same contract as store/sqlite (loan.TxStore + stock.Ledger), for
  multi-instance deployments. Quantities are NUMERIC and scan straight into
  decimal.Decimal.

CONCURRENCY:
  LockLoan runs SELECT ... FOR UPDATE on the loan row and every balance row
  of the loan. The locks are held until WithTx commits or rolls back, so two
  deliveries against the same loan serialize while deliveries against
  different loans run in parallel. Plain reads take no locks.

  A conversion also locks each sales order it ships against
  (LockSalesOrder) before summing what was already delivered, so two loans
  converting into the same order cannot both pass the remaining check.
  Loans are always locked before orders, and orders in name order.

  Stock transfers lock the bins they touch the same way.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - loan/store.go: interface definitions
  - store/sqlite: single-file implementation
*/
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nbs/loanledger/loan"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// conn implements loan.Store on top of a querier.
type conn struct {
	q querier
}

// Store implements loan.TxStore and stock.Ledger on a pgx pool.
type Store struct {
	*conn
	pool *pgxpool.Pool
}

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{conn: &conn{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer TEXT NOT NULL,
		source_location TEXT NOT NULL,
		target_location TEXT NOT NULL,
		loan_date TIMESTAMPTZ NOT NULL,
		docstatus INTEGER NOT NULL DEFAULT 0,
		amended_from TEXT NOT NULL DEFAULT '',
		conversion_status TEXT NOT NULL,
		transfer_id TEXT NOT NULL DEFAULT '',
		total_loaned NUMERIC NOT NULL,
		total_converted NUMERIC NOT NULL,
		total_remaining NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loans_customer_open
		ON loans(customer, docstatus, conversion_status, loan_date);

	CREATE TABLE IF NOT EXISTS loan_items (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		uom TEXT NOT NULL DEFAULT '',
		rate NUMERIC NOT NULL,
		qty_loaned NUMERIC NOT NULL,
		qty_converted NUMERIC NOT NULL,
		qty_remaining NUMERIC NOT NULL CHECK (qty_remaining >= 0)
	);

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
		qty_loaned NUMERIC NOT NULL,
		qty_converted NUMERIC NOT NULL,
		qty_remaining NUMERIC NOT NULL CHECK (qty_remaining >= 0),
		valuation_rate NUMERIC NOT NULL,
		expiry TIMESTAMPTZ,
		UNIQUE (loan_id, item_code, batch_no, serial_no, transfer_line_id)
	);

	CREATE TABLE IF NOT EXISTS conversion_history (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		loan_id TEXT NOT NULL REFERENCES loans(id) ON DELETE CASCADE,
		delivery_id TEXT NOT NULL,
		delivery_line_id TEXT NOT NULL DEFAULT '',
		sales_order_id TEXT NOT NULL DEFAULT '',
		item_code TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		qty NUMERIC NOT NULL,
		balance_row_id TEXT NOT NULL,
		conversion_date TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_loan_delivery
		ON conversion_history(loan_id, delivery_id);

	CREATE TABLE IF NOT EXISTS sales_orders (
		id TEXT PRIMARY KEY,
		customer TEXT NOT NULL,
		transaction_date TIMESTAMPTZ NOT NULL,
		docstatus INTEGER NOT NULL DEFAULT 0,
		grand_total NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sales_order_items (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL REFERENCES sales_orders(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		uom TEXT NOT NULL DEFAULT '',
		qty NUMERIC NOT NULL,
		rate NUMERIC NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		customer TEXT NOT NULL,
		posting_date TIMESTAMPTZ NOT NULL,
		delivery_type TEXT NOT NULL,
		loan_id TEXT NOT NULL DEFAULT '',
		is_return BOOLEAN NOT NULL DEFAULT FALSE,
		docstatus INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS delivery_lines (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		qty NUMERIC NOT NULL,
		uom TEXT NOT NULL DEFAULT '',
		rate NUMERIC NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL,
		sales_order_id TEXT NOT NULL DEFAULT '',
		sales_order_item_id TEXT NOT NULL DEFAULT '',
		transfer_line_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_lines_order ON delivery_lines(sales_order_id);

	CREATE TABLE IF NOT EXISTS promissory_notes (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL,
		customer TEXT NOT NULL,
		note_date TIMESTAMPTZ NOT NULL,
		docstatus INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		total NUMERIC NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_promissory_notes_active
		ON promissory_notes(sales_order_id) WHERE status <> 'Cancelled';

	CREATE TABLE IF NOT EXISTS promissory_items (
		note_id TEXT NOT NULL REFERENCES promissory_notes(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		uom TEXT NOT NULL DEFAULT '',
		ordered NUMERIC NOT NULL,
		delivered NUMERIC NOT NULL,
		qty_remaining NUMERIC NOT NULL,
		unit_price NUMERIC NOT NULL,
		sub_total NUMERIC NOT NULL,
		PRIMARY KEY (note_id, idx)
	);

	CREATE TABLE IF NOT EXISTS customer_delivery_notes (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL,
		customer TEXT NOT NULL,
		note_date TIMESTAMPTZ NOT NULL,
		docstatus INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_customer_delivery_notes_active
		ON customer_delivery_notes(sales_order_id) WHERE docstatus < 2;

	CREATE TABLE IF NOT EXISTS customer_delivery_note_items (
		note_id TEXT NOT NULL REFERENCES customer_delivery_notes(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		qty_requested NUMERIC NOT NULL,
		qty_supplied NUMERIC NOT NULL,
		balance_left NUMERIC NOT NULL,
		PRIMARY KEY (note_id, idx)
	);

	CREATE TABLE IF NOT EXISTS bins (
		item_code TEXT NOT NULL,
		location TEXT NOT NULL,
		qty NUMERIC NOT NULL,
		PRIMARY KEY (item_code, location)
	);

	CREATE TABLE IF NOT EXISTS lots (
		seq BIGSERIAL,
		item_code TEXT NOT NULL,
		location TEXT NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		qty NUMERIC NOT NULL,
		expiry TIMESTAMPTZ,
		PRIMARY KEY (item_code, location, batch_no, serial_no)
	);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		posting_date TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		is_loan BOOLEAN NOT NULL DEFAULT FALSE,
		loan_id TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfer_lines (
		id TEXT PRIMARY KEY,
		transfer_id TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		item_code TEXT NOT NULL,
		qty NUMERIC NOT NULL,
		uom TEXT NOT NULL DEFAULT '',
		rate NUMERIC NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		expiry TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS bundle_entries (
		line_id TEXT NOT NULL REFERENCES transfer_lines(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		batch_no TEXT NOT NULL DEFAULT '',
		serial_no TEXT NOT NULL DEFAULT '',
		qty NUMERIC NOT NULL,
		expiry TIMESTAMPTZ,
		PRIMARY KEY (line_id, idx)
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loan.TxStore interface)
// =============================================================================

// WithTx executes fn inside a pgx transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loan.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Reset truncates every table.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE bundle_entries, transfer_lines, transfers, lots, bins,
		         customer_delivery_note_items, customer_delivery_notes,
		         promissory_items, promissory_notes, delivery_lines, deliveries,
		         sales_order_items, sales_orders, conversion_history, balance_rows,
		         loan_items, loans
	`)
	return err
}
