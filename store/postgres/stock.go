package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STOCK LEDGER (stock.Ledger interface)
// =============================================================================

func (s *Store) Available(ctx context.Context, itemCode, location string) (decimal.Decimal, error) {
	return binQty(ctx, s.pool, itemCode, location, false)
}

func (s *Store) ItemsInStock(ctx context.Context, location, search string, limit int) ([]string, error) {
	query := `
		SELECT item_code FROM bins
		WHERE location = $1 AND qty > 0 AND item_code ILIKE $2
		ORDER BY item_code`
	args := []any{location, "%" + likeEscape(search) + "%"}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bins: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan bins: %w", err)
	}
	return items, nil
}

func (s *Store) Receive(ctx context.Context, r stock.Receipt) error {
	if r.ItemCode == "" || r.Location == "" {
		return fmt.Errorf("%w: item and location are required", stock.ErrInvalidTransfer)
	}
	qty := r.Qty
	if len(r.SerialNos) > 0 {
		qty = decimal.NewFromInt(int64(len(r.SerialNos)))
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: receipt quantity must be positive", stock.ErrInvalidTransfer)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := addBin(ctx, tx, r.ItemCode, r.Location, qty); err != nil {
			return err
		}
		switch {
		case len(r.SerialNos) > 0:
			for _, sn := range r.SerialNos {
				lot := stock.Lot{ItemCode: r.ItemCode, Location: r.Location, BatchNo: r.BatchNo,
					SerialNo: sn, Qty: decimal.NewFromInt(1), Expiry: r.Expiry}
				if err := addLot(ctx, tx, lot); err != nil {
					return err
				}
			}
		case r.BatchNo != "":
			lot := stock.Lot{ItemCode: r.ItemCode, Location: r.Location, BatchNo: r.BatchNo,
				Qty: qty, Expiry: r.Expiry}
			if err := addLot(ctx, tx, lot); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SubmitTransfer(ctx context.Context, t stock.Transfer) (*stock.Transfer, error) {
	if err := stock.ValidateTransfer(t); err != nil {
		return nil, err
	}

	out := t
	if out.ID == "" {
		out.ID = doc.NewName(doc.PrefixTransfer)
	}
	if out.PostingDate.IsZero() {
		out.PostingDate = time.Now()
	}
	out.Status = doc.Submitted
	out.Lines = make([]stock.TransferLine, 0, len(t.Lines))

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, line := range t.Lines {
			avail, err := binQty(ctx, tx, line.ItemCode, t.Source, true)
			if err != nil {
				return err
			}
			if avail.LessThan(line.Qty) {
				return &stock.InsufficientStockError{
					ItemCode: line.ItemCode, Location: t.Source,
					Available: avail, Requested: line.Qty,
				}
			}
			lots, err := lotsAt(ctx, tx, line.ItemCode, t.Source)
			if err != nil {
				return err
			}
			resolved, err := stock.Resolve(line, t.Source, lots)
			if err != nil {
				return err
			}
			if resolved.ID == "" {
				resolved.ID = doc.NewName(doc.PrefixTransferLn)
			}
			if err := moveLine(ctx, tx, resolved, t.Source, t.Target); err != nil {
				return err
			}
			out.Lines = append(out.Lines, resolved)
		}
		return insertTransfer(ctx, tx, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*stock.Transfer, error) {
	return readTransfer(ctx, s.pool, id, false)
}

func (s *Store) CancelTransfer(ctx context.Context, id string, c stock.Capability) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := readTransfer(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if t.Status == doc.Cancelled {
			return stock.ErrTransferCancelled
		}
		if !c.Allows(t) {
			return stock.ErrLoanTransfer
		}
		for _, line := range t.Lines {
			avail, err := binQty(ctx, tx, line.ItemCode, t.Target, true)
			if err != nil {
				return err
			}
			if avail.LessThan(line.Qty) {
				return &stock.InsufficientStockError{
					ItemCode: line.ItemCode, Location: t.Target,
					Available: avail, Requested: line.Qty,
				}
			}
			if err := moveLine(ctx, tx, line, t.Target, t.Source); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, "UPDATE transfers SET status = $1 WHERE id = $2", int(doc.Cancelled), id)
		return err
	})
}

// =============================================================================
// BINS AND LOTS
// =============================================================================

func binQty(ctx context.Context, q querier, itemCode, location string, forUpdate bool) (decimal.Decimal, error) {
	query := "SELECT qty FROM bins WHERE item_code = $1 AND location = $2"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var qty decimal.Decimal
	err := q.QueryRow(ctx, query, itemCode, location).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read bin: %w", err)
	}
	return qty, nil
}

func addBin(ctx context.Context, q querier, itemCode, location string, delta decimal.Decimal) error {
	_, err := q.Exec(ctx, `
		INSERT INTO bins (item_code, location, qty) VALUES ($1, $2, $3)
		ON CONFLICT (item_code, location) DO UPDATE SET qty = bins.qty + EXCLUDED.qty
	`, itemCode, location, delta)
	if err != nil {
		return fmt.Errorf("failed to write bin: %w", err)
	}
	return nil
}

func lotsAt(ctx context.Context, q querier, itemCode, location string) ([]stock.Lot, error) {
	rows, err := q.Query(ctx, `
		SELECT batch_no, serial_no, qty, expiry FROM lots
		WHERE item_code = $1 AND location = $2
		ORDER BY seq
		FOR UPDATE
	`, itemCode, location)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var out []stock.Lot
	for rows.Next() {
		l := stock.Lot{ItemCode: itemCode, Location: location}
		if err := rows.Scan(&l.BatchNo, &l.SerialNo, &l.Qty, &l.Expiry); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func addLot(ctx context.Context, q querier, lot stock.Lot) error {
	_, err := q.Exec(ctx, `
		INSERT INTO lots (item_code, location, batch_no, serial_no, qty, expiry)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_code, location, batch_no, serial_no) DO UPDATE SET qty = lots.qty + EXCLUDED.qty
	`, lot.ItemCode, lot.Location, lot.BatchNo, lot.SerialNo, lot.Qty, lot.Expiry)
	if err != nil {
		return fmt.Errorf("failed to write lot: %w", err)
	}
	return nil
}

// moveLine shifts a resolved line's bin quantity and lot quantities.
func moveLine(ctx context.Context, q querier, line stock.TransferLine, from, to string) error {
	if err := addBin(ctx, q, line.ItemCode, from, line.Qty.Neg()); err != nil {
		return err
	}
	if err := addBin(ctx, q, line.ItemCode, to, line.Qty); err != nil {
		return err
	}
	for _, mv := range stock.Moves(line) {
		var (
			have   decimal.Decimal
			expiry *time.Time
		)
		err := q.QueryRow(ctx, `
			SELECT qty, expiry FROM lots
			WHERE item_code = $1 AND location = $2 AND batch_no = $3 AND serial_no = $4
			FOR UPDATE
		`, line.ItemCode, from, mv.BatchNo, mv.SerialNo).Scan(&have, &expiry)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read lot: %w", err)
		}
		if have.LessThan(mv.Qty) {
			return &stock.InsufficientStockError{
				ItemCode: line.ItemCode, Location: from,
				BatchNo: mv.BatchNo, SerialNo: mv.SerialNo,
				Available: have, Requested: mv.Qty,
			}
		}
		if _, err := q.Exec(ctx, `
			UPDATE lots SET qty = qty - $1
			WHERE item_code = $2 AND location = $3 AND batch_no = $4 AND serial_no = $5
		`, mv.Qty, line.ItemCode, from, mv.BatchNo, mv.SerialNo); err != nil {
			return fmt.Errorf("failed to write lot: %w", err)
		}
		dst := stock.Lot{ItemCode: line.ItemCode, Location: to, BatchNo: mv.BatchNo,
			SerialNo: mv.SerialNo, Qty: mv.Qty, Expiry: expiry}
		if err := addLot(ctx, q, dst); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSFERS
// =============================================================================

func insertTransfer(ctx context.Context, q querier, t *stock.Transfer) error {
	_, err := q.Exec(ctx, `
		INSERT INTO transfers (id, posting_date, source, target, is_loan, loan_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.PostingDate, t.Source, t.Target, t.IsLoan, t.LoanID, int(t.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transfer %s already exists", stock.ErrInvalidTransfer, t.ID)
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	for i, l := range t.Lines {
		_, err := q.Exec(ctx, `
			INSERT INTO transfer_lines (id, transfer_id, idx, item_code, qty, uom, rate, batch_no, serial_no, expiry)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, l.ID, t.ID, i+1, l.ItemCode, l.Qty, l.UOM, l.Rate, l.BatchNo, l.SerialNo, l.Expiry)
		if err != nil {
			return fmt.Errorf("failed to insert transfer line: %w", err)
		}
		for j, e := range l.Bundle {
			_, err := q.Exec(ctx, `
				INSERT INTO bundle_entries (line_id, idx, batch_no, serial_no, qty, expiry)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, l.ID, j+1, e.BatchNo, e.SerialNo, e.Qty, e.Expiry)
			if err != nil {
				return fmt.Errorf("failed to insert bundle entry: %w", err)
			}
		}
	}
	return nil
}

func readTransfer(ctx context.Context, q querier, id string, forUpdate bool) (*stock.Transfer, error) {
	query := "SELECT id, posting_date, source, target, is_loan, loan_id, status FROM transfers WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		t      stock.Transfer
		status int
	)
	err := q.QueryRow(ctx, query, id).Scan(&t.ID, &t.PostingDate, &t.Source, &t.Target, &t.IsLoan, &t.LoanID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	t.Status = doc.Status(status)

	rows, err := q.Query(ctx, `
		SELECT id, item_code, qty, uom, rate, batch_no, serial_no, expiry
		FROM transfer_lines WHERE transfer_id = $1 ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer lines: %w", err)
	}
	for rows.Next() {
		var l stock.TransferLine
		if err := rows.Scan(&l.ID, &l.ItemCode, &l.Qty, &l.UOM, &l.Rate, &l.BatchNo, &l.SerialNo, &l.Expiry); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan transfer line: %w", err)
		}
		t.Lines = append(t.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range t.Lines {
		bundle, err := readBundle(ctx, q, t.Lines[i].ID)
		if err != nil {
			return nil, err
		}
		t.Lines[i].Bundle = bundle
	}
	return &t, nil
}

func readBundle(ctx context.Context, q querier, lineID string) ([]stock.BundleEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT batch_no, serial_no, qty, expiry FROM bundle_entries WHERE line_id = $1 ORDER BY idx
	`, lineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bundle: %w", err)
	}
	defer rows.Close()

	var out []stock.BundleEntry
	for rows.Next() {
		var e stock.BundleEntry
		if err := rows.Scan(&e.BatchNo, &e.SerialNo, &e.Qty, &e.Expiry); err != nil {
			return nil, fmt.Errorf("failed to scan bundle entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
