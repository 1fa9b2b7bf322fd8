package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STOCK LEDGER (stock.Ledger interface)
// =============================================================================

func (s *Store) Available(ctx context.Context, itemCode, location string) (decimal.Decimal, error) {
	return binQty(ctx, s.db, itemCode, location)
}

func (s *Store) ItemsInStock(ctx context.Context, location, search string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_code, qty FROM bins
		WHERE location = ? AND item_code LIKE ? ESCAPE '\'
		ORDER BY item_code
	`, location, "%"+likeEscape(search)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query bins: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var item, qty string
		if err := rows.Scan(&item, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan bin: %w", err)
		}
		if !parseDecimal(qty).IsPositive() {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, rows.Err()
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

	return s.stockTx(ctx, func(tx *sql.Tx) error {
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

	err := s.stockTx(ctx, func(tx *sql.Tx) error {
		for _, line := range t.Lines {
			avail, err := binQty(ctx, tx, line.ItemCode, t.Source)
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
	return readTransfer(ctx, s.db, id)
}

func (s *Store) CancelTransfer(ctx context.Context, id string, c stock.Capability) error {
	return s.stockTx(ctx, func(tx *sql.Tx) error {
		t, err := readTransfer(ctx, tx, id)
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
			avail, err := binQty(ctx, tx, line.ItemCode, t.Target)
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
		_, err = tx.ExecContext(ctx, "UPDATE transfers SET status = ? WHERE id = ?", int(doc.Cancelled), id)
		return err
	})
}

// stockTx runs fn in its own transaction, serialized with WithTx.
func (s *Store) stockTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// BINS AND LOTS
// =============================================================================

func binQty(ctx context.Context, q querier, itemCode, location string) (decimal.Decimal, error) {
	var qty string
	err := q.QueryRowContext(ctx,
		"SELECT qty FROM bins WHERE item_code = ? AND location = ?", itemCode, location,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read bin: %w", err)
	}
	return parseDecimal(qty), nil
}

func addBin(ctx context.Context, q querier, itemCode, location string, delta decimal.Decimal) error {
	cur, err := binQty(ctx, q, itemCode, location)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO bins (item_code, location, qty) VALUES (?, ?, ?)
		ON CONFLICT(item_code, location) DO UPDATE SET qty = excluded.qty
	`, itemCode, location, cur.Add(delta).String())
	if err != nil {
		return fmt.Errorf("failed to write bin: %w", err)
	}
	return nil
}

func lotsAt(ctx context.Context, q querier, itemCode, location string) ([]stock.Lot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT batch_no, serial_no, qty, expiry FROM lots
		WHERE item_code = ? AND location = ?
		ORDER BY seq
	`, itemCode, location)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var out []stock.Lot
	for rows.Next() {
		var (
			l      = stock.Lot{ItemCode: itemCode, Location: location}
			qty    string
			expiry sql.NullString
		)
		if err := rows.Scan(&l.BatchNo, &l.SerialNo, &qty, &expiry); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		l.Qty = parseDecimal(qty)
		l.Expiry = parseExpiry(expiry)
		out = append(out, l)
	}
	return out, rows.Err()
}

func addLot(ctx context.Context, q querier, lot stock.Lot) error {
	var qty string
	err := q.QueryRowContext(ctx, `
		SELECT qty FROM lots WHERE item_code = ? AND location = ? AND batch_no = ? AND serial_no = ?
	`, lot.ItemCode, lot.Location, lot.BatchNo, lot.SerialNo).Scan(&qty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx, `
			INSERT INTO lots (item_code, location, batch_no, serial_no, qty, expiry, seq)
			VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM lots))
		`, lot.ItemCode, lot.Location, lot.BatchNo, lot.SerialNo, lot.Qty.String(), formatExpiry(lot.Expiry))
	case err == nil:
		_, err = q.ExecContext(ctx, `
			UPDATE lots SET qty = ? WHERE item_code = ? AND location = ? AND batch_no = ? AND serial_no = ?
		`, parseDecimal(qty).Add(lot.Qty).String(), lot.ItemCode, lot.Location, lot.BatchNo, lot.SerialNo)
	}
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
			qty    string
			expiry sql.NullString
		)
		err := q.QueryRowContext(ctx, `
			SELECT qty, expiry FROM lots WHERE item_code = ? AND location = ? AND batch_no = ? AND serial_no = ?
		`, line.ItemCode, from, mv.BatchNo, mv.SerialNo).Scan(&qty, &expiry)
		have := decimal.Zero
		if err == nil {
			have = parseDecimal(qty)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read lot: %w", err)
		}
		if have.LessThan(mv.Qty) {
			return &stock.InsufficientStockError{
				ItemCode: line.ItemCode, Location: from,
				BatchNo: mv.BatchNo, SerialNo: mv.SerialNo,
				Available: have, Requested: mv.Qty,
			}
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE lots SET qty = ? WHERE item_code = ? AND location = ? AND batch_no = ? AND serial_no = ?
		`, have.Sub(mv.Qty).String(), line.ItemCode, from, mv.BatchNo, mv.SerialNo); err != nil {
			return fmt.Errorf("failed to write lot: %w", err)
		}
		dst := stock.Lot{ItemCode: line.ItemCode, Location: to, BatchNo: mv.BatchNo,
			SerialNo: mv.SerialNo, Qty: mv.Qty, Expiry: parseExpiry(expiry)}
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
	_, err := q.ExecContext(ctx, `
		INSERT INTO transfers (id, posting_date, source, target, is_loan, loan_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, formatTime(t.PostingDate), t.Source, t.Target, t.IsLoan, nullString(t.LoanID), int(t.Status))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: transfer %s already exists", stock.ErrInvalidTransfer, t.ID)
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	for i, l := range t.Lines {
		_, err := q.ExecContext(ctx, `
			INSERT INTO transfer_lines (id, transfer_id, idx, item_code, qty, uom, rate, batch_no, serial_no, expiry)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, t.ID, i+1, l.ItemCode, l.Qty.String(), nullString(l.UOM), l.Rate.String(),
			l.BatchNo, l.SerialNo, formatExpiry(l.Expiry))
		if err != nil {
			return fmt.Errorf("failed to insert transfer line: %w", err)
		}
		for j, e := range l.Bundle {
			_, err := q.ExecContext(ctx, `
				INSERT INTO bundle_entries (line_id, idx, batch_no, serial_no, qty, expiry)
				VALUES (?, ?, ?, ?, ?, ?)
			`, l.ID, j+1, e.BatchNo, e.SerialNo, e.Qty.String(), formatExpiry(e.Expiry))
			if err != nil {
				return fmt.Errorf("failed to insert bundle entry: %w", err)
			}
		}
	}
	return nil
}

func readTransfer(ctx context.Context, q querier, id string) (*stock.Transfer, error) {
	var (
		t       stock.Transfer
		posting string
		loanID  sql.NullString
		status  int
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, posting_date, source, target, is_loan, loan_id, status FROM transfers WHERE id = ?
	`, id).Scan(&t.ID, &posting, &t.Source, &t.Target, &t.IsLoan, &loanID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stock.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	t.PostingDate = parseTime(posting)
	t.LoanID = loanID.String
	t.Status = doc.Status(status)

	rows, err := q.QueryContext(ctx, `
		SELECT id, item_code, qty, uom, rate, batch_no, serial_no, expiry
		FROM transfer_lines WHERE transfer_id = ? ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer lines: %w", err)
	}
	for rows.Next() {
		var (
			l         stock.TransferLine
			qty, rate string
			uom, exp  sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ItemCode, &qty, &uom, &rate, &l.BatchNo, &l.SerialNo, &exp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan transfer line: %w", err)
		}
		l.Qty = parseDecimal(qty)
		l.Rate = parseDecimal(rate)
		l.UOM = uom.String
		l.Expiry = parseExpiry(exp)
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
	rows, err := q.QueryContext(ctx, `
		SELECT batch_no, serial_no, qty, expiry FROM bundle_entries WHERE line_id = ? ORDER BY idx
	`, lineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bundle: %w", err)
	}
	defer rows.Close()

	var out []stock.BundleEntry
	for rows.Next() {
		var (
			e   stock.BundleEntry
			qty string
			exp sql.NullString
		)
		if err := rows.Scan(&e.BatchNo, &e.SerialNo, &qty, &exp); err != nil {
			return nil, fmt.Errorf("failed to scan bundle entry: %w", err)
		}
		e.Qty = parseDecimal(qty)
		e.Expiry = parseExpiry(exp)
		out = append(out, e)
	}
	return out, rows.Err()
}

func likeEscape(s string) string {
	return strings.NewReplacer("%", `\%`, "_", `\_`).Replace(s)
}
