package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
)

// =============================================================================
// LOANS
// =============================================================================

// SaveLoan upserts the loan header and rewrites its item rows.
func (c *conn) SaveLoan(ctx context.Context, l *loan.Loan) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = now
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO loans
		(id, customer, source_location, target_location, loan_date, docstatus, amended_from,
		 conversion_status, transfer_id, total_loaned, total_converted, total_remaining,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer = excluded.customer,
			source_location = excluded.source_location,
			target_location = excluded.target_location,
			loan_date = excluded.loan_date,
			docstatus = excluded.docstatus,
			amended_from = excluded.amended_from,
			conversion_status = excluded.conversion_status,
			transfer_id = excluded.transfer_id,
			total_loaned = excluded.total_loaned,
			total_converted = excluded.total_converted,
			total_remaining = excluded.total_remaining,
			updated_at = excluded.updated_at
	`,
		l.ID, l.Customer, l.SourceLocation, l.TargetLocation, formatTime(l.LoanDate),
		int(l.DocStatus), nullString(l.AmendedFrom), string(l.Status), nullString(l.TransferID),
		l.TotalLoaned.String(), l.TotalConverted.String(), l.TotalRemaining.String(),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}

	if _, err := c.q.ExecContext(ctx, "DELETE FROM loan_items WHERE loan_id = ?", l.ID); err != nil {
		return fmt.Errorf("failed to clear loan items: %w", err)
	}
	for i, it := range l.Items {
		if it.ID == "" {
			l.Items[i].ID = doc.NewName(doc.PrefixLoanItem)
			it.ID = l.Items[i].ID
		}
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO loan_items
			(id, loan_id, idx, item_code, description, uom, rate, qty_loaned, qty_converted, qty_remaining)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, it.ID, l.ID, i+1, it.ItemCode, nullString(it.Description), nullString(it.UOM),
			it.Rate.String(), it.Loaned.String(), it.Converted.String(), it.Remaining.String())
		if err != nil {
			return fmt.Errorf("failed to save loan item: %w", err)
		}
	}
	return nil
}

func (c *conn) GetLoan(ctx context.Context, id string) (*loan.Loan, error) {
	var (
		l                            loan.Loan
		loanDate, createdAt, updated string
		amended, transfer            sql.NullString
		status                       string
		docstatus                    int
		loaned, converted, remaining string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, customer, source_location, target_location, loan_date, docstatus, amended_from,
		       conversion_status, transfer_id, total_loaned, total_converted, total_remaining,
		       created_at, updated_at
		FROM loans WHERE id = ?
	`, id).Scan(&l.ID, &l.Customer, &l.SourceLocation, &l.TargetLocation, &loanDate, &docstatus,
		&amended, &status, &transfer, &loaned, &converted, &remaining, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loan.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	l.LoanDate = parseTime(loanDate)
	l.DocStatus = doc.Status(docstatus)
	l.AmendedFrom = amended.String
	l.Status = loan.ConversionStatus(status)
	l.TransferID = transfer.String
	l.TotalLoaned = parseDecimal(loaned)
	l.TotalConverted = parseDecimal(converted)
	l.TotalRemaining = parseDecimal(remaining)
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updated)

	items, err := c.loanItems(ctx, id)
	if err != nil {
		return nil, err
	}
	l.Items = items
	return &l, nil
}

func (c *conn) loanItems(ctx context.Context, loanID string) ([]loan.Item, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, item_code, description, uom, rate, qty_loaned, qty_converted, qty_remaining
		FROM loan_items WHERE loan_id = ? ORDER BY idx
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query loan items: %w", err)
	}
	defer rows.Close()

	var items []loan.Item
	for rows.Next() {
		var (
			it                                 loan.Item
			desc, uom                          sql.NullString
			rate, loaned, converted, remaining string
		)
		if err := rows.Scan(&it.ID, &it.ItemCode, &desc, &uom, &rate, &loaned, &converted, &remaining); err != nil {
			return nil, fmt.Errorf("failed to scan loan item: %w", err)
		}
		it.Description = desc.String
		it.UOM = uom.String
		it.Rate = parseDecimal(rate)
		it.Loaned = parseDecimal(loaned)
		it.Converted = parseDecimal(converted)
		it.Remaining = parseDecimal(remaining)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (c *conn) DeleteLoan(ctx context.Context, id string) error {
	res, err := c.q.ExecContext(ctx, "DELETE FROM loans WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loan.ErrLoanNotFound
	}
	return nil
}

// LockLoan relies on the write lock WithTx took at BEGIN IMMEDIATE.
func (c *conn) LockLoan(ctx context.Context, id string) (*loan.Loan, []loan.BalanceRow, error) {
	l, err := c.GetLoan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rows, err := c.BalanceRows(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return l, rows, nil
}

func (c *conn) ListOpenLoans(ctx context.Context, customer string) ([]loan.Loan, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id FROM loans
		WHERE (? = '' OR customer = ?) AND docstatus = ? AND conversion_status != ?
		ORDER BY loan_date ASC, id ASC
	`, customer, customer, int(doc.Submitted), string(loan.StatusFullyConverted))
	if err != nil {
		return nil, fmt.Errorf("failed to list open loans: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]loan.Loan, 0, len(ids))
	for _, id := range ids {
		l, err := c.GetLoan(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, nil
}

// =============================================================================
// BALANCE ROWS
// =============================================================================

func (c *conn) BalanceRows(ctx context.Context, loanID string) ([]loan.BalanceRow, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, loan_id, seq, item_code, batch_no, serial_no, transfer_id, transfer_line_id,
		       location, qty_loaned, qty_converted, qty_remaining, valuation_rate, expiry
		FROM balance_rows WHERE loan_id = ? ORDER BY seq
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance rows: %w", err)
	}
	defer rows.Close()

	var out []loan.BalanceRow
	for rows.Next() {
		var (
			r                                       loan.BalanceRow
			loaned, converted, remaining, valuation string
			expiry                                  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.LoanID, &r.Seq, &r.ItemCode, &r.BatchNo, &r.SerialNo,
			&r.TransferID, &r.TransferLineID, &r.Location, &loaned, &converted, &remaining,
			&valuation, &expiry); err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		r.Loaned = parseDecimal(loaned)
		r.Converted = parseDecimal(converted)
		r.Remaining = parseDecimal(remaining)
		r.ValuationRate = parseDecimal(valuation)
		r.Expiry = parseExpiry(expiry)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *conn) ReplaceBalanceRows(ctx context.Context, loanID string, rows []loan.BalanceRow) error {
	if err := c.DeleteBalanceRows(ctx, loanID); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO balance_rows
			(id, loan_id, seq, item_code, batch_no, serial_no, transfer_id, transfer_line_id,
			 location, qty_loaned, qty_converted, qty_remaining, valuation_rate, expiry)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, loanID, r.Seq, r.ItemCode, r.BatchNo, r.SerialNo, r.TransferID, r.TransferLineID,
			r.Location, r.Loaned.String(), r.Converted.String(), r.Remaining.String(),
			r.ValuationRate.String(), formatExpiry(r.Expiry))
		if err != nil {
			if isUniqueConstraintError(err) {
				return &loan.IntegrityError{LoanID: loanID, Message: fmt.Sprintf(
					"duplicate balance row for item %s, batch %s, serial %s", r.ItemCode, r.BatchNo, r.SerialNo)}
			}
			return fmt.Errorf("failed to insert balance row: %w", err)
		}
	}
	return nil
}

func (c *conn) UpdateBalanceRows(ctx context.Context, rows []loan.BalanceRow) error {
	for _, r := range rows {
		res, err := c.q.ExecContext(ctx, `
			UPDATE balance_rows SET qty_converted = ?, qty_remaining = ? WHERE id = ?
		`, r.Converted.String(), r.Remaining.String(), r.ID)
		if err != nil {
			return fmt.Errorf("failed to update balance row: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &loan.IntegrityError{LoanID: r.LoanID, Message: "update of unknown balance row " + r.ID}
		}
	}
	return nil
}

func (c *conn) DeleteBalanceRows(ctx context.Context, loanID string) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM balance_rows WHERE loan_id = ?", loanID); err != nil {
		return fmt.Errorf("failed to delete balance rows: %w", err)
	}
	return nil
}

// =============================================================================
// CONVERSION HISTORY
// =============================================================================

func (c *conn) AppendHistory(ctx context.Context, entries []loan.HistoryEntry) error {
	for _, h := range entries {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO conversion_history
			(id, loan_id, delivery_id, delivery_line_id, sales_order_id, item_code, batch_no, serial_no,
			 qty, balance_row_id, conversion_date, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, h.ID, h.LoanID, h.DeliveryID, nullString(h.DeliveryLineID), nullString(h.SalesOrderID),
			h.ItemCode, h.BatchNo, h.SerialNo, h.Qty.String(), h.BalanceRowID,
			formatTime(h.ConversionDate), nullString(h.CreatedBy), formatTime(h.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
	}
	return nil
}

func (c *conn) History(ctx context.Context, loanID, deliveryID string) ([]loan.HistoryEntry, error) {
	query := `
		SELECT id, loan_id, delivery_id, delivery_line_id, sales_order_id, item_code, batch_no,
		       serial_no, qty, balance_row_id, conversion_date, created_by, created_at
		FROM conversion_history WHERE loan_id = ?`
	args := []any{loanID}
	if deliveryID != "" {
		query += " AND delivery_id = ?"
		args = append(args, deliveryID)
	}
	query += " ORDER BY seq"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []loan.HistoryEntry
	for rows.Next() {
		var (
			h                        loan.HistoryEntry
			lineID, soID, createdBy  sql.NullString
			qty, convDate, createdAt string
		)
		if err := rows.Scan(&h.ID, &h.LoanID, &h.DeliveryID, &lineID, &soID, &h.ItemCode, &h.BatchNo,
			&h.SerialNo, &qty, &h.BalanceRowID, &convDate, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.DeliveryLineID = lineID.String
		h.SalesOrderID = soID.String
		h.CreatedBy = createdBy.String
		h.Qty = parseDecimal(qty)
		h.ConversionDate = parseTime(convDate)
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (c *conn) DeleteHistory(ctx context.Context, loanID, deliveryID string) error {
	_, err := c.q.ExecContext(ctx,
		"DELETE FROM conversion_history WHERE loan_id = ? AND delivery_id = ?", loanID, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}
