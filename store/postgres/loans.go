package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
)

// =============================================================================
// LOANS
// =============================================================================

func (c *conn) SaveLoan(ctx context.Context, l *loan.Loan) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = now
	}

	_, err := c.q.Exec(ctx, `
		INSERT INTO loans
		(id, customer, source_location, target_location, loan_date, docstatus, amended_from,
		 conversion_status, transfer_id, total_loaned, total_converted, total_remaining,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			customer = EXCLUDED.customer,
			source_location = EXCLUDED.source_location,
			target_location = EXCLUDED.target_location,
			loan_date = EXCLUDED.loan_date,
			docstatus = EXCLUDED.docstatus,
			amended_from = EXCLUDED.amended_from,
			conversion_status = EXCLUDED.conversion_status,
			transfer_id = EXCLUDED.transfer_id,
			total_loaned = EXCLUDED.total_loaned,
			total_converted = EXCLUDED.total_converted,
			total_remaining = EXCLUDED.total_remaining,
			updated_at = EXCLUDED.updated_at
	`,
		l.ID, l.Customer, l.SourceLocation, l.TargetLocation, l.LoanDate, int(l.DocStatus),
		l.AmendedFrom, string(l.Status), l.TransferID,
		l.TotalLoaned, l.TotalConverted, l.TotalRemaining, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}

	if _, err := c.q.Exec(ctx, "DELETE FROM loan_items WHERE loan_id = $1", l.ID); err != nil {
		return fmt.Errorf("failed to clear loan items: %w", err)
	}
	for i := range l.Items {
		it := &l.Items[i]
		if it.ID == "" {
			it.ID = doc.NewName(doc.PrefixLoanItem)
		}
		_, err := c.q.Exec(ctx, `
			INSERT INTO loan_items
			(id, loan_id, idx, item_code, description, uom, rate, qty_loaned, qty_converted, qty_remaining)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, it.ID, l.ID, i+1, it.ItemCode, it.Description, it.UOM,
			it.Rate, it.Loaned, it.Converted, it.Remaining)
		if err != nil {
			return fmt.Errorf("failed to save loan item: %w", err)
		}
	}
	return nil
}

func (c *conn) GetLoan(ctx context.Context, id string) (*loan.Loan, error) {
	return c.getLoan(ctx, id, false)
}

func (c *conn) getLoan(ctx context.Context, id string, forUpdate bool) (*loan.Loan, error) {
	query := `
		SELECT id, customer, source_location, target_location, loan_date, docstatus, amended_from,
		       conversion_status, transfer_id, total_loaned, total_converted, total_remaining,
		       created_at, updated_at
		FROM loans WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		l         loan.Loan
		docstatus int
		status    string
	)
	err := c.q.QueryRow(ctx, query, id).Scan(&l.ID, &l.Customer, &l.SourceLocation, &l.TargetLocation,
		&l.LoanDate, &docstatus, &l.AmendedFrom, &status, &l.TransferID,
		&l.TotalLoaned, &l.TotalConverted, &l.TotalRemaining, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loan.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	l.DocStatus = doc.Status(docstatus)
	l.Status = loan.ConversionStatus(status)

	rows, err := c.q.Query(ctx, `
		SELECT id, item_code, description, uom, rate, qty_loaned, qty_converted, qty_remaining
		FROM loan_items WHERE loan_id = $1 ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query loan items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it loan.Item
		if err := rows.Scan(&it.ID, &it.ItemCode, &it.Description, &it.UOM,
			&it.Rate, &it.Loaned, &it.Converted, &it.Remaining); err != nil {
			return nil, fmt.Errorf("failed to scan loan item: %w", err)
		}
		l.Items = append(l.Items, it)
	}
	return &l, rows.Err()
}

func (c *conn) DeleteLoan(ctx context.Context, id string) error {
	tag, err := c.q.Exec(ctx, "DELETE FROM loans WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loan.ErrLoanNotFound
	}
	return nil
}

// LockLoan takes row locks on the loan and all of its balance rows. Only
// meaningful inside WithTx; outside a transaction the locks are released
// as soon as the statement finishes.
func (c *conn) LockLoan(ctx context.Context, id string) (*loan.Loan, []loan.BalanceRow, error) {
	l, err := c.getLoan(ctx, id, true)
	if err != nil {
		return nil, nil, err
	}
	rows, err := c.balanceRows(ctx, id, true)
	if err != nil {
		return nil, nil, err
	}
	return l, rows, nil
}

func (c *conn) ListOpenLoans(ctx context.Context, customer string) ([]loan.Loan, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id FROM loans
		WHERE ($1::text = '' OR customer = $1) AND docstatus = $2 AND conversion_status != $3
		ORDER BY loan_date ASC, id ASC
	`, customer, int(doc.Submitted), string(loan.StatusFullyConverted))
	if err != nil {
		return nil, fmt.Errorf("failed to list open loans: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list open loans: %w", err)
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
	return c.balanceRows(ctx, loanID, false)
}

func (c *conn) balanceRows(ctx context.Context, loanID string, forUpdate bool) ([]loan.BalanceRow, error) {
	query := `
		SELECT id, loan_id, seq, item_code, batch_no, serial_no, transfer_id, transfer_line_id,
		       location, qty_loaned, qty_converted, qty_remaining, valuation_rate, expiry
		FROM balance_rows WHERE loan_id = $1 ORDER BY seq`
	if forUpdate {
		query += " FOR UPDATE"
	}
	rows, err := c.q.Query(ctx, query, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance rows: %w", err)
	}
	defer rows.Close()

	var out []loan.BalanceRow
	for rows.Next() {
		var r loan.BalanceRow
		if err := rows.Scan(&r.ID, &r.LoanID, &r.Seq, &r.ItemCode, &r.BatchNo, &r.SerialNo,
			&r.TransferID, &r.TransferLineID, &r.Location, &r.Loaned, &r.Converted, &r.Remaining,
			&r.ValuationRate, &r.Expiry); err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *conn) ReplaceBalanceRows(ctx context.Context, loanID string, rows []loan.BalanceRow) error {
	if err := c.DeleteBalanceRows(ctx, loanID); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := c.q.Exec(ctx, `
			INSERT INTO balance_rows
			(id, loan_id, seq, item_code, batch_no, serial_no, transfer_id, transfer_line_id,
			 location, qty_loaned, qty_converted, qty_remaining, valuation_rate, expiry)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, r.ID, loanID, r.Seq, r.ItemCode, r.BatchNo, r.SerialNo, r.TransferID, r.TransferLineID,
			r.Location, r.Loaned, r.Converted, r.Remaining, r.ValuationRate, r.Expiry)
		if err != nil {
			if isUniqueViolation(err) {
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
		tag, err := c.q.Exec(ctx,
			"UPDATE balance_rows SET qty_converted = $1, qty_remaining = $2 WHERE id = $3",
			r.Converted, r.Remaining, r.ID)
		if err != nil {
			if isCheckViolation(err) {
				return &loan.IntegrityError{LoanID: r.LoanID, Message: "negative remaining on balance row " + r.ID}
			}
			return fmt.Errorf("failed to update balance row: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &loan.IntegrityError{LoanID: r.LoanID, Message: "update of unknown balance row " + r.ID}
		}
	}
	return nil
}

func (c *conn) DeleteBalanceRows(ctx context.Context, loanID string) error {
	if _, err := c.q.Exec(ctx, "DELETE FROM balance_rows WHERE loan_id = $1", loanID); err != nil {
		return fmt.Errorf("failed to delete balance rows: %w", err)
	}
	return nil
}

// =============================================================================
// CONVERSION HISTORY
// =============================================================================

func (c *conn) AppendHistory(ctx context.Context, entries []loan.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, h := range entries {
		batch.Queue(`
			INSERT INTO conversion_history
			(id, loan_id, delivery_id, delivery_line_id, sales_order_id, item_code, batch_no, serial_no,
			 qty, balance_row_id, conversion_date, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, h.ID, h.LoanID, h.DeliveryID, h.DeliveryLineID, h.SalesOrderID, h.ItemCode, h.BatchNo,
			h.SerialNo, h.Qty, h.BalanceRowID, h.ConversionDate, h.CreatedBy, h.CreatedAt)
	}
	br := c.q.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
	}
	return nil
}

func (c *conn) History(ctx context.Context, loanID, deliveryID string) ([]loan.HistoryEntry, error) {
	query := `
		SELECT id, loan_id, delivery_id, delivery_line_id, sales_order_id, item_code, batch_no,
		       serial_no, qty, balance_row_id, conversion_date, created_by, created_at
		FROM conversion_history WHERE loan_id = $1`
	args := []any{loanID}
	if deliveryID != "" {
		query += " AND delivery_id = $2"
		args = append(args, deliveryID)
	}
	query += " ORDER BY seq"

	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []loan.HistoryEntry
	for rows.Next() {
		var h loan.HistoryEntry
		if err := rows.Scan(&h.ID, &h.LoanID, &h.DeliveryID, &h.DeliveryLineID, &h.SalesOrderID,
			&h.ItemCode, &h.BatchNo, &h.SerialNo, &h.Qty, &h.BalanceRowID, &h.ConversionDate,
			&h.CreatedBy, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (c *conn) DeleteHistory(ctx context.Context, loanID, deliveryID string) error {
	_, err := c.q.Exec(ctx,
		"DELETE FROM conversion_history WHERE loan_id = $1 AND delivery_id = $2", loanID, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return pgCode(err) == "23505" }

func isCheckViolation(err error) bool { return pgCode(err) == "23514" }
