package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/sales"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SALES ORDERS
// =============================================================================

func (c *conn) SaveSalesOrder(ctx context.Context, so *sales.SalesOrder) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO sales_orders (id, customer, transaction_date, docstatus, grand_total, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer = excluded.customer,
			transaction_date = excluded.transaction_date,
			docstatus = excluded.docstatus,
			grand_total = excluded.grand_total
	`, so.ID, so.Customer, formatTime(so.TransactionDate), int(so.DocStatus),
		so.GrandTotal.String(), formatTime(so.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save sales order: %w", err)
	}

	if _, err := c.q.ExecContext(ctx, "DELETE FROM sales_order_items WHERE sales_order_id = ?", so.ID); err != nil {
		return fmt.Errorf("failed to clear sales order items: %w", err)
	}
	for i, it := range so.Items {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO sales_order_items (id, sales_order_id, idx, item_code, description, uom, qty, rate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, it.ID, so.ID, i+1, it.ItemCode, nullString(it.Description), nullString(it.UOM),
			it.Qty.String(), it.Rate.String())
		if err != nil {
			return fmt.Errorf("failed to save sales order item: %w", err)
		}
	}
	return nil
}

// LockSalesOrder needs no row lock: a transaction already holds the
// database write lock from BEGIN IMMEDIATE.
func (c *conn) LockSalesOrder(ctx context.Context, id string) (*sales.SalesOrder, error) {
	return c.GetSalesOrder(ctx, id)
}

func (c *conn) GetSalesOrder(ctx context.Context, id string) (*sales.SalesOrder, error) {
	var (
		so                sales.SalesOrder
		txDate, createdAt string
		docstatus         int
		grandTotal        string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, customer, transaction_date, docstatus, grand_total, created_at
		FROM sales_orders WHERE id = ?
	`, id).Scan(&so.ID, &so.Customer, &txDate, &docstatus, &grandTotal, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sales.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sales order: %w", err)
	}
	so.TransactionDate = parseTime(txDate)
	so.DocStatus = doc.Status(docstatus)
	so.GrandTotal = parseDecimal(grandTotal)
	so.CreatedAt = parseTime(createdAt)

	rows, err := c.q.QueryContext(ctx, `
		SELECT id, item_code, description, uom, qty, rate
		FROM sales_order_items WHERE sales_order_id = ? ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it        sales.OrderItem
			desc, uom sql.NullString
			qty, rate string
		)
		if err := rows.Scan(&it.ID, &it.ItemCode, &desc, &uom, &qty, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan sales order item: %w", err)
		}
		it.Description = desc.String
		it.UOM = uom.String
		it.Qty = parseDecimal(qty)
		it.Rate = parseDecimal(rate)
		so.Items = append(so.Items, it)
	}
	return &so, rows.Err()
}

// =============================================================================
// DELIVERIES
// =============================================================================

func (c *conn) SaveDelivery(ctx context.Context, d *sales.Delivery) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO deliveries (id, customer, posting_date, delivery_type, loan_id, is_return, docstatus, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer = excluded.customer,
			posting_date = excluded.posting_date,
			delivery_type = excluded.delivery_type,
			loan_id = excluded.loan_id,
			is_return = excluded.is_return,
			docstatus = excluded.docstatus
	`, d.ID, d.Customer, formatTime(d.PostingDate), string(d.Type), nullString(d.LoanID),
		d.IsReturn, int(d.DocStatus), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save delivery: %w", err)
	}

	if _, err := c.q.ExecContext(ctx, "DELETE FROM delivery_lines WHERE delivery_id = ?", d.ID); err != nil {
		return fmt.Errorf("failed to clear delivery lines: %w", err)
	}
	for i, l := range d.Lines {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO delivery_lines
			(id, delivery_id, idx, item_code, qty, uom, rate, batch_no, serial_no, location,
			 sales_order_id, sales_order_item_id, transfer_line_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, d.ID, i+1, l.ItemCode, l.Qty.String(), nullString(l.UOM), l.Rate.String(),
			l.BatchNo, l.SerialNo, l.Location, nullString(l.SalesOrderID),
			nullString(l.SalesOrderItemID), nullString(l.TransferLineID))
		if err != nil {
			return fmt.Errorf("failed to save delivery line: %w", err)
		}
	}
	return nil
}

func (c *conn) GetDelivery(ctx context.Context, id string) (*sales.Delivery, error) {
	var (
		d                  sales.Delivery
		posting, createdAt string
		deliveryType       string
		loanID             sql.NullString
		docstatus          int
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, customer, posting_date, delivery_type, loan_id, is_return, docstatus, created_at
		FROM deliveries WHERE id = ?
	`, id).Scan(&d.ID, &d.Customer, &posting, &deliveryType, &loanID, &d.IsReturn, &docstatus, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sales.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	d.PostingDate = parseTime(posting)
	d.Type = sales.DeliveryType(deliveryType)
	d.LoanID = loanID.String
	d.DocStatus = doc.Status(docstatus)
	d.CreatedAt = parseTime(createdAt)

	rows, err := c.q.QueryContext(ctx, `
		SELECT id, idx, item_code, qty, uom, rate, batch_no, serial_no, location,
		       sales_order_id, sales_order_item_id, transfer_line_id
		FROM delivery_lines WHERE delivery_id = ? ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l                          sales.DeliveryLine
			qty, rate                  string
			uom, soID, soItem, tLineID sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.Idx, &l.ItemCode, &qty, &uom, &rate, &l.BatchNo, &l.SerialNo,
			&l.Location, &soID, &soItem, &tLineID); err != nil {
			return nil, fmt.Errorf("failed to scan delivery line: %w", err)
		}
		l.Qty = parseDecimal(qty)
		l.Rate = parseDecimal(rate)
		l.UOM = uom.String
		l.SalesOrderID = soID.String
		l.SalesOrderItemID = soItem.String
		l.TransferLineID = tLineID.String
		d.Lines = append(d.Lines, l)
	}
	return &d, rows.Err()
}

// DeliveredQuantities sums in Go; quantities are TEXT so SQL SUM would
// go through floating point.
func (c *conn) DeliveredQuantities(ctx context.Context, salesOrderID string) (map[string]decimal.Decimal, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT dl.item_code, dl.qty
		FROM delivery_lines dl
		JOIN deliveries d ON d.id = dl.delivery_id
		WHERE dl.sales_order_id = ? AND d.docstatus = ? AND d.is_return = 0
	`, salesOrderID, int(doc.Submitted))
	if err != nil {
		return nil, fmt.Errorf("failed to query delivered quantities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var item, qty string
		if err := rows.Scan(&item, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan delivered quantity: %w", err)
		}
		out[item] = out[item].Add(parseDecimal(qty))
	}
	return out, rows.Err()
}

// =============================================================================
// PROMISSORY NOTES
// =============================================================================

func (c *conn) SavePromissoryNote(ctx context.Context, n *sales.PromissoryNote) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO promissory_notes (id, sales_order_id, customer, note_date, docstatus, status, total, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer = excluded.customer,
			note_date = excluded.note_date,
			docstatus = excluded.docstatus,
			status = excluded.status,
			total = excluded.total,
			updated_at = excluded.updated_at
	`, n.ID, n.SalesOrderID, n.Customer, formatTime(n.Date), int(n.DocStatus), string(n.Status),
		n.Total.String(), formatTime(n.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: sales order %s", sales.ErrDuplicateNote, n.SalesOrderID)
		}
		return fmt.Errorf("failed to save promissory note: %w", err)
	}

	if _, err := c.q.ExecContext(ctx, "DELETE FROM promissory_items WHERE note_id = ?", n.ID); err != nil {
		return fmt.Errorf("failed to clear promissory items: %w", err)
	}
	for i, it := range n.Items {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO promissory_items
			(note_id, idx, item_code, description, uom, ordered, delivered, qty_remaining, unit_price, sub_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, n.ID, i+1, it.ItemCode, nullString(it.Description), nullString(it.UOM), it.Ordered.String(),
			it.Delivered.String(), it.QtyRemaining.String(), it.UnitPrice.String(), it.SubTotal.String())
		if err != nil {
			return fmt.Errorf("failed to save promissory item: %w", err)
		}
	}
	return nil
}

func (c *conn) GetPromissoryNote(ctx context.Context, id string) (*sales.PromissoryNote, error) {
	return c.getNote(ctx, "id = ?", id)
}

func (c *conn) ActivePromissoryNote(ctx context.Context, salesOrderID string) (*sales.PromissoryNote, error) {
	return c.getNote(ctx, "sales_order_id = ? AND docstatus < ?", salesOrderID, int(doc.Cancelled))
}

func (c *conn) getNote(ctx context.Context, where string, args ...any) (*sales.PromissoryNote, error) {
	var (
		n               sales.PromissoryNote
		date, updatedAt string
		docstatus       int
		status, total   string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, sales_order_id, customer, note_date, docstatus, status, total, updated_at
		FROM promissory_notes WHERE `+where+` LIMIT 1`, args...,
	).Scan(&n.ID, &n.SalesOrderID, &n.Customer, &date, &docstatus, &status, &total, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sales.ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promissory note: %w", err)
	}
	n.Date = parseTime(date)
	n.DocStatus = doc.Status(docstatus)
	n.Status = sales.PromissoryStatus(status)
	n.Total = parseDecimal(total)
	n.UpdatedAt = parseTime(updatedAt)

	rows, err := c.q.QueryContext(ctx, `
		SELECT item_code, description, uom, ordered, delivered, qty_remaining, unit_price, sub_total
		FROM promissory_items WHERE note_id = ? ORDER BY idx
	`, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query promissory items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it                                             sales.PromissoryItem
			desc, uom                                      sql.NullString
			ordered, delivered, remaining, price, subTotal string
		)
		if err := rows.Scan(&it.ItemCode, &desc, &uom, &ordered, &delivered, &remaining, &price, &subTotal); err != nil {
			return nil, fmt.Errorf("failed to scan promissory item: %w", err)
		}
		it.Description = desc.String
		it.UOM = uom.String
		it.Ordered = parseDecimal(ordered)
		it.Delivered = parseDecimal(delivered)
		it.QtyRemaining = parseDecimal(remaining)
		it.UnitPrice = parseDecimal(price)
		it.SubTotal = parseDecimal(subTotal)
		n.Items = append(n.Items, it)
	}
	return &n, rows.Err()
}

// =============================================================================
// CUSTOMER DELIVERY NOTES
// =============================================================================

func (c *conn) SaveCustomerDeliveryNote(ctx context.Context, n *sales.CustomerDeliveryNote) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO customer_delivery_notes (id, sales_order_id, customer, note_date, docstatus, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sales_order_id = excluded.sales_order_id,
			customer = excluded.customer,
			note_date = excluded.note_date,
			docstatus = excluded.docstatus,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, n.ID, n.SalesOrderID, n.Customer, formatTime(n.Date), int(n.DocStatus), string(n.Status),
		formatTime(n.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", sales.ErrDuplicateCustomerNote, n.SalesOrderID)
		}
		return fmt.Errorf("failed to save customer delivery note: %w", err)
	}

	if _, err := c.q.ExecContext(ctx, "DELETE FROM customer_delivery_note_items WHERE note_id = ?", n.ID); err != nil {
		return fmt.Errorf("failed to clear customer delivery note items: %w", err)
	}
	for i, it := range n.Items {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO customer_delivery_note_items
			(note_id, idx, item_code, description, qty_requested, qty_supplied, balance_left)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, n.ID, i+1, it.ItemCode, nullString(it.Description), it.QtyRequested.String(),
			it.QtySupplied.String(), it.BalanceLeft.String())
		if err != nil {
			return fmt.Errorf("failed to save customer delivery note item: %w", err)
		}
	}
	return nil
}

func (c *conn) GetCustomerDeliveryNote(ctx context.Context, id string) (*sales.CustomerDeliveryNote, error) {
	return c.getCustomerNote(ctx, "id = ?", id)
}

func (c *conn) ActiveCustomerDeliveryNote(ctx context.Context, salesOrderID string) (*sales.CustomerDeliveryNote, error) {
	return c.getCustomerNote(ctx, "sales_order_id = ? AND docstatus < ?", salesOrderID, int(doc.Cancelled))
}

func (c *conn) getCustomerNote(ctx context.Context, where string, args ...any) (*sales.CustomerDeliveryNote, error) {
	var (
		n               sales.CustomerDeliveryNote
		date, updatedAt string
		docstatus       int
		status          string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, sales_order_id, customer, note_date, docstatus, status, updated_at
		FROM customer_delivery_notes WHERE `+where+` LIMIT 1`, args...,
	).Scan(&n.ID, &n.SalesOrderID, &n.Customer, &date, &docstatus, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sales.ErrCustomerNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer delivery note: %w", err)
	}
	n.Date = parseTime(date)
	n.DocStatus = doc.Status(docstatus)
	n.Status = sales.CustomerNoteStatus(status)
	n.UpdatedAt = parseTime(updatedAt)

	rows, err := c.q.QueryContext(ctx, `
		SELECT item_code, description, qty_requested, qty_supplied, balance_left
		FROM customer_delivery_note_items WHERE note_id = ? ORDER BY idx
	`, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer delivery note items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it                           sales.CustomerNoteItem
			desc                         sql.NullString
			requested, supplied, balance string
		)
		if err := rows.Scan(&it.ItemCode, &desc, &requested, &supplied, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan customer delivery note item: %w", err)
		}
		it.Description = desc.String
		it.QtyRequested = parseDecimal(requested)
		it.QtySupplied = parseDecimal(supplied)
		it.BalanceLeft = parseDecimal(balance)
		n.Items = append(n.Items, it)
	}
	return &n, rows.Err()
}
