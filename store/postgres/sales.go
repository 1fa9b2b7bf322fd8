package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/sales"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SALES ORDERS
// =============================================================================

func (c *conn) SaveSalesOrder(ctx context.Context, so *sales.SalesOrder) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO sales_orders (id, customer, transaction_date, docstatus, grand_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			customer = EXCLUDED.customer,
			transaction_date = EXCLUDED.transaction_date,
			docstatus = EXCLUDED.docstatus,
			grand_total = EXCLUDED.grand_total
	`, so.ID, so.Customer, so.TransactionDate, int(so.DocStatus), so.GrandTotal, so.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save sales order: %w", err)
	}

	if _, err := c.q.Exec(ctx, "DELETE FROM sales_order_items WHERE sales_order_id = $1", so.ID); err != nil {
		return fmt.Errorf("failed to clear sales order items: %w", err)
	}
	for i, it := range so.Items {
		_, err := c.q.Exec(ctx, `
			INSERT INTO sales_order_items (id, sales_order_id, idx, item_code, description, uom, qty, rate)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, it.ID, so.ID, i+1, it.ItemCode, it.Description, it.UOM, it.Qty, it.Rate)
		if err != nil {
			return fmt.Errorf("failed to save sales order item: %w", err)
		}
	}
	return nil
}

func (c *conn) GetSalesOrder(ctx context.Context, id string) (*sales.SalesOrder, error) {
	return c.getSalesOrder(ctx, id, false)
}

func (c *conn) LockSalesOrder(ctx context.Context, id string) (*sales.SalesOrder, error) {
	return c.getSalesOrder(ctx, id, true)
}

func (c *conn) getSalesOrder(ctx context.Context, id string, forUpdate bool) (*sales.SalesOrder, error) {
	query := `
		SELECT id, customer, transaction_date, docstatus, grand_total, created_at
		FROM sales_orders WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		so        sales.SalesOrder
		docstatus int
	)
	err := c.q.QueryRow(ctx, query, id).Scan(&so.ID, &so.Customer, &so.TransactionDate, &docstatus, &so.GrandTotal, &so.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sales.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sales order: %w", err)
	}
	so.DocStatus = doc.Status(docstatus)

	rows, err := c.q.Query(ctx, `
		SELECT id, item_code, description, uom, qty, rate
		FROM sales_order_items WHERE sales_order_id = $1 ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it sales.OrderItem
		if err := rows.Scan(&it.ID, &it.ItemCode, &it.Description, &it.UOM, &it.Qty, &it.Rate); err != nil {
			return nil, fmt.Errorf("failed to scan sales order item: %w", err)
		}
		so.Items = append(so.Items, it)
	}
	return &so, rows.Err()
}

// =============================================================================
// DELIVERIES
// =============================================================================

func (c *conn) SaveDelivery(ctx context.Context, d *sales.Delivery) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO deliveries (id, customer, posting_date, delivery_type, loan_id, is_return, docstatus, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			customer = EXCLUDED.customer,
			posting_date = EXCLUDED.posting_date,
			delivery_type = EXCLUDED.delivery_type,
			loan_id = EXCLUDED.loan_id,
			is_return = EXCLUDED.is_return,
			docstatus = EXCLUDED.docstatus
	`, d.ID, d.Customer, d.PostingDate, string(d.Type), d.LoanID, d.IsReturn, int(d.DocStatus), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save delivery: %w", err)
	}

	if _, err := c.q.Exec(ctx, "DELETE FROM delivery_lines WHERE delivery_id = $1", d.ID); err != nil {
		return fmt.Errorf("failed to clear delivery lines: %w", err)
	}
	for i, l := range d.Lines {
		_, err := c.q.Exec(ctx, `
			INSERT INTO delivery_lines
			(id, delivery_id, idx, item_code, qty, uom, rate, batch_no, serial_no, location,
			 sales_order_id, sales_order_item_id, transfer_line_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, l.ID, d.ID, i+1, l.ItemCode, l.Qty, l.UOM, l.Rate, l.BatchNo, l.SerialNo, l.Location,
			l.SalesOrderID, l.SalesOrderItemID, l.TransferLineID)
		if err != nil {
			return fmt.Errorf("failed to save delivery line: %w", err)
		}
	}
	return nil
}

func (c *conn) GetDelivery(ctx context.Context, id string) (*sales.Delivery, error) {
	var (
		d            sales.Delivery
		deliveryType string
		docstatus    int
	)
	err := c.q.QueryRow(ctx, `
		SELECT id, customer, posting_date, delivery_type, loan_id, is_return, docstatus, created_at
		FROM deliveries WHERE id = $1
	`, id).Scan(&d.ID, &d.Customer, &d.PostingDate, &deliveryType, &d.LoanID, &d.IsReturn, &docstatus, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sales.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	d.Type = sales.DeliveryType(deliveryType)
	d.DocStatus = doc.Status(docstatus)

	rows, err := c.q.Query(ctx, `
		SELECT id, idx, item_code, qty, uom, rate, batch_no, serial_no, location,
		       sales_order_id, sales_order_item_id, transfer_line_id
		FROM delivery_lines WHERE delivery_id = $1 ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l sales.DeliveryLine
		if err := rows.Scan(&l.ID, &l.Idx, &l.ItemCode, &l.Qty, &l.UOM, &l.Rate, &l.BatchNo, &l.SerialNo,
			&l.Location, &l.SalesOrderID, &l.SalesOrderItemID, &l.TransferLineID); err != nil {
			return nil, fmt.Errorf("failed to scan delivery line: %w", err)
		}
		d.Lines = append(d.Lines, l)
	}
	return &d, rows.Err()
}

func (c *conn) DeliveredQuantities(ctx context.Context, salesOrderID string) (map[string]decimal.Decimal, error) {
	rows, err := c.q.Query(ctx, `
		SELECT dl.item_code, SUM(dl.qty)
		FROM delivery_lines dl
		JOIN deliveries d ON d.id = dl.delivery_id
		WHERE dl.sales_order_id = $1 AND d.docstatus = $2 AND NOT d.is_return
		GROUP BY dl.item_code
	`, salesOrderID, int(doc.Submitted))
	if err != nil {
		return nil, fmt.Errorf("failed to query delivered quantities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			item string
			qty  decimal.Decimal
		)
		if err := rows.Scan(&item, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan delivered quantity: %w", err)
		}
		out[item] = qty
	}
	return out, rows.Err()
}

// =============================================================================
// PROMISSORY NOTES
// =============================================================================

func (c *conn) SavePromissoryNote(ctx context.Context, n *sales.PromissoryNote) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO promissory_notes (id, sales_order_id, customer, note_date, docstatus, status, total, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			customer = EXCLUDED.customer,
			note_date = EXCLUDED.note_date,
			docstatus = EXCLUDED.docstatus,
			status = EXCLUDED.status,
			total = EXCLUDED.total,
			updated_at = EXCLUDED.updated_at
	`, n.ID, n.SalesOrderID, n.Customer, n.Date, int(n.DocStatus), string(n.Status), n.Total, n.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: sales order %s", sales.ErrDuplicateNote, n.SalesOrderID)
		}
		return fmt.Errorf("failed to save promissory note: %w", err)
	}

	if _, err := c.q.Exec(ctx, "DELETE FROM promissory_items WHERE note_id = $1", n.ID); err != nil {
		return fmt.Errorf("failed to clear promissory items: %w", err)
	}
	for i, it := range n.Items {
		_, err := c.q.Exec(ctx, `
			INSERT INTO promissory_items
			(note_id, idx, item_code, description, uom, ordered, delivered, qty_remaining, unit_price, sub_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, n.ID, i+1, it.ItemCode, it.Description, it.UOM, it.Ordered, it.Delivered,
			it.QtyRemaining, it.UnitPrice, it.SubTotal)
		if err != nil {
			return fmt.Errorf("failed to save promissory item: %w", err)
		}
	}
	return nil
}

func (c *conn) GetPromissoryNote(ctx context.Context, id string) (*sales.PromissoryNote, error) {
	return c.getNote(ctx, "id = $1", id)
}

func (c *conn) ActivePromissoryNote(ctx context.Context, salesOrderID string) (*sales.PromissoryNote, error) {
	return c.getNote(ctx, "sales_order_id = $1 AND docstatus < $2", salesOrderID, int(doc.Cancelled))
}

func (c *conn) getNote(ctx context.Context, where string, args ...any) (*sales.PromissoryNote, error) {
	var (
		n         sales.PromissoryNote
		docstatus int
		status    string
	)
	err := c.q.QueryRow(ctx, `
		SELECT id, sales_order_id, customer, note_date, docstatus, status, total, updated_at
		FROM promissory_notes WHERE `+where+` LIMIT 1`, args...,
	).Scan(&n.ID, &n.SalesOrderID, &n.Customer, &n.Date, &docstatus, &status, &n.Total, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sales.ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promissory note: %w", err)
	}
	n.DocStatus = doc.Status(docstatus)
	n.Status = sales.PromissoryStatus(status)

	rows, err := c.q.Query(ctx, `
		SELECT item_code, description, uom, ordered, delivered, qty_remaining, unit_price, sub_total
		FROM promissory_items WHERE note_id = $1 ORDER BY idx
	`, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query promissory items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it sales.PromissoryItem
		if err := rows.Scan(&it.ItemCode, &it.Description, &it.UOM, &it.Ordered, &it.Delivered,
			&it.QtyRemaining, &it.UnitPrice, &it.SubTotal); err != nil {
			return nil, fmt.Errorf("failed to scan promissory item: %w", err)
		}
		n.Items = append(n.Items, it)
	}
	return &n, rows.Err()
}

// =============================================================================
// CUSTOMER DELIVERY NOTES
// =============================================================================

func (c *conn) SaveCustomerDeliveryNote(ctx context.Context, n *sales.CustomerDeliveryNote) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO customer_delivery_notes (id, sales_order_id, customer, note_date, docstatus, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			sales_order_id = EXCLUDED.sales_order_id,
			customer = EXCLUDED.customer,
			note_date = EXCLUDED.note_date,
			docstatus = EXCLUDED.docstatus,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, n.ID, n.SalesOrderID, n.Customer, n.Date, int(n.DocStatus), string(n.Status), n.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", sales.ErrDuplicateCustomerNote, n.SalesOrderID)
		}
		return fmt.Errorf("failed to save customer delivery note: %w", err)
	}

	if _, err := c.q.Exec(ctx, "DELETE FROM customer_delivery_note_items WHERE note_id = $1", n.ID); err != nil {
		return fmt.Errorf("failed to clear customer delivery note items: %w", err)
	}
	for i, it := range n.Items {
		_, err := c.q.Exec(ctx, `
			INSERT INTO customer_delivery_note_items
			(note_id, idx, item_code, description, qty_requested, qty_supplied, balance_left)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, n.ID, i+1, it.ItemCode, it.Description, it.QtyRequested, it.QtySupplied, it.BalanceLeft)
		if err != nil {
			return fmt.Errorf("failed to save customer delivery note item: %w", err)
		}
	}
	return nil
}

func (c *conn) GetCustomerDeliveryNote(ctx context.Context, id string) (*sales.CustomerDeliveryNote, error) {
	return c.getCustomerNote(ctx, "id = $1", id)
}

func (c *conn) ActiveCustomerDeliveryNote(ctx context.Context, salesOrderID string) (*sales.CustomerDeliveryNote, error) {
	return c.getCustomerNote(ctx, "sales_order_id = $1 AND docstatus < $2", salesOrderID, int(doc.Cancelled))
}

func (c *conn) getCustomerNote(ctx context.Context, where string, args ...any) (*sales.CustomerDeliveryNote, error) {
	var (
		n         sales.CustomerDeliveryNote
		docstatus int
		status    string
	)
	err := c.q.QueryRow(ctx, `
		SELECT id, sales_order_id, customer, note_date, docstatus, status, updated_at
		FROM customer_delivery_notes WHERE `+where+` LIMIT 1`, args...,
	).Scan(&n.ID, &n.SalesOrderID, &n.Customer, &n.Date, &docstatus, &status, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sales.ErrCustomerNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer delivery note: %w", err)
	}
	n.DocStatus = doc.Status(docstatus)
	n.Status = sales.CustomerNoteStatus(status)

	rows, err := c.q.Query(ctx, `
		SELECT item_code, description, qty_requested, qty_supplied, balance_left
		FROM customer_delivery_note_items WHERE note_id = $1 ORDER BY idx
	`, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer delivery note items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it sales.CustomerNoteItem
		if err := rows.Scan(&it.ItemCode, &it.Description, &it.QtyRequested, &it.QtySupplied, &it.BalanceLeft); err != nil {
			return nil, fmt.Errorf("failed to scan customer delivery note item: %w", err)
		}
		n.Items = append(n.Items, it)
	}
	return &n, rows.Err()
}
