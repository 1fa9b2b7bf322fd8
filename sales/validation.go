package sales

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrOrderNotFound    = errors.New("sales order not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrNoteNotFound     = errors.New("promissory note not found")

	// ErrInvalidDocument is the sentinel for every row-level validation failure.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrDuplicateNote is returned when an order already has an active note.
	ErrDuplicateNote = errors.New("an active promissory note already exists for this sales order")
)

// RowError points at the offending row (1-based).
type RowError struct {
	Row      int
	ItemCode string
	Message  string
}

func (e *RowError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("row #%d: %s", e.Row, e.Message)
	}
	return e.Message
}

func (e *RowError) Unwrap() error { return ErrInvalidDocument }

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateOrder checks a sales order before it is saved: a customer, at
// least one row, positive quantities and no repeated item.
func ValidateOrder(so *SalesOrder) error {
	if so.Customer == "" {
		return &RowError{Message: "customer is mandatory"}
	}
	if len(so.Items) == 0 {
		return &RowError{Message: "sales order has no items"}
	}
	seen := make(map[string]int, len(so.Items))
	for i, it := range so.Items {
		row := i + 1
		if it.ItemCode == "" {
			return &RowError{Row: row, Message: "item code is mandatory"}
		}
		if first, dup := seen[it.ItemCode]; dup {
			return &RowError{Row: row, ItemCode: it.ItemCode,
				Message: fmt.Sprintf("item %s is already entered in row #%d; merge the rows", it.ItemCode, first)}
		}
		seen[it.ItemCode] = row
		if !it.Qty.IsPositive() {
			return &RowError{Row: row, ItemCode: it.ItemCode, Message: "quantity must be greater than zero"}
		}
		if it.Rate.IsNegative() {
			return &RowError{Row: row, ItemCode: it.ItemCode, Message: "rate cannot be negative"}
		}
	}
	return nil
}

// ValidateDeliveryRows rejects deliveries that repeat an
// (item, batch, serial) combination.
func ValidateDeliveryRows(d *Delivery) error {
	if len(d.Lines) == 0 {
		return &RowError{Message: "delivery has no items"}
	}
	type key struct{ item, batch, serial string }
	seen := make(map[key]int, len(d.Lines))
	for i, l := range d.Lines {
		row := i + 1
		if l.ItemCode == "" {
			return &RowError{Row: row, Message: "item code is mandatory"}
		}
		k := key{l.ItemCode, l.BatchNo, l.SerialNo}
		if first, dup := seen[k]; dup {
			return &RowError{Row: row, ItemCode: l.ItemCode,
				Message: fmt.Sprintf("duplicate entry for item %s with the same batch/serial as row #%d", l.ItemCode, first)}
		}
		seen[k] = row
		if l.Qty.IsNegative() && !d.IsReturn {
			return &RowError{Row: row, ItemCode: l.ItemCode, Message: "quantity cannot be negative"}
		}
	}
	return nil
}
