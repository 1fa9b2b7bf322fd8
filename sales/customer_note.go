package sales

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CUSTOMER DELIVERY NOTE
// =============================================================================

// A customer delivery note is the paper the customer signs for an order. Its
// rows mirror the order: everything requested is recorded as supplied with
// nothing left over. An order has at most one note that is not cancelled.

type CustomerNoteStatus string

const (
	CustomerNoteDraft     CustomerNoteStatus = "Draft"
	CustomerNoteSubmitted CustomerNoteStatus = "Submitted"
	CustomerNoteCancelled CustomerNoteStatus = "Cancelled"
)

var (
	ErrCustomerNoteNotFound = errors.New("customer delivery note not found")

	// ErrDuplicateCustomerNote is returned when an order is already linked
	// to a note that is not cancelled.
	ErrDuplicateCustomerNote = errors.New("sales order is already linked to a customer delivery note")
)

type CustomerDeliveryNote struct {
	ID           string             `json:"id"`
	SalesOrderID string             `json:"sales_order_id"`
	Customer     string             `json:"customer"`
	Date         time.Time          `json:"date"`
	DocStatus    doc.Status         `json:"docstatus"`
	Status       CustomerNoteStatus `json:"status"`
	Items        []CustomerNoteItem `json:"items"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type CustomerNoteItem struct {
	ItemCode     string          `json:"item_code"`
	Description  string          `json:"description,omitempty"`
	QtyRequested decimal.Decimal `json:"qty_requested"`
	QtySupplied  decimal.Decimal `json:"qty_supplied"`
	BalanceLeft  decimal.Decimal `json:"balance_left"`
}

// SyncCustomerNote rewrites the note's rows from its sales order. Rows for
// items the order does not carry are refused. Existing rows keep their
// position; order items the note lacks are appended. changed reports
// whether any row was touched.
func SyncCustomerNote(n *CustomerDeliveryNote, so *SalesOrder) (changed bool, err error) {
	if len(so.Items) == 0 {
		return false, &RowError{Message: fmt.Sprintf("sales order %s has no items", so.ID)}
	}

	var extra []string
	for _, it := range n.Items {
		if it.ItemCode != "" && so.Item(it.ItemCode) == nil {
			extra = append(extra, it.ItemCode)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return false, &RowError{Message: fmt.Sprintf("items not in sales order %s: %s", so.ID, strings.Join(extra, ", "))}
	}

	n.Customer = so.Customer
	index := make(map[string]int, len(n.Items))
	for i, it := range n.Items {
		index[it.ItemCode] = i
	}
	for _, oi := range so.Items {
		i, ok := index[oi.ItemCode]
		if !ok {
			n.Items = append(n.Items, CustomerNoteItem{
				ItemCode:     oi.ItemCode,
				Description:  oi.Description,
				QtyRequested: oi.Qty,
				QtySupplied:  oi.Qty,
				BalanceLeft:  decimal.Zero,
			})
			index[oi.ItemCode] = len(n.Items) - 1
			changed = true
			continue
		}
		row := &n.Items[i]
		if !row.QtyRequested.Equal(oi.Qty) || !row.QtySupplied.Equal(oi.Qty) ||
			!row.BalanceLeft.IsZero() || row.Description != oi.Description {
			row.QtyRequested = oi.Qty
			row.QtySupplied = oi.Qty
			row.BalanceLeft = decimal.Zero
			row.Description = oi.Description
			changed = true
		}
	}
	return changed, nil
}
