/*
types.go - Core types for the loan conversion ledger

PURPOSE:
  A loan ("loan waybill") puts goods at a customer's location before they
  are sold. Later, deliveries against sales orders "convert" the loaned
  goods into real sales, possibly in many partial steps. This file defines
  the loan document, its per-item totals, the per-batch/serial balance rows
  and the conversion history that makes every conversion reversible.

KEY CONCEPTS:
  Item:          per-item totals on the loan: loaned = converted + remaining
  BalanceRow:    one row per (item, batch, serial, transfer line) that
                 physically moved; conversions deduct from these
  HistoryEntry:  one per (delivery line, balance row) deduction; the only
                 input to reversal

CONSERVATION:
  For every balance row and every loan item:
    loaned = converted + remaining,  remaining ≥ 0
  and the balance rows of an item sum to that item's totals.

SEE ALSO:
  - balance.go: balance row expansion, candidate matching, integrity
  - aggregate.go: totals and conversion status
  - conversion.go / reversal.go: the two engines
*/
package loan

import (
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CONVERSION STATUS
// =============================================================================

type ConversionStatus string

const (
	StatusDraft              ConversionStatus = "Draft"
	StatusPending            ConversionStatus = "Pending"
	StatusPartiallyConverted ConversionStatus = "Partially Converted"
	StatusFullyConverted     ConversionStatus = "Fully Converted"
	StatusCancelled          ConversionStatus = "Cancelled"
)

// =============================================================================
// LOAN
// =============================================================================

type Loan struct {
	ID             string           `json:"id"`
	Customer       string           `json:"customer"`
	SourceLocation string           `json:"source_location"`
	TargetLocation string           `json:"target_location"`
	LoanDate       time.Time        `json:"loan_date"`
	DocStatus      doc.Status       `json:"docstatus"`
	AmendedFrom    string           `json:"amended_from,omitempty"`
	Status         ConversionStatus `json:"conversion_status"`
	TransferID     string           `json:"transfer_id,omitempty"`
	Items          []Item           `json:"items"`
	TotalLoaned    decimal.Decimal  `json:"total_loaned"`
	TotalConverted decimal.Decimal  `json:"total_converted"`
	TotalRemaining decimal.Decimal  `json:"total_remaining"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Item is one loaned item with its running totals.
type Item struct {
	ID          string          `json:"id"`
	ItemCode    string          `json:"item_code"`
	Description string          `json:"description,omitempty"`
	UOM         string          `json:"uom,omitempty"`
	Rate        decimal.Decimal `json:"rate"`
	Loaned      decimal.Decimal `json:"qty_loaned"`
	Converted   decimal.Decimal `json:"qty_converted"`
	Remaining   decimal.Decimal `json:"qty_remaining"`
}

// Item returns the loan row for an item code, or nil.
func (l *Loan) Item(itemCode string) *Item {
	for i := range l.Items {
		if l.Items[i].ItemCode == itemCode {
			return &l.Items[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (l *Loan) Clone() *Loan {
	out := *l
	out.Items = append([]Item(nil), l.Items...)
	return &out
}

// =============================================================================
// BALANCE ROW
// =============================================================================

// RowKey identifies a balance row within a loan. Empty batch or serial means
// the unit carries none.
type RowKey struct {
	ItemCode       string
	BatchNo        string
	SerialNo       string
	TransferLineID string
}

// BalanceRow tracks one batch/serial unit (or one untracked line) of a loan.
type BalanceRow struct {
	ID             string          `json:"id"`
	LoanID         string          `json:"loan_id"`
	Seq            int             `json:"seq"`
	ItemCode       string          `json:"item_code"`
	BatchNo        string          `json:"batch_no,omitempty"`
	SerialNo       string          `json:"serial_no,omitempty"`
	TransferID     string          `json:"transfer_id"`
	TransferLineID string          `json:"transfer_line_id"`
	Location       string          `json:"location"`
	Loaned         decimal.Decimal `json:"qty_loaned"`
	Converted      decimal.Decimal `json:"qty_converted"`
	Remaining      decimal.Decimal `json:"qty_remaining"`
	ValuationRate  decimal.Decimal `json:"valuation_rate"`
	Expiry         *time.Time      `json:"expiry_date,omitempty"`
}

func (r BalanceRow) Key() RowKey {
	return RowKey{
		ItemCode:       r.ItemCode,
		BatchNo:        r.BatchNo,
		SerialNo:       r.SerialNo,
		TransferLineID: r.TransferLineID,
	}
}

// =============================================================================
// CONVERSION HISTORY
// =============================================================================

// HistoryEntry records one deduction from one balance row by one delivery
// line. Reversal replays these and nothing else.
type HistoryEntry struct {
	ID             string          `json:"id"`
	LoanID         string          `json:"loan_id"`
	DeliveryID     string          `json:"delivery_id"`
	DeliveryLineID string          `json:"delivery_line_id,omitempty"`
	SalesOrderID   string          `json:"sales_order_id,omitempty"`
	ItemCode       string          `json:"item_code"`
	BatchNo        string          `json:"batch_no,omitempty"`
	SerialNo       string          `json:"serial_no,omitempty"`
	Qty            decimal.Decimal `json:"qty_converted"`
	BalanceRowID   string          `json:"balance_row_id"`
	ConversionDate time.Time       `json:"conversion_date"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
