/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON bodies the API accepts and the few wrappers it returns.
  Documents themselves (loans, deliveries, notes) are returned as their
  domain types, which carry their own JSON tags.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Shape checks (required fields, date formats, at least one row) are struct
  tags checked by go-playground/validator before the body reaches the
  service. Business rules (quantities, balances, locations) stay in the
  service and come back as domain errors.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/service"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// LoanRequest saves a draft loan.
type LoanRequest struct {
	ID             string            `json:"id"`
	Customer       string            `json:"customer" validate:"required"`
	SourceLocation string            `json:"source_location" validate:"required"`
	TargetLocation string            `json:"target_location" validate:"required"`
	LoanDate       string            `json:"loan_date" validate:"omitempty,datetime=2006-01-02"`
	Items          []LoanItemRequest `json:"items" validate:"required,min=1,dive"`
}

type LoanItemRequest struct {
	ItemCode    string          `json:"item_code" validate:"required"`
	Description string          `json:"description"`
	UOM         string          `json:"uom"`
	Qty         decimal.Decimal `json:"qty"`
	Rate        decimal.Decimal `json:"rate"`
}

// SalesOrderRequest saves and submits a sales order.
type SalesOrderRequest struct {
	ID              string             `json:"id"`
	Customer        string             `json:"customer" validate:"required"`
	TransactionDate string             `json:"transaction_date" validate:"omitempty,datetime=2006-01-02"`
	Items           []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type OrderItemRequest struct {
	ItemCode    string          `json:"item_code" validate:"required"`
	Description string          `json:"description"`
	UOM         string          `json:"uom"`
	Qty         decimal.Decimal `json:"qty"`
	Rate        decimal.Decimal `json:"rate"`
}

// CustomerDeliveryNoteRequest saves a draft customer delivery note. Rows
// are re-synced from the sales order; listing an item the order lacks is
// refused.
type CustomerDeliveryNoteRequest struct {
	ID           string                    `json:"id"`
	SalesOrderID string                    `json:"sales_order_id" validate:"required"`
	Customer     string                    `json:"customer"`
	Date         string                    `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Items        []CustomerNoteItemRequest `json:"items" validate:"dive"`
}

type CustomerNoteItemRequest struct {
	ItemCode    string          `json:"item_code" validate:"required"`
	Description string          `json:"description"`
	QtySupplied decimal.Decimal `json:"qty_supplied"`
}

// DeliveryRequest saves a draft delivery.
type DeliveryRequest struct {
	ID          string                `json:"id"`
	Customer    string                `json:"customer" validate:"required"`
	PostingDate string                `json:"posting_date" validate:"omitempty,datetime=2006-01-02"`
	Type        string                `json:"type" validate:"omitempty,oneof=Regular 'Loan Conversion'"`
	LoanID      string                `json:"loan_id"`
	IsReturn    bool                  `json:"is_return"`
	Lines       []DeliveryLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type DeliveryLineRequest struct {
	ItemCode         string          `json:"item_code" validate:"required"`
	Qty              decimal.Decimal `json:"qty"`
	UOM              string          `json:"uom"`
	Rate             decimal.Decimal `json:"rate"`
	BatchNo          string          `json:"batch_no"`
	SerialNo         string          `json:"serial_no"`
	Location         string          `json:"location" validate:"required"`
	SalesOrderID     string          `json:"sales_order_id"`
	SalesOrderItemID string          `json:"sales_order_item_id"`
	TransferLineID   string          `json:"transfer_line_id"`
}

// ConversionRequest drafts a conversion delivery from balance-row selections.
type ConversionRequest struct {
	LoanID       string             `json:"loan_id" validate:"required"`
	SalesOrderID string             `json:"sales_order_id" validate:"required"`
	PostingDate  string             `json:"posting_date" validate:"omitempty,datetime=2006-01-02"`
	Selections   []SelectionRequest `json:"selections" validate:"required,min=1,dive"`
}

type SelectionRequest struct {
	ItemCode       string          `json:"item_code" validate:"required"`
	BatchNo        string          `json:"batch_no"`
	SerialNo       string          `json:"serial_no"`
	TransferLineID string          `json:"transfer_line_id" validate:"required"`
	Qty            decimal.Decimal `json:"qty"`
}

// ReceiptRequest receives stock into a location.
type ReceiptRequest struct {
	ItemCode  string          `json:"item_code" validate:"required"`
	Location  string          `json:"location" validate:"required"`
	Qty       decimal.Decimal `json:"qty"`
	BatchNo   string          `json:"batch_no"`
	Expiry    string          `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	SerialNos []string        `json:"serial_nos" validate:"omitempty,dive,required"`
}

// HookRequest names the document a host hook fires for.
type HookRequest struct {
	Name string `json:"name" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// StockResponse is the available quantity of an item at a location.
type StockResponse struct {
	ItemCode string          `json:"item_code"`
	Location string          `json:"location"`
	Qty      decimal.Decimal `json:"qty"`
}

// IntegrityResponse reports a VerifyIntegrity run.
type IntegrityResponse struct {
	LoanID string `json:"loan_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// HookResponse wraps what a hook returned.
type HookResponse struct {
	DocType string `json:"doctype"`
	Event   string `json:"event"`
	Name    string `json:"name"`
	Result  any    `json:"result,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

// validationDetails maps each failing field to the rule it broke.
func validationDetails(err error) map[string]string {
	out := make(map[string]string)
	ves, ok := err.(validator.ValidationErrors)
	if !ok {
		return out
	}
	for _, ve := range ves {
		out[ve.Namespace()] = ve.Tag()
	}
	return out
}

// parseDate reads an optional validated date.
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(dateLayout, s)
	return t
}

func (req LoanRequest) toLoan() *loan.Loan {
	l := &loan.Loan{
		ID:             req.ID,
		Customer:       req.Customer,
		SourceLocation: req.SourceLocation,
		TargetLocation: req.TargetLocation,
		LoanDate:       parseDate(req.LoanDate),
	}
	for _, it := range req.Items {
		l.Items = append(l.Items, loan.Item{
			ItemCode:    it.ItemCode,
			Description: it.Description,
			UOM:         it.UOM,
			Loaned:      it.Qty,
			Rate:        it.Rate,
		})
	}
	return l
}

func (req SalesOrderRequest) toOrder() *sales.SalesOrder {
	so := &sales.SalesOrder{
		ID:              req.ID,
		Customer:        req.Customer,
		TransactionDate: parseDate(req.TransactionDate),
	}
	for _, it := range req.Items {
		so.Items = append(so.Items, sales.OrderItem{
			ItemCode:    it.ItemCode,
			Description: it.Description,
			UOM:         it.UOM,
			Qty:         it.Qty,
			Rate:        it.Rate,
		})
	}
	return so
}

func (req CustomerDeliveryNoteRequest) toNote() *sales.CustomerDeliveryNote {
	n := &sales.CustomerDeliveryNote{
		ID:           req.ID,
		SalesOrderID: req.SalesOrderID,
		Customer:     req.Customer,
		Date:         parseDate(req.Date),
	}
	for _, it := range req.Items {
		n.Items = append(n.Items, sales.CustomerNoteItem{
			ItemCode:    it.ItemCode,
			Description: it.Description,
			QtySupplied: it.QtySupplied,
		})
	}
	return n
}

func (req DeliveryRequest) toDelivery() *sales.Delivery {
	d := &sales.Delivery{
		ID:          req.ID,
		Customer:    req.Customer,
		PostingDate: parseDate(req.PostingDate),
		Type:        sales.DeliveryType(req.Type),
		LoanID:      req.LoanID,
		IsReturn:    req.IsReturn,
	}
	for _, ln := range req.Lines {
		d.Lines = append(d.Lines, sales.DeliveryLine{
			ItemCode:         ln.ItemCode,
			Qty:              ln.Qty,
			UOM:              ln.UOM,
			Rate:             ln.Rate,
			BatchNo:          ln.BatchNo,
			SerialNo:         ln.SerialNo,
			Location:         ln.Location,
			SalesOrderID:     ln.SalesOrderID,
			SalesOrderItemID: ln.SalesOrderItemID,
			TransferLineID:   ln.TransferLineID,
		})
	}
	return d
}

func (req ConversionRequest) toService() service.ConversionRequest {
	out := service.ConversionRequest{
		LoanID:       req.LoanID,
		SalesOrderID: req.SalesOrderID,
		PostingDate:  parseDate(req.PostingDate),
	}
	for _, s := range req.Selections {
		out.Selections = append(out.Selections, service.Selection{
			ItemCode:       s.ItemCode,
			BatchNo:        s.BatchNo,
			SerialNo:       s.SerialNo,
			TransferLineID: s.TransferLineID,
			Qty:            s.Qty,
		})
	}
	return out
}

func (req ReceiptRequest) toReceipt() stock.Receipt {
	r := stock.Receipt{
		ItemCode:  req.ItemCode,
		Location:  req.Location,
		Qty:       req.Qty,
		BatchNo:   req.BatchNo,
		SerialNos: req.SerialNos,
	}
	if req.Expiry != "" {
		t := parseDate(req.Expiry)
		r.Expiry = &t
	}
	return r
}
