package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// SALES ORDERS
// =============================================================================

// SaveSalesOrder validates, prices and submits a sales order.
func (s *Service) SaveSalesOrder(ctx context.Context, so *sales.SalesOrder) (*sales.SalesOrder, error) {
	now := s.now()
	if so.ID == "" {
		so.ID = doc.NewName(doc.PrefixOrder)
	} else if existing, err := s.store.GetSalesOrder(ctx, so.ID); err == nil {
		if existing.DocStatus != doc.Draft {
			return nil, &sales.RowError{Message: fmt.Sprintf("sales order %s is %s and cannot be modified", so.ID, existing.DocStatus)}
		}
	} else if !errors.Is(err, sales.ErrOrderNotFound) {
		return nil, err
	}

	if err := sales.ValidateOrder(so); err != nil {
		return nil, err
	}
	if so.TransactionDate.IsZero() {
		so.TransactionDate = now
	}
	so.GrandTotal = decimal.Zero
	for i := range so.Items {
		if so.Items[i].ID == "" {
			so.Items[i].ID = doc.NewName(doc.PrefixOrderItem)
		}
		so.GrandTotal = so.GrandTotal.Add(so.Items[i].Qty.Mul(so.Items[i].Rate))
	}
	so.DocStatus = doc.Submitted
	if so.CreatedAt.IsZero() {
		so.CreatedAt = now
	}
	if err := s.store.SaveSalesOrder(ctx, so); err != nil {
		return nil, err
	}
	return so, nil
}

func (s *Service) GetSalesOrder(ctx context.Context, id string) (*sales.SalesOrder, error) {
	return s.store.GetSalesOrder(ctx, id)
}

// ValidateSalesOrder re-runs the row checks on a stored order.
func (s *Service) ValidateSalesOrder(ctx context.Context, id string) error {
	so, err := s.store.GetSalesOrder(ctx, id)
	if err != nil {
		return err
	}
	return sales.ValidateOrder(so)
}

// RemainingToDeliver returns what is still owed on an order, per item code.
func (s *Service) RemainingToDeliver(ctx context.Context, salesOrderID string) (map[string]decimal.Decimal, error) {
	return s.projector.RemainingToDeliver(ctx, salesOrderID)
}

// =============================================================================
// PENDING LOANS
// =============================================================================

// PendingLoan is a loan that can still fill part of a sales order.
type PendingLoan struct {
	LoanID         string                `json:"loan_id"`
	LoanDate       time.Time             `json:"loan_date"`
	TargetLocation string                `json:"target_location"`
	Status         loan.ConversionStatus `json:"conversion_status"`
	Rows           []PendingRow          `json:"rows"`
}

// PendingRow is a balance row usable for the order. MaxConvertible is the
// smaller of the row's remaining and the order's remaining for the item.
type PendingRow struct {
	ItemCode       string          `json:"item_code"`
	BatchNo        string          `json:"batch_no,omitempty"`
	SerialNo       string          `json:"serial_no,omitempty"`
	TransferLineID string          `json:"transfer_line_id"`
	Remaining      decimal.Decimal `json:"qty_remaining"`
	MaxConvertible decimal.Decimal `json:"max_convertible"`
	ValuationRate  decimal.Decimal `json:"valuation_rate"`
	Expiry         *time.Time      `json:"expiry_date,omitempty"`
}

// PendingLoans lists the customer's open loans, oldest first, with the
// balance rows that could still be converted against salesOrderID.
func (s *Service) PendingLoans(ctx context.Context, salesOrderID string) ([]PendingLoan, error) {
	so, err := s.store.GetSalesOrder(ctx, salesOrderID)
	if err != nil {
		return nil, err
	}
	if so.DocStatus != doc.Submitted {
		return nil, &sales.RowError{Message: fmt.Sprintf("sales order %s is not submitted", salesOrderID)}
	}
	remaining, err := s.projector.RemainingToDeliver(ctx, salesOrderID)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		return []PendingLoan{}, nil
	}

	loans, err := s.store.ListOpenLoans(ctx, so.Customer)
	if err != nil {
		return nil, err
	}
	out := make([]PendingLoan, 0, len(loans))
	for _, l := range loans {
		rows, err := s.store.BalanceRows(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		p := PendingLoan{LoanID: l.ID, LoanDate: l.LoanDate, TargetLocation: l.TargetLocation, Status: l.Status}
		for _, r := range rows {
			left, ok := remaining[r.ItemCode]
			if !ok || !r.Remaining.IsPositive() {
				continue
			}
			p.Rows = append(p.Rows, PendingRow{
				ItemCode:       r.ItemCode,
				BatchNo:        r.BatchNo,
				SerialNo:       r.SerialNo,
				TransferLineID: r.TransferLineID,
				Remaining:      r.Remaining,
				MaxConvertible: decimal.Min(r.Remaining, left),
				ValuationRate:  r.ValuationRate,
				Expiry:         r.Expiry,
			})
		}
		if len(p.Rows) > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// =============================================================================
// CONVERSION DRAFTS
// =============================================================================

// Selection picks a quantity from one balance row.
type Selection struct {
	ItemCode       string
	BatchNo        string
	SerialNo       string
	TransferLineID string
	Qty            decimal.Decimal
}

// ConversionRequest asks for a draft conversion delivery.
type ConversionRequest struct {
	LoanID       string
	SalesOrderID string
	PostingDate  time.Time
	Selections   []Selection
}

// CreateConversionDraft builds and stores a draft Loan Conversion delivery
// from balance-row selections. Selections with qty ≤ 0 are skipped; at least
// one must remain.
func (s *Service) CreateConversionDraft(ctx context.Context, req ConversionRequest) (*sales.Delivery, error) {
	l, err := s.store.GetLoan(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	if l.DocStatus != doc.Submitted {
		return nil, fmt.Errorf("%w: %s", loan.ErrNotSubmitted, l.ID)
	}
	if l.Status == loan.StatusFullyConverted {
		return nil, fmt.Errorf("%w: %s", loan.ErrFullyConverted, l.ID)
	}
	so, err := s.store.GetSalesOrder(ctx, req.SalesOrderID)
	if err != nil {
		return nil, err
	}
	if so.DocStatus != doc.Submitted {
		return nil, &sales.RowError{Message: fmt.Sprintf("sales order %s is not submitted", so.ID)}
	}
	if so.Customer != l.Customer {
		return nil, &loan.ValidationError{Message: fmt.Sprintf(
			"loan %s belongs to customer %s but sales order %s to %s", l.ID, l.Customer, so.ID, so.Customer)}
	}
	rows, err := s.store.BalanceRows(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	remaining, err := s.projector.RemainingToDeliver(ctx, so.ID)
	if err != nil {
		return nil, err
	}

	byKey := make(map[loan.RowKey]loan.BalanceRow, len(rows))
	for _, r := range rows {
		byKey[r.Key()] = r
	}

	d := &sales.Delivery{
		ID:          doc.NewName(doc.PrefixDelivery),
		Customer:    so.Customer,
		PostingDate: req.PostingDate,
		Type:        sales.DeliveryLoanConversion,
		LoanID:      l.ID,
		DocStatus:   doc.Draft,
	}
	if d.PostingDate.IsZero() {
		d.PostingDate = s.now()
	}

	perItem := make(map[string]decimal.Decimal)
	for i, sel := range req.Selections {
		row := i + 1
		if !sel.Qty.IsPositive() {
			continue
		}
		soItem := so.Item(sel.ItemCode)
		if soItem == nil {
			return nil, &loan.ValidationError{Row: row, ItemCode: sel.ItemCode, Message: fmt.Sprintf(
				"item %s is not on sales order %s", sel.ItemCode, so.ID)}
		}
		key := loan.RowKey{ItemCode: sel.ItemCode, BatchNo: sel.BatchNo, SerialNo: sel.SerialNo, TransferLineID: sel.TransferLineID}
		br, ok := byKey[key]
		if !ok || !br.Remaining.IsPositive() {
			return nil, &loan.InsufficientBalanceError{
				Row: row, ItemCode: sel.ItemCode, BatchNo: sel.BatchNo, SerialNo: sel.SerialNo,
				Requested: sel.Qty, Available: decimal.Zero,
			}
		}
		if sel.Qty.GreaterThan(br.Remaining) {
			return nil, &loan.InsufficientBalanceError{
				Row: row, ItemCode: sel.ItemCode, BatchNo: sel.BatchNo, SerialNo: sel.SerialNo,
				Requested: sel.Qty, Available: br.Remaining,
			}
		}
		cum := perItem[sel.ItemCode].Add(sel.Qty)
		if cum.GreaterThan(remaining[sel.ItemCode]) {
			return nil, &loan.ExceedsOrderError{
				Row: row, SalesOrderID: so.ID, ItemCode: sel.ItemCode,
				Requested: cum, Remaining: remaining[sel.ItemCode],
			}
		}
		perItem[sel.ItemCode] = cum

		d.Lines = append(d.Lines, sales.DeliveryLine{
			ID:               doc.NewName(doc.PrefixLine),
			Idx:              len(d.Lines) + 1,
			ItemCode:         sel.ItemCode,
			Qty:              sel.Qty,
			UOM:              soItem.UOM,
			Rate:             br.ValuationRate,
			BatchNo:          sel.BatchNo,
			SerialNo:         sel.SerialNo,
			Location:         l.TargetLocation,
			SalesOrderID:     so.ID,
			SalesOrderItemID: soItem.ID,
			TransferLineID:   sel.TransferLineID,
		})
	}
	if len(d.Lines) == 0 {
		return nil, &loan.ValidationError{Message: "no valid items selected for conversion"}
	}
	if err := sales.ValidateDeliveryRows(d); err != nil {
		return nil, err
	}

	d.CreatedAt = s.now()
	if err := s.store.SaveDelivery(ctx, d); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"loan":        l.ID,
		"sales_order": so.ID,
		"delivery":    d.ID,
		"lines":       len(d.Lines),
	}).Info("conversion delivery drafted")
	return d, nil
}

// =============================================================================
// PROMISSORY NOTES
// =============================================================================

// CreatePromissoryNote opens the promissory note of a submitted order.
// An order has at most one active note.
func (s *Service) CreatePromissoryNote(ctx context.Context, salesOrderID string) (*sales.PromissoryNote, error) {
	var out *sales.PromissoryNote
	err := s.store.WithTx(ctx, func(tx loan.Store) error {
		so, err := tx.GetSalesOrder(ctx, salesOrderID)
		if err != nil {
			return err
		}
		if so.DocStatus != doc.Submitted {
			return &sales.RowError{Message: fmt.Sprintf("sales order %s is not submitted", salesOrderID)}
		}
		if existing, err := tx.ActivePromissoryNote(ctx, salesOrderID); err == nil {
			return fmt.Errorf("%w: %s", sales.ErrDuplicateNote, existing.ID)
		} else if !errors.Is(err, sales.ErrNoteNotFound) {
			return err
		}

		now := s.now()
		note := &sales.PromissoryNote{
			ID:           doc.NewName(doc.PrefixPromissory),
			SalesOrderID: salesOrderID,
			Date:         now,
			DocStatus:    doc.Submitted,
			Status:       sales.PromissoryPending,
		}
		if err := sales.NewProjector(tx).Recompute(ctx, note, now); err != nil {
			return err
		}
		if err := tx.SavePromissoryNote(ctx, note); err != nil {
			return err
		}
		out = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"sales_order": salesOrderID, "note": out.ID}).Info("promissory note created")
	return out, nil
}

// EnsurePromissoryNote returns the order's active note, creating it if
// needed. created reports which happened.
func (s *Service) EnsurePromissoryNote(ctx context.Context, salesOrderID string) (note *sales.PromissoryNote, created bool, err error) {
	note, err = s.CreatePromissoryNote(ctx, salesOrderID)
	if err == nil {
		return note, true, nil
	}
	if !errors.Is(err, sales.ErrDuplicateNote) {
		return nil, false, err
	}
	note, err = s.PromissoryNote(ctx, salesOrderID)
	return note, false, err
}

// PromissoryNote returns the order's active note recomputed from the
// current deliveries. Nothing is written.
func (s *Service) PromissoryNote(ctx context.Context, salesOrderID string) (*sales.PromissoryNote, error) {
	note, err := s.store.ActivePromissoryNote(ctx, salesOrderID)
	if err != nil {
		return nil, err
	}
	if err := s.projector.Recompute(ctx, note, s.now()); err != nil {
		return nil, err
	}
	return note, nil
}

// RecalculatePromissoryNote recomputes and stores one note.
func (s *Service) RecalculatePromissoryNote(ctx context.Context, id string) (*sales.PromissoryNote, error) {
	note, err := s.store.GetPromissoryNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.projector.Recompute(ctx, note, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.SavePromissoryNote(ctx, note); err != nil {
		return nil, err
	}
	return note, nil
}

// CancelPromissoryNote cancels a note; the order may then get a new one.
func (s *Service) CancelPromissoryNote(ctx context.Context, id string) (*sales.PromissoryNote, error) {
	note, err := s.store.GetPromissoryNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if note.Status == sales.PromissoryCancelled {
		return nil, &sales.RowError{Message: fmt.Sprintf("promissory note %s is already cancelled", id)}
	}
	if err := s.auth.Authorize(ctx, doc.TypePromissoryNote, ActionCancel, id); err != nil {
		return nil, err
	}
	note.DocStatus = doc.Cancelled
	note.Status = sales.PromissoryCancelled
	note.UpdatedAt = s.now()
	if err := s.store.SavePromissoryNote(ctx, note); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"sales_order": note.SalesOrderID, "note": id}).Info("promissory note cancelled")
	return note, nil
}

// RefreshPromissoryNotes recomputes the active note of each order. Failures
// are logged and never returned: a stale note must not block a delivery.
func (s *Service) RefreshPromissoryNotes(ctx context.Context, salesOrderIDs []string) {
	for _, soID := range salesOrderIDs {
		note, err := s.store.ActivePromissoryNote(ctx, soID)
		if errors.Is(err, sales.ErrNoteNotFound) {
			continue
		}
		if err == nil {
			err = s.projector.Recompute(ctx, note, s.now())
		}
		if err == nil {
			err = s.store.SavePromissoryNote(ctx, note)
		}
		if err != nil {
			s.logger.WithError(err).WithField("sales_order", soID).Error("failed to refresh promissory note")
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"sales_order": soID,
			"note":        note.ID,
			"status":      note.Status,
		}).Debug("promissory note refreshed")
	}
}
