package service

import (
	"context"
	"fmt"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ReceiveStock brings stock into a location (seeding, dev).
func (s *Service) ReceiveStock(ctx context.Context, r stock.Receipt) error {
	if err := s.stock.Receive(ctx, r); err != nil {
		return stockError("receive stock", err)
	}
	s.logger.WithFields(logrus.Fields{
		"item":     r.ItemCode,
		"location": r.Location,
		"batch":    r.BatchNo,
		"serials":  len(r.SerialNos),
	}).Info("stock received")
	return nil
}

func (s *Service) AvailableStock(ctx context.Context, itemCode, location string) (decimal.Decimal, error) {
	return s.stock.Available(ctx, itemCode, location)
}

// ItemsInStock lists item codes on hand at a location, for item pickers.
func (s *Service) ItemsInStock(ctx context.Context, location, search string, limit int) ([]string, error) {
	return s.stock.ItemsInStock(ctx, location, search, limit)
}

// ValidateTransfer re-checks the shape of a stored transfer.
func (s *Service) ValidateTransfer(ctx context.Context, id string) error {
	t, err := s.stock.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	return stock.ValidateTransfer(*t)
}

// CheckTransferCancellable refuses direct cancellation of a loan transfer.
func (s *Service) CheckTransferCancellable(ctx context.Context, id string) error {
	t, err := s.stock.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if !(stock.Capability{}).Allows(t) {
		return fmt.Errorf("%w: %s (loan %s)", stock.ErrLoanTransfer, id, t.LoanID)
	}
	return nil
}

// CancelTransfer cancels a transfer directly. Loan transfers are refused;
// they are released only by cancelling their loan.
func (s *Service) CancelTransfer(ctx context.Context, id string) error {
	if err := s.CheckTransferCancellable(ctx, id); err != nil {
		return err
	}
	if err := s.auth.Authorize(ctx, doc.TypeStockTransfer, ActionCancel, id); err != nil {
		return err
	}
	if err := s.stock.CancelTransfer(ctx, id, stock.Capability{}); err != nil {
		return stockError("cancel transfer", err)
	}
	s.logger.WithField("transfer", id).Info("stock transfer cancelled")
	return nil
}
