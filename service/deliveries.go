package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// DELIVERY LIFECYCLE
// =============================================================================

// SaveDelivery validates and stores a draft delivery.
func (s *Service) SaveDelivery(ctx context.Context, d *sales.Delivery) (*sales.Delivery, error) {
	now := s.now()
	if d.ID == "" {
		d.ID = doc.NewName(doc.PrefixDelivery)
	} else if existing, err := s.store.GetDelivery(ctx, d.ID); err == nil {
		if existing.DocStatus != doc.Draft {
			return nil, &sales.RowError{Message: fmt.Sprintf("delivery %s is %s and cannot be modified", d.ID, existing.DocStatus)}
		}
		d.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, sales.ErrDeliveryNotFound) {
		return nil, err
	}

	d.DocStatus = doc.Draft
	if d.PostingDate.IsZero() {
		d.PostingDate = now
	}
	if d.Type == "" {
		d.Type = sales.DeliveryRegular
	}
	for i := range d.Lines {
		if d.Lines[i].ID == "" {
			d.Lines[i].ID = doc.NewName(doc.PrefixLine)
		}
		d.Lines[i].Idx = i + 1
	}
	if err := s.validateDelivery(ctx, d); err != nil {
		return nil, err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if err := s.store.SaveDelivery(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ValidateDelivery runs the pre-save checks on a stored delivery.
func (s *Service) ValidateDelivery(ctx context.Context, id string) error {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	return s.validateDelivery(ctx, d)
}

// validateDelivery checks rows, the sales orders shipped against and, for a
// loan conversion, that every line can be converted from the linked loan as
// things stand now. Submission repeats the conversion checks under lock.
func (s *Service) validateDelivery(ctx context.Context, d *sales.Delivery) error {
	if err := sales.ValidateDeliveryRows(d); err != nil {
		return err
	}

	remaining := make(loan.OrderRemaining)
	for _, soID := range d.SalesOrders() {
		so, err := s.store.GetSalesOrder(ctx, soID)
		if err != nil {
			return err
		}
		if so.DocStatus != doc.Submitted {
			return &sales.RowError{Message: fmt.Sprintf("sales order %s is not submitted", soID)}
		}
		if d.Customer != "" && so.Customer != d.Customer {
			return &sales.RowError{Message: fmt.Sprintf("sales order %s belongs to customer %s, not %s", soID, so.Customer, d.Customer)}
		}
		left, err := s.projector.RemainingToDeliver(ctx, soID)
		if err != nil {
			return err
		}
		remaining[soID] = left
	}

	if !d.IsConversion() {
		if d.LoanID != "" {
			return &loan.ValidationError{Message: "only loan conversion deliveries can link a loan"}
		}
		return nil
	}

	if d.LoanID == "" {
		return &loan.ValidationError{Message: "loan link is required for a loan conversion delivery"}
	}
	if d.IsReturn {
		return &loan.ValidationError{Message: "a loan conversion delivery cannot be a return"}
	}
	l, err := s.store.GetLoan(ctx, d.LoanID)
	if err != nil {
		return err
	}
	if l.DocStatus != doc.Submitted {
		return fmt.Errorf("%w: %s", loan.ErrNotSubmitted, l.ID)
	}
	if l.Status == loan.StatusFullyConverted {
		return fmt.Errorf("%w: %s", loan.ErrFullyConverted, l.ID)
	}
	if d.Customer != "" && d.Customer != l.Customer {
		return &loan.ValidationError{Message: fmt.Sprintf("loan %s belongs to customer %s, not %s", l.ID, l.Customer, d.Customer)}
	}
	for i, line := range d.Lines {
		if line.Location != l.TargetLocation {
			return &loan.ValidationError{Row: i + 1, ItemCode: line.ItemCode, Message: fmt.Sprintf(
				"location must be the loan's target location %s, got %q", l.TargetLocation, line.Location)}
		}
	}

	rows, err := s.store.BalanceRows(ctx, l.ID)
	if err != nil {
		return err
	}
	_, err = loan.PlanConversion(l, rows, d, remaining, s.now(), doc.UserFrom(ctx))
	return err
}

// SubmitDelivery submits a draft delivery. A loan conversion converts the
// loan in the same transaction; either both happen or neither does.
func (s *Service) SubmitDelivery(ctx context.Context, id string) (*sales.Delivery, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.DocStatus != doc.Draft {
		return nil, &sales.RowError{Message: fmt.Sprintf("delivery %s is already %s", id, d.DocStatus)}
	}
	if err := s.validateDelivery(ctx, d); err != nil {
		return nil, err
	}

	var out *sales.Delivery
	submit := func() error {
		return s.store.WithTx(ctx, func(tx loan.Store) error {
			cur, err := tx.GetDelivery(ctx, id)
			if err != nil {
				return err
			}
			if cur.DocStatus != doc.Draft {
				return &sales.RowError{Message: fmt.Sprintf("delivery %s is already %s", id, cur.DocStatus)}
			}
			if cur.IsConversion() {
				if _, err := s.engine.Convert(ctx, tx, cur.LoanID, cur); err != nil {
					return err
				}
			}
			cur.DocStatus = doc.Submitted
			if err := tx.SaveDelivery(ctx, cur); err != nil {
				return err
			}
			out = cur
			return nil
		})
	}
	if d.IsConversion() {
		err = s.withLoanLock(ctx, d.LoanID, submit)
	} else {
		err = submit()
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"delivery": out.ID,
		"type":     out.Type,
		"loan":     out.LoanID,
	}).Info("delivery submitted")
	s.RefreshPromissoryNotes(ctx, out.SalesOrders())
	return out, nil
}

// CancelDelivery cancels a submitted delivery. A loan conversion is reversed
// in the same transaction; a failed reversal fails the cancellation.
func (s *Service) CancelDelivery(ctx context.Context, id string) (*sales.Delivery, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.DocStatus != doc.Submitted {
		return nil, &sales.RowError{Message: fmt.Sprintf("delivery %s is %s, not submitted", id, d.DocStatus)}
	}
	if err := s.auth.Authorize(ctx, doc.TypeDelivery, ActionCancel, id); err != nil {
		return nil, err
	}

	var out *sales.Delivery
	cancel := func() error {
		return s.store.WithTx(ctx, func(tx loan.Store) error {
			cur, err := tx.GetDelivery(ctx, id)
			if err != nil {
				return err
			}
			if cur.DocStatus != doc.Submitted {
				return &sales.RowError{Message: fmt.Sprintf("delivery %s is %s, not submitted", id, cur.DocStatus)}
			}
			if cur.IsConversion() && cur.LoanID != "" {
				if _, err := s.engine.Reverse(ctx, tx, cur.LoanID, cur.ID); err != nil {
					return err
				}
			}
			cur.DocStatus = doc.Cancelled
			if err := tx.SaveDelivery(ctx, cur); err != nil {
				return err
			}
			out = cur
			return nil
		})
	}
	if d.IsConversion() && d.LoanID != "" {
		err = s.withLoanLock(ctx, d.LoanID, cancel)
	} else {
		err = cancel()
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"delivery": out.ID,
		"type":     out.Type,
		"loan":     out.LoanID,
	}).Info("delivery cancelled")
	s.RefreshPromissoryNotes(ctx, out.SalesOrders())
	return out, nil
}

func (s *Service) GetDelivery(ctx context.Context, id string) (*sales.Delivery, error) {
	return s.store.GetDelivery(ctx, id)
}
