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
// CUSTOMER DELIVERY NOTES
// =============================================================================

// CreateCustomerDeliveryNote opens a draft customer delivery note for a
// submitted order, with its rows copied from the order. An order is linked
// to at most one note that is not cancelled.
func (s *Service) CreateCustomerDeliveryNote(ctx context.Context, salesOrderID string) (*sales.CustomerDeliveryNote, error) {
	var out *sales.CustomerDeliveryNote
	err := s.store.WithTx(ctx, func(tx loan.Store) error {
		so, err := tx.GetSalesOrder(ctx, salesOrderID)
		if err != nil {
			return err
		}
		if err := checkNoteOrder(so, ""); err != nil {
			return err
		}
		if err := checkCustomerNoteLink(ctx, tx, salesOrderID, ""); err != nil {
			return err
		}

		now := s.now()
		note := &sales.CustomerDeliveryNote{
			ID:           doc.NewName(doc.PrefixCustomerDN),
			SalesOrderID: salesOrderID,
			Date:         now,
			DocStatus:    doc.Draft,
			Status:       sales.CustomerNoteDraft,
			UpdatedAt:    now,
		}
		if _, err := sales.SyncCustomerNote(note, so); err != nil {
			return err
		}
		if err := tx.SaveCustomerDeliveryNote(ctx, note); err != nil {
			return err
		}
		out = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"sales_order": salesOrderID, "note": out.ID}).Info("customer delivery note created")
	return out, nil
}

// EnsureCustomerDeliveryNote returns the order's linked note, creating a
// draft if there is none. created reports which happened.
func (s *Service) EnsureCustomerDeliveryNote(ctx context.Context, salesOrderID string) (note *sales.CustomerDeliveryNote, created bool, err error) {
	note, err = s.CreateCustomerDeliveryNote(ctx, salesOrderID)
	if err == nil {
		return note, true, nil
	}
	if !errors.Is(err, sales.ErrDuplicateCustomerNote) {
		return nil, false, err
	}
	note, err = s.store.ActiveCustomerDeliveryNote(ctx, salesOrderID)
	return note, false, err
}

// SaveCustomerDeliveryNote stores a draft note after re-syncing its rows
// from the order. Moving a draft to an order that already has a note is
// refused.
func (s *Service) SaveCustomerDeliveryNote(ctx context.Context, n *sales.CustomerDeliveryNote) (*sales.CustomerDeliveryNote, error) {
	var out *sales.CustomerDeliveryNote
	err := s.store.WithTx(ctx, func(tx loan.Store) error {
		if n.ID == "" {
			n.ID = doc.NewName(doc.PrefixCustomerDN)
		} else if existing, err := tx.GetCustomerDeliveryNote(ctx, n.ID); err == nil {
			if existing.DocStatus != doc.Draft {
				return &sales.RowError{Message: fmt.Sprintf("customer delivery note %s is %s and cannot be modified", n.ID, existing.DocStatus)}
			}
		} else if !errors.Is(err, sales.ErrCustomerNoteNotFound) {
			return err
		}

		if n.SalesOrderID == "" {
			return &sales.RowError{Message: "sales order is required"}
		}
		if err := checkCustomerNoteLink(ctx, tx, n.SalesOrderID, n.ID); err != nil {
			return err
		}
		so, err := tx.GetSalesOrder(ctx, n.SalesOrderID)
		if err != nil {
			return err
		}
		if err := checkNoteOrder(so, n.Customer); err != nil {
			return err
		}
		if _, err := sales.SyncCustomerNote(n, so); err != nil {
			return err
		}

		now := s.now()
		if n.Date.IsZero() {
			n.Date = now
		}
		n.DocStatus = doc.Draft
		n.Status = sales.CustomerNoteDraft
		n.UpdatedAt = now
		if err := tx.SaveCustomerDeliveryNote(ctx, n); err != nil {
			return err
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateCustomerDeliveryNote re-runs the save checks on a stored note
// without writing anything.
func (s *Service) ValidateCustomerDeliveryNote(ctx context.Context, id string) error {
	n, err := s.store.GetCustomerDeliveryNote(ctx, id)
	if err != nil {
		return err
	}
	if err := checkCustomerNoteLink(ctx, s.store, n.SalesOrderID, n.ID); err != nil {
		return err
	}
	so, err := s.store.GetSalesOrder(ctx, n.SalesOrderID)
	if err != nil {
		return err
	}
	if err := checkNoteOrder(so, n.Customer); err != nil {
		return err
	}
	_, err = sales.SyncCustomerNote(n, so)
	return err
}

// SubmitCustomerDeliveryNote re-syncs a draft note from its order and
// submits it.
func (s *Service) SubmitCustomerDeliveryNote(ctx context.Context, id string) (*sales.CustomerDeliveryNote, error) {
	var out *sales.CustomerDeliveryNote
	err := s.store.WithTx(ctx, func(tx loan.Store) error {
		n, err := tx.GetCustomerDeliveryNote(ctx, id)
		if err != nil {
			return err
		}
		if n.DocStatus != doc.Draft {
			return &sales.RowError{Message: fmt.Sprintf("customer delivery note %s is already %s", id, n.DocStatus)}
		}
		so, err := tx.GetSalesOrder(ctx, n.SalesOrderID)
		if err != nil {
			return err
		}
		if err := checkNoteOrder(so, n.Customer); err != nil {
			return err
		}
		if _, err := sales.SyncCustomerNote(n, so); err != nil {
			return err
		}
		n.DocStatus = doc.Submitted
		n.Status = sales.CustomerNoteSubmitted
		n.UpdatedAt = s.now()
		if err := tx.SaveCustomerDeliveryNote(ctx, n); err != nil {
			return err
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"sales_order": out.SalesOrderID, "note": id}).Info("customer delivery note submitted")
	return out, nil
}

// CancelCustomerDeliveryNote cancels a note; the order may then be linked
// to a new one. The sales order itself is left alone.
func (s *Service) CancelCustomerDeliveryNote(ctx context.Context, id string) (*sales.CustomerDeliveryNote, error) {
	n, err := s.store.GetCustomerDeliveryNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.DocStatus == doc.Cancelled {
		return nil, &sales.RowError{Message: fmt.Sprintf("customer delivery note %s is already cancelled", id)}
	}
	if err := s.auth.Authorize(ctx, doc.TypeCustomerNote, ActionCancel, id); err != nil {
		return nil, err
	}
	n.DocStatus = doc.Cancelled
	n.Status = sales.CustomerNoteCancelled
	n.UpdatedAt = s.now()
	if err := s.store.SaveCustomerDeliveryNote(ctx, n); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"sales_order": n.SalesOrderID, "note": id}).Info("customer delivery note cancelled")
	return n, nil
}

func (s *Service) GetCustomerDeliveryNote(ctx context.Context, id string) (*sales.CustomerDeliveryNote, error) {
	return s.store.GetCustomerDeliveryNote(ctx, id)
}

// CustomerDeliveryNote returns the order's linked note.
func (s *Service) CustomerDeliveryNote(ctx context.Context, salesOrderID string) (*sales.CustomerDeliveryNote, error) {
	return s.store.ActiveCustomerDeliveryNote(ctx, salesOrderID)
}

// checkNoteOrder accepts submitted orders with a customer. A non-empty
// customer must be the order's.
func checkNoteOrder(so *sales.SalesOrder, customer string) error {
	if so.DocStatus != doc.Submitted {
		return &sales.RowError{Message: fmt.Sprintf("sales order %s must be submitted", so.ID)}
	}
	if so.Customer == "" {
		return &sales.RowError{Message: fmt.Sprintf("sales order %s has no customer", so.ID)}
	}
	if customer != "" && customer != so.Customer {
		return &sales.RowError{Message: "customer must match the sales order customer"}
	}
	return nil
}

// checkCustomerNoteLink refuses a second live note for the order. self is
// the note being saved, if it already exists.
func checkCustomerNoteLink(ctx context.Context, st sales.Store, salesOrderID, self string) error {
	existing, err := st.ActiveCustomerDeliveryNote(ctx, salesOrderID)
	if errors.Is(err, sales.ErrCustomerNoteNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID == self {
		return nil
	}
	return fmt.Errorf("%w: %s is linked to %s", sales.ErrDuplicateCustomerNote, salesOrderID, existing.ID)
}
