package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/stock"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// LOAN LIFECYCLE
// =============================================================================

// SaveLoan validates and stores a draft loan. Submitted and cancelled loans
// are frozen.
func (s *Service) SaveLoan(ctx context.Context, l *loan.Loan) (*loan.Loan, error) {
	now := s.now()
	if l.ID == "" {
		l.ID = doc.NewName(doc.PrefixLoan)
	} else if existing, err := s.store.GetLoan(ctx, l.ID); err == nil {
		if existing.DocStatus != doc.Draft {
			return nil, &loan.ValidationError{Message: fmt.Sprintf("loan %s is %s and cannot be modified", l.ID, existing.DocStatus)}
		}
		l.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, loan.ErrLoanNotFound) {
		return nil, err
	}

	l.DocStatus = doc.Draft
	l.TransferID = ""
	if l.LoanDate.IsZero() {
		l.LoanDate = now
	}
	for i := range l.Items {
		if l.Items[i].ID == "" {
			l.Items[i].ID = doc.NewName(doc.PrefixLoanItem)
		}
	}
	if err := loan.ValidateDraft(l); err != nil {
		return nil, err
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if err := s.store.SaveLoan(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ValidateLoan re-runs the save-time checks on a stored loan.
func (s *Service) ValidateLoan(ctx context.Context, id string) error {
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return err
	}
	if l.DocStatus == doc.Draft {
		return loan.ValidateDraft(l)
	}
	if err := loan.ValidateNoAmend(l); err != nil {
		return err
	}
	return loan.ValidateItemIntegrity(l)
}

// SubmitLoan moves the loaned goods to the customer's location and opens the
// balance ledger. If anything fails after the stock moved, the transfer is
// cancelled again and the loan stays a draft.
func (s *Service) SubmitLoan(ctx context.Context, id string) (*loan.Loan, error) {
	var out *loan.Loan
	err := s.withLoanLock(ctx, id, func() error {
		l, err := s.store.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if l.DocStatus != doc.Draft {
			return &loan.ValidationError{Message: fmt.Sprintf("loan %s is already %s", id, l.DocStatus)}
		}
		if err := loan.ValidateDraft(l); err != nil {
			return err
		}
		if err := loan.ValidateStockSufficiency(ctx, s.stock, l); err != nil {
			return err
		}

		transfer, err := s.stock.SubmitTransfer(ctx, loanTransfer(l))
		if err != nil {
			return stockError("submit loan transfer", err)
		}

		err = s.store.WithTx(ctx, func(tx loan.Store) error {
			cur, err := tx.GetLoan(ctx, id)
			if err != nil {
				return err
			}
			if cur.DocStatus != doc.Draft {
				return &loan.ValidationError{Message: fmt.Sprintf("loan %s is already %s", id, cur.DocStatus)}
			}
			cur.DocStatus = doc.Submitted
			cur.TransferID = transfer.ID
			loan.RecalculateTotals(cur)
			loan.RecomputeStatus(cur)
			cur.UpdatedAt = s.now()
			if err := tx.SaveLoan(ctx, cur); err != nil {
				return err
			}
			if _, err := s.engine.Initialize(ctx, tx, cur, transfer); err != nil {
				return err
			}
			out = cur
			return nil
		})
		if err != nil {
			s.releaseTransfer(ctx, id, transfer.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"loan":     out.ID,
		"customer": out.Customer,
		"transfer": out.TransferID,
	}).Info("loan submitted")
	return out, nil
}

// CancelLoan closes a loan that was never converted and returns its goods.
// A loan with conversions is refused before permissions are consulted.
func (s *Service) CancelLoan(ctx context.Context, id string) (*loan.Loan, error) {
	var out *loan.Loan
	err := s.withLoanLock(ctx, id, func() error {
		l, err := s.store.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkLoanCancellable(ctx, l); err != nil {
			return err
		}
		if err := s.auth.Authorize(ctx, doc.TypeLoan, ActionCancel, id); err != nil {
			return err
		}

		var prev *loan.Loan
		var prevRows []loan.BalanceRow
		err = s.store.WithTx(ctx, func(tx loan.Store) error {
			cur, rows, err := tx.LockLoan(ctx, id)
			if err != nil {
				return err
			}
			if err := s.checkLoanCancellableTx(ctx, tx, cur); err != nil {
				return err
			}
			prev, prevRows = cur.Clone(), rows
			if err := tx.DeleteBalanceRows(ctx, id); err != nil {
				return err
			}
			cur.DocStatus = doc.Cancelled
			loan.RecomputeStatus(cur)
			cur.UpdatedAt = s.now()
			if err := tx.SaveLoan(ctx, cur); err != nil {
				return err
			}
			out = cur
			return nil
		})
		if err != nil {
			return err
		}

		if err := s.cancelLoanTransfer(ctx, out); err != nil {
			s.restoreLoan(ctx, prev, prevRows)
			out = nil
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"loan": id, "transfer": out.TransferID}).Info("loan cancelled")
	return out, nil
}

// CheckLoanCancellable reports why a loan cannot be cancelled, if it cannot.
func (s *Service) CheckLoanCancellable(ctx context.Context, id string) error {
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return err
	}
	return s.checkLoanCancellable(ctx, l)
}

func (s *Service) checkLoanCancellable(ctx context.Context, l *loan.Loan) error {
	switch l.DocStatus {
	case doc.Draft:
		return &loan.ValidationError{Message: fmt.Sprintf("loan %s is a draft; delete it instead", l.ID)}
	case doc.Cancelled:
		return &loan.ValidationError{Message: fmt.Sprintf("loan %s is already cancelled", l.ID)}
	}
	return s.checkLoanCancellableTx(ctx, s.store, l)
}

func (s *Service) checkLoanCancellableTx(ctx context.Context, st loan.Store, l *loan.Loan) error {
	if l.TotalConverted.IsPositive() {
		return fmt.Errorf("%w: loan %s converted %s", loan.ErrHasConversions, l.ID, l.TotalConverted)
	}
	history, err := st.History(ctx, l.ID, "")
	if err != nil {
		return err
	}
	if len(history) > 0 {
		return fmt.Errorf("%w: loan %s has %d conversion entries", loan.ErrHasConversions, l.ID, len(history))
	}
	return nil
}

// DeleteLoan removes a draft loan. Submitted loans must be cancelled.
func (s *Service) DeleteLoan(ctx context.Context, id string) error {
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return err
	}
	if l.DocStatus != doc.Draft {
		return fmt.Errorf("%w: %s", loan.ErrSubmittedLoan, id)
	}
	if err := s.auth.Authorize(ctx, doc.TypeLoan, ActionDelete, id); err != nil {
		return err
	}
	return s.store.DeleteLoan(ctx, id)
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetLoan(ctx context.Context, id string) (*loan.Loan, error) {
	return s.store.GetLoan(ctx, id)
}

func (s *Service) BalanceRows(ctx context.Context, id string) ([]loan.BalanceRow, error) {
	if _, err := s.store.GetLoan(ctx, id); err != nil {
		return nil, err
	}
	return s.store.BalanceRows(ctx, id)
}

func (s *Service) History(ctx context.Context, id string) ([]loan.HistoryEntry, error) {
	if _, err := s.store.GetLoan(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id, "")
}

// VerifyLoan checks a submitted loan's balance rows against its totals.
// Drafts and cancelled loans have no rows and always pass. The loan and its
// rows are read together under the loan lock so a conversion committing
// alongside cannot be mistaken for corruption.
func (s *Service) VerifyLoan(ctx context.Context, id string) error {
	var verr error
	err := s.store.WithTx(ctx, func(st loan.Store) error {
		l, rows, err := st.LockLoan(ctx, id)
		if err != nil {
			return err
		}
		if l.DocStatus != doc.Submitted {
			return nil
		}
		verr = loan.VerifyIntegrity(l, rows)
		return nil
	})
	if err != nil {
		return err
	}
	return verr
}

// =============================================================================
// STOCK PLUMBING
// =============================================================================

// loanTransfer builds the Material Transfer that carries a loan's goods.
func loanTransfer(l *loan.Loan) stock.Transfer {
	t := stock.Transfer{
		ID:          doc.NewName(doc.PrefixTransfer),
		PostingDate: l.LoanDate,
		Source:      l.SourceLocation,
		Target:      l.TargetLocation,
		IsLoan:      true,
		LoanID:      l.ID,
	}
	for _, it := range l.Items {
		t.Lines = append(t.Lines, stock.TransferLine{
			ID:       doc.NewName(doc.PrefixTransferLn),
			ItemCode: it.ItemCode,
			Qty:      it.Loaned,
			UOM:      it.UOM,
			Rate:     it.Rate,
		})
	}
	return t
}

// stockError keeps user-correctable stock errors as they are and marks the
// rest operational.
func stockError(op string, err error) error {
	if loan.IsValidation(err) || loan.IsNotFound(err) {
		return err
	}
	return loan.Operational(op, err)
}

// releaseTransfer undoes a loan transfer after a failed submit.
func (s *Service) releaseTransfer(ctx context.Context, loanID, transferID string) {
	err := s.stock.CancelTransfer(context.WithoutCancel(ctx), transferID, stock.LoanRelease(loanID))
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"loan":     loanID,
			"transfer": transferID,
		}).Error("failed to cancel loan transfer after failed submit")
		return
	}
	s.logger.WithFields(logrus.Fields{"loan": loanID, "transfer": transferID}).
		Warn("loan submit failed; transfer cancelled")
}

// cancelLoanTransfer cancels the loan's transfer with the loan capability.
// A transfer that is already cancelled or gone is logged and accepted.
func (s *Service) cancelLoanTransfer(ctx context.Context, l *loan.Loan) error {
	if l.TransferID == "" {
		return nil
	}
	err := s.stock.CancelTransfer(ctx, l.TransferID, stock.LoanRelease(l.ID))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stock.ErrTransferCancelled), errors.Is(err, stock.ErrTransferNotFound):
		s.logger.WithError(err).WithFields(logrus.Fields{"loan": l.ID, "transfer": l.TransferID}).
			Warn("loan transfer already gone")
		return nil
	default:
		return loan.Operational("cancel loan transfer", err)
	}
}

// restoreLoan puts a loan and its rows back after the stock side of a
// cancellation failed.
func (s *Service) restoreLoan(ctx context.Context, l *loan.Loan, rows []loan.BalanceRow) {
	ctx = context.WithoutCancel(ctx)
	err := s.store.WithTx(ctx, func(tx loan.Store) error {
		if err := tx.SaveLoan(ctx, l); err != nil {
			return err
		}
		return tx.ReplaceBalanceRows(ctx, l.ID, rows)
	})
	if err != nil {
		s.logger.WithError(err).WithField("loan", l.ID).Error("failed to restore loan after failed cancellation")
	}
}
