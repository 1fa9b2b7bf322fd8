/*
service.go - Document lifecycle orchestration

PURPOSE:
  The service is what the host platform calls when a document changes
  state. It strings together the pieces that live in other packages:
  validation, the stock subsystem, the conversion and reversal engines, the
  fulfillment projector, permission checks and the cross-instance lock.

LIFECYCLES:
  Loan:      save draft → submit (transfer + balance rows) → cancel / delete
  Delivery:  save draft → submit (convert) → cancel (reverse)
  Promissory note: create from a submitted order → refreshed after every
             delivery touching the order → cancel
  Customer delivery note: create or save draft mirrored from a submitted
             order → submit → cancel; one live note per order

UNITS OF WORK:
  Every ledger mutation runs in one TxStore.WithTx. The stock subsystem is
  called outside that transaction; when the transaction fails after stock
  has moved, the stock move is compensated (a loan transfer is cancelled
  with the loan's capability) so no loan is left half-submitted.

SEE ALSO:
  - loans.go, deliveries.go, fulfillment.go, customer_notes.go: the operations
  - permissions.go: Authorizer
  - scheduler.go: periodic integrity audit
*/
package service

import (
	"context"
	"time"

	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/locking"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/stock"
	"github.com/sirupsen/logrus"
)

// Service orchestrates loans, deliveries and promissory notes.
type Service struct {
	store     loan.TxStore
	stock     stock.Ledger
	engine    *loan.Engine
	projector *sales.Projector
	locker    locking.Locker
	auth      Authorizer
	logger    logrus.FieldLogger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocker sets the cross-instance loan lock. Default: locking.Noop.
func WithLocker(l locking.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithAuthorizer sets the permission check. Default: AllowAll.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Service) { s.auth = a }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a service over a transactional store and a stock ledger.
func New(store loan.TxStore, ledger stock.Ledger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		stock:     ledger,
		projector: sales.NewProjector(store),
		locker:    locking.Noop{},
		auth:      AllowAll{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		s.logger = l
	}
	s.engine = loan.NewEngine(s.logger)
	s.engine.Now = s.now
	return s
}

// Stock exposes the stock subsystem (seeding, availability).
func (s *Service) Stock() stock.Ledger { return s.stock }

// withLoanLock runs fn while holding the loan's cross-instance lock.
func (s *Service) withLoanLock(ctx context.Context, loanID string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, locking.LoanKey(loanID))
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithError(err).WithField("loan", loanID).Warn("failed to release loan lock")
		}
	}()
	return fn()
}
