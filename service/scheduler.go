/*
scheduler.go - Periodic loan integrity audit

PURPOSE:
  Integrity errors are never repaired automatically, but they should not go
  unnoticed either. The auditor periodically runs VerifyIntegrity over every
  open loan and logs each loan whose balance rows disagree with its totals.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - Read-only: each loan is checked through VerifyLoan, which holds the
    loan lock just long enough to read the loan and its rows together

CONFIGURATION:
  - Interval: how often to check (config AUDIT_INTERVAL; 0 disables)

USAGE:
  auditor := service.NewAuditor(svc, time.Hour)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - loan/balance.go: VerifyIntegrity
  - loans.go: VerifyLoan
*/
package service

import (
	"context"
	"sync"
	"time"

	"github.com/nbs/loanledger/loan"
	"github.com/sirupsen/logrus"
)

// AuditRun summarizes one pass over the open loans.
type AuditRun struct {
	StartedAt time.Time
	Checked   int
	Failed    []string
}

// Auditor checks open loans on a timer.
type Auditor struct {
	Service  *Service
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewAuditor(svc *Service, interval time.Duration) *Auditor {
	return &Auditor{Service: svc, Interval: interval}
}

// Start begins auditing. A non-positive interval leaves the auditor off.
func (a *Auditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Interval <= 0 || a.ticker != nil {
		return
	}
	a.ticker = time.NewTicker(a.Interval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run()

	a.Service.logger.WithField("interval", a.Interval.String()).Info("integrity auditor started")
}

// Stop halts the auditor and waits for a running pass to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.Service.logger.Info("integrity auditor stopped")
}

func (a *Auditor) run() {
	defer a.wg.Done()

	a.RunOnce(context.Background())
	for {
		select {
		case <-a.ticker.C:
			a.RunOnce(context.Background())
		case <-a.stop:
			return
		}
	}
}

// RunOnce verifies every open loan and reports the ones that failed.
func (a *Auditor) RunOnce(ctx context.Context) AuditRun {
	s := a.Service
	run := AuditRun{StartedAt: s.now()}

	loans, err := s.store.ListOpenLoans(ctx, "")
	if err != nil {
		s.logger.WithError(err).Error("integrity audit: failed to list open loans")
		return run
	}
	for _, l := range loans {
		err := s.VerifyLoan(ctx, l.ID)
		if loan.IsNotFound(err) {
			continue
		}
		run.Checked++
		if err != nil {
			run.Failed = append(run.Failed, l.ID)
			s.logger.WithError(err).WithFields(logrus.Fields{
				"loan":     l.ID,
				"customer": l.Customer,
			}).Error("integrity audit: loan failed verification")
		}
	}
	if run.Checked > 0 {
		s.logger.WithFields(logrus.Fields{
			"checked": run.Checked,
			"failed":  len(run.Failed),
		}).Info("integrity audit completed")
	}
	return run
}
