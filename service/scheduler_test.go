package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditor_ReportsCorruptLoans(t *testing.T) {
	// GIVEN: two open loans, one with a balance row edited behind the ledger
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	good := f.submitLoanOf(t, map[string]int64{"BOLT": 5})
	bad := f.submitLoanOf(t, map[string]int64{"SYR": 3})
	require.NoError(t, f.store.WithTx(ctx, func(tx loan.Store) error {
		rows, err := tx.BalanceRows(ctx, bad.ID)
		if err != nil {
			return err
		}
		rows[0].Remaining = rows[0].Remaining.Sub(qty(1))
		return tx.UpdateBalanceRows(ctx, rows[:1])
	}))

	// WHEN: one audit pass runs
	run := service.NewAuditor(f.svc, time.Hour).RunOnce(ctx)

	// THEN: only the edited loan is reported
	assert.Equal(t, 2, run.Checked)
	assert.Equal(t, []string{bad.ID}, run.Failed)
	assert.NotContains(t, run.Failed, good.ID)
	assert.True(t, f.logged(logrus.ErrorLevel, "integrity audit: loan failed verification"))
}

func TestAuditor_ZeroIntervalStaysOff(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	a := service.NewAuditor(f.svc, 0)

	a.Start()
	a.Stop()

	assert.False(t, f.logged(logrus.InfoLevel, "integrity auditor started"))
}

func TestAuditor_StartStop(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	a := service.NewAuditor(f.svc, time.Hour)

	a.Start()
	a.Start()
	a.Stop()
	a.Stop()

	assert.True(t, f.logged(logrus.InfoLevel, "integrity auditor started"))
	assert.True(t, f.logged(logrus.InfoLevel, "integrity auditor stopped"))
}

// convertingStore submits a conversion the first time the open loans are
// listed, so it commits between the listing and the verification.
type convertingStore struct {
	loan.TxStore
	onList func()
}

func (s *convertingStore) ListOpenLoans(ctx context.Context, customer string) ([]loan.Loan, error) {
	loans, err := s.TxStore.ListOpenLoans(ctx, customer)
	if fn := s.onList; err == nil && fn != nil {
		s.onList = nil
		fn()
	}
	return loans, err
}

func TestAuditor_ConversionDuringAudit_IsNotCorruption(t *testing.T) {
	// GIVEN: a healthy loan and a conversion that commits while the audit runs
	inner := memoryBackend(t)
	wrapped := &convertingStore{TxStore: inner.store}
	f := newFixture(t, backend{store: wrapped, stock: inner.stock})
	ctx := context.Background()
	l := f.submitLoanOf(t, map[string]int64{"BOLT": 5})
	so := f.order(t, map[string]int64{"BOLT": 5})
	d := f.draftConversion(t, l, so, line{item: "BOLT", qty: 2})
	wrapped.onList = func() {
		_, err := f.svc.SubmitDelivery(ctx, d.ID)
		require.NoError(t, err)
	}

	// WHEN: one audit pass runs
	run := service.NewAuditor(f.svc, time.Hour).RunOnce(ctx)

	// THEN: the loan is checked against its current totals and passes
	assert.Equal(t, 1, run.Checked)
	assert.Empty(t, run.Failed)
	assert.False(t, f.logged(logrus.ErrorLevel, "integrity audit: loan failed verification"))
	assert.True(t, f.reload(t, l.ID).Items[0].Converted.Equal(qty(2)))
}

// convertingLoanReads submits a conversion after the first plain loan read.
type convertingLoanReads struct {
	loan.TxStore
	onRead func()
}

func (s *convertingLoanReads) GetLoan(ctx context.Context, id string) (*loan.Loan, error) {
	l, err := s.TxStore.GetLoan(ctx, id)
	if fn := s.onRead; err == nil && fn != nil {
		s.onRead = nil
		fn()
	}
	return l, err
}

func TestVerifyLoan_ReadsLoanAndRowsTogether(t *testing.T) {
	// GIVEN: a conversion that commits right after any plain loan read
	inner := memoryBackend(t)
	wrapped := &convertingLoanReads{TxStore: inner.store}
	f := newFixture(t, backend{store: wrapped, stock: inner.stock})
	ctx := context.Background()
	l := f.submitLoanOf(t, map[string]int64{"BOLT": 5})
	so := f.order(t, map[string]int64{"BOLT": 5})
	d := f.draftConversion(t, l, so, line{item: "BOLT", qty: 2})
	wrapped.onRead = func() {
		_, err := f.svc.SubmitDelivery(ctx, d.ID)
		require.NoError(t, err)
	}

	// WHEN: the loan is verified
	err := f.svc.VerifyLoan(ctx, l.ID)

	// THEN: it passes
	require.NoError(t, err)
}
