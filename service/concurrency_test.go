package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/sales"
	"github.com/nbs/loanledger/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteBackend(t *testing.T) backend {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return backend{store: s, stock: s}
}

func TestConcurrentConversions_NeverOverConvert(t *testing.T) {
	backends := map[string]func(*testing.T) backend{
		"memory": memoryBackend,
		"sqlite": sqliteBackend,
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			// GIVEN: batch B1 holds 6 units and ten drafts each want one of them
			f := newFixture(t, mk(t))
			ctx := context.Background()
			l := f.submitLoan(t)
			so := f.order(t, map[string]int64{"SYR": 100})
			drafts := make([]*sales.Delivery, 10)
			for i := range drafts {
				drafts[i] = f.draftConversion(t, l, so, line{"SYR", "B1", 1})
			}

			// WHEN: all ten are submitted at once
			var ok atomic.Int32
			var wg sync.WaitGroup
			errs := make(chan error, len(drafts))
			for _, d := range drafts {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					if _, err := f.svc.SubmitDelivery(ctx, id); err != nil {
						errs <- err
						return
					}
					ok.Add(1)
				}(d.ID)
			}
			wg.Wait()
			close(errs)

			// THEN: exactly six went through and the rest were refused cleanly
			assert.Equal(t, int32(6), ok.Load())
			for err := range errs {
				assert.True(t, errors.Is(err, loan.ErrInsufficientBalance), "got %v", err)
			}

			b1 := rowOf(f.rows(t, l.ID), "SYR", "B1")
			assert.True(t, b1.Converted.Equal(qty(6)))
			assert.True(t, b1.Remaining.IsZero())
			history, err := f.svc.History(ctx, l.ID)
			require.NoError(t, err)
			assert.Len(t, history, 6)
			assert.True(t, f.reload(t, l.ID).TotalConverted.Equal(qty(6)))
			assert.NoError(t, f.svc.VerifyLoan(ctx, l.ID))
		})
	}
}

func TestSQLite_LoanLifecycle(t *testing.T) {
	f := newFixture(t, sqliteBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"SYR": 5, "BOLT": 5})

	d := f.convert(t, l, so, line{"SYR", "B2", 4}, line{"BOLT", "", 5})
	rows := f.rows(t, l.ID)
	assert.True(t, rowOf(rows, "SYR", "B2").Remaining.IsZero())
	assert.True(t, rowOf(rows, "BOLT", "").Remaining.IsZero())
	assert.Equal(t, loan.StatusPartiallyConverted, f.reload(t, l.ID).Status)

	_, err := f.svc.CancelDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusPending, f.reload(t, l.ID).Status)

	cancelled, err := f.svc.CancelLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusCancelled, cancelled.Status)
	atSource, err := f.stock.Available(ctx, "SYR", source)
	require.NoError(t, err)
	assert.True(t, atSource.Equal(qty(10)))
}
