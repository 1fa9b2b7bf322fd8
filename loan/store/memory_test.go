package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/loan/store"
	"github.com/nbs/loanledger/stock"
	"github.com/nbs/loanledger/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return storetest.Backend{Store: store.NewTxMemory(), Stock: stock.NewMemory()}
	})
}

func TestTxMemory_ConcurrentTransactionsSerialize(t *testing.T) {
	// GIVEN: a loan saved outside any transaction
	s := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, s.SaveLoan(ctx, &loan.Loan{ID: "LW-1", Customer: "ACME"}))

	// WHEN: many transactions read-modify-write the same loan
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithTx(ctx, func(tx loan.Store) error {
				l, _, err := tx.LockLoan(ctx, "LW-1")
				if err != nil {
					return err
				}
				l.Customer += "."
				return tx.SaveLoan(ctx, l)
			})
		}()
	}
	wg.Wait()

	// THEN: no update was lost
	l, err := s.GetLoan(ctx, "LW-1")
	require.NoError(t, err)
	assert.Len(t, l.Customer, len("ACME")+50)
}

func TestTxMemory_ViewSeesOwnWrites(t *testing.T) {
	s := store.NewTxMemory()
	ctx := context.Background()
	errStop := errors.New("stop")

	err := s.WithTx(ctx, func(tx loan.Store) error {
		require.NoError(t, tx.SaveLoan(ctx, &loan.Loan{ID: "LW-1"}))
		_, err := tx.GetLoan(ctx, "LW-1")
		require.NoError(t, err)
		return errStop
	})

	assert.ErrorIs(t, err, errStop)
	_, err = s.GetLoan(ctx, "LW-1")
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}
