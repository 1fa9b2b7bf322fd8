package loan_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/stock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draftLoan() *loan.Loan {
	return &loan.Loan{
		ID:             "LW-9",
		Customer:       "ACME",
		SourceLocation: "Stores",
		TargetLocation: "ACME - Consignment",
		Items: []loan.Item{
			{ItemCode: "SYR", Loaned: qty(10)},
			{ItemCode: "BOLT", Loaned: qty(5)},
		},
	}
}

func TestValidateDraft(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(l *loan.Loan)
		wantErr string
	}{
		{name: "valid", mutate: func(*loan.Loan) {}},
		{name: "amended", mutate: func(l *loan.Loan) { l.AmendedFrom = "LW-8" }, wantErr: "cannot be amended"},
		{name: "no customer", mutate: func(l *loan.Loan) { l.Customer = "" }, wantErr: "customer is mandatory"},
		{name: "no target", mutate: func(l *loan.Loan) { l.TargetLocation = "" }, wantErr: "location are mandatory"},
		{name: "same locations", mutate: func(l *loan.Loan) { l.TargetLocation = "Stores" }, wantErr: "cannot be the same"},
		{name: "foreign target", mutate: func(l *loan.Loan) { l.TargetLocation = "Globex - Consignment" }, wantErr: "must belong to the selected customer"},
		{name: "no items", mutate: func(l *loan.Loan) { l.Items = nil }, wantErr: "no items"},
		{name: "duplicate item", mutate: func(l *loan.Loan) { l.Items[1].ItemCode = "SYR" }, wantErr: "row 2: item SYR is already entered in row 1"},
		{name: "zero qty", mutate: func(l *loan.Loan) { l.Items[0].Loaned = qty(0) }, wantErr: "row 1: loaned quantity must be greater than zero"},
		{name: "converted above loaned", mutate: func(l *loan.Loan) { l.Items[0].Converted = qty(11) }, wantErr: "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := draftLoan()
			tt.mutate(l)

			err := loan.ValidateDraft(l)

			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, loan.StatusDraft, l.Status)
				assert.True(t, l.TotalLoaned.Equal(qty(15)))
				assert.True(t, l.TotalRemaining.Equal(qty(15)))
				return
			}
			require.Error(t, err)
			assert.True(t, loan.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecomputeStatus(t *testing.T) {
	l := submittedLoan()
	assert.Equal(t, loan.StatusPending, l.Status)

	l.Items[0].Converted = qty(4)
	loan.RecalculateTotals(l)
	loan.RecomputeStatus(l)
	assert.Equal(t, loan.StatusPartiallyConverted, l.Status)
	assert.True(t, l.TotalRemaining.Equal(qty(11)))

	l.Items[0].Converted = qty(10)
	l.Items[1].Converted = qty(5)
	loan.RecalculateTotals(l)
	loan.RecomputeStatus(l)
	assert.Equal(t, loan.StatusFullyConverted, l.Status)

	l.DocStatus = doc.Cancelled
	loan.RecomputeStatus(l)
	assert.Equal(t, loan.StatusCancelled, l.Status)
}

func TestValidateItemIntegrity_NegativeRemaining(t *testing.T) {
	l := submittedLoan()
	l.Items[0].Converted = qty(12)
	loan.RecalculateTotals(l)

	err := loan.ValidateItemIntegrity(l)

	assert.True(t, errors.Is(err, loan.ErrIntegrity))
}

func TestValidateStockSufficiency(t *testing.T) {
	ctx := context.Background()
	ledger := stock.NewMemory()
	require.NoError(t, ledger.Receive(ctx, stock.Receipt{ItemCode: "SYR", Location: "Stores", Qty: qty(10)}))
	require.NoError(t, ledger.Receive(ctx, stock.Receipt{ItemCode: "BOLT", Location: "Stores", Qty: qty(3)}))

	err := loan.ValidateStockSufficiency(ctx, ledger, draftLoan())

	require.Error(t, err)
	assert.True(t, loan.IsValidation(err))
	assert.Contains(t, err.Error(), "insufficient stock for item BOLT in Stores: available 3, requested 5")
}
