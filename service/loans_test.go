package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nbs/loanledger/doc"
	"github.com/nbs/loanledger/loan"
	"github.com/nbs/loanledger/service"
	"github.com/nbs/loanledger/stock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore fails every ReplaceBalanceRows inside a transaction.
type failingStore struct {
	loan.TxStore
	err error
}

func (f *failingStore) WithTx(ctx context.Context, fn func(loan.Store) error) error {
	return f.TxStore.WithTx(ctx, func(s loan.Store) error {
		return fn(failingTx{Store: s, err: f.err})
	})
}

type failingTx struct {
	loan.Store
	err error
}

func (f failingTx) ReplaceBalanceRows(context.Context, string, []loan.BalanceRow) error {
	return f.err
}

// denyAll is a role table with no users.
var denyAll = &service.RoleTable{}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmitLoan_OpensBalanceLedger(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()

	// WHEN: a loan of SYR 10 and BOLT 5 is submitted
	l := f.submitLoan(t)

	// THEN: SYR is split over both batches, earliest expiry first, BOLT untracked
	assert.Equal(t, doc.Submitted, l.DocStatus)
	assert.Equal(t, loan.StatusPending, l.Status)
	assert.NotEmpty(t, l.TransferID)

	rows := f.rows(t, l.ID)
	require.Len(t, rows, 3)
	assert.Equal(t, "B1", rows[0].BatchNo)
	assert.True(t, rows[0].Remaining.Equal(qty(6)))
	require.NotNil(t, rows[0].Expiry)
	assert.Equal(t, "B2", rows[1].BatchNo)
	assert.True(t, rows[1].Remaining.Equal(qty(4)))
	assert.Equal(t, "BOLT", rows[2].ItemCode)
	assert.Empty(t, rows[2].BatchNo)
	assert.Equal(t, target, rows[2].Location)
	assert.NoError(t, f.svc.VerifyLoan(ctx, l.ID))

	// AND: the goods moved to the customer's location
	atTarget, err := f.stock.Available(ctx, "SYR", target)
	require.NoError(t, err)
	assert.True(t, atTarget.Equal(qty(10)))
	atSource, err := f.stock.Available(ctx, "SYR", source)
	require.NoError(t, err)
	assert.True(t, atSource.IsZero())
}

func TestSubmitLoan_InsufficientStockLeavesDraft(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l, err := f.svc.SaveLoan(ctx, &loan.Loan{
		Customer: customer, SourceLocation: source, TargetLocation: target,
		Items: []loan.Item{{ItemCode: "SYR", Loaned: qty(11)}},
	})
	require.NoError(t, err)

	_, err = f.svc.SubmitLoan(ctx, l.ID)

	require.Error(t, err)
	assert.True(t, loan.IsValidation(err))
	assert.Contains(t, err.Error(), "available 10, requested 11")
	assert.Equal(t, doc.Draft, f.reload(t, l.ID).DocStatus)
}

func TestSubmitLoan_FractionalSerialQtyIsValidationError(t *testing.T) {
	// GIVEN: two serialized pumps at the source and a loan of half a pump
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	require.NoError(t, f.svc.ReceiveStock(ctx, stock.Receipt{ItemCode: "PUMP", Location: source, SerialNos: []string{"SN1", "SN2"}}))
	l, err := f.svc.SaveLoan(ctx, &loan.Loan{
		Customer: customer, SourceLocation: source, TargetLocation: target,
		Items: []loan.Item{{ItemCode: "PUMP", Loaned: decimal.RequireFromString("0.5")}},
	})
	require.NoError(t, err)

	// WHEN: it is submitted
	_, err = f.svc.SubmitLoan(ctx, l.ID)

	// THEN: it is refused as user input, not as ledger corruption
	require.Error(t, err)
	assert.True(t, loan.IsValidation(err))
	assert.False(t, loan.IsIntegrity(err))
	assert.Equal(t, doc.Draft, f.reload(t, l.ID).DocStatus)
	avail, err := f.svc.AvailableStock(ctx, "PUMP", source)
	require.NoError(t, err)
	assert.True(t, avail.Equal(qty(2)))
}

func TestSubmitLoan_LedgerFailureCancelsTransfer(t *testing.T) {
	// GIVEN: a store that cannot write balance rows
	b := memoryBackend(t)
	boom := errors.New("disk full")
	b.store = &failingStore{TxStore: b.store, err: boom}
	f := newFixture(t, b)
	ctx := context.Background()
	l, err := f.svc.SaveLoan(ctx, &loan.Loan{
		Customer: customer, SourceLocation: source, TargetLocation: target,
		Items: []loan.Item{{ItemCode: "SYR", Loaned: qty(10)}},
	})
	require.NoError(t, err)

	// WHEN: the loan is submitted
	_, err = f.svc.SubmitLoan(ctx, l.ID)

	// THEN: the submit fails, the loan is still a draft, the stock is back
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	got := f.reload(t, l.ID)
	assert.Equal(t, doc.Draft, got.DocStatus)
	assert.Empty(t, got.TransferID)

	atSource, err := f.stock.Available(ctx, "SYR", source)
	require.NoError(t, err)
	assert.True(t, atSource.Equal(qty(10)), "transfer compensated")
	atTarget, err := f.stock.Available(ctx, "SYR", target)
	require.NoError(t, err)
	assert.True(t, atTarget.IsZero())

	assert.True(t, f.logged(logrus.WarnLevel, "loan submit failed; transfer cancelled"))
}

func TestSubmitLoan_Twice(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	l := f.submitLoan(t)

	_, err := f.svc.SubmitLoan(context.Background(), l.ID)

	require.Error(t, err)
	assert.True(t, loan.IsValidation(err))
	assert.Contains(t, err.Error(), "already submitted")
}

func TestSaveLoan_SubmittedIsFrozen(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	l := f.submitLoan(t)

	l.Items[0].Loaned = qty(1)
	_, err := f.svc.SaveLoan(context.Background(), l)

	require.Error(t, err)
	assert.True(t, loan.IsValidation(err))
	assert.True(t, f.reload(t, l.ID).Items[0].Loaned.Equal(qty(10)))
}

func TestSaveLoan_AmendRefused(t *testing.T) {
	f := newFixture(t, memoryBackend(t))

	_, err := f.svc.SaveLoan(context.Background(), &loan.Loan{
		Customer: customer, SourceLocation: source, TargetLocation: target, AmendedFrom: "LW-OLD",
		Items: []loan.Item{{ItemCode: "SYR", Loaned: qty(1)}},
	})

	assert.True(t, errors.Is(err, loan.ErrAmendNotAllowed))
}

// =============================================================================
// CANCEL / DELETE
// =============================================================================

func TestCancelLoan_ReturnsStockAndDropsBalances(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)

	cancelled, err := f.svc.CancelLoan(ctx, l.ID)

	require.NoError(t, err)
	assert.Equal(t, doc.Cancelled, cancelled.DocStatus)
	assert.Equal(t, loan.StatusCancelled, cancelled.Status)
	assert.Empty(t, f.rows(t, l.ID))

	atSource, err := f.stock.Available(ctx, "SYR", source)
	require.NoError(t, err)
	assert.True(t, atSource.Equal(qty(10)))
	tr, err := f.stock.GetTransfer(ctx, l.TransferID)
	require.NoError(t, err)
	assert.Equal(t, doc.Cancelled, tr.Status)

	_, err = f.svc.CancelLoan(ctx, l.ID)
	assert.True(t, loan.IsValidation(err), "cancelled is terminal")
}

func TestCancelLoan_RefusedWithConversionsRegardlessOfPermission(t *testing.T) {
	// GIVEN: a caller with no permissions at all, and a partly converted loan
	f := newFixture(t, memoryBackend(t), service.WithAuthorizer(denyAll))
	ctx := asUser("mallory")
	l := f.submitLoan(t)
	so := f.order(t, map[string]int64{"SYR": 8})
	d := f.convert(t, l, so, line{"SYR", "B1", 2})

	// WHEN: the loan is cancelled
	_, err := f.svc.CancelLoan(ctx, l.ID)

	// THEN: the refusal is about conversions, not permissions
	require.Error(t, err)
	assert.True(t, errors.Is(err, loan.ErrHasConversions))
	assert.False(t, loan.IsPermission(err))
	assert.Equal(t, loan.StatusPartiallyConverted, f.reload(t, l.ID).Status)
	assert.Len(t, f.rows(t, l.ID), 3)

	// AND: once the conversion is reversed, permissions decide
	open := service.New(f.store, f.stock)
	_, err = open.CancelDelivery(ctx, d.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelLoan(ctx, l.ID)
	assert.True(t, loan.IsPermission(err))
}

func TestCancelLoan_RoleTableGrant(t *testing.T) {
	roles := &service.RoleTable{
		Users:  map[string][]string{"alice": {"manager"}},
		Grants: map[string][]service.Grant{"manager": {{DocType: doc.TypeLoan, Action: service.ActionCancel}}},
	}
	f := newFixture(t, memoryBackend(t), service.WithAuthorizer(roles))
	l := f.submitLoan(t)

	_, err := f.svc.CancelLoan(asUser("bob"), l.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, loan.ErrPermissionDenied))
	assert.Contains(t, err.Error(), "bob may not cancel loan")

	_, err = f.svc.CancelLoan(asUser("alice"), l.ID)
	assert.NoError(t, err)
}

func TestCancelLoan_TransferAlreadyCancelled(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	l := f.submitLoan(t)
	require.NoError(t, f.stock.CancelTransfer(ctx, l.TransferID, stock.LoanRelease(l.ID)))

	cancelled, err := f.svc.CancelLoan(ctx, l.ID)

	require.NoError(t, err)
	assert.Equal(t, loan.StatusCancelled, cancelled.Status)
	assert.True(t, f.logged(logrus.WarnLevel, "loan transfer already gone"))
}

func TestCancelTransfer_LoanTransferNeedsLoanCancel(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	l := f.submitLoan(t)

	err := f.svc.CancelTransfer(context.Background(), l.TransferID)

	require.Error(t, err)
	assert.True(t, errors.Is(err, stock.ErrLoanTransfer))
	assert.True(t, loan.IsValidation(err))
	tr, err := f.stock.GetTransfer(context.Background(), l.TransferID)
	require.NoError(t, err)
	assert.Equal(t, doc.Submitted, tr.Status)
}

func TestDeleteLoan(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	ctx := context.Background()
	draft, err := f.svc.SaveLoan(ctx, &loan.Loan{
		Customer: customer, SourceLocation: source, TargetLocation: target,
		Items: []loan.Item{{ItemCode: "BOLT", Loaned: qty(1)}},
	})
	require.NoError(t, err)
	submitted := f.submitLoan(t)

	require.NoError(t, f.svc.DeleteLoan(ctx, draft.ID))
	_, err = f.svc.GetLoan(ctx, draft.ID)
	assert.True(t, loan.IsNotFound(err))

	err = f.svc.DeleteLoan(ctx, submitted.ID)
	assert.True(t, errors.Is(err, loan.ErrSubmittedLoan))
}
