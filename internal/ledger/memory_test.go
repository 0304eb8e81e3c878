package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finmill/paycore/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreateTransaction(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	txn, err := m.CreateTransaction(ctx, CreateParams{
		PayerID:  "user_1",
		PayeeID:  "user_2",
		Amount:   dec("25.5000"),
		Currency: "USD",
		Status:   domain.StatusPending,
		Metadata: map[string]string{domain.MetaIdempotencyKey: "key-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, txn.ID)
	assert.Equal(t, domain.StatusPending, txn.Status)
	assert.Nil(t, txn.CompletedAt)
	assert.False(t, txn.CreatedAt.IsZero())

	// Unique constraint on the idempotency key.
	_, err = m.CreateTransaction(ctx, CreateParams{
		PayerID:  "user_1",
		PayeeID:  "user_2",
		Amount:   dec("25.5000"),
		Currency: "USD",
		Status:   domain.StatusPending,
		Metadata: map[string]string{domain.MetaIdempotencyKey: "key-1"},
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)
}

func TestFindByIdempotencyKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	created, err := m.CreateTransaction(ctx, CreateParams{
		PayerID:  "user_1",
		PayeeID:  "user_2",
		Amount:   dec("10"),
		Currency: "USD",
		Status:   domain.StatusPending,
		Metadata: map[string]string{domain.MetaIdempotencyKey: "retry-me"},
	})
	require.NoError(t, err)

	found, err := m.FindByIdempotencyKey(ctx, "retry-me")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = m.FindByIdempotencyKey(ctx, "never-seen")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateTransactionStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	txn, err := m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_2",
		Amount: dec("10"), Currency: "USD", Status: domain.StatusPending,
	})
	require.NoError(t, err)

	updated, err := m.UpdateTransactionStatus(ctx, txn.ID, domain.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, updated.Status)
	assert.Nil(t, updated.CompletedAt)

	updated, err = m.UpdateTransactionStatus(ctx, txn.ID, domain.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, updated.CompletedAt)
	assert.WithinDuration(t, time.Now().UTC(), *updated.CompletedAt, time.Second)

	_, err = m.UpdateTransactionStatus(ctx, "missing", domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateTransactionStatusTerminalFrozen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	txn, err := m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_2",
		Amount: dec("10"), Currency: "USD", Status: domain.StatusPending,
	})
	require.NoError(t, err)

	_, err = m.UpdateTransactionStatus(ctx, txn.ID, domain.StatusCompleted)
	require.NoError(t, err)

	// Completed may only move to refunded.
	_, err = m.UpdateTransactionStatus(ctx, txn.ID, domain.StatusPending)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = m.UpdateTransactionStatus(ctx, txn.ID, domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = m.UpdateTransactionStatus(ctx, txn.ID, domain.StatusRefunded)
	require.NoError(t, err)

	// Refunded is frozen for good.
	_, err = m.UpdateTransactionStatus(ctx, txn.ID, domain.StatusCompleted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateTransactionPatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	txn, err := m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_2",
		Amount: dec("10"), Currency: "USD", Status: domain.StatusProcessing,
		Metadata: map[string]string{"origin": "test"},
	})
	require.NoError(t, err)

	ref := "ch_abc123"
	updated, err := m.UpdateTransaction(ctx, txn.ID, Patch{
		ProcessorReference: &ref,
		Metadata:           map[string]string{"extra": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_abc123", updated.ProcessorReference)
	assert.Equal(t, "test", updated.Metadata["origin"])
	assert.Equal(t, "v", updated.Metadata["extra"])
	assert.Equal(t, domain.StatusProcessing, updated.Status)
}

func TestListTransactions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		payee := "user_2"
		if i%2 == 1 {
			payee = "user_3"
		}
		txn, err := m.CreateTransaction(ctx, CreateParams{
			PayerID: "user_1", PayeeID: payee,
			Amount: dec("1"), Currency: "USD", Status: domain.StatusCompleted,
		})
		require.NoError(t, err)
		ids = append(ids, txn.ID)
	}

	all, err := m.ListTransactions(ctx, "user_1", Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Newest first.
	assert.Equal(t, ids[4], all[0].ID)
	assert.Equal(t, ids[0], all[4].ID)

	asPayee, err := m.ListTransactions(ctx, "user_3", Filter{})
	require.NoError(t, err)
	assert.Len(t, asPayee, 2)

	page, err := m.ListTransactions(ctx, "user_1", Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)

	none, err := m.ListTransactions(ctx, "user_1", Filter{Status: domain.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestShiftBalance(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Seed("user_1", "USD", domain.AccountTypeUser, dec("50"))

	require.NoError(t, m.ShiftBalance(ctx, "user_1", "user_2", dec("20"), "USD"))

	payer, err := m.GetAccount(ctx, "user_1", "USD")
	require.NoError(t, err)
	assert.True(t, payer.Balance.Equal(dec("30")), "got %s", payer.Balance)

	// user_2 was created lazily and credited.
	payee, err := m.GetAccount(ctx, "user_2", "USD")
	require.NoError(t, err)
	assert.True(t, payee.Balance.Equal(dec("20")), "got %s", payee.Balance)
}

func TestShiftBalanceInsufficientFunds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Seed("user_1", "USD", domain.AccountTypeUser, dec("10"))

	err := m.ShiftBalance(ctx, "user_1", "user_2", dec("10.0001"), "USD")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Neither leg applied.
	payer, err := m.GetAccount(ctx, "user_1", "USD")
	require.NoError(t, err)
	assert.True(t, payer.Balance.Equal(dec("10")))
	payee, err := m.GetAccount(ctx, "user_2", "USD")
	require.NoError(t, err)
	assert.True(t, payee.Balance.IsZero())
}

func TestShiftBalanceSelfExempt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// SELF as payer is never debited or balance-checked.
	require.NoError(t, m.ShiftBalance(ctx, domain.SelfOwner, "user_1", dec("75"), "USD"))
	payee, err := m.GetAccount(ctx, "user_1", "USD")
	require.NoError(t, err)
	assert.True(t, payee.Balance.Equal(dec("75")))

	// SELF as payee is never credited.
	require.NoError(t, m.ShiftBalance(ctx, "user_1", domain.SelfOwner, dec("5"), "USD"))
	payer, err := m.GetAccount(ctx, "user_1", "USD")
	require.NoError(t, err)
	assert.True(t, payer.Balance.Equal(dec("70")))

	_, err = m.GetAccount(ctx, domain.SelfOwner, "USD")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetBalancePending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Seed("user_1", "USD", domain.AccountTypeUser, dec("100"))

	_, err := m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_2",
		Amount: dec("30"), Currency: "USD", Status: domain.StatusProcessing,
	})
	require.NoError(t, err)
	_, err = m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_3", PayeeID: "user_1",
		Amount: dec("5"), Currency: "USD", Status: domain.StatusPending,
	})
	require.NoError(t, err)
	_, err = m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_4",
		Amount: dec("999"), Currency: "USD", Status: domain.StatusFailed,
	})
	require.NoError(t, err)

	info, err := m.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, info.Balance.Equal(dec("100")))
	assert.True(t, info.PendingBalance.Equal(dec("35")), "got %s", info.PendingBalance)
	assert.True(t, info.AvailableBalance.Equal(dec("65")))

	_, err = m.GetBalance(ctx, "stranger")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSumRefunded(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	original, err := m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_2",
		Amount: dec("40"), Currency: "USD", Status: domain.StatusCompleted,
	})
	require.NoError(t, err)

	for _, tc := range []struct {
		amount string
		status domain.TransactionStatus
	}{
		{"10", domain.StatusCompleted},
		{"5", domain.StatusCompleted},
		{"25", domain.StatusFailed}, // failed refunds do not count
	} {
		_, err := m.CreateTransaction(ctx, CreateParams{
			PayerID: "user_2", PayeeID: "user_1",
			Amount: dec(tc.amount), Currency: "USD", Status: tc.status,
			Metadata: map[string]string{domain.MetaOriginalTransaction: original.ID},
		})
		require.NoError(t, err)
	}

	total, err := m.SumRefunded(ctx, original.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("15")), "got %s", total)
}

func TestCreateRefundReservesCap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	original, err := m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_2",
		Amount: dec("40"), Currency: "USD", Status: domain.StatusCompleted,
	})
	require.NoError(t, err)
	refundParams := func(amount string) CreateParams {
		return CreateParams{
			PayerID: "user_2", PayeeID: "user_1",
			Amount: dec(amount), Currency: "USD", Status: domain.StatusProcessing,
			Metadata: map[string]string{domain.MetaOriginalTransaction: original.ID},
		}
	}

	// An in-flight refund reserves its amount against the cap.
	first, err := m.CreateRefund(ctx, original.ID, refundParams("30"))
	require.NoError(t, err)
	_, err = m.CreateRefund(ctx, original.ID, refundParams("15"))
	assert.ErrorIs(t, err, domain.ErrRefundExceeded)

	// A failed refund releases its reservation.
	_, err = m.UpdateTransactionStatus(ctx, first.ID, domain.StatusFailed)
	require.NoError(t, err)
	second, err := m.CreateRefund(ctx, original.ID, refundParams("15"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, second.Status)

	// Only completed originals are refundable.
	_, err = m.CreateRefund(ctx, second.ID, refundParams("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = m.CreateRefund(ctx, "missing", refundParams("1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListStaleProcessing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	stuck, err := m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_2",
		Amount: dec("10"), Currency: "USD", Status: domain.StatusProcessing,
	})
	require.NoError(t, err)
	_, err = m.CreateTransaction(ctx, CreateParams{
		PayerID: "user_1", PayeeID: "user_3",
		Amount: dec("10"), Currency: "USD", Status: domain.StatusCompleted,
	})
	require.NoError(t, err)

	stale, err := m.ListStaleProcessing(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)

	stale, err = m.ListStaleProcessing(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
