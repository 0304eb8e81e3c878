// Package ledger is the sole reader and writer of account and transaction
// storage. It provides the atomic primitives the orchestrator composes:
// transaction record lifecycle and the two-sided balance shift.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmill/paycore/internal/domain"
)

// CreateParams are the fields for a new transaction record. The ledger does
// no business validation beyond storage constraints; the orchestrator
// validates first.
type CreateParams struct {
	PayerID       string
	PayeeID       string
	Amount        decimal.Decimal
	Currency      string
	Status        domain.TransactionStatus
	PaymentMethod string
	Metadata      map[string]string
}

// Patch updates non-status fields of an existing transaction. Nil fields
// are left untouched; Metadata entries are merged in.
type Patch struct {
	ProcessorReference *string
	Metadata           map[string]string
}

// Filter narrows and pages a transaction listing.
type Filter struct {
	Status domain.TransactionStatus
	Limit  int
	Offset int
}

type Ledger interface {
	CreateTransaction(ctx context.Context, p CreateParams) (*domain.Transaction, error)

	// CreateRefund inserts the compensating transaction for originalID.
	// The cumulative cap is enforced inside the same unit of work, under
	// a lock on the original row: processing and completed refunds count
	// against the cap, so an in-flight refund reserves its amount and a
	// failed one releases it. Returns domain.ErrRefundExceeded when the
	// cap would be exceeded and domain.ErrInvalidTransition when the
	// original is not in completed status.
	CreateRefund(ctx context.Context, originalID string, p CreateParams) (*domain.Transaction, error)

	// UpdateTransactionStatus advances a transaction. CompletedAt is set
	// iff the new status is completed. Terminal statuses are immutable
	// except completed -> refunded; anything else returns
	// domain.ErrInvalidTransition.
	UpdateTransactionStatus(ctx context.Context, id string, status domain.TransactionStatus) (*domain.Transaction, error)

	UpdateTransaction(ctx context.Context, id string, patch Patch) (*domain.Transaction, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)

	// FindByIdempotencyKey returns domain.ErrNotFound when no transaction
	// carries the key. The lookup is indexed and strongly consistent with
	// the create that preceded it.
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)

	// ListTransactions returns transactions where ownerID is payer or
	// payee, newest first.
	ListTransactions(ctx context.Context, ownerID string, f Filter) ([]domain.Transaction, error)

	// ShiftBalance atomically debits the payer and credits the payee,
	// lazily creating zero-balance accounts for non-SELF parties. SELF is
	// exempt on either side. Both legs apply or neither does. Returns
	// domain.ErrInsufficientFunds when the payer would go negative.
	ShiftBalance(ctx context.Context, payerID, payeeID string, amount decimal.Decimal, currency string) error

	GetBalance(ctx context.Context, ownerID string) (*domain.BalanceInfo, error)

	GetAccount(ctx context.Context, ownerID, currency string) (*domain.Account, error)

	// SumRefunded returns the cumulative amount of completed refund
	// transactions referencing originalID. In-flight refunds are not
	// counted; the reservation view lives inside CreateRefund.
	SumRefunded(ctx context.Context, originalID string) (decimal.Decimal, error)

	// ListStaleProcessing returns transactions stuck in processing whose
	// last update is older than cutoff. Used by the reconciliation sweep.
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]domain.Transaction, error)

	Ping(ctx context.Context) error
}

// transitionAllowed encodes the status machine's forward-only rule: open
// statuses may advance anywhere, terminal statuses are frozen except for
// completed -> refunded.
func transitionAllowed(from, to domain.TransactionStatus) bool {
	if !from.Terminal() {
		return true
	}
	return from == domain.StatusCompleted && to == domain.StatusRefunded
}
