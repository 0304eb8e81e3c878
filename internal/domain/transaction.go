package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusRefunded   TransactionStatus = "refunded"
	StatusCancelled  TransactionStatus = "cancelled"
)

// Terminal reports whether a status can no longer advance. A completed
// transaction may still move to refunded, but only through a separate
// refund transaction that references it.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Metadata keys with defined meaning. Everything else in the map is opaque.
const (
	MetaIdempotencyKey      = "idempotencyKey"
	MetaOriginalTransaction = "originalTransactionId"
	MetaRefundTransaction   = "refundTransactionId"
	MetaFailureReason       = "failureReason"
)

// Transaction is the immutable record of a money movement between two
// parties. Either party may be SelfOwner.
type Transaction struct {
	ID                 string            `json:"id"`
	PayerID            string            `json:"payer_id"`
	PayeeID            string            `json:"payee_id"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	Status             TransactionStatus `json:"status"`
	PaymentMethod      string            `json:"payment_method,omitempty"`
	ProcessorReference string            `json:"processor_reference,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

// IdempotencyKey returns the caller-supplied key, if any.
func (t *Transaction) IdempotencyKey() string {
	return t.Metadata[MetaIdempotencyKey]
}

// OriginalTransactionID returns the transaction this refund compensates,
// or "" if this is not a refund.
func (t *Transaction) OriginalTransactionID() string {
	return t.Metadata[MetaOriginalTransaction]
}
