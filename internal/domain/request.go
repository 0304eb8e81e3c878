package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRequest is the payload from the client.
type TransactionRequest struct {
	PayerID        string            `json:"payer_id"`
	PayeeID        string            `json:"payee_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	PaymentMethod  string            `json:"payment_method,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RefundRequest asks to compensate a completed transaction. A zero Amount
// means a full refund of the original.
type RefundRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// TransactionResult is the canonical response structure for both
// ProcessTransaction and ProcessRefund.
type TransactionResult struct {
	Success     bool         `json:"success"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Error       *Error       `json:"error,omitempty"`
}

func ResultOK(t *Transaction) *TransactionResult {
	return &TransactionResult{Success: true, Transaction: t}
}

func ResultErr(code ErrorCode, message string) *TransactionResult {
	return &TransactionResult{Success: false, Error: NewError(code, message)}
}

// Health is the response of the orchestrator's health check.
type Health struct {
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`
}
