package domain

import "errors"

// Storage-level sentinels. The orchestrator maps these onto caller-facing
// error codes; handlers map the codes onto HTTP statuses.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateKey      = errors.New("duplicate idempotency key")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRefundExceeded    = errors.New("refund exceeds refundable amount")
)

type ErrorCode string

const (
	CodeValidation               ErrorCode = "VALIDATION_ERROR"
	CodeTransactionNotFound      ErrorCode = "TRANSACTION_NOT_FOUND"
	CodeInsufficientFunds        ErrorCode = "INSUFFICIENT_FUNDS"
	CodePaymentFailed            ErrorCode = "PAYMENT_FAILED"
	CodeRefundFailed             ErrorCode = "REFUND_FAILED"
	CodeInvalidTransactionStatus ErrorCode = "INVALID_TRANSACTION_STATUS"
	CodeRefundsDisabled          ErrorCode = "REFUNDS_DISABLED"
	CodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure carried inside a TransactionResult. Business
// failures are always surfaced this way rather than as bare errors.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}
