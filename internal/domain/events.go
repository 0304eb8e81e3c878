package domain

import "time"

const (
	EventTransactionCompleted = "transaction:completed"
	EventRefundCompleted      = "refund:completed"
)

// Event carries the finalized transaction for best-effort delivery to
// external subscribers. Delivery is outside the consistency boundary.
type Event struct {
	Name        string       `json:"name"`
	Transaction *Transaction `json:"transaction"`
	OccurredAt  time.Time    `json:"occurred_at"`
}
