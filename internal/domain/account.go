package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SelfOwner is the reserved owner identifier for the platform's own account.
// It is pre-provisioned and exempt from balance debits and credits.
const SelfOwner = "SELF"

type AccountType string

const (
	AccountTypeUser     AccountType = "user"
	AccountTypePlatform AccountType = "platform"
	AccountTypeEscrow   AccountType = "escrow"
	AccountTypeMerchant AccountType = "merchant"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

// Account holds one owner's balance in a single currency.
// Exactly one account exists per (OwnerID, Currency); the balance is never negative.
type Account struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Type      AccountType     `json:"type"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Status    AccountStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BalanceInfo is the caller-facing view of an owner's funds. PendingBalance
// is the sum of amounts tied up in pending or processing transactions.
type BalanceInfo struct {
	OwnerID          string          `json:"owner_id"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	PendingBalance   decimal.Decimal `json:"pending_balance"`
}
