// Package processor abstracts the external money-movement rail. Business
// declines come back as unsuccessful results; only infrastructure faults
// (network, timeout, malformed responses) are returned as errors.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ChargeRequest struct {
	Amount   decimal.Decimal
	Currency string
	Method   string
	Metadata map[string]string
}

type ChargeResult struct {
	Success   bool
	Reference string
	Code      string
	Message   string
}

type RefundRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

type RefundResult struct {
	Success bool
	Code    string
	Message string
}

type VerifyResult struct {
	Verified bool
	Status   string
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
}

// Config selects and parameterizes a gateway implementation.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	TestMode    bool
	FailureRate float64
	Latency     time.Duration
}

// New builds the gateway named by cfg.Provider. The provider set is closed;
// adding a rail means adding an implementation here, not a branch elsewhere.
func New(cfg Config) (Gateway, error) {
	switch cfg.Provider {
	case "simulated", "":
		return NewSimulated(cfg.FailureRate, cfg.Latency), nil
	case "http":
		return NewHTTP(cfg.BaseURL, cfg.APIKey, cfg.TestMode), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}
