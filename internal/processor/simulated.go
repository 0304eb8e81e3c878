package processor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type chargeRecord struct {
	amount   decimal.Decimal
	currency string
	refunded decimal.Decimal
}

// Simulated is a pure in-process rail for tests and local runs. FailureRate
// in [0,1] declines that fraction of charges and refunds; Latency delays
// every call to exercise the orchestrator's timeout handling.
type Simulated struct {
	failureRate float64
	latency     time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	charges map[string]*chargeRecord
}

func NewSimulated(failureRate float64, latency time.Duration) *Simulated {
	return &Simulated{
		failureRate: failureRate,
		latency:     latency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		charges:     make(map[string]*chargeRecord),
	}
}

func (s *Simulated) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}
	if s.roll() {
		return &ChargeResult{Success: false, Code: "card_declined", Message: "simulated decline"}, nil
	}

	ref := "sim_" + uuid.NewString()
	s.mu.Lock()
	s.charges[ref] = &chargeRecord{amount: req.Amount, currency: req.Currency, refunded: decimal.Zero}
	s.mu.Unlock()

	return &ChargeResult{Success: true, Reference: ref}, nil
}

func (s *Simulated) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, ok := s.charges[req.Reference]
	s.mu.Unlock()
	if !ok {
		return &RefundResult{Success: false, Code: "reference_not_found", Message: "unknown charge reference"}, nil
	}

	if s.roll() {
		return &RefundResult{Success: false, Code: "refund_declined", Message: "simulated decline"}, nil
	}

	s.mu.Lock()
	rec.refunded = rec.refunded.Add(req.Amount)
	s.mu.Unlock()

	return &RefundResult{Success: true}, nil
}

func (s *Simulated) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, ok := s.charges[reference]
	s.mu.Unlock()
	if !ok {
		return &VerifyResult{Verified: false, Status: "unknown"}, nil
	}
	status := "captured"
	if rec.refunded.GreaterThanOrEqual(rec.amount) {
		status = "refunded"
	}
	return &VerifyResult{Verified: true, Status: status}, nil
}

func (s *Simulated) roll() bool {
	if s.failureRate <= 0 {
		return false
	}
	if s.failureRate >= 1 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.failureRate
}

func (s *Simulated) sleep(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
