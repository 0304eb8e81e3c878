package service

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/finmill/paycore/internal/domain"
	"github.com/finmill/paycore/internal/ledger"
)

var sweptTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paycore_swept_transactions_total",
	Help: "Transactions resolved from stuck processing to failed by the sweep",
})

// Sweeper is the recovery protocol for the non-atomic create/charge/shift
// sequence: a transaction can be orphaned in processing if the process dies
// between steps, but no balance ever moves before finalization, so marking
// the row failed is sufficient to resolve it.
type Sweeper struct {
	ledger   ledger.Ledger
	log      *zap.Logger
	interval time.Duration
	maxAge   time.Duration
}

func NewSweeper(l ledger.Ledger, log *zap.Logger, interval, maxAge time.Duration) *Sweeper {
	return &Sweeper{ledger: l, log: log, interval: interval, maxAge: maxAge}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep resolves one batch of stuck transactions.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	stale, err := s.ledger.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		s.log.Error("stale transaction query failed", zap.Error(err))
		return
	}

	for _, txn := range stale {
		if _, err := s.ledger.UpdateTransaction(ctx, txn.ID, ledger.Patch{
			Metadata: map[string]string{domain.MetaFailureReason: "abandoned in processing, resolved by sweep"},
		}); err != nil {
			s.log.Error("sweep annotation failed", zap.String("transaction_id", txn.ID), zap.Error(err))
			continue
		}
		if _, err := s.ledger.UpdateTransactionStatus(ctx, txn.ID, domain.StatusFailed); err != nil {
			s.log.Error("sweep transition failed", zap.String("transaction_id", txn.ID), zap.Error(err))
			continue
		}
		sweptTotal.Inc()
		s.log.Warn("resolved stuck transaction",
			zap.String("transaction_id", txn.ID),
			zap.Time("last_update", txn.UpdatedAt))
	}
}
