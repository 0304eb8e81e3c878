// Package service drives the transaction state machine: validation,
// idempotency, processor coordination, balance application and status
// finalization. It owns no storage; all persistence goes through the ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finmill/paycore/internal/domain"
	"github.com/finmill/paycore/internal/events"
	"github.com/finmill/paycore/internal/ledger"
	"github.com/finmill/paycore/internal/processor"
)

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_transactions_total",
		Help: "Transactions finalized, labeled by flow and terminal status",
	}, []string{"flow", "status"})

	processorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_processor_calls_total",
		Help: "External processor calls, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	processDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycore_process_duration_seconds",
		Help:    "End-to-end latency of orchestrator operations",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"operation"})
)

// Config are the orchestrator's policy knobs.
type Config struct {
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	RefundsEnabled   bool
	ProcessorTimeout time.Duration
}

// Orchestrator is constructed once and shared by all callers; it holds no
// per-request state.
type Orchestrator struct {
	ledger  ledger.Ledger
	gateway processor.Gateway
	events  events.Sink
	log     *zap.Logger
	cfg     Config
}

func NewOrchestrator(l ledger.Ledger, g processor.Gateway, sink events.Sink, log *zap.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{ledger: l, gateway: g, events: sink, log: log, cfg: cfg}
}

// ProcessTransaction runs the full state machine for one payment request.
// Every path that creates a transaction leaves it in a terminal status.
func (o *Orchestrator) ProcessTransaction(ctx context.Context, req domain.TransactionRequest) *domain.TransactionResult {
	timer := prometheus.NewTimer(processDuration.WithLabelValues("process_transaction"))
	defer timer.ObserveDuration()

	if res := o.validate(req); res != nil {
		return res
	}

	// Retried requests short-circuit to the prior outcome. The unique key
	// constraint at the ledger closes the window between this lookup and
	// the create below.
	if req.IdempotencyKey != "" {
		prior, err := o.ledger.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			o.log.Info("idempotent replay",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("transaction_id", prior.ID))
			return domain.ResultOK(prior)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return o.internal("idempotency lookup failed", err)
		}
	}

	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.IdempotencyKey != "" {
		meta[domain.MetaIdempotencyKey] = req.IdempotencyKey
	}

	txn, err := o.ledger.CreateTransaction(ctx, ledger.CreateParams{
		PayerID:       req.PayerID,
		PayeeID:       req.PayeeID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        domain.StatusPending,
		PaymentMethod: req.PaymentMethod,
		Metadata:      meta,
	})
	if err != nil {
		// Lost the compare-and-create race; the winner's row is the result.
		if errors.Is(err, domain.ErrDuplicateKey) && req.IdempotencyKey != "" {
			if prior, ferr := o.ledger.FindByIdempotencyKey(ctx, req.IdempotencyKey); ferr == nil {
				return domain.ResultOK(prior)
			}
		}
		return o.internal("transaction create failed", err)
	}

	// External processing applies only to charges against the platform
	// that carry a payment method. Payouts and peer-to-peer transfers are
	// internal balance moves.
	externallyFunded := false
	if req.PayeeID == domain.SelfOwner && req.PaymentMethod != "" {
		processing, err := o.ledger.UpdateTransactionStatus(ctx, txn.ID, domain.StatusProcessing)
		if err != nil {
			return o.fail(ctx, txn, "transaction", domain.CodeInternal, "status update failed: "+err.Error())
		}
		txn = processing

		result, err := o.charge(ctx, req)
		if err != nil {
			processorCalls.WithLabelValues("charge", "error").Inc()
			return o.fail(ctx, txn, "transaction", domain.CodePaymentFailed, "payment processor unavailable: "+err.Error())
		}
		if !result.Success {
			processorCalls.WithLabelValues("charge", "declined").Inc()
			return o.fail(ctx, txn, "transaction", domain.CodePaymentFailed, "payment declined: "+result.Message)
		}
		processorCalls.WithLabelValues("charge", "success").Inc()

		referenced, err := o.ledger.UpdateTransaction(ctx, txn.ID, ledger.Patch{ProcessorReference: &result.Reference})
		if err != nil {
			return o.fail(ctx, txn, "transaction", domain.CodeInternal, "processor reference update failed: "+err.Error())
		}
		txn = referenced
		externallyFunded = true
	}

	// A successful external charge funds the transaction from outside the
	// ledger, so the payer's wallet is not debited; the shift runs with
	// SELF on the funded leg instead.
	shiftPayer := req.PayerID
	if externallyFunded {
		shiftPayer = domain.SelfOwner
	}
	if err := o.ledger.ShiftBalance(ctx, shiftPayer, req.PayeeID, req.Amount, req.Currency); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return o.fail(ctx, txn, "transaction", domain.CodeInsufficientFunds, "insufficient funds")
		}
		return o.fail(ctx, txn, "transaction", domain.CodeInternal, "balance shift failed: "+err.Error())
	}

	completed, err := o.ledger.UpdateTransactionStatus(ctx, txn.ID, domain.StatusCompleted)
	if err != nil {
		return o.fail(ctx, txn, "transaction", domain.CodeInternal, "completion update failed: "+err.Error())
	}
	txn = completed

	transactionsTotal.WithLabelValues("transaction", string(domain.StatusCompleted)).Inc()
	o.events.Emit(ctx, domain.Event{
		Name:        domain.EventTransactionCompleted,
		Transaction: txn,
		OccurredAt:  time.Now().UTC(),
	})
	o.log.Info("transaction completed",
		zap.String("transaction_id", txn.ID),
		zap.String("payer", txn.PayerID),
		zap.String("payee", txn.PayeeID),
		zap.String("amount", txn.Amount.StringFixed(4)),
		zap.String("currency", txn.Currency))

	return domain.ResultOK(txn)
}

// ProcessRefund compensates a completed transaction with a new transaction
// for the swapped pair. The original is marked refunded once cumulative
// refunds reach its full amount.
func (o *Orchestrator) ProcessRefund(ctx context.Context, req domain.RefundRequest) *domain.TransactionResult {
	timer := prometheus.NewTimer(processDuration.WithLabelValues("process_refund"))
	defer timer.ObserveDuration()

	if !o.cfg.RefundsEnabled {
		return domain.ResultErr(domain.CodeRefundsDisabled, "refunds are disabled")
	}

	original, err := o.ledger.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ResultErr(domain.CodeTransactionNotFound, "original transaction not found")
		}
		return o.internal("original transaction lookup failed", err)
	}
	if original.Status != domain.StatusCompleted {
		return domain.ResultErr(domain.CodeInvalidTransactionStatus,
			fmt.Sprintf("cannot refund transaction in status %s", original.Status))
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = original.Amount
	}
	if !amount.IsPositive() {
		return domain.ResultErr(domain.CodeValidation, "refund amount must be positive")
	}

	meta := map[string]string{domain.MetaOriginalTransaction: original.ID}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	// The ledger enforces the cumulative cap atomically; a concurrent
	// refund of the same original cannot slip past it between a read and
	// the create.
	refund, err := o.ledger.CreateRefund(ctx, original.ID, ledger.CreateParams{
		PayerID:  original.PayeeID,
		PayeeID:  original.PayerID,
		Amount:   amount,
		Currency: original.Currency,
		Status:   domain.StatusProcessing,
		Metadata: meta,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRefundExceeded):
			return domain.ResultErr(domain.CodeValidation,
				fmt.Sprintf("refund of %s exceeds the remaining refundable amount", amount.StringFixed(4)))
		case errors.Is(err, domain.ErrInvalidTransition):
			return domain.ResultErr(domain.CodeInvalidTransactionStatus,
				"original transaction is no longer refundable")
		case errors.Is(err, domain.ErrNotFound):
			return domain.ResultErr(domain.CodeTransactionNotFound, "original transaction not found")
		default:
			return o.internal("refund create failed", err)
		}
	}

	externallyRefunded := false
	if original.ProcessorReference != "" {
		result, err := o.refund(ctx, original.ProcessorReference, amount, original.Currency)
		if err != nil {
			processorCalls.WithLabelValues("refund", "error").Inc()
			return o.fail(ctx, refund, "refund", domain.CodeRefundFailed, "payment processor unavailable: "+err.Error())
		}
		if !result.Success {
			processorCalls.WithLabelValues("refund", "declined").Inc()
			return o.fail(ctx, refund, "refund", domain.CodeRefundFailed, "refund declined: "+result.Message)
		}
		processorCalls.WithLabelValues("refund", "success").Inc()
		externallyRefunded = true
	}

	// Mirror of the funding rule: money returned through the rail goes
	// back to the card, so the refund payee's wallet is not credited.
	shiftPayee := original.PayerID
	if externallyRefunded {
		shiftPayee = domain.SelfOwner
	}
	if err := o.ledger.ShiftBalance(ctx, original.PayeeID, shiftPayee, amount, original.Currency); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return o.fail(ctx, refund, "refund", domain.CodeInsufficientFunds, "payee has insufficient funds for refund")
		}
		return o.fail(ctx, refund, "refund", domain.CodeInternal, "balance shift failed: "+err.Error())
	}

	done, err := o.ledger.UpdateTransactionStatus(ctx, refund.ID, domain.StatusCompleted)
	if err != nil {
		return o.fail(ctx, refund, "refund", domain.CodeInternal, "refund completion update failed: "+err.Error())
	}
	refund = done

	// The completed sum decides whether the original closes out. A
	// concurrent refund may have closed it already; that transition
	// rejection is not an error here.
	total, err := o.ledger.SumRefunded(ctx, original.ID)
	if err != nil {
		return o.internal("refund sum lookup failed", err)
	}
	if total.GreaterThanOrEqual(original.Amount) {
		if _, err := o.ledger.UpdateTransactionStatus(ctx, original.ID, domain.StatusRefunded); err != nil &&
			!errors.Is(err, domain.ErrInvalidTransition) {
			return o.internal("original status update failed", err)
		}
	}
	if _, err := o.ledger.UpdateTransaction(ctx, original.ID, ledger.Patch{
		Metadata: map[string]string{domain.MetaRefundTransaction: refund.ID},
	}); err != nil {
		return o.internal("original link update failed", err)
	}

	transactionsTotal.WithLabelValues("refund", string(domain.StatusCompleted)).Inc()
	o.events.Emit(ctx, domain.Event{
		Name:        domain.EventRefundCompleted,
		Transaction: refund,
		OccurredAt:  time.Now().UTC(),
	})
	o.log.Info("refund completed",
		zap.String("transaction_id", refund.ID),
		zap.String("original_id", original.ID),
		zap.String("amount", amount.StringFixed(4)))

	return domain.ResultOK(refund)
}

// CancelTransaction cancels a transaction that has not started processing.
// Cancellation is caller-initiated; the state machine never cancels on its
// own.
func (o *Orchestrator) CancelTransaction(ctx context.Context, id string) *domain.TransactionResult {
	txn, err := o.ledger.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ResultErr(domain.CodeTransactionNotFound, "transaction not found")
		}
		return o.internal("transaction lookup failed", err)
	}
	if txn.Status != domain.StatusPending {
		return domain.ResultErr(domain.CodeInvalidTransactionStatus,
			fmt.Sprintf("cannot cancel transaction in status %s", txn.Status))
	}

	txn, err = o.ledger.UpdateTransactionStatus(ctx, id, domain.StatusCancelled)
	if err != nil {
		return o.internal("cancellation update failed", err)
	}
	transactionsTotal.WithLabelValues("transaction", string(domain.StatusCancelled)).Inc()
	o.log.Info("transaction cancelled", zap.String("transaction_id", txn.ID))
	return domain.ResultOK(txn)
}

func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return o.ledger.GetTransaction(ctx, id)
}

func (o *Orchestrator) ListTransactions(ctx context.Context, ownerID string, f ledger.Filter) ([]domain.Transaction, error) {
	return o.ledger.ListTransactions(ctx, ownerID, f)
}

func (o *Orchestrator) GetBalance(ctx context.Context, ownerID string) (*domain.BalanceInfo, error) {
	return o.ledger.GetBalance(ctx, ownerID)
}

func (o *Orchestrator) HealthCheck(ctx context.Context) domain.Health {
	h := domain.Health{Status: "healthy", LastCheck: time.Now().UTC()}
	if err := o.ledger.Ping(ctx); err != nil {
		h.Status = "unhealthy"
	}
	return h
}

func (o *Orchestrator) validate(req domain.TransactionRequest) *domain.TransactionResult {
	if req.PayerID == "" || req.PayeeID == "" {
		return domain.ResultErr(domain.CodeValidation, "payer and payee are required")
	}
	if req.PayerID == req.PayeeID {
		return domain.ResultErr(domain.CodeValidation, "payer and payee must differ")
	}
	if !req.Amount.IsPositive() {
		return domain.ResultErr(domain.CodeValidation, "amount must be positive")
	}
	if req.Amount.LessThan(o.cfg.MinAmount) {
		return domain.ResultErr(domain.CodeValidation,
			fmt.Sprintf("amount below minimum %s", o.cfg.MinAmount.StringFixed(4)))
	}
	if o.cfg.MaxAmount.IsPositive() && req.Amount.GreaterThan(o.cfg.MaxAmount) {
		return domain.ResultErr(domain.CodeValidation,
			fmt.Sprintf("amount above maximum %s", o.cfg.MaxAmount.StringFixed(4)))
	}
	if len(req.Currency) != 3 {
		return domain.ResultErr(domain.CodeValidation, "currency must be a 3-letter code")
	}
	return nil
}

// charge invokes the gateway under the configured deadline. A deadline
// expiry comes back as an error, which the caller turns into a failed
// transaction; no balance has moved at that point.
func (o *Orchestrator) charge(ctx context.Context, req domain.TransactionRequest) (*processor.ChargeResult, error) {
	if o.cfg.ProcessorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ProcessorTimeout)
		defer cancel()
	}
	return o.gateway.Charge(ctx, processor.ChargeRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Method:   req.PaymentMethod,
		Metadata: req.Metadata,
	})
}

func (o *Orchestrator) refund(ctx context.Context, reference string, amount decimal.Decimal, currency string) (*processor.RefundResult, error) {
	if o.cfg.ProcessorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ProcessorTimeout)
		defer cancel()
	}
	return o.gateway.Refund(ctx, processor.RefundRequest{
		Reference: reference,
		Amount:    amount,
		Currency:  currency,
	})
}

// fail transitions a transaction to failed before surfacing the error, so
// callers never observe an ambiguous processing state.
func (o *Orchestrator) fail(ctx context.Context, txn *domain.Transaction, flow string, code domain.ErrorCode, msg string) *domain.TransactionResult {
	if _, err := o.ledger.UpdateTransaction(ctx, txn.ID, ledger.Patch{
		Metadata: map[string]string{domain.MetaFailureReason: msg},
	}); err != nil {
		o.log.Error("failure reason update failed", zap.String("transaction_id", txn.ID), zap.Error(err))
	}
	if _, err := o.ledger.UpdateTransactionStatus(ctx, txn.ID, domain.StatusFailed); err != nil {
		o.log.Error("failure transition failed", zap.String("transaction_id", txn.ID), zap.Error(err))
	}
	transactionsTotal.WithLabelValues(flow, string(domain.StatusFailed)).Inc()
	o.log.Warn("transaction failed",
		zap.String("transaction_id", txn.ID),
		zap.String("code", string(code)),
		zap.String("reason", msg))
	return domain.ResultErr(code, msg)
}

func (o *Orchestrator) internal(msg string, err error) *domain.TransactionResult {
	o.log.Error(msg, zap.Error(err))
	return domain.ResultErr(domain.CodeInternal, msg)
}
