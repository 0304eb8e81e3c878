package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/finmill/paycore/internal/domain"
	"github.com/finmill/paycore/internal/ledger"
	"github.com/finmill/paycore/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycore_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	svc *service.Orchestrator
	log *zap.Logger
}

func NewHandler(svc *service.Orchestrator, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register wires all routes onto the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/transactions", h.CreateTransactionHandler).Methods("POST")
	apiV1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods("GET")
	apiV1.HandleFunc("/transactions/{id}/refunds", h.RefundHandler).Methods("POST")
	apiV1.HandleFunc("/transactions/{id}/cancel", h.CancelHandler).Methods("POST")
	apiV1.HandleFunc("/owners/{id}/balance", h.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/owners/{id}/transactions", h.ListTransactionsHandler).Methods("GET")
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := h.svc.HealthCheck(r.Context())
	code := http.StatusOK
	if health.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, code, health, "GET", "/health")
}

func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transactions"))
	defer timer.ObserveDuration()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transactions")
		return
	}
	// Header takes precedence over the body field, matching retry clients
	// that resend the same payload with a fixed header key.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	res := h.svc.ProcessTransaction(r.Context(), req)
	if !res.Success {
		h.respondResultError(w, res.Error, "POST", "/transactions")
		return
	}
	h.respondJSON(w, http.StatusCreated, res, "POST", "/transactions")
}

func (h *Handler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transactions/{id}/refunds"))
	defer timer.ObserveDuration()

	var req domain.RefundRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transactions/{id}/refunds")
			return
		}
	}
	req.TransactionID = mux.Vars(r)["id"]

	res := h.svc.ProcessRefund(r.Context(), req)
	if !res.Success {
		h.respondResultError(w, res.Error, "POST", "/transactions/{id}/refunds")
		return
	}
	h.respondJSON(w, http.StatusCreated, res, "POST", "/transactions/{id}/refunds")
}

func (h *Handler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	res := h.svc.CancelTransaction(r.Context(), mux.Vars(r)["id"])
	if !res.Success {
		h.respondResultError(w, res.Error, "POST", "/transactions/{id}/cancel")
		return
	}
	h.respondJSON(w, http.StatusOK, res, "POST", "/transactions/{id}/cancel")
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	txn, err := h.svc.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Transaction not found", "GET", "/transactions/{id}")
			return
		}
		h.log.Error("transaction lookup failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/transactions/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, txn, "GET", "/transactions/{id}")
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["id"]

	info, err := h.svc.GetBalance(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Owner has no accounts", "GET", "/owners/{id}/balance")
			return
		}
		h.log.Error("balance lookup failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/owners/{id}/balance")
		return
	}
	h.respondJSON(w, http.StatusOK, info, "GET", "/owners/{id}/balance")
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["id"]

	f := ledger.Filter{
		Status: domain.TransactionStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	txns, err := h.svc.ListTransactions(r.Context(), ownerID, f)
	if err != nil {
		h.log.Error("transaction list failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/owners/{id}/transactions")
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	h.respondJSON(w, http.StatusOK, txns, "GET", "/owners/{id}/transactions")
}

func (h *Handler) respondResultError(w http.ResponseWriter, e *domain.Error, method, endpoint string) {
	h.respondJSON(w, statusForCode(e.Code), &domain.TransactionResult{Success: false, Error: e}, method, endpoint)
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation, domain.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.CodeTransactionNotFound:
		return http.StatusNotFound
	case domain.CodePaymentFailed, domain.CodeRefundFailed:
		return http.StatusPaymentRequired
	case domain.CodeInvalidTransactionStatus:
		return http.StatusConflict
	case domain.CodeRefundsDisabled:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}
