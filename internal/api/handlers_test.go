package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finmill/paycore/internal/domain"
	"github.com/finmill/paycore/internal/events"
	"github.com/finmill/paycore/internal/ledger"
	"github.com/finmill/paycore/internal/processor"
	"github.com/finmill/paycore/internal/service"
)

func newTestServer(t *testing.T) (*httptest.Server, *ledger.Memory) {
	t.Helper()

	mem := ledger.NewMemory()
	logger := zap.NewNop()
	orchestrator := service.NewOrchestrator(
		mem,
		processor.NewSimulated(0, 0),
		events.NewChannel(16, logger),
		logger,
		service.Config{
			MinAmount:        decimal.RequireFromString("0.01"),
			MaxAmount:        decimal.RequireFromString("10000"),
			RefundsEnabled:   true,
			ProcessorTimeout: time.Second,
		},
	)

	r := mux.NewRouter()
	NewHandler(orchestrator, logger).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mem
}

func postJSON(t *testing.T, url string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestCreateTransactionEndpoint(t *testing.T) {
	srv, mem := newTestServer(t)
	mem.Seed("user_1", "USD", domain.AccountTypeUser, decimal.NewFromInt(100))

	resp, body := postJSON(t, srv.URL+"/api/v1/transactions", map[string]any{
		"payer_id": "user_1",
		"payee_id": "user_2",
		"amount":   "25.0000",
		"currency": "USD",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var result domain.TransactionResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Success)
	assert.Equal(t, domain.StatusCompleted, result.Transaction.Status)
}

func TestCreateTransactionValidationError(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/api/v1/transactions", map[string]any{
		"payer_id": "user_1",
		"payee_id": "user_1",
		"amount":   "25.0000",
		"currency": "USD",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var result domain.TransactionResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, domain.CodeValidation, result.Error.Code)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	srv, mem := newTestServer(t)
	mem.Seed("user_1", "USD", domain.AccountTypeUser, decimal.NewFromInt(100))

	payload := map[string]any{
		"payer_id": "user_1",
		"payee_id": "user_2",
		"amount":   "10.0000",
		"currency": "USD",
	}
	headers := map[string]string{"Idempotency-Key": "abc-123"}

	_, first := postJSON(t, srv.URL+"/api/v1/transactions", payload, headers)
	_, second := postJSON(t, srv.URL+"/api/v1/transactions", payload, headers)

	var r1, r2 domain.TransactionResult
	require.NoError(t, json.Unmarshal(first, &r1))
	require.NoError(t, json.Unmarshal(second, &r2))
	assert.Equal(t, r1.Transaction.ID, r2.Transaction.ID)
}

func TestRefundEndpoint(t *testing.T) {
	srv, mem := newTestServer(t)
	mem.Seed("user_1", "USD", domain.AccountTypeUser, decimal.NewFromInt(100))

	_, body := postJSON(t, srv.URL+"/api/v1/transactions", map[string]any{
		"payer_id": "user_1",
		"payee_id": "user_2",
		"amount":   "40.0000",
		"currency": "USD",
	}, nil)
	var payment domain.TransactionResult
	require.NoError(t, json.Unmarshal(body, &payment))

	resp, body := postJSON(t, srv.URL+"/api/v1/transactions/"+payment.Transaction.ID+"/refunds", map[string]any{}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var refund domain.TransactionResult
	require.NoError(t, json.Unmarshal(body, &refund))
	assert.True(t, refund.Success)
	assert.Equal(t, "user_2", refund.Transaction.PayerID)

	resp, _ = postJSON(t, srv.URL+"/api/v1/transactions/nonexistent/refunds", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetTransactionEndpoint(t *testing.T) {
	srv, mem := newTestServer(t)
	mem.Seed("user_1", "USD", domain.AccountTypeUser, decimal.NewFromInt(100))

	_, body := postJSON(t, srv.URL+"/api/v1/transactions", map[string]any{
		"payer_id": "user_1",
		"payee_id": "user_2",
		"amount":   "5.0000",
		"currency": "USD",
	}, nil)
	var result domain.TransactionResult
	require.NoError(t, json.Unmarshal(body, &result))

	resp, err := http.Get(srv.URL + "/api/v1/transactions/" + result.Transaction.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/transactions/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBalanceAndListEndpoints(t *testing.T) {
	srv, mem := newTestServer(t)
	mem.Seed("user_1", "USD", domain.AccountTypeUser, decimal.NewFromInt(100))

	_, _ = postJSON(t, srv.URL+"/api/v1/transactions", map[string]any{
		"payer_id": "user_1",
		"payee_id": "user_2",
		"amount":   "25.0000",
		"currency": "USD",
	}, nil)

	resp, err := http.Get(srv.URL + "/api/v1/owners/user_1/balance")
	require.NoError(t, err)
	var info domain.BalanceInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.True(t, info.Balance.Equal(decimal.NewFromInt(75)), "got %s", info.Balance)

	resp, err = http.Get(srv.URL + "/api/v1/owners/unknown/balance")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/owners/user_2/transactions?status=completed&limit=10")
	require.NoError(t, err)
	var txns []domain.Transaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&txns))
	resp.Body.Close()
	assert.Len(t, txns, 1)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h domain.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "healthy", h.Status)
}
