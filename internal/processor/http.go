package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTP talks to a JSON rail behind a base URL. The wire contract is the
// gateway contract verbatim: POST /charges, POST /refunds, GET /charges/{ref}.
type HTTP struct {
	baseURL  string
	apiKey   string
	testMode bool
	client   *http.Client
}

func NewHTTP(baseURL, apiKey string, testMode bool) *HTTP {
	return &HTTP{
		baseURL:  baseURL,
		apiKey:   apiKey,
		testMode: testMode,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type wireCharge struct {
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	Method   string            `json:"method"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type wireChargeResult struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type wireRefund struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

type wireRefundResult struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type wireVerifyResult struct {
	Verified bool   `json:"verified"`
	Status   string `json:"status"`
}

func (h *HTTP) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body := wireCharge{
		Amount:   req.Amount.StringFixed(4),
		Currency: req.Currency,
		Method:   req.Method,
		Metadata: req.Metadata,
	}
	var out wireChargeResult
	if err := h.post(ctx, "/charges", body, &out); err != nil {
		return nil, err
	}
	return &ChargeResult{Success: out.Success, Reference: out.Reference, Code: out.Code, Message: out.Message}, nil
}

func (h *HTTP) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	body := wireRefund{
		Reference: req.Reference,
		Amount:    req.Amount.StringFixed(4),
		Currency:  req.Currency,
	}
	var out wireRefundResult
	if err := h.post(ctx, "/refunds", body, &out); err != nil {
		return nil, err
	}
	return &RefundResult{Success: out.Success, Code: out.Code, Message: out.Message}, nil
}

func (h *HTTP) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/charges/"+reference, nil)
	if err != nil {
		return nil, err
	}
	h.authorize(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("processor returned status %d", resp.StatusCode)
	}

	var out wireVerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("processor response decode failed: %w", err)
	}
	return &VerifyResult{Verified: out.Verified, Status: out.Status}, nil
}

func (h *HTTP) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	h.authorize(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("processor returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("processor response decode failed: %w", err)
	}
	return nil
}

func (h *HTTP) authorize(req *http.Request) {
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	if h.testMode {
		req.Header.Set("X-Test-Mode", "true")
	}
}
