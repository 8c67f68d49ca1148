package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"infermesh/observability/metrics"
)

// InvoiceRequest asks the Lightning adapter to mint an invoice.
type InvoiceRequest struct {
	RequestID  string `json:"requestId"`
	PayeeID    string `json:"payeeId"`
	AmountSats int64  `json:"amountSats"`
}

// InvoiceResponse carries the minted invoice.
type InvoiceResponse struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"paymentHash"`
	ExpiresAtMs int64  `json:"expiresAtMs,omitempty"`
}

// VerifyRequest asks the adapter whether an invoice settled.
type VerifyRequest struct {
	RequestID   string `json:"requestId"`
	PayeeID     string `json:"payeeId"`
	AmountSats  int64  `json:"amountSats"`
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"paymentHash"`
}

// VerifyResponse is the adapter's settlement verdict.
type VerifyResponse struct {
	Paid        bool   `json:"paid"`
	Detail      string `json:"detail,omitempty"`
	SettledAtMs int64  `json:"settledAtMs,omitempty"`
}

// Adapter is the Lightning collaborator. A nil Adapter disables invoicing
// and settlement checks: challenges carry no invoice and receipts are
// accepted on structural match alone.
type Adapter interface {
	Invoice(ctx context.Context, req *InvoiceRequest) (*InvoiceResponse, error)
	Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error)
}

const adapterTimeout = 10 * time.Second

// HTTPAdapter implements Adapter against LN_ADAPTER_URL.
type HTTPAdapter struct {
	base string
	http *http.Client
}

// NewHTTPAdapter builds an adapter client with sane defaults.
func NewHTTPAdapter(baseURL string) *HTTPAdapter {
	return &HTTPAdapter{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   adapterTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (a *HTTPAdapter) Invoice(ctx context.Context, req *InvoiceRequest) (*InvoiceResponse, error) {
	var out InvoiceResponse
	if err := a.post(ctx, "invoice", "/invoice", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAdapter) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := a.post(ctx, "verify", "/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPAdapter) post(ctx context.Context, op, path string, payload, target any) error {
	start := time.Now()
	err := a.roundTrip(ctx, path, payload, target)
	metrics.Payments().ObserveAdapterCall(op, time.Since(start).Seconds(), err)
	return err
}

func (a *HTTPAdapter) roundTrip(ctx context.Context, path string, payload, target any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode adapter request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("adapter %s failed: status=%d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode adapter %s response: %w", path, err)
	}
	return nil
}
