package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"infermesh/crypto"
	"infermesh/protocol"
)

func testClock() time.Time { return time.Unix(1_700_000_000, 0) }

func genKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// decodeEnvelope verifies a client-sealed envelope and decodes its payload.
// It runs inside server handlers, so failures report through t.Error and a
// nil return.
func decodeEnvelope(t *testing.T, r *http.Request, out any) *protocol.Envelope {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Errorf("read body: %v", err)
		return nil
	}
	var env protocol.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Errorf("decode envelope: %v", err)
		return nil
	}
	if !env.Verify() {
		t.Error("client envelope signature did not verify")
		return nil
	}
	if err := env.DecodePayload(out); err != nil {
		t.Errorf("decode payload: %v", err)
		return nil
	}
	return &env
}

func TestQuoteRoundTrip(t *testing.T) {
	clientKey := genKey(t)
	routerKey := genKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("path = %s, want /quote", r.URL.Path)
		}
		var req protocol.QuoteRequest
		env := decodeEnvelope(t, r, &req)
		if env == nil {
			return
		}
		if env.KeyID != clientKey.KeyID() {
			t.Errorf("envelope keyId = %s, want client key", env.KeyID)
		}
		if req.RequestID != "rq-1" || req.ModelID != "m" {
			t.Errorf("unexpected quote request %+v", req)
		}
		quote := protocol.QuoteResponse{
			RequestID:   req.RequestID,
			NodeID:      "n1",
			ModelID:     req.ModelID,
			Price:       protocol.QuotePrice{Total: 42},
			ExpiresAtMs: testClock().Add(time.Minute).UnixMilli(),
		}
		sealed, err := protocol.Seal(routerKey, quote, testClock())
		if err != nil {
			t.Errorf("seal quote: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"quote": sealed})
	}))
	defer srv.Close()

	c, err := New(srv.URL, clientKey, WithClock(testClock))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	quote, err := c.Quote(context.Background(), protocol.QuoteRequest{
		RequestID: "rq-1", ModelID: "m", InputTokensEstimate: 10, OutputTokensEstimate: 10,
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.NodeID != "n1" || quote.Price.Total != 42 {
		t.Errorf("quote = %+v", quote)
	}
}

func TestInferReturnsTypedChallenge(t *testing.T) {
	clientKey := genKey(t)
	routerKey := genKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		challenge := protocol.PaymentRequest{
			RequestID:  "r1",
			PayeeType:  protocol.PayeeNode,
			PayeeID:    "n1",
			AmountSats: 25,
			Splits: []protocol.PaymentSplit{
				{PayeeType: protocol.PayeeNode, PayeeID: "n1", AmountSats: 24},
				{PayeeType: protocol.PayeeRouter, PayeeID: "router-1", AmountSats: 1},
			},
			ExpiresAtMs: testClock().Add(time.Minute).UnixMilli(),
		}
		sealed, err := protocol.Seal(routerKey, challenge, testClock())
		if err != nil {
			t.Errorf("seal challenge: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   protocol.CodePaymentRequired,
			"payment": sealed,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, clientKey, WithClock(testClock))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Infer(context.Background(), protocol.InferenceRequest{RequestID: "r1", ModelID: "m", Input: "hi"})
	var challenge *PaymentRequiredError
	if !errors.As(err, &challenge) {
		t.Fatalf("err = %v, want PaymentRequiredError", err)
	}
	if challenge.Request.AmountSats != 25 || challenge.Request.RequestID != "r1" {
		t.Errorf("challenge request = %+v", challenge.Request)
	}
	if challenge.Payment == nil || !challenge.Payment.Verify() {
		t.Error("challenge envelope missing or unverifiable")
	}
}

func TestInferPaidSettlesAndRetries(t *testing.T) {
	clientKey := genKey(t)
	routerKey := genKey(t)

	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		attempt := calls
		mu.Unlock()

		var req protocol.InferenceRequest
		if decodeEnvelope(t, r, &req) == nil {
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if attempt == 1 {
			challenge := protocol.PaymentRequest{
				RequestID:   req.RequestID,
				PayeeType:   protocol.PayeeNode,
				PayeeID:     "n1",
				AmountSats:  25,
				PaymentHash: "hash-1",
				ExpiresAtMs: testClock().Add(time.Minute).UnixMilli(),
			}
			sealed, err := protocol.Seal(routerKey, challenge, testClock())
			if err != nil {
				t.Errorf("seal challenge: %v", err)
				return
			}
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":   protocol.CodePaymentRequired,
				"payment": sealed,
			})
			return
		}

		if len(req.PaymentReceipts) != 1 {
			t.Errorf("retry carried %d receipts, want 1", len(req.PaymentReceipts))
			return
		}
		rcptEnv := req.PaymentReceipts[0]
		if !rcptEnv.Verify() || rcptEnv.KeyID != clientKey.KeyID() {
			t.Error("inline receipt not sealed by the client key")
		}
		var rcpt protocol.PaymentReceipt
		if err := rcptEnv.DecodePayload(&rcpt); err != nil {
			t.Errorf("decode inline receipt: %v", err)
			return
		}
		if rcpt.RequestID != req.RequestID || rcpt.AmountSats != 25 || rcpt.PaymentHash != "hash-1" {
			t.Errorf("receipt = %+v", rcpt)
		}
		if rcpt.SettledAtMs == 0 {
			t.Error("receipt missing settlement time")
		}

		response := protocol.InferenceResponse{RequestID: req.RequestID, NodeID: "n1", ModelID: req.ModelID, Output: "done"}
		metering := protocol.MeteringRecord{RequestID: req.RequestID, NodeID: "n1", ModelID: req.ModelID, PriceSats: 25}
		respEnv, err := protocol.Seal(routerKey, response, testClock())
		if err != nil {
			t.Errorf("seal response: %v", err)
			return
		}
		metEnv, err := protocol.Seal(routerKey, metering, testClock())
		if err != nil {
			t.Errorf("seal metering: %v", err)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": respEnv, "metering": metEnv})
	}))
	defer srv.Close()

	c, err := New(srv.URL, clientKey, WithClock(testClock))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := c.InferPaid(context.Background(), protocol.InferenceRequest{
		RequestID: "r2", ModelID: "m", Input: "hello",
	}, DirectPayer{Now: testClock})
	if err != nil {
		t.Fatalf("infer paid: %v", err)
	}
	if result.Response.Output != "done" {
		t.Errorf("output = %q, want done", result.Response.Output)
	}
	if result.Metering.PriceSats != 25 {
		t.Errorf("metering price = %d, want 25", result.Metering.PriceSats)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("server saw %d calls, want 2", calls)
	}
}

func TestRouterKeyPinRejectsOtherSigner(t *testing.T) {
	clientKey := genKey(t)
	routerKey := genKey(t)
	imposterKey := genKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quote := protocol.QuoteResponse{RequestID: "rq-1", NodeID: "n1", ModelID: "m"}
		sealed, err := protocol.Seal(imposterKey, quote, testClock())
		if err != nil {
			t.Errorf("seal quote: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"quote": sealed})
	}))
	defer srv.Close()

	c, err := New(srv.URL, clientKey, WithClock(testClock), WithRouterKeyID(routerKey.KeyID()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Quote(context.Background(), protocol.QuoteRequest{RequestID: "rq-1", ModelID: "m"}); err == nil {
		t.Fatal("quote accepted an envelope signed by the wrong key")
	}
}

func TestWireErrorSurfaced(t *testing.T) {
	clientKey := genKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(protocol.NewWireError(protocol.CodeNoCapableNode, "no node serves m"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, clientKey, WithClock(testClock))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Quote(context.Background(), protocol.QuoteRequest{RequestID: "rq-1", ModelID: "m"})
	var we *protocol.WireError
	if !errors.As(err, &we) {
		t.Fatalf("err = %v, want WireError", err)
	}
	if we.Code != protocol.CodeNoCapableNode {
		t.Errorf("code = %s, want %s", we.Code, protocol.CodeNoCapableNode)
	}
}

func TestAnnounceDefaultsKeyID(t *testing.T) {
	clientKey := genKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var manifest protocol.NodeManifest
		if decodeEnvelope(t, r, &manifest) == nil {
			return
		}
		if manifest.KeyID != clientKey.KeyID() {
			t.Errorf("manifest keyId = %s, want the client key", manifest.KeyID)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"admission": protocol.NodeAdmission{Eligible: true}})
	}))
	defer srv.Close()

	c, err := New(srv.URL, clientKey, WithClock(testClock))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	admission, err := c.Announce(context.Background(), protocol.NodeManifest{
		NodeID:   "n1",
		Endpoint: "http://node:9000",
		Capacity: protocol.NodeCapacity{MaxConcurrent: 4},
		Capabilities: []protocol.NodeCapability{
			{ModelID: "m", ContextWindow: 8192, MaxTokens: 2048},
		},
	})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if !admission.Eligible {
		t.Errorf("admission = %+v, want eligible", admission)
	}
}
