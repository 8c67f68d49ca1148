package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"infermesh/payments"
	"infermesh/protocol"
	"infermesh/storage"
)

// challengeFor runs one unpaid /infer and returns the decoded challenge with
// its envelope.
func (m *mesh) challengeFor(req protocol.InferenceRequest) (*protocol.Envelope, protocol.PaymentRequest) {
	m.t.Helper()
	rec := m.post("/infer", m.seal(m.clientKey, req))
	if rec.Code != http.StatusPaymentRequired {
		m.t.Fatalf("status = %d, want 402 (body %s)", rec.Code, rec.Body.String())
	}
	var out struct {
		Error   string            `json:"error"`
		Payment protocol.Envelope `json:"payment"`
	}
	decodeJSON(m.t, rec, &out)
	if out.Error != protocol.CodePaymentRequired {
		m.t.Fatalf("error = %q", out.Error)
	}
	if !out.Payment.VerifyWith(m.routerKey.Public()) {
		m.t.Fatal("challenge envelope not router-signed")
	}
	var pr protocol.PaymentRequest
	if err := out.Payment.DecodePayload(&pr); err != nil {
		m.t.Fatalf("decode challenge: %v", err)
	}
	return &out.Payment, pr
}

func (m *mesh) receiptFor(pr protocol.PaymentRequest) protocol.PaymentReceipt {
	return protocol.PaymentReceipt{
		RequestID:   pr.RequestID,
		PayeeType:   pr.PayeeType,
		PayeeID:     pr.PayeeID,
		AmountSats:  pr.AmountSats,
		Invoice:     pr.Invoice,
		PaymentHash: pr.PaymentHash,
		SettledAtMs: m.clock.Now().UnixMilli(),
	}
}

func TestInferChallengesThenSettles(t *testing.T) {
	m := newMesh(t, meshConfig{requirePayment: true, feeBps: 100})
	m.addNode("n1", tokenPricing(1.0, 1.0), 10, 0)

	req := protocol.InferenceRequest{RequestID: "r1", ModelID: "m", Input: "hello", MaxTokens: 8}
	env1, pr := m.challengeFor(req)
	if pr.AmountSats != 10 {
		t.Fatalf("amountSats = %d, want 10", pr.AmountSats)
	}
	if len(pr.Splits) != 2 {
		t.Fatalf("splits = %+v", pr.Splits)
	}
	if pr.Splits[0].PayeeType != protocol.PayeeNode || pr.Splits[0].PayeeID != "n1" || pr.Splits[0].AmountSats != 9 {
		t.Fatalf("node split = %+v", pr.Splits[0])
	}
	if pr.Splits[1].PayeeType != protocol.PayeeRouter || pr.Splits[1].PayeeID != "router-test" || pr.Splits[1].AmountSats != 1 {
		t.Fatalf("router split = %+v", pr.Splits[1])
	}

	// Re-asking without paying returns the same outstanding challenge.
	env2, _ := m.challengeFor(req)
	if env1.Nonce != env2.Nonce {
		t.Fatal("second challenge should replay the outstanding envelope")
	}

	receipt, err := protocol.Seal(m.clientKey, m.receiptFor(pr), m.clock.Now())
	if err != nil {
		t.Fatalf("seal receipt: %v", err)
	}
	req.PaymentReceipts = []protocol.Envelope{*receipt}
	rec := m.post("/infer", m.seal(m.clientKey, req))
	if rec.Code != http.StatusOK {
		t.Fatalf("paid status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Response protocol.Envelope `json:"response"`
		Metering protocol.Envelope `json:"metering"`
	}
	decodeJSON(t, rec, &out)
	var resp protocol.InferenceResponse
	if err := out.Response.DecodePayload(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Output != "echo:hello" {
		t.Fatalf("output = %q", resp.Output)
	}
	var met protocol.MeteringRecord
	if err := out.Metering.DecodePayload(&met); err != nil {
		t.Fatalf("decode metering: %v", err)
	}
	if met.PriceSats != 10 {
		t.Fatalf("metering priceSats = %d, want 10", met.PriceSats)
	}
}

func TestPaymentReceiptEndpointSettles(t *testing.T) {
	m := newMesh(t, meshConfig{requirePayment: true})
	m.addNode("n1", tokenPricing(1.0, 1.0), 10, 0)

	req := protocol.InferenceRequest{RequestID: "r-endpoint", ModelID: "m", Input: "hi", MaxTokens: 4}
	_, pr := m.challengeFor(req)

	rec := m.post("/payment-receipt", m.seal(m.clientKey, m.receiptFor(pr)))
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt status = %d, body %s", rec.Code, rec.Body.String())
	}
	if st, ok := m.payments.Status("r-endpoint"); !ok || st != payments.StatusPaid {
		t.Fatalf("payment status = %v, %v", st, ok)
	}

	// The paid request now runs without an inline receipt.
	rec = m.post("/infer", m.seal(m.clientKey, req))
	if rec.Code != http.StatusOK {
		t.Fatalf("infer status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestInlineReceiptSignatureInvalid(t *testing.T) {
	m := newMesh(t, meshConfig{requirePayment: true})
	m.addNode("n1", tokenPricing(1.0, 1.0), 10, 0)

	req := protocol.InferenceRequest{RequestID: "r-forged", ModelID: "m", Input: "hi", MaxTokens: 4}
	_, pr := m.challengeFor(req)

	receipt, err := protocol.Seal(m.clientKey, m.receiptFor(pr), m.clock.Now())
	if err != nil {
		t.Fatalf("seal receipt: %v", err)
	}
	receipt.TS += 1 // invalidates the signature
	req.PaymentReceipts = []protocol.Envelope{*receipt}

	rec := m.post("/infer", m.seal(m.clientKey, req))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (body %s)", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != protocol.CodePaymentSignatureInvalid {
		t.Fatalf("error = %q", code)
	}
}

func TestReceiptAmountMismatchRejected(t *testing.T) {
	m := newMesh(t, meshConfig{requirePayment: true})
	m.addNode("n1", tokenPricing(1.0, 1.0), 10, 0)

	req := protocol.InferenceRequest{RequestID: "r-short", ModelID: "m", Input: "hi", MaxTokens: 4}
	_, pr := m.challengeFor(req)

	short := m.receiptFor(pr)
	short.AmountSats = pr.AmountSats - 1
	rec := m.post("/payment-receipt", m.seal(m.clientKey, short))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != protocol.CodePaymentAmountMismatch {
		t.Fatalf("error = %q", code)
	}
}

func TestChallengeExpiresThenReissues(t *testing.T) {
	m := newMesh(t, meshConfig{requirePayment: true})
	m.addNode("n1", tokenPricing(1.0, 1.0), 10, 0)

	req := protocol.InferenceRequest{RequestID: "r-stale", ModelID: "m", Input: "hi", MaxTokens: 4}
	env1, pr := m.challengeFor(req)

	m.clock.Advance(2 * time.Minute) // past the 60s challenge TTL

	rec := m.post("/payment-receipt", m.seal(m.clientKey, m.receiptFor(pr)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("late receipt status = %d, want 409 (body %s)", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != protocol.CodePaymentRequestExpired {
		t.Fatalf("error = %q", code)
	}

	// Heartbeat lapsed during the advance; refresh so scheduling still works.
	if err := m.registry.Heartbeat(protocol.NodeHeartbeat{NodeID: "n1"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	env2, _ := m.challengeFor(req)
	if env1.Nonce == env2.Nonce {
		t.Fatal("expired challenge must be reissued, not replayed")
	}
}

func TestConcurrentInferConsumesOnce(t *testing.T) {
	m := newMesh(t, meshConfig{requirePayment: true})
	m.addNode("n1", tokenPricing(1.0, 1.0), 10, 0)

	req := protocol.InferenceRequest{RequestID: "r-conc", ModelID: "m", Input: "once", MaxTokens: 4}
	_, pr := m.challengeFor(req)
	if rec := m.post("/payment-receipt", m.seal(m.clientKey, m.receiptFor(pr))); rec.Code != http.StatusOK {
		t.Fatalf("receipt status = %d", rec.Code)
	}

	// Two distinct envelopes, same requestId and one settled payment: both
	// must succeed with the same body, backed by exactly one dispatch.
	bodies := [][]byte{m.seal(m.clientKey, req), m.seal(m.clientKey, req)}
	results := make([]*httptest.ResponseRecorder, len(bodies))
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.post("/infer", bodies[i])
		}(i)
	}
	wg.Wait()

	for i, rec := range results {
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, body %s", i, rec.Code, rec.Body.String())
		}
	}
	if !bytes.Equal(results[0].Body.Bytes(), results[1].Body.Bytes()) {
		t.Fatal("concurrent consumers must observe the same outcome")
	}
	if got := m.runner.Calls(); got != 1 {
		t.Fatalf("runner calls = %d, want exactly 1", got)
	}
}

func TestRestartAcceptsSavedReceipt(t *testing.T) {
	m1 := newMesh(t, meshConfig{requirePayment: true, heartbeatTTL: time.Hour})
	m1.addNode("n1", tokenPricing(1.0, 1.0), 10, 0)

	req := protocol.InferenceRequest{RequestID: "r-durable", ModelID: "m", Input: "hello", MaxTokens: 8}
	_, pr := m1.challengeFor(req)
	receipt, err := protocol.Seal(m1.clientKey, m1.receiptFor(pr), m1.clock.Now())
	if err != nil {
		t.Fatalf("seal receipt: %v", err)
	}
	if rec := m1.post("/payment-receipt", m1.seal(m1.clientKey, m1.receiptFor(pr))); rec.Code != http.StatusOK {
		t.Fatalf("receipt status = %d, body %s", rec.Code, rec.Body.String())
	}

	store, err := storage.New(storage.Config{
		Path: filepath.Join(t.TempDir(), "state.json"),
		Collect: func() storage.Snapshot {
			return storage.Snapshot{
				RouterID: "router-test",
				Registry: m1.registry.Snapshot(),
				Payments: m1.payments.Snapshot(),
			}
		},
		Now: m1.clock.Now,
	})
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Long outage: the saved receipt envelope falls outside the replay
	// window, and only the snapshot remembers the settled payment.
	m1.clock.Advance(10 * time.Minute)

	m2 := newMesh(t, meshConfig{
		requirePayment: true,
		heartbeatTTL:   time.Hour,
		clock:          m1.clock,
		routerKey:      m1.routerKey,
		clientKey:      m1.clientKey,
		nodeKey:        m1.nodeKey,
	})
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap == nil {
		t.Fatal("snapshot missing")
	}
	m2.registry.Restore(snap.Registry)
	m2.payments.Restore(snap.Payments)

	var nl struct {
		Active []string `json:"active"`
	}
	decodeJSON(t, m2.get("/nodes"), &nl)
	if len(nl.Active) != 1 || nl.Active[0] != "n1" {
		t.Fatalf("active after restore = %v", nl.Active)
	}

	req.PaymentReceipts = []protocol.Envelope{*receipt}
	rec := m2.post("/infer", m2.seal(m2.clientKey, req))
	if rec.Code != http.StatusOK {
		t.Fatalf("post-restart status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Response protocol.Envelope `json:"response"`
	}
	decodeJSON(t, rec, &out)
	var resp protocol.InferenceResponse
	if err := out.Response.DecodePayload(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Output != "echo:hello" {
		t.Fatalf("output = %q", resp.Output)
	}

	// Replaying the consumed request in the same process is idempotent.
	again := m2.post("/infer", m2.seal(m2.clientKey, req))
	if again.Code != http.StatusOK {
		t.Fatalf("idempotent replay status = %d, body %s", again.Code, again.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), again.Body.Bytes()) {
		t.Fatal("replay must return the cached outcome")
	}
	if got := m2.runner.Calls(); got != 1 {
		t.Fatalf("runner calls after restart = %d, want 1", got)
	}
}
