package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"infermesh/crypto"
	"infermesh/protocol"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAdapter struct {
	mu       sync.Mutex
	invoice  string
	hash     string
	paid     bool
	detail   string
	err      error
	verifies int
}

func (a *fakeAdapter) Invoice(ctx context.Context, req *InvoiceRequest) (*InvoiceResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &InvoiceResponse{Invoice: a.invoice, PaymentHash: a.hash}, nil
}

func (a *fakeAdapter) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verifies++
	if a.err != nil {
		return nil, a.err
	}
	return &VerifyResponse{Paid: a.paid, Detail: a.detail}, nil
}

func newTestEngine(t *testing.T, clock *fakeClock, adapter Adapter) *Engine {
	t.Helper()
	key, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return NewEngine(Config{
		RouterID: "router-1",
		Key:      key,
		FeeBps:   100,
		Adapter:  adapter,
		Now:      clock.Now,
	})
}

func receiptFor(req *protocol.PaymentRequest) *protocol.PaymentReceipt {
	return &protocol.PaymentReceipt{
		RequestID:   req.RequestID,
		PayeeType:   req.PayeeType,
		PayeeID:     req.PayeeID,
		AmountSats:  req.AmountSats,
		Invoice:     req.Invoice,
		PaymentHash: req.PaymentHash,
	}
}

func wireCode(t *testing.T, err error) string {
	t.Helper()
	var we *protocol.WireError
	if !errors.As(err, &we) {
		t.Fatalf("err = %v, want wire error", err)
	}
	return we.Code
}

func TestChallengeSplitsAndSignature(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)

	env, err := e.Challenge(context.Background(), "r1", "n1", 1000)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if !env.Verify() {
		t.Fatal("challenge envelope does not verify")
	}
	var req protocol.PaymentRequest
	if err := env.DecodePayload(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.PayeeType != protocol.PayeeRouter || req.PayeeID != "router-1" {
		t.Fatalf("payee = %s/%s", req.PayeeType, req.PayeeID)
	}
	if want := clock.Now().Add(DefaultChallengeTTL).UnixMilli(); req.ExpiresAtMs != want {
		t.Fatalf("expiresAtMs = %d, want %d", req.ExpiresAtMs, want)
	}
	if len(req.Splits) != 2 {
		t.Fatalf("splits = %+v", req.Splits)
	}
	// 100 bps of 1000 sats.
	if req.Splits[0].PayeeID != "n1" || req.Splits[0].AmountSats != 990 {
		t.Fatalf("node split = %+v", req.Splits[0])
	}
	if req.Splits[1].PayeeID != "router-1" || req.Splits[1].AmountSats != 10 {
		t.Fatalf("router split = %+v", req.Splits[1])
	}
	if sum := req.Splits[0].AmountSats + req.Splits[1].AmountSats; sum != req.AmountSats {
		t.Fatalf("splits sum %d != amount %d", sum, req.AmountSats)
	}
}

func TestChallengeIdempotentWhileOutstanding(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)

	first, err := e.Challenge(context.Background(), "r1", "n1", 1000)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	second, err := e.Challenge(context.Background(), "r1", "n1", 1000)
	if err != nil {
		t.Fatalf("re-challenge: %v", err)
	}
	if first.Nonce != second.Nonce {
		t.Fatal("outstanding challenge reissued instead of returned")
	}

	clock.Advance(DefaultChallengeTTL + time.Second)
	third, err := e.Challenge(context.Background(), "r1", "n1", 1000)
	if err != nil {
		t.Fatalf("challenge after expiry: %v", err)
	}
	if third.Nonce == first.Nonce {
		t.Fatal("expired challenge was reused")
	}
}

func TestChallengePeer(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)

	env, err := e.ChallengePeer(context.Background(), "job-1", "router-2", 500)
	if err != nil {
		t.Fatalf("challenge peer: %v", err)
	}
	var req protocol.PaymentRequest
	if err := env.DecodePayload(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.PayeeID != "router-2" {
		t.Fatalf("payeeId = %s, want router-2", req.PayeeID)
	}
	if len(req.Splits) != 1 || req.Splits[0].AmountSats != 500 || req.Splits[0].PayeeID != "router-2" {
		t.Fatalf("splits = %+v", req.Splits)
	}
}

func TestSubmitReceiptHappyPath(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)

	e.Challenge(context.Background(), "r1", "n1", 1000)
	req, _ := e.Request("r1")
	if err := e.SubmitReceipt(context.Background(), receiptFor(req)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st, _ := e.Status("r1"); st != StatusPaid {
		t.Fatalf("status = %s, want PAID", st)
	}
	// Same receipt again is idempotent.
	if err := e.SubmitReceipt(context.Background(), receiptFor(req)); err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
}

func TestSubmitReceiptUnknownRequest(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)
	err := e.SubmitReceipt(context.Background(), &protocol.PaymentReceipt{RequestID: "ghost", PayeeType: protocol.PayeeRouter, PayeeID: "router-1", AmountSats: 5})
	if got := wireCode(t, err); got != protocol.CodePaymentRequestExpired {
		t.Fatalf("code = %s, want %s", got, protocol.CodePaymentRequestExpired)
	}
}

func TestSubmitReceiptExpired(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)
	e.Challenge(context.Background(), "r1", "n1", 1000)
	req, _ := e.Request("r1")
	clock.Advance(DefaultChallengeTTL + time.Second)

	err := e.SubmitReceipt(context.Background(), receiptFor(req))
	if got := wireCode(t, err); got != protocol.CodePaymentRequestExpired {
		t.Fatalf("code = %s, want %s", got, protocol.CodePaymentRequestExpired)
	}
}

func TestSubmitReceiptMismatches(t *testing.T) {
	clock := newFakeClock()
	adapter := &fakeAdapter{invoice: "lnbc10u1p...", hash: "f0f0", paid: true}
	e := newTestEngine(t, clock, adapter)
	e.Challenge(context.Background(), "r1", "n1", 1000)
	req, _ := e.Request("r1")

	wrongAmount := receiptFor(req)
	wrongAmount.AmountSats = 999
	if got := wireCode(t, e.SubmitReceipt(context.Background(), wrongAmount)); got != protocol.CodePaymentAmountMismatch {
		t.Fatalf("amount: code = %s", got)
	}

	wrongPayee := receiptFor(req)
	wrongPayee.PayeeID = "router-9"
	if got := wireCode(t, e.SubmitReceipt(context.Background(), wrongPayee)); got != protocol.CodePaymentInvoiceMismatch {
		t.Fatalf("payee: code = %s", got)
	}

	wrongInvoice := receiptFor(req)
	wrongInvoice.Invoice = "lnbc20u1p..."
	if got := wireCode(t, e.SubmitReceipt(context.Background(), wrongInvoice)); got != protocol.CodePaymentInvoiceMismatch {
		t.Fatalf("invoice: code = %s", got)
	}

	wrongHash := receiptFor(req)
	wrongHash.PaymentHash = "dead"
	if got := wireCode(t, e.SubmitReceipt(context.Background(), wrongHash)); got != protocol.CodePaymentInvoiceMismatch {
		t.Fatalf("hash: code = %s", got)
	}
}

func TestSubmitReceiptPreimage(t *testing.T) {
	preimage := []byte("settlement-proof-0000000000000001")
	sum := sha256.Sum256(preimage)
	hash := hex.EncodeToString(sum[:])

	clock := newFakeClock()
	adapter := &fakeAdapter{invoice: "lnbc10u1p...", hash: hash, paid: true}
	e := newTestEngine(t, clock, adapter)
	e.Challenge(context.Background(), "r1", "n1", 1000)
	req, _ := e.Request("r1")

	bad := receiptFor(req)
	bad.Preimage = hex.EncodeToString([]byte("wrong"))
	if got := wireCode(t, e.SubmitReceipt(context.Background(), bad)); got != protocol.CodePaymentInvoiceMismatch {
		t.Fatalf("bad preimage: code = %s", got)
	}

	good := receiptFor(req)
	good.Preimage = hex.EncodeToString(preimage)
	if err := e.SubmitReceipt(context.Background(), good); err != nil {
		t.Fatalf("good preimage: %v", err)
	}
}

func TestSubmitReceiptUnsettled(t *testing.T) {
	clock := newFakeClock()
	adapter := &fakeAdapter{invoice: "lnbc10u1p...", hash: "f0f0", paid: false, detail: "htlc pending"}
	e := newTestEngine(t, clock, adapter)
	e.Challenge(context.Background(), "r1", "n1", 1000)
	req, _ := e.Request("r1")

	err := e.SubmitReceipt(context.Background(), receiptFor(req))
	if got := wireCode(t, err); got != protocol.CodePaymentUnsettled {
		t.Fatalf("code = %s, want %s", got, protocol.CodePaymentUnsettled)
	}
	if st, _ := e.Status("r1"); st != StatusChallenged {
		t.Fatalf("status = %s, want CHALLENGED", st)
	}

	adapter.mu.Lock()
	adapter.paid = true
	adapter.mu.Unlock()
	if err := e.SubmitReceipt(context.Background(), receiptFor(req)); err != nil {
		t.Fatalf("submit after settlement: %v", err)
	}
}

func TestConsumeExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)
	e.Challenge(context.Background(), "r1", "n1", 1000)
	req, _ := e.Request("r1")

	// Unpaid consume is refused.
	_, err := e.Consume(context.Background(), "r1")
	if got := wireCode(t, err); got != protocol.CodePaymentRequired {
		t.Fatalf("code = %s, want %s", got, protocol.CodePaymentRequired)
	}

	if err := e.SubmitReceipt(context.Background(), receiptFor(req)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	firsts := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := e.Consume(context.Background(), "r1")
			if err != nil {
				firsts <- false
				return
			}
			firsts <- first
		}()
	}
	wg.Wait()
	close(firsts)
	count := 0
	for first := range firsts {
		if first {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("first-consume count = %d, want 1", count)
	}
	if st, _ := e.Status("r1"); st != StatusConsumed {
		t.Fatalf("status = %s, want CONSUMED", st)
	}
}

func TestConsumeUnknownAndExpired(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)

	_, err := e.Consume(context.Background(), "ghost")
	if got := wireCode(t, err); got != protocol.CodePaymentRequired {
		t.Fatalf("unknown: code = %s", got)
	}

	e.Challenge(context.Background(), "r1", "n1", 1000)
	clock.Advance(DefaultChallengeTTL + time.Second)
	_, err = e.Consume(context.Background(), "r1")
	if got := wireCode(t, err); got != protocol.CodePaymentRequestExpired {
		t.Fatalf("expired: code = %s", got)
	}
}

func TestSweepExpired(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)
	e.Challenge(context.Background(), "r1", "n1", 1000)
	e.Challenge(context.Background(), "r2", "n1", 1000)
	req, _ := e.Request("r2")

	if turned := e.SweepExpired(); turned != 0 {
		t.Fatalf("sweep = %d, want 0", turned)
	}
	if err := e.SubmitReceipt(context.Background(), receiptFor(req)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clock.Advance(DefaultChallengeTTL + time.Second)
	if turned := e.SweepExpired(); turned != 1 {
		t.Fatalf("sweep = %d, want 1", turned)
	}
	if e.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", e.Outstanding())
	}
}

func TestSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock, nil)
	e.Challenge(context.Background(), "r1", "n1", 1000)
	e.Challenge(context.Background(), "r2", "n1", 2000)
	req1, _ := e.Request("r1")
	if err := e.SubmitReceipt(context.Background(), receiptFor(req1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := e.Snapshot()

	restored := newTestEngine(t, clock, nil)
	restored.Restore(snap)

	if st, _ := restored.Status("r1"); st != StatusPaid {
		t.Fatalf("r1 status = %s, want PAID", st)
	}
	if st, _ := restored.Status("r2"); st != StatusChallenged {
		t.Fatalf("r2 status = %s, want CHALLENGED", st)
	}
	// The restored receipt still consumes exactly once.
	first, err := restored.Consume(context.Background(), "r1")
	if err != nil || !first {
		t.Fatalf("consume after restore = (%v, %v)", first, err)
	}
}
