// Package payments drives the 402 flow: challenge issuance with fee splits,
// receipt acceptance against outstanding requests, and exactly-once consume.
package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"infermesh/crypto"
	"infermesh/observability/metrics"
	"infermesh/protocol"
)

// Status is the per-request payment state.
type Status string

const (
	StatusChallenged Status = "CHALLENGED"
	StatusPaid       Status = "PAID"
	StatusConsumed   Status = "CONSUMED"
	StatusExpired    Status = "EXPIRED"
)

// DefaultChallengeTTL bounds how long a challenge stays payable.
const DefaultChallengeTTL = 60 * time.Second

// DefaultFeeBps is the router's cut of each payment in basis points.
const DefaultFeeBps = 100

// Config wires the engine. Key signs challenges; Adapter and Audit are
// optional.
type Config struct {
	RouterID     string
	Key          *crypto.PrivateKey
	FeeBps       int
	ChallengeTTL time.Duration
	Adapter      Adapter
	Audit        *AuditStore
	Logger       *slog.Logger
	Now          func() time.Time
}

type record struct {
	request  protocol.PaymentRequest
	envelope *protocol.Envelope
	status   Status
	receipt  *protocol.PaymentReceipt
	updated  time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	routerID string
	key      *crypto.PrivateKey
	ttl      time.Duration
	adapter  Adapter
	audit    *AuditStore
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	feeBps   int
	requests map[string]*record
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.FeeBps < 0 || cfg.FeeBps > 10_000 {
		cfg.FeeBps = DefaultFeeBps
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		routerID: cfg.RouterID,
		key:      cfg.Key,
		ttl:      cfg.ChallengeTTL,
		adapter:  cfg.Adapter,
		audit:    cfg.Audit,
		logger:   cfg.Logger.With("component", "payments"),
		now:      cfg.Now,
		feeBps:   cfg.FeeBps,
		requests: make(map[string]*record),
	}
}

// SetFeeBps changes the fee applied to future challenges (admin surface).
func (e *Engine) SetFeeBps(bps int) {
	if bps < 0 || bps > 10_000 {
		return
	}
	e.mu.Lock()
	e.feeBps = bps
	e.mu.Unlock()
}

// FeeBps returns the current fee.
func (e *Engine) FeeBps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeBps
}

// Challenge issues (or re-returns) the payment request for an inference.
// The client pays this router; the split sends amount·(1−feeBps/10000) to
// the serving node and the fee remainder to the router.
func (e *Engine) Challenge(ctx context.Context, requestID, nodeID string, amountSats int64) (*protocol.Envelope, error) {
	splits := e.inferenceSplits(nodeID, amountSats)
	return e.challenge(ctx, requestID, e.routerID, amountSats, splits)
}

// ChallengePeer issues the settlement request owed to a peer router for a
// completed offloaded job. The peer is the payee and takes the whole amount.
func (e *Engine) ChallengePeer(ctx context.Context, jobID, peerRouterID string, amountSats int64) (*protocol.Envelope, error) {
	splits := []protocol.PaymentSplit{{PayeeType: protocol.PayeeRouter, PayeeID: peerRouterID, AmountSats: amountSats}}
	return e.challenge(ctx, jobID, peerRouterID, amountSats, splits)
}

func (e *Engine) inferenceSplits(nodeID string, amountSats int64) []protocol.PaymentSplit {
	e.mu.Lock()
	bps := e.feeBps
	e.mu.Unlock()
	// Fee rounds up so a nonzero feeBps always earns the router at least
	// one sat; the node takes the remainder and the sum stays exact.
	fee := (amountSats*int64(bps) + 9_999) / 10_000
	nodeShare := amountSats - fee
	splits := make([]protocol.PaymentSplit, 0, 2)
	if nodeID != "" && nodeShare > 0 {
		splits = append(splits, protocol.PaymentSplit{PayeeType: protocol.PayeeNode, PayeeID: nodeID, AmountSats: nodeShare})
	} else {
		fee = amountSats
	}
	if fee > 0 {
		splits = append(splits, protocol.PaymentSplit{PayeeType: protocol.PayeeRouter, PayeeID: e.routerID, AmountSats: fee})
	}
	return splits
}

func (e *Engine) challenge(ctx context.Context, requestID, payeeID string, amountSats int64, splits []protocol.PaymentSplit) (*protocol.Envelope, error) {
	if requestID == "" || amountSats <= 0 {
		return nil, protocol.NewWireError(protocol.CodeInternal, "challenge needs a requestId and a positive amount")
	}
	if sumSplits(splits) != amountSats {
		return nil, protocol.NewWireError(protocol.CodePaymentSplitTotalMismatch, "splits sum to %d, amount is %d", sumSplits(splits), amountSats)
	}
	now := e.now()
	if env := e.outstandingEnvelope(requestID, now); env != nil {
		return env, nil
	}

	req := protocol.PaymentRequest{
		RequestID:   requestID,
		PayeeType:   protocol.PayeeRouter,
		PayeeID:     payeeID,
		AmountSats:  amountSats,
		ExpiresAtMs: now.Add(e.ttl).UnixMilli(),
		Splits:      splits,
	}
	if e.adapter != nil {
		inv, err := e.adapter.Invoice(ctx, &InvoiceRequest{RequestID: requestID, PayeeID: payeeID, AmountSats: amountSats})
		if err != nil {
			return nil, protocol.NewWireError(protocol.CodePaymentUnsettled, "invoice: %v", err)
		}
		req.Invoice = inv.Invoice
		req.PaymentHash = inv.PaymentHash
	}
	env, err := protocol.Seal(e.key, req, now)
	if err != nil {
		return nil, protocol.NewWireError(protocol.CodeInternal, "sign challenge: %v", err)
	}

	e.mu.Lock()
	// A concurrent call may have won while the adapter round trip ran.
	if rec, ok := e.requests[requestID]; ok && rec.status == StatusChallenged && rec.request.ExpiresAtMs > now.UnixMilli() {
		existing := rec.envelope
		e.mu.Unlock()
		return existing, nil
	}
	e.requests[requestID] = &record{request: req, envelope: env, status: StatusChallenged, updated: now}
	outstanding := e.outstandingLocked()
	e.mu.Unlock()

	metrics.Payments().IncChallengeIssued()
	metrics.Payments().SetOutstanding(outstanding)
	e.auditWrite("challenge", func() error { return e.audit.RecordChallenge(ctx, &req) })
	return env, nil
}

func (e *Engine) outstandingEnvelope(requestID string, now time.Time) *protocol.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.requests[requestID]
	if !ok {
		return nil
	}
	e.expireLocked(rec, now)
	if rec.status == StatusChallenged {
		return rec.envelope
	}
	return nil
}

// SubmitReceipt validates a receipt against its outstanding request and,
// with an adapter configured, confirms settlement. Accepting twice with the
// same payment key is idempotent.
func (e *Engine) SubmitReceipt(ctx context.Context, rcpt *protocol.PaymentReceipt) error {
	if rcpt == nil || rcpt.RequestID == "" {
		return e.reject(protocol.NewWireError(protocol.CodeEnvelopeMalformed, "receipt missing requestId"))
	}
	now := e.now()

	e.mu.Lock()
	rec, ok := e.requests[rcpt.RequestID]
	if !ok {
		e.mu.Unlock()
		return e.reject(protocol.NewWireError(protocol.CodePaymentRequestExpired, "no outstanding payment request %s", rcpt.RequestID))
	}
	e.expireLocked(rec, now)
	switch rec.status {
	case StatusExpired:
		e.mu.Unlock()
		return e.reject(protocol.NewWireError(protocol.CodePaymentRequestExpired, "payment request %s expired", rcpt.RequestID))
	case StatusPaid, StatusConsumed:
		stored := rec.receipt
		e.mu.Unlock()
		if stored != nil && samePaymentKey(stored, rcpt) && stored.AmountSats == rcpt.AmountSats {
			return nil
		}
		return e.reject(protocol.NewWireError(protocol.CodePaymentInvoiceMismatch, "request %s already settled by a different receipt", rcpt.RequestID))
	}
	req := rec.request
	e.mu.Unlock()

	if err := matchReceipt(&req, rcpt); err != nil {
		return e.reject(err)
	}
	if e.adapter != nil {
		verdict, err := e.adapter.Verify(ctx, &VerifyRequest{
			RequestID:   req.RequestID,
			PayeeID:     req.PayeeID,
			AmountSats:  req.AmountSats,
			Invoice:     req.Invoice,
			PaymentHash: req.PaymentHash,
		})
		if err != nil {
			return e.reject(protocol.NewWireError(protocol.CodePaymentUnsettled, "verify: %v", err))
		}
		if !verdict.Paid {
			detail := verdict.Detail
			if detail == "" {
				detail = "adapter reports unpaid"
			}
			return e.reject(protocol.NewWireError(protocol.CodePaymentUnsettled, "%s", detail))
		}
		if rcpt.SettledAtMs == 0 {
			rcpt.SettledAtMs = verdict.SettledAtMs
		}
	}

	e.mu.Lock()
	e.expireLocked(rec, e.now())
	switch rec.status {
	case StatusExpired:
		e.mu.Unlock()
		return e.reject(protocol.NewWireError(protocol.CodePaymentRequestExpired, "payment request %s expired", rcpt.RequestID))
	case StatusPaid, StatusConsumed:
		stored := rec.receipt
		e.mu.Unlock()
		if stored != nil && samePaymentKey(stored, rcpt) && stored.AmountSats == rcpt.AmountSats {
			return nil
		}
		return e.reject(protocol.NewWireError(protocol.CodePaymentInvoiceMismatch, "request %s already settled by a different receipt", rcpt.RequestID))
	}
	cp := *rcpt
	rec.receipt = &cp
	rec.status = StatusPaid
	rec.updated = e.now()
	outstanding := e.outstandingLocked()
	e.mu.Unlock()

	metrics.Payments().IncReceiptAccepted()
	metrics.Payments().SetOutstanding(outstanding)
	for _, split := range req.Splits {
		metrics.Payments().AddSettledSats(string(split.PayeeType), split.AmountSats)
		split := split
		e.auditWrite("settlement", func() error { return e.audit.RecordSettlement(ctx, req.RequestID, split) })
	}
	e.auditWrite("receipt", func() error { return e.audit.RecordReceipt(ctx, &cp) })
	return nil
}

// Consume transitions PAID to CONSUMED exactly once. The second and later
// calls succeed with first=false; unpaid or expired requests fail with the
// matching wire code.
func (e *Engine) Consume(ctx context.Context, requestID string) (bool, error) {
	now := e.now()
	e.mu.Lock()
	rec, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return false, protocol.NewWireError(protocol.CodePaymentRequired, "no payment recorded for request %s", requestID)
	}
	e.expireLocked(rec, now)
	switch rec.status {
	case StatusChallenged:
		e.mu.Unlock()
		return false, protocol.NewWireError(protocol.CodePaymentRequired, "payment for request %s not yet received", requestID)
	case StatusExpired:
		e.mu.Unlock()
		return false, protocol.NewWireError(protocol.CodePaymentRequestExpired, "payment request %s expired", requestID)
	case StatusConsumed:
		e.mu.Unlock()
		e.auditWrite("consume", func() error { return e.audit.RecordConsume(ctx, requestID, false) })
		return false, nil
	}
	rec.status = StatusConsumed
	rec.updated = now
	e.mu.Unlock()

	metrics.Payments().IncConsumed()
	e.auditWrite("consume", func() error { return e.audit.RecordConsume(ctx, requestID, true) })
	return true, nil
}

// Status reports the state of one request.
func (e *Engine) Status(requestID string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.requests[requestID]
	if !ok {
		return "", false
	}
	e.expireLocked(rec, e.now())
	return rec.status, true
}

// Request returns the issued payment request for one id.
func (e *Engine) Request(requestID string) (*protocol.PaymentRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.requests[requestID]
	if !ok {
		return nil, false
	}
	cp := rec.request
	return &cp, true
}

// SweepExpired marks overdue challenges EXPIRED, returning how many turned.
func (e *Engine) SweepExpired() int {
	now := e.now()
	e.mu.Lock()
	turned := 0
	for _, rec := range e.requests {
		if rec.status == StatusChallenged && rec.request.ExpiresAtMs <= now.UnixMilli() {
			rec.status = StatusExpired
			rec.updated = now
			turned++
			metrics.Payments().IncExpired()
		}
	}
	outstanding := e.outstandingLocked()
	e.mu.Unlock()
	metrics.Payments().SetOutstanding(outstanding)
	return turned
}

// Outstanding counts challenges still awaiting payment.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstandingLocked()
}

func (e *Engine) outstandingLocked() int {
	n := 0
	for _, rec := range e.requests {
		if rec.status == StatusChallenged {
			n++
		}
	}
	return n
}

func (e *Engine) expireLocked(rec *record, now time.Time) {
	if rec.status == StatusChallenged && rec.request.ExpiresAtMs <= now.UnixMilli() {
		rec.status = StatusExpired
		rec.updated = now
		metrics.Payments().IncExpired()
	}
}

func (e *Engine) reject(err *protocol.WireError) error {
	metrics.Payments().IncReceiptRejected(err.Code)
	return err
}

func (e *Engine) auditWrite(op string, fn func() error) {
	if e.audit == nil {
		return
	}
	if err := fn(); err != nil {
		e.logger.Warn("payment audit write failed", "op", op, "err", err)
	}
}

func matchReceipt(req *protocol.PaymentRequest, rcpt *protocol.PaymentReceipt) *protocol.WireError {
	if sumSplits(req.Splits) != req.AmountSats {
		return protocol.NewWireError(protocol.CodePaymentSplitTotalMismatch, "request splits sum to %d, amount is %d", sumSplits(req.Splits), req.AmountSats)
	}
	if rcpt.PayeeType != req.PayeeType || rcpt.PayeeID != req.PayeeID {
		return protocol.NewWireError(protocol.CodePaymentInvoiceMismatch, "receipt payee %s/%s does not match request payee %s/%s", rcpt.PayeeType, rcpt.PayeeID, req.PayeeType, req.PayeeID)
	}
	if rcpt.AmountSats != req.AmountSats {
		return protocol.NewWireError(protocol.CodePaymentAmountMismatch, "receipt amount %d, request amount %d", rcpt.AmountSats, req.AmountSats)
	}
	if req.Invoice != "" && rcpt.Invoice != "" && req.Invoice != rcpt.Invoice {
		return protocol.NewWireError(protocol.CodePaymentInvoiceMismatch, "receipt invoice does not match request")
	}
	if req.PaymentHash != "" && rcpt.PaymentHash != "" && !strings.EqualFold(req.PaymentHash, rcpt.PaymentHash) {
		return protocol.NewWireError(protocol.CodePaymentInvoiceMismatch, "receipt paymentHash does not match request")
	}
	if rcpt.Preimage != "" && req.PaymentHash != "" {
		if !preimageMatches(rcpt.Preimage, req.PaymentHash) {
			return protocol.NewWireError(protocol.CodePaymentInvoiceMismatch, "preimage does not hash to paymentHash")
		}
	}
	return nil
}

func preimageMatches(preimage, paymentHash string) bool {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	return strings.EqualFold(hex.EncodeToString(sum[:]), paymentHash)
}

func samePaymentKey(a, b *protocol.PaymentReceipt) bool {
	return a.RequestID == b.RequestID && a.PayeeType == b.PayeeType && a.PayeeID == b.PayeeID
}

func sumSplits(splits []protocol.PaymentSplit) int64 {
	var total int64
	for _, s := range splits {
		total += s.AmountSats
	}
	return total
}

// RecordSnapshot is the persisted form of one payment.
type RecordSnapshot struct {
	Request     protocol.PaymentRequest  `json:"request"`
	Envelope    *protocol.Envelope       `json:"envelope,omitempty"`
	Status      Status                   `json:"status"`
	Receipt     *protocol.PaymentReceipt `json:"receipt,omitempty"`
	UpdatedAtMs int64                    `json:"updatedAtMs"`
}

// State is the engine's persisted form. Receipts survive restart.
type State struct {
	Requests []RecordSnapshot `json:"paymentRequests"`
}

// Snapshot captures every request sorted by id.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.requests))
	for id := range e.requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	st := State{Requests: make([]RecordSnapshot, 0, len(ids))}
	for _, id := range ids {
		rec := e.requests[id]
		snap := RecordSnapshot{
			Request:     rec.request,
			Envelope:    rec.envelope,
			Status:      rec.status,
			UpdatedAtMs: rec.updated.UnixMilli(),
		}
		if rec.receipt != nil {
			cp := *rec.receipt
			snap.Receipt = &cp
		}
		st.Requests = append(st.Requests, snap)
	}
	return st
}

// Restore replaces the engine state with a snapshot.
func (e *Engine) Restore(st State) {
	e.mu.Lock()
	e.requests = make(map[string]*record, len(st.Requests))
	for _, snap := range st.Requests {
		if snap.Request.RequestID == "" {
			continue
		}
		rec := &record{
			request:  snap.Request,
			envelope: snap.Envelope,
			status:   snap.Status,
			updated:  time.UnixMilli(snap.UpdatedAtMs),
		}
		if snap.Receipt != nil {
			cp := *snap.Receipt
			rec.receipt = &cp
		}
		e.requests[snap.Request.RequestID] = rec
	}
	outstanding := e.outstandingLocked()
	e.mu.Unlock()
	metrics.Payments().SetOutstanding(outstanding)
}
