package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"infermesh/federation"
	"infermesh/observability/metrics"
	"infermesh/pool"
	"infermesh/protocol"
	"infermesh/recon"
	"infermesh/scheduler"
)

// inferOutcome is a finished inference ready to hit the wire: either the
// verbatim success body or a payment challenge.
type inferOutcome struct {
	Status    int
	Body      []byte
	Challenge *protocol.Envelope
}

// consumeEntry publishes one consumed request's outcome to concurrent
// holders of the same receipt. done closes once status/body are final.
type consumeEntry struct {
	done   chan struct{}
	status int
	body   []byte
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Backpressure runs before verification: a saturated router diverts
	// work instead of burning CPU admitting it.
	peerResp, handled, err := s.maybeOffload(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if handled {
		writeRaw(w, peerResp.StatusCode, peerResp.ContentType, peerResp.Body)
		return
	}

	env, err := s.cfg.Pool.Verify(r.Context(), pool.Job{Raw: body, InnerType: "inference_request"})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req protocol.InferenceRequest
	if err := env.DecodePayload(&req); err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode inference request: %v", err))
		return
	}

	out, err := s.serveInference(r.Context(), body, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if out.Challenge != nil {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   protocol.CodePaymentRequired,
			"payment": out.Challenge,
		})
		return
	}
	writeRaw(w, out.Status, "application/json", out.Body)
}

// serveInference runs the full admission chain for a verified request:
// won-award bypass, scheduling, the payment gate, then dispatch.
func (s *Server) serveInference(ctx context.Context, rawBody []byte, req *protocol.InferenceRequest) (*inferOutcome, error) {
	if s.cfg.Federation != nil {
		if hash, err := federation.JobHash(rawBody); err == nil {
			if won, ok := s.cfg.Federation.TakeWonAward(hash); ok {
				return s.serveAwarded(ctx, req, won)
			}
		}
	}

	sel, err := s.pick(req, nil)
	if err != nil {
		metrics.Gateway().IncSchedulerMiss(protocol.CodeOf(err))
		return nil, err
	}

	if !s.paymentRequired() {
		out, _, err := s.dispatchAndSeal(ctx, req, sel, priceSats(sel.Price.Total, false))
		return out, err
	}

	if err := s.applyInlineReceipts(ctx, req); err != nil {
		return nil, err
	}

	entry, first, err := s.claimConsume(ctx, req.RequestID)
	if err != nil {
		switch protocol.CodeOf(err) {
		// An unpaid or aged-out challenge both resolve to a (re)issued
		// challenge; the engine replays an outstanding envelope verbatim.
		case protocol.CodePaymentRequired, protocol.CodePaymentRequestExpired:
			challenge, cerr := s.cfg.Payments.Challenge(ctx, req.RequestID, sel.Node.NodeID, priceSats(sel.Price.Total, true))
			if cerr != nil {
				return nil, cerr
			}
			s.requestPersist()
			return &inferOutcome{Challenge: challenge}, nil
		}
		return nil, err
	}
	if !first {
		if entry == nil {
			return nil, protocol.NewWireError(protocol.CodePaymentRequestExpired,
				"request %s already consumed and its response is no longer available", req.RequestID)
		}
		select {
		case <-entry.done:
			return &inferOutcome{Status: entry.status, Body: entry.body}, nil
		case <-ctx.Done():
			return nil, protocol.NewWireError(protocol.CodeInternal, "cancelled waiting for in-flight dispatch: %v", ctx.Err())
		}
	}

	out, _, err := s.dispatchAndSeal(ctx, req, sel, priceSats(sel.Price.Total, true))
	s.completeConsume(entry, out, err)
	return out, err
}

// serveAwarded runs a job this router won in a peer auction. The client
// payment gate is skipped; settlement runs against the issuer once the
// dispatch completes.
func (s *Server) serveAwarded(ctx context.Context, req *protocol.InferenceRequest, won federation.WonAward) (*inferOutcome, error) {
	if won.Expired(s.now()) {
		return nil, protocol.NewWireError(protocol.CodeAwardExpired, "award for job %s expired", won.Award.JobID)
	}
	sel, err := s.pick(req, nil)
	if err != nil {
		metrics.Gateway().IncSchedulerMiss(protocol.CodeOf(err))
		s.reconMarkOutcome(won.Award.JobID, recon.OutcomeFailed, protocol.CodeOf(err))
		return nil, err
	}
	out, met, err := s.dispatchAndSeal(ctx, req, sel, won.Award.AcceptedPriceMsat/1000)
	if err != nil {
		s.reconMarkOutcome(won.Award.JobID, recon.OutcomeFailed, protocol.CodeOf(err))
		return nil, err
	}
	s.reconUpsertInbound(won, req.ModelID, met)
	go s.settleAward(won, met)
	return out, nil
}

// applyInlineReceipts verifies and submits the paymentReceipts carried in
// the request body. Inline receipts are durable credentials: they skip the
// nonce/window check (one-shot semantics live in the payment engine), and
// their signature failures surface as payment errors.
func (s *Server) applyInlineReceipts(ctx context.Context, req *protocol.InferenceRequest) error {
	for i := range req.PaymentReceipts {
		raw, err := json.Marshal(&req.PaymentReceipts[i])
		if err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "encode inline receipt: %v", err)
		}
		env, err := s.cfg.Pool.Verify(ctx, pool.Job{Raw: raw, InnerType: "payment_receipt", SkipReplay: true})
		if err != nil {
			if protocol.CodeOf(err) == protocol.CodeEnvelopeSignatureInvalid {
				return protocol.NewWireError(protocol.CodePaymentSignatureInvalid, "inline receipt signature does not verify")
			}
			return err
		}
		var rcpt protocol.PaymentReceipt
		if err := env.DecodePayload(&rcpt); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode inline receipt: %v", err)
		}
		if err := s.cfg.Payments.SubmitReceipt(ctx, &rcpt); err != nil {
			return err
		}
	}
	return nil
}

// claimConsume performs the exactly-once CONSUMED transition. The winner
// gets first=true and a fresh entry to publish its outcome into; losers get
// the winner's entry to wait on, or (nil, false, nil) when the request was
// consumed before this process held a cached response.
func (s *Server) claimConsume(ctx context.Context, requestID string) (*consumeEntry, bool, error) {
	s.consumeMu.Lock()
	defer s.consumeMu.Unlock()
	if entry, ok := s.consumed[requestID]; ok {
		return entry, false, nil
	}
	first, err := s.cfg.Payments.Consume(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if !first {
		return nil, false, nil
	}
	entry := &consumeEntry{done: make(chan struct{})}
	s.consumed[requestID] = entry
	s.consumeOrder = append(s.consumeOrder, requestID)
	s.evictConsumedLocked()
	return entry, true, nil
}

// completeConsume publishes the dispatch outcome to everyone blocked on the
// entry; errors replay with the same taxonomy body the winner saw.
func (s *Server) completeConsume(entry *consumeEntry, out *inferOutcome, err error) {
	if err != nil {
		var we *protocol.WireError
		if !errors.As(err, &we) {
			we = protocol.NewWireError(protocol.CodeInternal, "internal error")
		}
		body, _ := json.Marshal(we)
		entry.status = statusForCode(we.Code)
		entry.body = body
	} else {
		entry.status = out.Status
		entry.body = out.Body
	}
	close(entry.done)
	s.requestPersist()
}

// evictConsumedLocked drops the oldest completed entries once the cache
// outgrows its cap. In-flight entries are never evicted.
func (s *Server) evictConsumedLocked() {
	for len(s.consumeOrder) > consumeCacheLimit {
		id := s.consumeOrder[0]
		entry, ok := s.consumed[id]
		if ok {
			select {
			case <-entry.done:
			default:
				return
			}
			delete(s.consumed, id)
		}
		s.consumeOrder = s.consumeOrder[1:]
	}
}

// maybeOffload diverts the raw request to a peer when the router is above
// its load threshold. A full offload window (slots exhausted) is the only
// offload failure surfaced to the client; anything else falls back to local
// processing.
func (s *Server) maybeOffload(ctx context.Context, rawBody []byte) (*federation.PeerResponse, bool, error) {
	if s.cfg.Offloader == nil || !s.cfg.Offloader.ShouldOffload() {
		return nil, false, nil
	}
	modelID, estTokens := peekInferenceEstimate(rawBody)
	if modelID == "" {
		return nil, false, nil
	}
	res, err := s.cfg.Offloader.Offload(ctx, rawBody, modelID, estTokens)
	if err != nil {
		if protocol.CodeOf(err) == protocol.CodeRouterSaturated {
			return nil, false, err
		}
		s.logger.Warn("offload failed, serving locally", "model", modelID, "reason", protocol.CodeOf(err))
		return nil, false, nil
	}
	s.reconUpsertOutbound(res, modelID, estTokens)
	return res.Response, true, nil
}

// pick schedules the request against active nodes, optionally excluding
// nodes that already failed this dispatch.
func (s *Server) pick(req *protocol.InferenceRequest, exclude map[string]bool) (*scheduler.Selection, error) {
	candidates := s.cfg.Registry.Active()
	if len(exclude) > 0 {
		kept := candidates[:0]
		for _, n := range candidates {
			if !exclude[n.NodeID] {
				kept = append(kept, n)
			}
		}
		candidates = kept
	}
	outTokens := req.MaxTokens
	if outTokens <= 0 {
		outTokens = defaultOutputTokens
	}
	return scheduler.Pick(candidates, scheduler.Request{
		ModelID:      req.ModelID,
		InputTokens:  estimateTokens(req.Input),
		OutputTokens: outTokens,
		Constraints:  req.Constraints,
	}, s.schedulerWeights())
}

// dispatchAndSeal runs the request on the selected node (with the retry
// policy) and seals the response plus its metering record.
func (s *Server) dispatchAndSeal(ctx context.Context, req *protocol.InferenceRequest, sel *scheduler.Selection, sats int64) (*inferOutcome, protocol.MeteringRecord, error) {
	resp, served, err := s.dispatchWithRetry(ctx, req, sel)
	if err != nil {
		return nil, protocol.MeteringRecord{}, err
	}
	return s.sealOutcome(resp, served, sats)
}

func (s *Server) sealOutcome(resp *protocol.InferenceResponse, sel *scheduler.Selection, sats int64) (*inferOutcome, protocol.MeteringRecord, error) {
	now := s.now()
	met := protocol.MeteringRecord{
		RequestID:    resp.RequestID,
		NodeID:       sel.Node.NodeID,
		ModelID:      resp.ModelID,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		DurationMs:   resp.DurationMs,
		PriceSats:    sats,
		TS:           now.UnixMilli(),
	}
	respEnv, err := protocol.Seal(s.cfg.Key, resp, now)
	if err != nil {
		return nil, met, protocol.NewWireError(protocol.CodeInternal, "sign response: %v", err)
	}
	metEnv, err := protocol.Seal(s.cfg.Key, met, now)
	if err != nil {
		return nil, met, protocol.NewWireError(protocol.CodeInternal, "sign metering: %v", err)
	}
	body, err := json.Marshal(map[string]any{"response": respEnv, "metering": metEnv})
	if err != nil {
		return nil, met, protocol.NewWireError(protocol.CodeInternal, "encode outcome: %v", err)
	}
	return &inferOutcome{Status: http.StatusOK, Body: body}, met, nil
}

// dispatchWithRetry applies the propagation policy: runner 5xx/timeout
// retries once on the same node then once on an alternate; 4xx never
// retries; a node at capacity goes straight to the alternate.
func (s *Server) dispatchWithRetry(ctx context.Context, req *protocol.InferenceRequest, sel *scheduler.Selection) (*protocol.InferenceResponse, *scheduler.Selection, error) {
	resp, err := s.dispatchOnce(ctx, req, sel)
	if err == nil {
		return resp, sel, nil
	}
	code := protocol.CodeOf(err)
	if code == protocol.CodeRunnerClientError || ctx.Err() != nil {
		return nil, nil, err
	}
	if code != protocol.CodeCapacityExhausted {
		if resp, retryErr := s.dispatchOnce(ctx, req, sel); retryErr == nil {
			return resp, sel, nil
		} else if protocol.CodeOf(retryErr) == protocol.CodeRunnerClientError {
			return nil, nil, retryErr
		} else {
			err = retryErr
		}
	}
	alt, pickErr := s.pick(req, map[string]bool{sel.Node.NodeID: true})
	if pickErr != nil {
		return nil, nil, err
	}
	resp, altErr := s.dispatchOnce(ctx, req, alt)
	if altErr != nil {
		return nil, nil, altErr
	}
	return resp, alt, nil
}

// dispatchOnce reserves a slot, calls the node's runner, and feeds the
// outcome into node health. 4xx runner answers never count against health.
func (s *Server) dispatchOnce(ctx context.Context, req *protocol.InferenceRequest, sel *scheduler.Selection) (*protocol.InferenceResponse, error) {
	nodeID := sel.Node.NodeID
	if err := s.cfg.Registry.Acquire(nodeID); err != nil {
		return nil, err
	}
	defer s.cfg.Registry.Release(nodeID)

	timeout := defaultRunnerTTL
	if req.MaxRuntimeMs > 0 {
		timeout = time.Duration(req.MaxRuntimeMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.runnerFor(sel.Node.Endpoint).Infer(callCtx, req)
	if err != nil {
		if protocol.CodeOf(err) != protocol.CodeRunnerClientError {
			if cooled, until := s.cfg.Registry.RecordFailure(nodeID); cooled {
				s.logger.Warn("node entered cooldown", "nodeId", nodeID, "until", until)
			}
		}
		return nil, err
	}
	s.cfg.Registry.RecordSuccess(nodeID)
	if resp.DurationMs == 0 {
		resp.DurationMs = time.Since(start).Milliseconds()
	}
	if resp.NodeID == "" {
		resp.NodeID = nodeID
	}
	return resp, nil
}

// priceSats converts a scheduler price into the settled amount. Paid flows
// charge at least one sat so a challenge is always issuable.
func priceSats(total float64, paid bool) int64 {
	sats := int64(math.Ceil(total))
	if paid && sats < 1 {
		sats = 1
	}
	return sats
}

// estimateTokens approximates prompt tokens at four bytes per token, the
// usual BPE density; the figure only feeds pricing and offload estimates.
func estimateTokens(input string) int {
	if input == "" {
		return 0
	}
	return (len(input) + 3) / 4
}

// peekInferenceEstimate pulls modelId and a token estimate from a raw
// envelope without verifying it; offload needs both before admission.
func peekInferenceEstimate(raw []byte) (string, int) {
	var peek struct {
		Payload struct {
			ModelID   string `json:"modelId"`
			Input     string `json:"input"`
			MaxTokens int    `json:"maxTokens"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", 0
	}
	out := peek.Payload.MaxTokens
	if out <= 0 {
		out = defaultOutputTokens
	}
	return peek.Payload.ModelID, estimateTokens(peek.Payload.Input) + out
}
