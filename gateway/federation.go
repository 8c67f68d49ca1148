package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"infermesh/federation"
	"infermesh/pool"
	"infermesh/protocol"
	"infermesh/recon"
)

// handleFederationCaps ingests a control message pushed over HTTP by a peer
// that shares no relay with us. The federation engine applies the same
// signature and chain checks it applies to relay traffic.
func (s *Server) handleFederationCaps(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var msg protocol.RouterControlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode control message: %v", err))
		return
	}
	if s.cfg.Federation == nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeFederationFailure, "federation disabled on this router"))
		return
	}
	if err := s.cfg.Federation.HandleControl(r.Context(), &msg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleFederationPaymentRequest is the issuer side of settlement: a winner
// presents its signed router receipt and gets back the payment challenge for
// the awarded price. The claim must match the award we recorded.
func (s *Server) handleFederationPaymentRequest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Federation == nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeFederationFailure, "federation disabled on this router"))
		return
	}

	routerID := peekRouterID(body)
	wantKey := ""
	if routerID != "" {
		if key, ok := s.cfg.Federation.Directory().KeyFor(routerID); ok {
			wantKey = key.KeyID()
		}
	}
	env, err := s.cfg.Pool.Verify(r.Context(), pool.Job{Raw: body, InnerType: "router_receipt", WantKeyID: wantKey})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var claim protocol.RouterReceipt
	if err := env.DecodePayload(&claim); err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode router receipt: %v", err))
		return
	}

	issued, ok := s.cfg.Federation.IssuedAward(claim.JobID)
	if !ok {
		s.writeError(w, protocol.NewWireError(protocol.CodeAwardExpired, "no open award for job %s", claim.JobID))
		return
	}
	switch {
	case issued.Award.RouterID != claim.RouterID:
		s.writeError(w, protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch,
			"job %s was awarded to %s, not %s", claim.JobID, issued.Award.RouterID, claim.RouterID))
		return
	case issued.Award.AcceptedPriceMsat != claim.AcceptedPriceMsat:
		s.writeError(w, protocol.NewWireError(protocol.CodePaymentAmountMismatch,
			"claimed %d msat, award settled at %d", claim.AcceptedPriceMsat, issued.Award.AcceptedPriceMsat))
		return
	case issued.RFB.JobHash != claim.JobHash:
		s.writeError(w, protocol.NewWireError(protocol.CodeFederationFailure,
			"receipt jobHash does not match the auctioned job"))
		return
	}

	sats := issued.Award.AcceptedPriceMsat / 1000
	if sats < 1 {
		sats = 1
	}
	challenge, err := s.cfg.Payments.ChallengePeer(r.Context(), claim.JobID, claim.RouterID, sats)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.requestPersist()
	writeJSON(w, http.StatusOK, map[string]any{"payment": challenge})
}

// handleFederationPaymentReceipt closes the settlement loop on the issuer:
// the winner pushes its signed payment receipt after paying the challenge.
func (s *Server) handleFederationPaymentReceipt(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Federation == nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeFederationFailure, "federation disabled on this router"))
		return
	}

	payeeID := peekPayeeID(body)
	wantKey := ""
	if payeeID != "" {
		if key, ok := s.cfg.Federation.Directory().KeyFor(payeeID); ok {
			wantKey = key.KeyID()
		}
	}
	env, err := s.cfg.Pool.Verify(r.Context(), pool.Job{Raw: body, InnerType: "payment_receipt", WantKeyID: wantKey})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var rcpt protocol.PaymentReceipt
	if err := env.DecodePayload(&rcpt); err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode payment receipt: %v", err))
		return
	}
	if err := s.cfg.Payments.SubmitReceipt(r.Context(), &rcpt); err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Federation.SettleIssued(rcpt.RequestID) {
		s.reconMarkOutcome(rcpt.RequestID, recon.OutcomeSettled, "")
	}
	s.requestPersist()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// settleAward runs on the winner after serving an awarded job: claim payment
// from the issuer, verify the challenge under the issuer's announced key, pay
// it, and push the receipt back. Failures leave the job unsettled for the
// next reconciliation pass; the client already has its response.
func (s *Server) settleAward(won federation.WonAward, met protocol.MeteringRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	jobID := won.Award.JobID
	if s.cfg.Peers == nil || s.cfg.Federation == nil {
		s.logger.Warn("no peer client, leaving award unsettled", "jobId", jobID)
		return
	}
	issuer, ok := s.cfg.Federation.Directory().Get(won.Issuer)
	if !ok || issuer.Endpoint == "" {
		s.logger.Warn("issuer unknown, leaving award unsettled", "jobId", jobID, "issuer", won.Issuer)
		return
	}

	claim := protocol.RouterReceipt{
		JobID:             jobID,
		RouterID:          s.cfg.RouterID,
		JobHash:           won.RFB.JobHash,
		AcceptedPriceMsat: won.Award.AcceptedPriceMsat,
		CompletedAtMs:     s.now().UnixMilli(),
		InputTokens:       met.InputTokens,
		OutputTokens:      met.OutputTokens,
	}
	claimEnv, err := protocol.Seal(s.cfg.Key, claim, s.now())
	if err != nil {
		s.logger.Error("sign settlement claim", "jobId", jobID, "error", err)
		return
	}
	paymentEnv, err := s.cfg.Peers.ClaimPayment(ctx, issuer.Endpoint, claimEnv)
	if err != nil {
		s.logger.Warn("settlement claim failed", "jobId", jobID, "issuer", won.Issuer, "reason", protocol.CodeOf(err))
		return
	}
	issuerKey, ok := s.cfg.Federation.Directory().KeyFor(won.Issuer)
	if !ok || !paymentEnv.VerifyWith(issuerKey) {
		s.logger.Warn("settlement challenge signature rejected", "jobId", jobID, "issuer", won.Issuer)
		return
	}
	var request protocol.PaymentRequest
	if err := paymentEnv.DecodePayload(&request); err != nil {
		s.logger.Warn("settlement challenge malformed", "jobId", jobID, "error", err)
		return
	}

	receipt := protocol.PaymentReceipt{
		RequestID:   request.RequestID,
		PayeeType:   request.PayeeType,
		PayeeID:     request.PayeeID,
		AmountSats:  request.AmountSats,
		Invoice:     request.Invoice,
		PaymentHash: request.PaymentHash,
		SettledAtMs: s.now().UnixMilli(),
	}
	receiptEnv, err := protocol.Seal(s.cfg.Key, receipt, s.now())
	if err != nil {
		s.logger.Error("sign settlement receipt", "jobId", jobID, "error", err)
		return
	}
	if err := s.cfg.Peers.PushReceipt(ctx, issuer.Endpoint, receiptEnv); err != nil {
		s.logger.Warn("settlement receipt push failed", "jobId", jobID, "issuer", won.Issuer, "reason", protocol.CodeOf(err))
		return
	}
	s.reconMarkOutcome(jobID, recon.OutcomeSettled, "")
	s.logger.Info("award settled", "jobId", jobID, "issuer", won.Issuer, "sats", request.AmountSats)
}

// reconUpsertOutbound records a successful offload dispatch.
func (s *Server) reconUpsertOutbound(res *federation.Result, modelID string, estTokens int) {
	if s.cfg.Recon == nil {
		return
	}
	rec := recon.JobRecord{
		JobID:     res.JobID,
		JobHash:   res.JobHash,
		Direction: recon.DirectionOutbound,
		ModelID:   modelID,
		EstTokens: estTokens,
		PeerID:    res.Peer.RouterID,
		PriceMsat: res.PriceMsat,
		Outcome:   recon.OutcomeDispatched,
	}
	if err := s.cfg.Recon.UpsertJob(context.Background(), rec); err != nil {
		s.logger.Warn("recon outbound upsert failed", "jobId", res.JobID, "error", err)
	}
}

// reconUpsertInbound records a won job this router served.
func (s *Server) reconUpsertInbound(won federation.WonAward, modelID string, met protocol.MeteringRecord) {
	if s.cfg.Recon == nil {
		return
	}
	rec := recon.JobRecord{
		JobID:     won.Award.JobID,
		JobHash:   won.RFB.JobHash,
		Direction: recon.DirectionInbound,
		ModelID:   modelID,
		EstTokens: met.InputTokens + met.OutputTokens,
		PeerID:    won.Issuer,
		PriceMsat: won.Award.AcceptedPriceMsat,
		Outcome:   recon.OutcomeWon,
	}
	if err := s.cfg.Recon.UpsertJob(context.Background(), rec); err != nil {
		s.logger.Warn("recon inbound upsert failed", "jobId", won.Award.JobID, "error", err)
	}
}

// reconMarkOutcome transitions an existing job record; unknown jobs only log.
func (s *Server) reconMarkOutcome(jobID, outcome, detail string) {
	if s.cfg.Recon == nil {
		return
	}
	if err := s.cfg.Recon.MarkOutcome(context.Background(), jobID, outcome, detail); err != nil {
		s.logger.Warn("recon outcome update failed", "jobId", jobID, "outcome", outcome, "error", err)
	}
}

// peekRouterID loose-decodes payload.routerId from a raw envelope so the
// verifier can pin the expected signing key before signature checking.
func peekRouterID(raw []byte) string {
	var peek struct {
		Payload struct {
			RouterID string `json:"routerId"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return strings.TrimSpace(peek.Payload.RouterID)
}

// peekPayeeID loose-decodes payload.payeeId from a raw receipt envelope.
func peekPayeeID(raw []byte) string {
	var peek struct {
		Payload struct {
			PayeeID string `json:"payeeId"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return strings.TrimSpace(peek.Payload.PayeeID)
}
