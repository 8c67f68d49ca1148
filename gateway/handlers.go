package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"infermesh/observability/metrics"
	"infermesh/pool"
	"infermesh/protocol"
	"infermesh/scheduler"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := map[string]any{}
	if s.cfg.ConfigView != nil {
		view = s.cfg.ConfigView()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptimeMs": s.now().Sub(s.started).Milliseconds(),
		"mode":     s.mode(),
		"config":   view,
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	statuses := s.cfg.Registry.Statuses()
	nodes := make([]protocol.Node, 0, len(statuses))
	active := make([]string, 0, len(statuses))
	for _, st := range statuses {
		nodes = append(nodes, st.Node)
		if st.Active {
			active = append(active, st.Node.NodeID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "active": active})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, err := s.cfg.Pool.Verify(r.Context(), pool.Job{Raw: body, InnerType: "quote_request"})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req protocol.QuoteRequest
	if err := env.DecodePayload(&req); err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode quote request: %v", err))
		return
	}

	sel, err := scheduler.Pick(s.cfg.Registry.Active(), scheduler.Request{
		ModelID:      req.ModelID,
		InputTokens:  req.InputTokensEstimate,
		OutputTokens: req.OutputTokensEstimate,
		Constraints:  req.Constraints,
	}, s.schedulerWeights())
	if err != nil {
		metrics.Gateway().IncSchedulerMiss(protocol.CodeOf(err))
		s.writeError(w, err)
		return
	}

	quote := protocol.QuoteResponse{
		RequestID:         req.RequestID,
		NodeID:            sel.Node.NodeID,
		ModelID:           req.ModelID,
		Price:             sel.Price,
		LatencyEstimateMs: sel.Capability.LatencyEstimateMs,
		ExpiresAtMs:       s.now().Add(s.cfg.QuoteTTL).UnixMilli(),
	}
	sealed, err := protocol.Seal(s.cfg.Key, quote, s.now())
	if err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeInternal, "sign quote: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quote": sealed})
}

func (s *Server) handlePaymentReceipt(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, err := s.cfg.Pool.Verify(r.Context(), pool.Job{Raw: body, InnerType: "payment_receipt"})
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
	s.requestPersist()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleNodeAnnounce admits a signed manifest. Structural and signature
// failures still answer 200 with an ineligible verdict so the operator sees
// the reason; replay and stale-timestamp failures stay 401 because they
// indicate a resubmitted or delayed envelope, not a bad manifest.
func (s *Server) handleNodeAnnounce(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, err := s.cfg.Pool.Verify(r.Context(), pool.Job{Raw: body, InnerType: "node_manifest"})
	if err != nil {
		code := protocol.CodeOf(err)
		switch code {
		case protocol.CodeNonceReused, protocol.CodeTSOutOfWindow:
			s.writeError(w, err)
		default:
			verdict := s.cfg.Registry.RejectManifest(peekNodeID(body), code)
			writeJSON(w, http.StatusOK, map[string]any{"admission": verdict})
		}
		return
	}
	var manifest protocol.NodeManifest
	if err := env.DecodePayload(&manifest); err != nil {
		verdict := s.cfg.Registry.RejectManifest(peekNodeID(body), protocol.CodeEnvelopeMalformed)
		writeJSON(w, http.StatusOK, map[string]any{"admission": verdict})
		return
	}
	if !strings.EqualFold(manifest.KeyID, env.KeyID) {
		verdict := s.cfg.Registry.RejectManifest(manifest.NodeID, protocol.CodeEnvelopeKeyMismatch)
		writeJSON(w, http.StatusOK, map[string]any{"admission": verdict})
		return
	}
	admission := s.cfg.Registry.Register(manifest)
	s.requestPersist()
	if admission.Eligible && s.cfg.Federation != nil {
		// The fleet's serving surface changed; peers hear about it now
		// rather than at the next periodic announce.
		go s.cfg.Federation.AnnounceNow(context.Background())
	}
	writeJSON(w, http.StatusOK, map[string]any{"admission": admission})
}

func (s *Server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The heartbeat must be signed with the key the node registered under.
	wantKey := ""
	if node, ok := s.cfg.Registry.Get(peekNodeID(body)); ok {
		wantKey = node.KeyID
	}
	env, err := s.cfg.Pool.Verify(r.Context(), pool.Job{Raw: body, InnerType: "node_heartbeat", WantKeyID: wantKey})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var hb protocol.NodeHeartbeat
	if err := env.DecodePayload(&hb); err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode heartbeat: %v", err))
		return
	}
	if err := s.cfg.Registry.Heartbeat(hb); err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeNoCapableNode, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// peekNodeID pulls payload.nodeId out of a raw envelope without verifying
// anything; callers only use it to label verdicts and pin keys.
func peekNodeID(raw []byte) string {
	var peek struct {
		Payload struct {
			NodeID string `json:"nodeId"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return peek.Payload.NodeID
}
