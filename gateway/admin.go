package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"infermesh/scheduler"
)

// adminError answers the operator plane in plain JSON; the admin surface is
// not part of the wire protocol so it does not use the taxonomy codes.
func adminError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, map[string]string{"error": code, "details": details})
}

// runtimeConfig is the mutable slice of router configuration exposed over
// the admin plane. Changes apply immediately and do not persist across
// restarts; durable changes belong in the config file.
type runtimeConfig struct {
	RequirePayment   bool              `json:"requirePayment"`
	FeeBps           int               `json:"feeBps"`
	Weights          scheduler.Weights `json:"weights"`
	OffloadThreshold *float64          `json:"offloadThreshold,omitempty"`
	MaxOffloads      *int              `json:"maxOffloads,omitempty"`
	OffloadMode      string            `json:"offloadMode,omitempty"`
}

func (s *Server) runtimeView() runtimeConfig {
	view := runtimeConfig{
		RequirePayment: s.paymentRequired(),
		FeeBps:         s.cfg.Payments.FeeBps(),
		Weights:        s.schedulerWeights(),
	}
	if s.cfg.Offloader != nil {
		threshold := s.cfg.Offloader.Threshold()
		max := s.cfg.Offloader.MaxOffloads()
		view.OffloadThreshold = &threshold
		view.MaxOffloads = &max
		view.OffloadMode = s.cfg.Offloader.Mode()
	}
	return view
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"runtime": s.runtimeView()}
	if s.cfg.ConfigView != nil {
		out["file"] = s.cfg.ConfigView()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminPatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		RequirePayment   *bool              `json:"requirePayment"`
		FeeBps           *int               `json:"feeBps"`
		Weights          *scheduler.Weights `json:"weights"`
		OffloadThreshold *float64           `json:"offloadThreshold"`
		MaxOffloads      *int               `json:"maxOffloads"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		adminError(w, http.StatusBadRequest, "bad-request", "decode patch: "+err.Error())
		return
	}
	if patch.FeeBps != nil && (*patch.FeeBps < 0 || *patch.FeeBps > 10_000) {
		adminError(w, http.StatusBadRequest, "bad-request", "feeBps must be in [0, 10000]")
		return
	}
	if patch.OffloadThreshold != nil && (*patch.OffloadThreshold < 0 || *patch.OffloadThreshold > 1) {
		adminError(w, http.StatusBadRequest, "bad-request", "offloadThreshold must be in [0, 1]")
		return
	}
	if patch.MaxOffloads != nil && *patch.MaxOffloads < 0 {
		adminError(w, http.StatusBadRequest, "bad-request", "maxOffloads must be non-negative")
		return
	}
	if (patch.OffloadThreshold != nil || patch.MaxOffloads != nil) && s.cfg.Offloader == nil {
		adminError(w, http.StatusConflict, "offload-disabled", "this router has no offload controller")
		return
	}

	if patch.RequirePayment != nil {
		s.setPaymentRequired(*patch.RequirePayment)
	}
	if patch.FeeBps != nil {
		s.cfg.Payments.SetFeeBps(*patch.FeeBps)
	}
	if patch.Weights != nil {
		s.setSchedulerWeights(*patch.Weights)
	}
	if patch.OffloadThreshold != nil {
		s.cfg.Offloader.SetThreshold(*patch.OffloadThreshold)
	}
	if patch.MaxOffloads != nil {
		s.cfg.Offloader.SetMaxOffloads(*patch.MaxOffloads)
	}
	s.logger.Info("runtime config patched",
		"requirePayment", s.paymentRequired(), "feeBps", s.cfg.Payments.FeeBps())
	writeJSON(w, http.StatusOK, map[string]any{"runtime": s.runtimeView()})
}

// handleAdminCooldown forces a node into (or out of) cooldown. durationMs
// zero with release=true clears an ongoing cooldown early.
func (s *Server) handleAdminCooldown(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var body struct {
		DurationMs int64 `json:"durationMs"`
		Release    bool  `json:"release"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		adminError(w, http.StatusBadRequest, "bad-request", "decode body: "+err.Error())
		return
	}
	if !body.Release && body.DurationMs <= 0 {
		adminError(w, http.StatusBadRequest, "bad-request", "durationMs must be positive unless release is set")
		return
	}
	until := s.now()
	if !body.Release {
		until = until.Add(time.Duration(body.DurationMs) * time.Millisecond)
	}
	if err := s.cfg.Registry.SetCooldown(nodeID, until); err != nil {
		adminError(w, http.StatusNotFound, "unknown-node", err.Error())
		return
	}
	s.logger.Info("cooldown set", "nodeId", nodeID, "until", until, "release", body.Release)
	s.requestPersist()
	writeJSON(w, http.StatusOK, map[string]any{"nodeId": nodeID, "cooldownUntilMs": until.UnixMilli()})
}

func (s *Server) handleAdminStakeCommit(w http.ResponseWriter, r *http.Request) {
	s.handleStakeEvent(w, r, false)
}

func (s *Server) handleAdminStakeSlash(w http.ResponseWriter, r *http.Request) {
	s.handleStakeEvent(w, r, true)
}

func (s *Server) handleStakeEvent(w http.ResponseWriter, r *http.Request, slash bool) {
	nodeID := chi.URLParam(r, "nodeID")
	var body struct {
		Sats   int64  `json:"sats"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		adminError(w, http.StatusBadRequest, "bad-request", "decode body: "+err.Error())
		return
	}
	ledger := s.cfg.Registry.Stakes()
	var err error
	if slash {
		if strings.TrimSpace(body.Reason) == "" {
			adminError(w, http.StatusBadRequest, "bad-request", "slash requires a reason")
			return
		}
		err = ledger.Slash(nodeID, body.Sats, body.Reason, s.now())
	} else {
		err = ledger.Commit(nodeID, body.Sats, s.now())
	}
	if err != nil {
		adminError(w, http.StatusBadRequest, "bad-request", err.Error())
		return
	}
	action := "committed"
	if slash {
		action = "slashed"
	}
	s.logger.Info("stake "+action, "nodeId", nodeID, "sats", body.Sats, "reason", body.Reason)
	s.requestPersist()
	writeJSON(w, http.StatusOK, map[string]any{
		"nodeId":        nodeID,
		"effectiveSats": ledger.Effective(nodeID),
	})
}

func (s *Server) handleAdminFederationJobs(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.cfg.Recon != nil {
		jobs, err := s.cfg.Recon.Jobs(r.Context(), 100)
		if err != nil {
			adminError(w, http.StatusInternalServerError, "recon-error", err.Error())
			return
		}
		out["jobs"] = jobs
	}
	if s.cfg.Federation != nil {
		out["issued"] = s.cfg.Federation.IssuedAwards()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminReconExport materialises a reconciliation report. The window
// defaults to the last 24 hours.
func (s *Server) handleAdminReconExport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Exporter == nil {
		adminError(w, http.StatusServiceUnavailable, "recon-unavailable", "no reconciliation store configured")
		return
	}
	var body struct {
		WindowStartMs int64 `json:"windowStartMs"`
		WindowEndMs   int64 `json:"windowEndMs"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			adminError(w, http.StatusBadRequest, "bad-request", "decode body: "+err.Error())
			return
		}
	}
	end := s.now()
	if body.WindowEndMs > 0 {
		end = time.UnixMilli(body.WindowEndMs)
	}
	start := end.Add(-24 * time.Hour)
	if body.WindowStartMs > 0 {
		start = time.UnixMilli(body.WindowStartMs)
	}
	report, err := s.cfg.Exporter.Export(r.Context(), start, end)
	if err != nil {
		adminError(w, http.StatusInternalServerError, "export-failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
