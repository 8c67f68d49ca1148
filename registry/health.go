package registry

import (
	"math"
	"sync"
	"time"
)

// HealthConfig tunes failure handling. Zero values take the defaults.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count that starts cooldown.
	FailureThreshold int
	// CooldownBase is the cooldown at exactly FailureThreshold failures; it
	// doubles per further failure up to CooldownCap.
	CooldownBase time.Duration
	CooldownCap  time.Duration
	// DecayHalfLife pulls the health score back toward neutral over time.
	DecayHalfLife time.Duration
}

const (
	defaultFailureThreshold = 3
	defaultCooldownBase     = 10 * time.Second
	defaultCooldownCap      = 10 * time.Minute
	defaultDecayHalfLife    = 10 * time.Minute

	neutralHealthScore = 50.0
	successDelta       = 2.0
	failureDelta       = -10.0
)

func (c HealthConfig) withDefaults() HealthConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = defaultCooldownBase
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = defaultCooldownCap
	}
	if c.DecayHalfLife <= 0 {
		c.DecayHalfLife = defaultDecayHalfLife
	}
	return c
}

// HealthStatus is the externally visible health of one node.
type HealthStatus struct {
	Successes           uint64  `json:"successes"`
	Failures            uint64  `json:"failures"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	LastSuccessMs       int64   `json:"lastSuccessMs,omitempty"`
	LastFailureMs       int64   `json:"lastFailureMs,omitempty"`
	Score               float64 `json:"score"`
}

type healthRecord struct {
	successes           uint64
	failures            uint64
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
	// deviation is the signed offset from the neutral score; it decays
	// toward zero so old behavior fades.
	deviation     float64
	updatedAt     time.Time
	cooldownUntil time.Time
}

// HealthTracker keeps per-node success/failure history, a decaying health
// score, and cooldown state.
type HealthTracker struct {
	cfg HealthConfig

	mu      sync.Mutex
	records map[string]*healthRecord
}

// NewHealthTracker builds a tracker with the given config.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{cfg: cfg.withDefaults(), records: make(map[string]*healthRecord)}
}

// RecordSuccess resets the consecutive-failure streak and lifts the score.
func (t *HealthTracker) RecordSuccess(id string, now time.Time) HealthStatus {
	if id == "" {
		return HealthStatus{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.ensureLocked(id, now)
	t.decayLocked(rec, now)
	rec.successes++
	rec.consecutiveFailures = 0
	rec.lastSuccess = now
	rec.deviation += successDelta
	rec.updatedAt = now
	return t.statusLocked(rec)
}

// RecordFailure lowers the score and, at the failure threshold, starts an
// exponential cooldown: min(base·2^(k-threshold), cap) for the k-th
// consecutive failure.
func (t *HealthTracker) RecordFailure(id string, now time.Time) (HealthStatus, bool) {
	if id == "" {
		return HealthStatus{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.ensureLocked(id, now)
	t.decayLocked(rec, now)
	rec.failures++
	rec.consecutiveFailures++
	rec.lastFailure = now
	rec.deviation += failureDelta
	rec.updatedAt = now

	cooled := false
	if rec.consecutiveFailures >= t.cfg.FailureThreshold {
		until := now.Add(t.cooldownFor(rec.consecutiveFailures))
		if until.After(rec.cooldownUntil) {
			rec.cooldownUntil = until
		}
		cooled = true
	}
	return t.statusLocked(rec), cooled
}

func (t *HealthTracker) cooldownFor(consecutive int) time.Duration {
	exp := consecutive - t.cfg.FailureThreshold
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		return t.cfg.CooldownCap
	}
	d := t.cfg.CooldownBase << uint(exp)
	if d > t.cfg.CooldownCap || d <= 0 {
		return t.cfg.CooldownCap
	}
	return d
}

// Cooling reports whether the node is in cooldown at now.
func (t *HealthTracker) Cooling(id string, now time.Time) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[id]
	if rec == nil || rec.cooldownUntil.IsZero() {
		return false, time.Time{}
	}
	if !rec.cooldownUntil.After(now) {
		rec.cooldownUntil = time.Time{}
		return false, time.Time{}
	}
	return true, rec.cooldownUntil
}

// SetCooldown overrides the cooldown expiry; a past or zero time clears it.
func (t *HealthTracker) SetCooldown(id string, until time.Time, now time.Time) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.ensureLocked(id, now)
	if until.After(now) {
		rec.cooldownUntil = until
	} else {
		rec.cooldownUntil = time.Time{}
		rec.consecutiveFailures = 0
	}
	rec.updatedAt = now
}

// Score returns the decayed health score in [0, 100], neutral 50 for
// unknown nodes.
func (t *HealthTracker) Score(id string, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[id]
	if rec == nil {
		return neutralHealthScore
	}
	t.decayLocked(rec, now)
	return clampScore(neutralHealthScore + rec.deviation)
}

// Status returns the full health view for one node.
func (t *HealthTracker) Status(id string, now time.Time) HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[id]
	if rec == nil {
		return HealthStatus{Score: neutralHealthScore}
	}
	t.decayLocked(rec, now)
	return t.statusLocked(rec)
}

// Forget drops all state for a node.
func (t *HealthTracker) Forget(id string) {
	t.mu.Lock()
	delete(t.records, id)
	t.mu.Unlock()
}

func (t *HealthTracker) ensureLocked(id string, now time.Time) *healthRecord {
	rec := t.records[id]
	if rec == nil {
		rec = &healthRecord{updatedAt: now}
		t.records[id] = rec
	}
	return rec
}

func (t *HealthTracker) decayLocked(rec *healthRecord, now time.Time) {
	if now.Before(rec.updatedAt) {
		rec.updatedAt = now
		return
	}
	elapsed := now.Sub(rec.updatedAt)
	if elapsed <= 0 {
		return
	}
	periods := float64(elapsed) / float64(t.cfg.DecayHalfLife)
	rec.deviation *= math.Pow(0.5, periods)
	if math.Abs(rec.deviation) < 1e-6 {
		rec.deviation = 0
	}
	rec.updatedAt = now
}

func (t *HealthTracker) statusLocked(rec *healthRecord) HealthStatus {
	st := HealthStatus{
		Successes:           rec.successes,
		Failures:            rec.failures,
		ConsecutiveFailures: rec.consecutiveFailures,
		Score:               clampScore(neutralHealthScore + rec.deviation),
	}
	if !rec.lastSuccess.IsZero() {
		st.LastSuccessMs = rec.lastSuccess.UnixMilli()
	}
	if !rec.lastFailure.IsZero() {
		st.LastFailureMs = rec.lastFailure.UnixMilli()
	}
	return st
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// healthState is the persisted form of one record.
type healthState struct {
	Successes           uint64  `json:"successes"`
	Failures            uint64  `json:"failures"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	LastSuccessMs       int64   `json:"lastSuccessMs,omitempty"`
	LastFailureMs       int64   `json:"lastFailureMs,omitempty"`
	Deviation           float64 `json:"deviation"`
	UpdatedAtMs         int64   `json:"updatedAtMs"`
	CooldownUntilMs     int64   `json:"cooldownUntilMs,omitempty"`
}

func (t *HealthTracker) snapshot() map[string]healthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]healthState, len(t.records))
	for id, rec := range t.records {
		hs := healthState{
			Successes:           rec.successes,
			Failures:            rec.failures,
			ConsecutiveFailures: rec.consecutiveFailures,
			Deviation:           rec.deviation,
			UpdatedAtMs:         rec.updatedAt.UnixMilli(),
		}
		if !rec.lastSuccess.IsZero() {
			hs.LastSuccessMs = rec.lastSuccess.UnixMilli()
		}
		if !rec.lastFailure.IsZero() {
			hs.LastFailureMs = rec.lastFailure.UnixMilli()
		}
		if !rec.cooldownUntil.IsZero() {
			hs.CooldownUntilMs = rec.cooldownUntil.UnixMilli()
		}
		out[id] = hs
	}
	return out
}

func (t *HealthTracker) restore(states map[string]healthState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, hs := range states {
		if id == "" {
			continue
		}
		rec := &healthRecord{
			successes:           hs.Successes,
			failures:            hs.Failures,
			consecutiveFailures: hs.ConsecutiveFailures,
			deviation:           hs.Deviation,
			updatedAt:           time.UnixMilli(hs.UpdatedAtMs),
		}
		if hs.LastSuccessMs > 0 {
			rec.lastSuccess = time.UnixMilli(hs.LastSuccessMs)
		}
		if hs.LastFailureMs > 0 {
			rec.lastFailure = time.UnixMilli(hs.LastFailureMs)
		}
		if hs.CooldownUntilMs > 0 {
			rec.cooldownUntil = time.UnixMilli(hs.CooldownUntilMs)
		}
		t.records[id] = rec
	}
}
