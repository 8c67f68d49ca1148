// Package registry holds the router's live view of compute nodes: admitted
// manifests, heartbeat freshness, failure health with cooldown, and stake.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"infermesh/crypto"
	"infermesh/observability/metrics"
	"infermesh/protocol"
)

// DefaultHeartbeatTTL bounds how stale a heartbeat may be for a node to stay
// schedulable.
const DefaultHeartbeatTTL = 60 * time.Second

// Admission reason tags recorded alongside gateway-level rejections.
const (
	reasonAdmitted   = "admitted"
	ReasonKeyInvalid = "node-key-invalid"
	ReasonKeyChanged = "node-key-changed"
)

// Config tunes the registry. Zero values take defaults.
type Config struct {
	HeartbeatTTL time.Duration
	Health       HealthConfig
	Now          func() time.Time
}

type nodeState struct {
	manifest      protocol.NodeManifest
	admittedAt    time.Time
	lastHeartbeat time.Time
	reportedLoad  int
	inflight      int
}

type admissionRecord struct {
	Eligible    bool   `json:"eligible"`
	Reason      string `json:"reason,omitempty"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// Registry is safe for concurrent use.
type Registry struct {
	heartbeatTTL time.Duration
	now          func() time.Time

	mu         sync.RWMutex
	nodes      map[string]*nodeState
	admissions map[string]admissionRecord

	health *HealthTracker
	stakes *StakeLedger
}

// New builds an empty registry.
func New(cfg Config) *Registry {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		heartbeatTTL: cfg.HeartbeatTTL,
		now:          cfg.Now,
		nodes:        make(map[string]*nodeState),
		admissions:   make(map[string]admissionRecord),
		health:       NewHealthTracker(cfg.Health),
		stakes:       NewStakeLedger(),
	}
}

// Register admits a verified manifest. The caller has already checked the
// envelope signature and schema; Register enforces semantic rules: the keyId
// must parse and must not change across re-registration.
func (r *Registry) Register(m protocol.NodeManifest) protocol.NodeAdmission {
	now := r.now()
	if _, err := crypto.ParsePublicKey(m.KeyID); err != nil {
		return r.recordAdmission(m.NodeID, false, ReasonKeyInvalid, now)
	}
	r.mu.Lock()
	if existing, ok := r.nodes[m.NodeID]; ok && existing.manifest.KeyID != m.KeyID {
		r.mu.Unlock()
		return r.recordAdmission(m.NodeID, false, ReasonKeyChanged, now)
	}
	state := r.nodes[m.NodeID]
	if state == nil {
		state = &nodeState{admittedAt: now}
		r.nodes[m.NodeID] = state
	}
	state.manifest = m
	// A manifest refresh counts as liveness.
	state.lastHeartbeat = now
	state.reportedLoad = m.Capacity.CurrentLoad
	r.mu.Unlock()
	return r.recordAdmission(m.NodeID, true, "", now)
}

// RejectManifest records an admission failure detected before semantic
// checks, such as a bad signature or schema violation.
func (r *Registry) RejectManifest(nodeID, reason string) protocol.NodeAdmission {
	return r.recordAdmission(nodeID, false, reason, r.now())
}

func (r *Registry) recordAdmission(nodeID string, eligible bool, reason string, now time.Time) protocol.NodeAdmission {
	r.mu.Lock()
	r.admissions[nodeID] = admissionRecord{Eligible: eligible, Reason: reason, UpdatedAtMs: now.UnixMilli()}
	r.mu.Unlock()
	outcome := reasonAdmitted
	if !eligible {
		outcome = reason
	}
	metrics.Registry().IncAdmission(outcome)
	r.publishGauges()
	return protocol.NodeAdmission{Eligible: eligible, Reason: reason}
}

// Heartbeat refreshes liveness and the node's reported load.
func (r *Registry) Heartbeat(hb protocol.NodeHeartbeat) error {
	now := r.now()
	r.mu.Lock()
	state, ok := r.nodes[hb.NodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("node %q not registered", hb.NodeID)
	}
	state.lastHeartbeat = now
	if hb.CurrentLoad >= 0 {
		state.reportedLoad = hb.CurrentLoad
	}
	r.mu.Unlock()
	metrics.Registry().IncHeartbeat()
	r.publishGauges()
	return nil
}

// Acquire reserves one dispatch slot on the node, failing when the node is
// unknown or already at capacity.
func (r *Registry) Acquire(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %q not registered", nodeID)
	}
	if load := effectiveLoad(state); load >= state.manifest.Capacity.MaxConcurrent {
		return protocol.NewWireError(protocol.CodeCapacityExhausted, "node %s at capacity %d", nodeID, state.manifest.Capacity.MaxConcurrent)
	}
	state.inflight++
	return nil
}

// Release frees a slot taken by Acquire.
func (r *Registry) Release(nodeID string) {
	r.mu.Lock()
	if state, ok := r.nodes[nodeID]; ok && state.inflight > 0 {
		state.inflight--
	}
	r.mu.Unlock()
}

// RecordSuccess feeds a completed inference into the node's health.
func (r *Registry) RecordSuccess(nodeID string) {
	r.health.RecordSuccess(nodeID, r.now())
	r.publishGauges()
}

// RecordFailure feeds a failed inference into the node's health, returning
// the cooldown expiry when this failure crossed the threshold.
func (r *Registry) RecordFailure(nodeID string) (bool, time.Time) {
	now := r.now()
	_, cooled := r.health.RecordFailure(nodeID, now)
	if !cooled {
		r.publishGauges()
		return false, time.Time{}
	}
	metrics.Registry().IncCooldownBegun()
	_, until := r.health.Cooling(nodeID, now)
	r.publishGauges()
	return true, until
}

// SetCooldown manually places or clears a cooldown (admin surface).
func (r *Registry) SetCooldown(nodeID string, until time.Time) error {
	r.mu.RLock()
	_, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %q not registered", nodeID)
	}
	r.health.SetCooldown(nodeID, until, r.now())
	r.publishGauges()
	return nil
}

// Remove drops a node and all its history.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	delete(r.nodes, nodeID)
	delete(r.admissions, nodeID)
	r.mu.Unlock()
	r.health.Forget(nodeID)
	r.publishGauges()
}

// Stakes exposes the stake ledger.
func (r *Registry) Stakes() *StakeLedger { return r.stakes }

// Get returns the current view of one node.
func (r *Registry) Get(nodeID string) (protocol.Node, bool) {
	now := r.now()
	r.mu.RLock()
	state, ok := r.nodes[nodeID]
	if !ok {
		r.mu.RUnlock()
		return protocol.Node{}, false
	}
	node := r.nodeViewLocked(state, now)
	r.mu.RUnlock()
	return node, true
}

// Active lists nodes that are eligible, inside the heartbeat TTL, and not
// cooling, sorted by nodeId.
func (r *Registry) Active() []protocol.Node {
	now := r.now()
	r.mu.RLock()
	out := make([]protocol.Node, 0, len(r.nodes))
	for id, state := range r.nodes {
		if !r.activeLocked(id, state, now) {
			continue
		}
		out = append(out, r.nodeViewLocked(state, now))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ActiveCount reports the number of schedulable nodes.
func (r *Registry) ActiveCount() int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for id, state := range r.nodes {
		if r.activeLocked(id, state, now) {
			count++
		}
	}
	return count
}

// LoadFactor is the mean currentLoad/maxConcurrent across active nodes,
// clamped per node to [0,1]. With no active capacity it reads 1.0 so
// backpressure treats the router as saturated.
func (r *Registry) LoadFactor() float64 {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum float64
	counted := 0
	for id, state := range r.nodes {
		if !r.activeLocked(id, state, now) {
			continue
		}
		capacity := state.manifest.Capacity.MaxConcurrent
		if capacity <= 0 {
			continue
		}
		load := float64(effectiveLoad(state)) / float64(capacity)
		if load > 1 {
			load = 1
		}
		sum += load
		counted++
	}
	if counted == 0 {
		return 1
	}
	return sum / float64(counted)
}

func (r *Registry) activeLocked(id string, state *nodeState, now time.Time) bool {
	adm, ok := r.admissions[id]
	if !ok || !adm.Eligible {
		return false
	}
	if now.Sub(state.lastHeartbeat) >= r.heartbeatTTL {
		return false
	}
	if cooling, _ := r.health.Cooling(id, now); cooling {
		return false
	}
	return true
}

func (r *Registry) nodeViewLocked(state *nodeState, now time.Time) protocol.Node {
	m := state.manifest
	trust := r.TrustScore(m.NodeID)
	return protocol.Node{
		NodeID:          m.NodeID,
		KeyID:           m.KeyID,
		Endpoint:        m.Endpoint,
		Region:          m.Region,
		Capacity:        protocol.NodeCapacity{MaxConcurrent: m.Capacity.MaxConcurrent, CurrentLoad: effectiveLoad(state)},
		Capabilities:    m.Capabilities,
		TrustScore:      trust,
		LastHeartbeatMs: state.lastHeartbeat.UnixMilli(),
	}
}

// TrustScore combines decayed health with the stake bonus, clamped to
// [0, 100].
func (r *Registry) TrustScore(nodeID string) float64 {
	return clampScore(r.health.Score(nodeID, r.now()) + r.stakes.Bonus(nodeID))
}

// NodeStatus is the admin view of one node.
type NodeStatus struct {
	Node            protocol.Node `json:"node"`
	Eligible        bool          `json:"eligible"`
	Reason          string        `json:"reason,omitempty"`
	Active          bool          `json:"active"`
	Cooling         bool          `json:"cooling"`
	CooldownUntilMs int64         `json:"cooldownUntilMs,omitempty"`
	Health          HealthStatus  `json:"health"`
	StakeSats       int64         `json:"stakeSats"`
	TrustScore      float64       `json:"trustScore"`
}

// Statuses lists every known node with full detail, sorted by nodeId.
func (r *Registry) Statuses() []NodeStatus {
	now := r.now()
	r.mu.RLock()
	out := make([]NodeStatus, 0, len(r.nodes))
	for id, state := range r.nodes {
		adm := r.admissions[id]
		cooling, until := r.health.Cooling(id, now)
		st := NodeStatus{
			Node:       r.nodeViewLocked(state, now),
			Eligible:   adm.Eligible,
			Reason:     adm.Reason,
			Active:     r.activeLocked(id, state, now),
			Cooling:    cooling,
			Health:     r.health.Status(id, now),
			StakeSats:  r.stakes.Effective(id),
			TrustScore: r.TrustScore(id),
		}
		if cooling {
			st.CooldownUntilMs = until.UnixMilli()
		}
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Node.NodeID < out[j].Node.NodeID })
	return out
}

func (r *Registry) publishGauges() {
	now := r.now()
	r.mu.RLock()
	active, cooling := 0, 0
	for id, state := range r.nodes {
		if r.activeLocked(id, state, now) {
			active++
		}
		if isCooling, _ := r.health.Cooling(id, now); isCooling {
			cooling++
		}
	}
	r.mu.RUnlock()
	metrics.Registry().SetActiveNodes(active)
	metrics.Registry().SetCoolingNodes(cooling)
}

func effectiveLoad(state *nodeState) int {
	if state.inflight > state.reportedLoad {
		return state.inflight
	}
	return state.reportedLoad
}

// State is the registry's persisted form.
type State struct {
	Nodes      []NodeSnapshot             `json:"nodes"`
	Admissions map[string]admissionRecord `json:"manifestAdmissions"`
	Health     map[string]healthState     `json:"nodeHealth"`
	Stake      []StakeEvent               `json:"stakeEvents"`
}

// NodeSnapshot is one persisted node.
type NodeSnapshot struct {
	Manifest        protocol.NodeManifest `json:"manifest"`
	AdmittedAtMs    int64                 `json:"admittedAtMs"`
	LastHeartbeatMs int64                 `json:"lastHeartbeatMs"`
	ReportedLoad    int                   `json:"reportedLoad"`
}

// Snapshot captures the registry for persistence. In-flight counters are
// transient and excluded.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	st := State{
		Nodes:      make([]NodeSnapshot, 0, len(r.nodes)),
		Admissions: make(map[string]admissionRecord, len(r.admissions)),
	}
	for id, adm := range r.admissions {
		st.Admissions[id] = adm
	}
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		state := r.nodes[id]
		st.Nodes = append(st.Nodes, NodeSnapshot{
			Manifest:        state.manifest,
			AdmittedAtMs:    state.admittedAt.UnixMilli(),
			LastHeartbeatMs: state.lastHeartbeat.UnixMilli(),
			ReportedLoad:    state.reportedLoad,
		})
	}
	r.mu.RUnlock()
	st.Health = r.health.snapshot()
	st.Stake = r.stakes.snapshot()
	return st
}

// Restore loads a snapshot, replacing current contents.
func (r *Registry) Restore(st State) {
	r.mu.Lock()
	r.nodes = make(map[string]*nodeState, len(st.Nodes))
	r.admissions = make(map[string]admissionRecord, len(st.Admissions))
	for id, adm := range st.Admissions {
		r.admissions[id] = adm
	}
	for _, snap := range st.Nodes {
		if snap.Manifest.NodeID == "" {
			continue
		}
		r.nodes[snap.Manifest.NodeID] = &nodeState{
			manifest:      snap.Manifest,
			admittedAt:    time.UnixMilli(snap.AdmittedAtMs),
			lastHeartbeat: time.UnixMilli(snap.LastHeartbeatMs),
			reportedLoad:  snap.ReportedLoad,
		}
	}
	r.mu.Unlock()
	r.health.restore(st.Health)
	r.stakes.restore(st.Stake)
	r.publishGauges()
}
