// Package federation implements the inter-router control plane: the peer
// directory fed by relay announcements, the capability/price/status
// announcers, the request-for-bid auction, and the offload controller that
// diverts inbound work to peers under backpressure.
package federation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"infermesh/crypto"
	"infermesh/observability/metrics"
	"infermesh/protocol"
)

const (
	defaultPeerTTL   = 90 * time.Second
	baselineTrust    = 50.0
	trustSuccessGain = 1.0
	trustFailurePain = 5.0
)

// ErrKeyChanged reports a capability announce whose keyId differs from the
// one the peer first registered with. The directory keeps the original key.
var ErrKeyChanged = errors.New("federation: peer key changed")

// Peer is the directory's view of one remote router, folded together from its
// capability, price and status announcements.
type Peer struct {
	RouterID      string                            `json:"routerId"`
	KeyID         string                            `json:"keyId"`
	Endpoint      string                            `json:"endpoint"`
	Models        []string                          `json:"models,omitempty"`
	Regions       []string                          `json:"regions,omitempty"`
	MaxConcurrent int                               `json:"maxConcurrent,omitempty"`
	Version       string                            `json:"version,omitempty"`
	TrustScore    float64                           `json:"trustScore"`
	LoadFactor    float64                           `json:"loadFactor"`
	QueueDepth    int                               `json:"queueDepth"`
	ActiveNodes   int                               `json:"activeNodes"`
	Prices        map[string]protocol.PriceAnnounce `json:"prices,omitempty"`
	LastSummary   *protocol.ReceiptSummary          `json:"lastSummary,omitempty"`
	LastSeenMs    int64                             `json:"lastSeenMs"`
}

// HasModel reports whether the peer announced serving modelID.
func (p Peer) HasModel(modelID string) bool {
	for _, m := range p.Models {
		if m == modelID {
			return true
		}
	}
	return false
}

// PriceFor returns the peer's price sheet entry for a job type.
func (p Peer) PriceFor(jobType string) (protocol.PriceAnnounce, bool) {
	price, ok := p.Prices[jobType]
	return price, ok
}

type peerRecord struct {
	Peer
	lastMessageID string
}

// Directory tracks the peers visible through the federation control plane.
// It enforces key continuity per router and ages peers out once their
// announcements stop.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]*peerRecord
	ttl   time.Duration
	now   func() time.Time
}

// NewDirectory builds an empty directory. TTL bounds how long a peer stays
// visible without fresh announcements.
func NewDirectory(ttl time.Duration, now func() time.Time) *Directory {
	if ttl <= 0 {
		ttl = defaultPeerTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Directory{
		peers: make(map[string]*peerRecord),
		ttl:   ttl,
		now:   now,
	}
}

// ApplyCaps folds a capability announce into the directory. The first
// announce binds the router to its signing key; announces under a different
// key are rejected.
func (d *Directory) ApplyCaps(caps protocol.CapabilityProfile) error {
	routerID := strings.TrimSpace(caps.RouterID)
	if routerID == "" {
		return errors.New("federation: capability announce names no router")
	}
	if _, err := crypto.ParsePublicKey(caps.KeyID); err != nil {
		return fmt.Errorf("federation: capability key for %s: %w", routerID, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[routerID]
	if !ok {
		rec = &peerRecord{Peer: Peer{RouterID: routerID, KeyID: caps.KeyID, TrustScore: baselineTrust}}
		d.peers[routerID] = rec
	} else if rec.KeyID != caps.KeyID {
		return fmt.Errorf("%w: router %s", ErrKeyChanged, routerID)
	}
	rec.Endpoint = strings.TrimRight(strings.TrimSpace(caps.Endpoint), "/")
	rec.Models = append([]string(nil), caps.Models...)
	rec.Regions = append([]string(nil), caps.Regions...)
	rec.MaxConcurrent = caps.MaxConcurrent
	rec.Version = caps.Version
	rec.LastSeenMs = d.now().UnixMilli()
	metrics.Federation().SetPeersKnown(len(d.peers))
	return nil
}

// ApplyPrice records one price sheet entry for a known peer.
func (d *Directory) ApplyPrice(price protocol.PriceAnnounce) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[price.RouterID]
	if !ok {
		return fmt.Errorf("federation: price announce for unknown router %s", price.RouterID)
	}
	if rec.Prices == nil {
		rec.Prices = make(map[string]protocol.PriceAnnounce)
	}
	if prev, ok := rec.Prices[price.JobType]; ok && prev.UpdatedAtMs > price.UpdatedAtMs {
		return nil
	}
	rec.Prices[price.JobType] = price
	rec.LastSeenMs = d.now().UnixMilli()
	return nil
}

// ApplyStatus records a load summary for a known peer.
func (d *Directory) ApplyStatus(status protocol.StatusAnnounce) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[status.RouterID]
	if !ok {
		return fmt.Errorf("federation: status announce for unknown router %s", status.RouterID)
	}
	rec.LoadFactor = status.LoadFactor
	rec.QueueDepth = status.QueueDepth
	rec.ActiveNodes = status.ActiveNodes
	rec.LastSeenMs = d.now().UnixMilli()
	return nil
}

// ApplySummary stores the latest receipt summary a peer published.
func (d *Directory) ApplySummary(summary protocol.ReceiptSummary) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[summary.RouterID]
	if !ok {
		return fmt.Errorf("federation: receipt summary for unknown router %s", summary.RouterID)
	}
	copied := summary
	rec.LastSummary = &copied
	rec.LastSeenMs = d.now().UnixMilli()
	return nil
}

// RecordOutcome adjusts a peer's trust after a direct interaction: slow
// additive recovery on success, a sharper drop on failure.
func (d *Directory) RecordOutcome(routerID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, found := d.peers[routerID]
	if !found {
		return
	}
	if ok {
		rec.TrustScore += trustSuccessGain
		if rec.TrustScore > 100 {
			rec.TrustScore = 100
		}
		return
	}
	rec.TrustScore -= trustFailurePain
	if rec.TrustScore < 0 {
		rec.TrustScore = 0
	}
}

// observeChain tracks a router's message chain and reports whether a gap was
// detected: the message names a predecessor that is not the last one seen.
func (d *Directory) observeChain(routerID, messageID, prevMessageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[routerID]
	if !ok {
		return false
	}
	gap := prevMessageID != "" && rec.lastMessageID != "" && rec.lastMessageID != prevMessageID
	rec.lastMessageID = messageID
	return gap
}

// KeyFor resolves the signing key a router registered with.
func (d *Directory) KeyFor(routerID string) (crypto.PublicKey, bool) {
	d.mu.RLock()
	rec, ok := d.peers[routerID]
	d.mu.RUnlock()
	if !ok {
		return crypto.PublicKey{}, false
	}
	pub, err := crypto.ParsePublicKey(rec.KeyID)
	if err != nil {
		return crypto.PublicKey{}, false
	}
	return pub, true
}

// Get returns the directory's copy of one peer.
func (d *Directory) Get(routerID string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.peers[routerID]
	if !ok {
		return Peer{}, false
	}
	return rec.clone(), true
}

// Peers lists the peers whose announcements are still fresh, sorted by
// router id.
func (d *Directory) Peers() []Peer {
	cutoff := d.now().Add(-d.ttl).UnixMilli()
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, rec := range d.peers {
		if rec.LastSeenMs < cutoff {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouterID < out[j].RouterID })
	return out
}

// PeersWithModel lists fresh peers that announced serving modelID.
func (d *Directory) PeersWithModel(modelID string) []Peer {
	peers := d.Peers()
	out := peers[:0]
	for _, p := range peers {
		if p.HasModel(modelID) {
			out = append(out, p)
		}
	}
	return out
}

// Count reports how many peers the directory holds, fresh or not.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Snapshot exports every peer record for persistence.
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouterID < out[j].RouterID })
	return out
}

// Restore loads persisted peer records, replacing the current contents. The
// per-router message chains restart empty.
func (d *Directory) Restore(peers []Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = make(map[string]*peerRecord, len(peers))
	for _, p := range peers {
		if strings.TrimSpace(p.RouterID) == "" {
			continue
		}
		copied := p
		if copied.TrustScore == 0 {
			copied.TrustScore = baselineTrust
		}
		d.peers[p.RouterID] = &peerRecord{Peer: copied}
	}
	metrics.Federation().SetPeersKnown(len(d.peers))
}

func (r *peerRecord) clone() Peer {
	out := r.Peer
	out.Models = append([]string(nil), r.Models...)
	out.Regions = append([]string(nil), r.Regions...)
	if r.Prices != nil {
		out.Prices = make(map[string]protocol.PriceAnnounce, len(r.Prices))
		for k, v := range r.Prices {
			out.Prices[k] = v
		}
	}
	if r.LastSummary != nil {
		copied := *r.LastSummary
		out.LastSummary = &copied
	}
	return out
}
