package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stake event kinds.
const (
	StakeCommit = "commit"
	StakeSlash  = "slash"
)

const (
	// maxStakeBonus caps the trust points stake can add.
	maxStakeBonus = 25.0
	// satsPerBonusPoint converts effective stake into trust points.
	satsPerBonusPoint = 10_000
)

// StakeEvent is one ledger entry.
type StakeEvent struct {
	NodeID     string `json:"nodeId"`
	Kind       string `json:"kind"`
	AmountSats int64  `json:"amountSats"`
	Reason     string `json:"reason,omitempty"`
	TS         int64  `json:"ts"`
}

type stakePosition struct {
	committed int64
	slashed   int64
}

// StakeLedger tracks per-node stake commitments and slashes. Effective stake
// raises a node's trust score; slashing is an operator action, never
// automatic.
type StakeLedger struct {
	mu        sync.Mutex
	positions map[string]*stakePosition
	events    []StakeEvent
}

// NewStakeLedger builds an empty ledger.
func NewStakeLedger() *StakeLedger {
	return &StakeLedger{positions: make(map[string]*stakePosition)}
}

// Commit adds stake for a node.
func (l *StakeLedger) Commit(nodeID string, sats int64, now time.Time) error {
	if nodeID == "" {
		return fmt.Errorf("nodeId required")
	}
	if sats <= 0 {
		return fmt.Errorf("commit amount must be positive, got %d", sats)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := l.ensureLocked(nodeID)
	pos.committed += sats
	l.events = append(l.events, StakeEvent{NodeID: nodeID, Kind: StakeCommit, AmountSats: sats, TS: now.UnixMilli()})
	return nil
}

// Slash removes stake for a node with a reason. Slashing below zero is
// clamped at the effective-stake floor.
func (l *StakeLedger) Slash(nodeID string, sats int64, reason string, now time.Time) error {
	if nodeID == "" {
		return fmt.Errorf("nodeId required")
	}
	if sats <= 0 {
		return fmt.Errorf("slash amount must be positive, got %d", sats)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := l.ensureLocked(nodeID)
	pos.slashed += sats
	l.events = append(l.events, StakeEvent{NodeID: nodeID, Kind: StakeSlash, AmountSats: sats, Reason: reason, TS: now.UnixMilli()})
	return nil
}

// Effective returns committed minus slashed, floored at zero.
func (l *StakeLedger) Effective(nodeID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := l.positions[nodeID]
	if pos == nil {
		return 0
	}
	eff := pos.committed - pos.slashed
	if eff < 0 {
		return 0
	}
	return eff
}

// Bonus converts effective stake into trust points: one point per 10k sats,
// capped at 25.
func (l *StakeLedger) Bonus(nodeID string) float64 {
	bonus := float64(l.Effective(nodeID)) / satsPerBonusPoint
	if bonus > maxStakeBonus {
		return maxStakeBonus
	}
	return bonus
}

// Events returns the ledger entries for a node, oldest first; all entries
// when nodeID is empty.
func (l *StakeLedger) Events(nodeID string) []StakeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StakeEvent, 0, len(l.events))
	for _, ev := range l.events {
		if nodeID == "" || ev.NodeID == nodeID {
			out = append(out, ev)
		}
	}
	return out
}

// StakePosition is the aggregate view of one node's stake.
type StakePosition struct {
	NodeID        string `json:"nodeId"`
	CommittedSats int64  `json:"committedSats"`
	SlashedSats   int64  `json:"slashedSats"`
	EffectiveSats int64  `json:"effectiveSats"`
}

// Positions returns per-node aggregates sorted by nodeId.
func (l *StakeLedger) Positions() []StakePosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.positions))
	for id := range l.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]StakePosition, 0, len(ids))
	for _, id := range ids {
		pos := l.positions[id]
		eff := pos.committed - pos.slashed
		if eff < 0 {
			eff = 0
		}
		out = append(out, StakePosition{
			NodeID:        id,
			CommittedSats: pos.committed,
			SlashedSats:   pos.slashed,
			EffectiveSats: eff,
		})
	}
	return out
}

func (l *StakeLedger) ensureLocked(nodeID string) *stakePosition {
	pos := l.positions[nodeID]
	if pos == nil {
		pos = &stakePosition{}
		l.positions[nodeID] = pos
	}
	return pos
}

func (l *StakeLedger) snapshot() []StakeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StakeEvent(nil), l.events...)
}

func (l *StakeLedger) restore(events []StakeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]*stakePosition)
	l.events = append([]StakeEvent(nil), events...)
	for _, ev := range events {
		pos := l.ensureLocked(ev.NodeID)
		switch ev.Kind {
		case StakeCommit:
			pos.committed += ev.AmountSats
		case StakeSlash:
			pos.slashed += ev.AmountSats
		}
	}
}
