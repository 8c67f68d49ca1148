package federation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"infermesh/observability/metrics"
	"infermesh/protocol"
)

// auction collects bids for one RFB this router published.
type auction struct {
	rfb  protocol.RFB
	mu   sync.Mutex
	bids []protocol.Bid
}

func (a *auction) add(bid protocol.Bid) {
	a.mu.Lock()
	a.bids = append(a.bids, bid)
	a.mu.Unlock()
}

func (a *auction) snapshot() []protocol.Bid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Bid(nil), a.bids...)
}

// RunAuction publishes an RFB, collects bids until the earlier of the RFB
// deadline and the configured auction timeout, then closes with an AWARD or a
// CANCEL. The returned peer is the directory's view of the winner.
func (e *Engine) RunAuction(ctx context.Context, rfb protocol.RFB) (*protocol.Award, Peer, error) {
	if rfb.JobID == "" {
		return nil, Peer{}, fmt.Errorf("federation: rfb names no job")
	}
	window := e.cfg.AuctionTimeout
	if rfb.DeadlineMs > 0 {
		if d := time.Duration(rfb.DeadlineMs) * time.Millisecond; d < window {
			window = d
		}
	}

	a := &auction{rfb: rfb}
	e.mu.Lock()
	if _, exists := e.auctions[rfb.JobID]; exists {
		e.mu.Unlock()
		return nil, Peer{}, fmt.Errorf("federation: auction for job %s already running", rfb.JobID)
	}
	e.auctions[rfb.JobID] = a
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.auctions, rfb.JobID)
		e.mu.Unlock()
	}()

	metrics.Federation().IncAuctionStarted()
	if err := e.publish(ctx, protocol.ControlRFB, rfb); err != nil {
		return nil, Peer{}, fmt.Errorf("publish rfb: %w", err)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, Peer{}, ctx.Err()
	case <-timer.C:
	}

	winner, ok := e.pickWinner(rfb, a.snapshot())
	if !ok {
		if err := e.publish(ctx, protocol.ControlCancel, protocol.Cancel{JobID: rfb.JobID, Reason: "no-bids"}); err != nil {
			e.logger.Warn("cancel publish failed", "jobId", rfb.JobID, "err", err)
		}
		metrics.Federation().IncAuctionNoBids()
		return nil, Peer{}, ErrNoBids
	}

	award := protocol.Award{
		JobID:             rfb.JobID,
		RouterID:          winner.RouterID,
		AcceptedPriceMsat: winner.PriceMsat,
		AwardExpiryMs:     e.now().Add(e.cfg.AwardTTL).UnixMilli(),
	}
	if err := e.publish(ctx, protocol.ControlAward, award); err != nil {
		return nil, Peer{}, fmt.Errorf("publish award: %w", err)
	}
	metrics.Federation().IncAwardPublished()
	e.mu.Lock()
	e.issued[rfb.JobID] = IssuedAward{RFB: rfb, Award: award, IssuedAtMs: e.now().UnixMilli()}
	e.mu.Unlock()
	peer, _ := e.dir.Get(winner.RouterID)
	e.logger.Info("auction awarded", "jobId", rfb.JobID, "winner", winner.RouterID, "priceMsat", winner.PriceMsat, "etaMs", winner.EtaMs)
	return &award, peer, nil
}

// pickWinner minimizes priceMsat + lambda*etaMs over the usable bids,
// breaking ties by peer trust and then router id.
func (e *Engine) pickWinner(rfb protocol.RFB, bids []protocol.Bid) (protocol.Bid, bool) {
	nowMs := e.now().UnixMilli()
	var best protocol.Bid
	bestScore := math.Inf(1)
	bestTrust := -1.0
	found := false
	for _, bid := range bids {
		if bid.PriceMsat <= 0 {
			continue
		}
		if rfb.MaxPriceMsat > 0 && bid.PriceMsat > rfb.MaxPriceMsat {
			continue
		}
		if bid.ValidUntilMs > 0 && bid.ValidUntilMs <= nowMs {
			continue
		}
		score := float64(bid.PriceMsat) + e.cfg.Lambda*float64(bid.EtaMs)
		trust := baselineTrust
		if peer, ok := e.dir.Get(bid.RouterID); ok {
			trust = peer.TrustScore
		}
		switch {
		case !found || score < bestScore-1e-9:
		case math.Abs(score-bestScore) <= 1e-9 && trust > bestTrust:
		case math.Abs(score-bestScore) <= 1e-9 && trust == bestTrust && bid.RouterID < best.RouterID:
		default:
			continue
		}
		best = bid
		bestScore = score
		bestTrust = trust
		found = true
	}
	return best, found
}

// handleRFB is the bidder side: consult the policy and answer with a BID.
func (e *Engine) handleRFB(ctx context.Context, issuer string, rfb protocol.RFB) error {
	if e.cfg.BidPolicy == nil {
		return nil
	}
	bid, ok := e.cfg.BidPolicy(rfb)
	if !ok {
		return nil
	}
	bid.JobID = rfb.JobID
	bid.RouterID = e.cfg.RouterID
	if bid.ValidUntilMs == 0 {
		bid.ValidUntilMs = e.now().Add(e.cfg.AwardTTL).UnixMilli()
	}
	e.mu.Lock()
	e.pendingBids[rfb.JobID] = pendingBid{rfb: rfb, issuer: issuer, atMs: e.now().UnixMilli()}
	e.mu.Unlock()
	if err := e.publish(ctx, protocol.ControlBid, bid); err != nil {
		return fmt.Errorf("publish bid: %w", err)
	}
	return nil
}

// handleBid feeds a peer's bid into the matching open auction.
func (e *Engine) handleBid(sender string, bid protocol.Bid) error {
	if bid.RouterID != sender {
		metrics.Federation().IncDropped("forged-bid")
		return protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch, "bid names %s but was signed by %s", bid.RouterID, sender)
	}
	e.mu.Lock()
	a := e.auctions[bid.JobID]
	e.mu.Unlock()
	if a == nil {
		e.logger.Debug("bid for unknown auction", "jobId", bid.JobID, "router", sender)
		return nil
	}
	if a.rfb.MaxPriceMsat > 0 && bid.PriceMsat > a.rfb.MaxPriceMsat {
		e.logger.Debug("bid over price cap", "jobId", bid.JobID, "router", sender, "priceMsat", bid.PriceMsat)
		return nil
	}
	a.add(bid)
	metrics.Federation().IncBidReceived()
	return nil
}

// handleAward resolves a peer's award against our outstanding bids. Awards
// naming other routers clear the pending entry; awards naming us are retained
// until the job arrives and settlement completes.
func (e *Engine) handleAward(issuer string, award protocol.Award) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.pendingBids[award.JobID]
	delete(e.pendingBids, award.JobID)
	if award.RouterID != e.cfg.RouterID {
		return nil
	}
	if !ok {
		e.logger.Debug("award without a matching bid", "jobId", award.JobID, "issuer", issuer)
		return nil
	}
	if pb.issuer != issuer {
		metrics.Federation().IncDropped("forged-award")
		return protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch, "award for job %s signed by %s, auction ran by %s", award.JobID, issuer, pb.issuer)
	}
	e.won[pb.rfb.JobHash] = WonAward{RFB: pb.rfb, Award: award, Issuer: issuer}
	e.logger.Info("won auction", "jobId", award.JobID, "issuer", issuer, "priceMsat", award.AcceptedPriceMsat)
	return nil
}

func (e *Engine) handleCancel(issuer string, cancel protocol.Cancel) error {
	e.mu.Lock()
	pb, ok := e.pendingBids[cancel.JobID]
	if ok && pb.issuer == issuer {
		delete(e.pendingBids, cancel.JobID)
	}
	e.mu.Unlock()
	return nil
}

// WonAward returns the live award held for a job hash.
func (e *Engine) WonAward(jobHash string) (WonAward, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	won, ok := e.won[jobHash]
	if !ok || won.Expired(e.now()) {
		return WonAward{}, false
	}
	return won, true
}

// TakeWonAward removes and returns the award for a job hash once settlement
// has been initiated.
func (e *Engine) TakeWonAward(jobHash string) (WonAward, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	won, ok := e.won[jobHash]
	if !ok {
		return WonAward{}, false
	}
	delete(e.won, jobHash)
	if won.Expired(e.now()) {
		return WonAward{}, false
	}
	return won, true
}

// IssuedAward returns the award record this router granted for a job, if it
// is still inside the settlement grace window.
func (e *Engine) IssuedAward(jobID string) (IssuedAward, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ia, ok := e.issued[jobID]
	return ia, ok
}

// SettleIssued marks an issued award as settled once the winner's payment
// receipt has been accepted. It reports whether the job was known.
func (e *Engine) SettleIssued(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ia, ok := e.issued[jobID]
	if !ok {
		return false
	}
	if !ia.Settled {
		ia.Settled = true
		ia.SettledAtMs = e.now().UnixMilli()
		e.issued[jobID] = ia
	}
	return true
}

// IssuedAwards lists the award records still held for settlement, newest
// first by issue time.
func (e *Engine) IssuedAwards() []IssuedAward {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]IssuedAward, 0, len(e.issued))
	for _, ia := range e.issued {
		out = append(out, ia)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAtMs > out[j].IssuedAtMs })
	return out
}

// OpenAuctions reports the job ids of auctions currently collecting bids.
func (e *Engine) OpenAuctions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.auctions))
	for jobID := range e.auctions {
		out = append(out, jobID)
	}
	return out
}
