package federation

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"infermesh/observability/metrics"
	"infermesh/protocol"
)

const (
	// ModeAuction selects peers through the RFB/BID/AWARD round.
	ModeAuction = "auction"
	// ModeDirect selects the cheapest announced peer without an auction.
	ModeDirect = "direct"

	defaultThreshold       = 0.75
	defaultMaxOffloads     = 4
	defaultSummaryInterval = 5 * time.Minute
	loadWeight             = 0.1
	jitterScale            = 1e-3
)

// ErrOffloadSlotsFull reports that every offload slot is in use.
var ErrOffloadSlotsFull = protocol.NewWireError(protocol.CodeRouterSaturated, "offload capacity exhausted")

// OffloadConfig tunes the backpressure controller.
type OffloadConfig struct {
	// Threshold is the loadFactor at which inbound work starts diverting.
	Threshold float64
	// MaxOffloads caps concurrent offloaded dispatches.
	MaxOffloads int
	// Mode picks the peer selection strategy.
	Mode string
	// MaxPriceMsat caps auction bids; zero accepts any price.
	MaxPriceMsat int64
	// ValidationMode is carried verbatim in published RFBs.
	ValidationMode string
	// LoadSource reports the router's current loadFactor.
	LoadSource func() float64
	// SummaryInterval paces receipt summary publication.
	SummaryInterval time.Duration
	DispatchTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Result is a completed offload: the peer that served it and its verbatim
// response.
type Result struct {
	Peer      Peer
	JobID     string
	JobHash   string
	PriceMsat int64
	Response  *PeerResponse
}

// Offloader diverts inbound inference work to peer routers when local load
// crosses the threshold, and periodically summarizes settled offloads.
type Offloader struct {
	cfg    OffloadConfig
	engine *Engine
	client *PeerClient
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	inflight  int
	winStart  int64
	jobCount  int
	totalMsat int64
	hashes    []string

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewOffloader builds the controller on top of a federation engine.
func NewOffloader(engine *Engine, cfg OffloadConfig) *Offloader {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.MaxOffloads <= 0 {
		cfg.MaxOffloads = defaultMaxOffloads
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuction
	}
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = defaultSummaryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Offloader{
		cfg:    cfg,
		engine: engine,
		client: NewPeerClient(cfg.DispatchTimeout),
		logger: cfg.Logger.With("component", "offload"),
		now:    cfg.Now,
	}
}

// Start launches the summary loop.
func (o *Offloader) Start(ctx context.Context) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.started {
		return
	}
	o.started = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.SummaryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				o.flushSummary(runCtx)
			}
		}
	}()
}

// Close stops the summary loop, flushing one final window.
func (o *Offloader) Close() error {
	o.lifecycle.Lock()
	started := o.started
	cancel := o.cancel
	o.lifecycle.Unlock()
	if !started {
		return nil
	}
	cancel()
	o.wg.Wait()
	ctx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	o.flushSummary(ctx)
	return nil
}

// ShouldOffload reports whether the sampled loadFactor has crossed the
// threshold.
func (o *Offloader) ShouldOffload() bool {
	if o.cfg.LoadSource == nil {
		return false
	}
	return o.cfg.LoadSource() >= o.Threshold()
}

// InFlight reports how many offloaded dispatches are currently running.
func (o *Offloader) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight
}

// Threshold returns the loadFactor at which offloading starts.
func (o *Offloader) Threshold() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Threshold
}

// SetThreshold retunes the offload trigger at runtime. Values outside (0,1]
// are ignored.
func (o *Offloader) SetThreshold(threshold float64) {
	if threshold <= 0 || threshold > 1 {
		return
	}
	o.mu.Lock()
	o.cfg.Threshold = threshold
	o.mu.Unlock()
}

// MaxOffloads returns the concurrent offload cap.
func (o *Offloader) MaxOffloads() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.MaxOffloads
}

// SetMaxOffloads retunes the concurrent offload cap at runtime.
func (o *Offloader) SetMaxOffloads(n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	o.cfg.MaxOffloads = n
	o.mu.Unlock()
}

// Mode reports the configured peer selection strategy.
func (o *Offloader) Mode() string {
	return o.cfg.Mode
}

// Offload picks a peer for the raw enveloped request and forwards it,
// returning the peer's verbatim response. The caller relays it to the client
// unchanged.
func (o *Offloader) Offload(ctx context.Context, rawBody []byte, modelID string, estTokens int) (*Result, error) {
	if !o.tryAcquire() {
		return nil, ErrOffloadSlotsFull
	}
	defer o.release()

	jobHash, err := JobHash(rawBody)
	if err != nil {
		return nil, err
	}
	jobID := uuid.NewString()
	metrics.Federation().IncOffloadAttempt()

	var peer Peer
	var priceMsat int64
	switch o.cfg.Mode {
	case ModeDirect:
		peer, priceMsat, err = o.pickDirect(modelID, estTokens)
	default:
		var award *protocol.Award
		award, peer, err = o.engine.RunAuction(ctx, protocol.RFB{
			JobID:          jobID,
			JobHash:        jobHash,
			ModelID:        modelID,
			EstTokens:      estTokens,
			DeadlineMs:     o.engine.cfg.AuctionTimeout.Milliseconds(),
			MaxPriceMsat:   o.cfg.MaxPriceMsat,
			ValidationMode: o.cfg.ValidationMode,
		})
		if err == nil {
			priceMsat = award.AcceptedPriceMsat
		}
	}
	if err != nil {
		metrics.Federation().IncOffloadFailure("no-peer")
		return nil, err
	}
	if peer.Endpoint == "" {
		metrics.Federation().IncOffloadFailure("no-endpoint")
		return nil, protocol.NewWireError(protocol.CodeFederationFailure, "peer %s announced no endpoint", peer.RouterID)
	}

	resp, err := o.client.ForwardInfer(ctx, peer.Endpoint, rawBody)
	if err != nil {
		o.engine.Directory().RecordOutcome(peer.RouterID, false)
		metrics.Federation().IncOffloadFailure("peer-unreachable")
		return nil, err
	}
	o.engine.Directory().RecordOutcome(peer.RouterID, true)
	metrics.Federation().IncOffloadSuccess()
	o.recordJob(jobHash, priceMsat)
	o.logger.Info("offloaded job", "jobId", jobID, "peer", peer.RouterID, "status", resp.StatusCode, "priceMsat", priceMsat)
	return &Result{Peer: peer, JobID: jobID, JobHash: jobHash, PriceMsat: priceMsat, Response: resp}, nil
}

// pickDirect ranks fresh peers serving the model by announced price plus a
// load penalty and a small jitter so equal peers rotate.
func (o *Offloader) pickDirect(modelID string, estTokens int) (Peer, int64, error) {
	peers := o.engine.Directory().PeersWithModel(modelID)
	var best Peer
	var bestPrice float64
	bestScore := math.Inf(1)
	found := false
	for _, p := range peers {
		price, ok := peerTokenPrice(p, modelID)
		if !ok {
			continue
		}
		score := price + loadWeight*p.LoadFactor + rand.Float64()*jitterScale
		if score < bestScore {
			best = p
			bestScore = score
			bestPrice = price
			found = true
		}
	}
	if !found {
		return Peer{}, 0, protocol.NewWireError(protocol.CodeFederationFailure, "no priced peer serves %s", modelID)
	}
	priceMsat := int64(bestPrice * float64(estTokens) * 1000)
	return best, priceMsat, nil
}

// peerTokenPrice resolves the peer's per-token price for a model, falling
// back to its cheapest sheet entry.
func peerTokenPrice(p Peer, modelID string) (float64, bool) {
	if entry, ok := p.PriceFor(modelID); ok {
		return entry.PricePerToken, true
	}
	lowest := math.Inf(1)
	found := false
	for _, entry := range p.Prices {
		if entry.PricePerToken < lowest {
			lowest = entry.PricePerToken
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return lowest, true
}

func (o *Offloader) tryAcquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight >= o.cfg.MaxOffloads {
		return false
	}
	o.inflight++
	return true
}

func (o *Offloader) release() {
	o.mu.Lock()
	o.inflight--
	o.mu.Unlock()
}

func (o *Offloader) recordJob(jobHash string, priceMsat int64) {
	o.mu.Lock()
	if o.jobCount == 0 {
		o.winStart = o.now().UnixMilli()
	}
	o.jobCount++
	o.totalMsat += priceMsat
	o.hashes = append(o.hashes, jobHash)
	o.mu.Unlock()
}

// flushSummary publishes and resets the current settlement window.
func (o *Offloader) flushSummary(ctx context.Context) {
	o.mu.Lock()
	if o.jobCount == 0 {
		o.mu.Unlock()
		return
	}
	summary := protocol.ReceiptSummary{
		WindowStartMs: o.winStart,
		WindowEndMs:   o.now().UnixMilli(),
		JobCount:      o.jobCount,
		TotalMsat:     o.totalMsat,
	}
	hashes := o.hashes
	o.jobCount = 0
	o.totalMsat = 0
	o.winStart = 0
	o.hashes = nil
	o.mu.Unlock()

	if h, err := protocol.HashValue(hashes); err == nil {
		summary.ReceiptsHash = h
	}
	if err := o.engine.PublishReceiptSummary(ctx, summary); err != nil {
		o.logger.Warn("receipt summary publish failed", "err", err)
	}
}
