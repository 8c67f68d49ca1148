package federation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"infermesh/crypto"
	"infermesh/observability/metrics"
	"infermesh/protocol"
)

const (
	defaultCapsInterval   = 30 * time.Second
	defaultPriceInterval  = 60 * time.Second
	defaultStatusInterval = 5 * time.Second
	defaultAuctionTimeout = 500 * time.Millisecond
	defaultAwardTTL       = 30 * time.Second
	defaultLambda         = 1e-3
	defaultSkew           = 2 * time.Minute

	priceCheckInterval = 5 * time.Second
	sweepInterval      = 30 * time.Second
	pendingBidTTL      = 2 * time.Minute
	wonAwardGrace      = 10 * time.Minute
	issuedAwardGrace   = 10 * time.Minute
	messageSeenLimit   = 8192
)

// ErrNoBids reports an auction that closed without a single usable bid.
var ErrNoBids = protocol.NewWireError(protocol.CodeAuctionNoBids, "auction closed without bids")

// Publisher is the relay transport the engine speaks through. relay.Set
// satisfies it; tests substitute an in-memory bus.
type Publisher interface {
	Start(ctx context.Context)
	Publish(ctx context.Context, ev *protocol.RelayEvent) error
	Events() <-chan *protocol.RelayEvent
	Close() error
}

// Config wires an Engine to its identity, transport and local state sources.
type Config struct {
	RouterID  string
	Key       *crypto.PrivateKey
	Relays    Publisher
	Directory *Directory

	CapsInterval   time.Duration
	PriceInterval  time.Duration
	StatusInterval time.Duration
	AuctionTimeout time.Duration
	AwardTTL       time.Duration
	// Lambda weighs bid latency against price, in msat per millisecond.
	Lambda float64
	// Skew tolerates sender clocks running ahead by this much.
	Skew time.Duration

	// CapsSource, PriceSource and StatusSource feed the announcers. A nil
	// source disables that announcement.
	CapsSource   func() protocol.CapabilityProfile
	PriceSource  func() []protocol.PriceAnnounce
	StatusSource func() protocol.StatusAnnounce
	// BidPolicy computes this router's offer for a peer's RFB. Returning
	// false declines the auction. Nil never bids.
	BidPolicy func(rfb protocol.RFB) (protocol.Bid, bool)

	Logger *slog.Logger
	Now    func() time.Time
}

type pendingBid struct {
	rfb    protocol.RFB
	issuer string
	atMs   int64
}

// WonAward is an award this router holds after winning a peer's auction. The
// gateway matches inbound work against it by job hash and settles through the
// issuer once the job completes.
type WonAward struct {
	RFB    protocol.RFB
	Award  protocol.Award
	Issuer string
}

// Expired reports whether the award's dispatch window has closed.
func (w WonAward) Expired(now time.Time) bool {
	return w.Award.AwardExpiryMs > 0 && w.Award.AwardExpiryMs <= now.UnixMilli()
}

// IssuedAward records an award this router granted to a peer. It anchors the
// winner's later settlement claim: the claim must name the same job, winner
// and price, and must arrive before the award falls out of the grace window.
type IssuedAward struct {
	RFB         protocol.RFB
	Award       protocol.Award
	IssuedAtMs  int64
	Settled     bool
	SettledAtMs int64
}

// Engine runs the federation control plane for one router.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	dir    *Directory
	now    func() time.Time
	seen   *seenSet

	mu            sync.Mutex
	prevMessageID string
	lastPrices    map[string]protocol.PriceAnnounce
	lastFullPrice time.Time
	auctions      map[string]*auction
	pendingBids   map[string]pendingBid
	won           map[string]WonAward
	issued        map[string]IssuedAward

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates the config and builds an engine. Start launches its loops.
func New(cfg Config) (*Engine, error) {
	if cfg.RouterID == "" {
		return nil, fmt.Errorf("federation: router id required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("federation: signing key required")
	}
	if cfg.Relays == nil {
		return nil, fmt.Errorf("federation: relay transport required")
	}
	if cfg.CapsInterval <= 0 {
		cfg.CapsInterval = defaultCapsInterval
	}
	if cfg.PriceInterval <= 0 {
		cfg.PriceInterval = defaultPriceInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.AuctionTimeout <= 0 {
		cfg.AuctionTimeout = defaultAuctionTimeout
	}
	if cfg.AwardTTL <= 0 {
		cfg.AwardTTL = defaultAwardTTL
	}
	if cfg.Lambda <= 0 {
		cfg.Lambda = defaultLambda
	}
	if cfg.Skew <= 0 {
		cfg.Skew = defaultSkew
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory(0, cfg.Now)
	}
	return &Engine{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "federation"),
		dir:         cfg.Directory,
		now:         cfg.Now,
		seen:        newSeenSet(messageSeenLimit),
		lastPrices:  make(map[string]protocol.PriceAnnounce),
		auctions:    make(map[string]*auction),
		pendingBids: make(map[string]pendingBid),
		won:         make(map[string]WonAward),
		issued:      make(map[string]IssuedAward),
	}, nil
}

// Directory exposes the peer directory the engine maintains.
func (e *Engine) Directory() *Directory {
	return e.dir
}

// Start launches the relay transport, the consume loop and the announcers.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.started {
		return
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.cfg.Relays.Start(runCtx)
	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.consume(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.announceLoop(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.sweepLoop(runCtx)
	}()
}

// Close stops the loops and the relay transport.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	started := e.started
	cancel := e.cancel
	e.lifecycle.Unlock()
	if !started {
		return nil
	}
	cancel()
	err := e.cfg.Relays.Close()
	e.wg.Wait()
	return err
}

func (e *Engine) consume(ctx context.Context) {
	for ev := range e.cfg.Relays.Events() {
		msg, err := protocol.ControlFromEvent(ev)
		if err != nil {
			metrics.Federation().IncDropped("invalid-event")
			e.logger.Debug("dropping relay event", "err", err)
			continue
		}
		if err := e.process(ctx, ev.Pubkey, msg); err != nil {
			e.logger.Debug("dropping control message", "type", msg.Type, "router", msg.RouterID, "err", err)
		}
	}
}

// HandleControl admits a control message that arrived over HTTP instead of a
// relay, applying the same verification pipeline.
func (e *Engine) HandleControl(ctx context.Context, msg *protocol.RouterControlMessage) error {
	return e.process(ctx, "", msg)
}

// process verifies and dispatches one control message. eventPubkey, when
// non-empty, is the relay event's signing key and must match the router's
// registered key.
func (e *Engine) process(ctx context.Context, eventPubkey string, msg *protocol.RouterControlMessage) error {
	if msg == nil {
		return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "empty control message")
	}
	if msg.RouterID == e.cfg.RouterID {
		return nil
	}
	if !e.seen.observe(msg.MessageID) {
		metrics.Federation().IncDropped("duplicate")
		return nil
	}
	if !msg.Fresh(e.now(), e.cfg.Skew) {
		metrics.Federation().IncDropped("expired")
		return protocol.NewWireError(protocol.CodeTSOutOfWindow, "control message from %s expired", msg.RouterID)
	}

	pub, err := e.senderKey(msg)
	if err != nil {
		return err
	}
	if !msg.VerifyWith(pub) {
		metrics.Federation().IncDropped("bad-signature")
		return protocol.NewWireError(protocol.CodeEnvelopeSignatureInvalid, "control signature from %s", msg.RouterID)
	}
	if eventPubkey != "" && eventPubkey != hex.EncodeToString(pub.Bytes()) {
		metrics.Federation().IncDropped("key-mismatch")
		return protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch, "event key does not match router %s", msg.RouterID)
	}

	if e.dir.observeChain(msg.RouterID, msg.MessageID, msg.PrevMessageID) {
		metrics.Federation().IncGapDetected()
		e.logger.Debug("message gap detected", "router", msg.RouterID)
	}
	metrics.Federation().IncReceived(string(msg.Type))

	switch msg.Type {
	case protocol.ControlCapsAnnounce:
		var caps protocol.CapabilityProfile
		if err := msg.DecodePayload(&caps); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "caps announce: %v", err)
		}
		if caps.RouterID != msg.RouterID {
			metrics.Federation().IncDropped("router-mismatch")
			return protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch, "caps router %s inside message from %s", caps.RouterID, msg.RouterID)
		}
		if err := e.dir.ApplyCaps(caps); err != nil {
			metrics.Federation().IncDropped("key-changed")
			return protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch, "%v", err)
		}
		return nil
	case protocol.ControlPriceAnnounce:
		var price protocol.PriceAnnounce
		if err := msg.DecodePayload(&price); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "price announce: %v", err)
		}
		price.RouterID = msg.RouterID
		return e.dir.ApplyPrice(price)
	case protocol.ControlStatusAnnounce:
		var status protocol.StatusAnnounce
		if err := msg.DecodePayload(&status); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "status announce: %v", err)
		}
		status.RouterID = msg.RouterID
		return e.dir.ApplyStatus(status)
	case protocol.ControlReceiptSummary:
		var summary protocol.ReceiptSummary
		if err := msg.DecodePayload(&summary); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "receipt summary: %v", err)
		}
		summary.RouterID = msg.RouterID
		return e.dir.ApplySummary(summary)
	case protocol.ControlRFB:
		var rfb protocol.RFB
		if err := msg.DecodePayload(&rfb); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "rfb: %v", err)
		}
		return e.handleRFB(ctx, msg.RouterID, rfb)
	case protocol.ControlBid:
		var bid protocol.Bid
		if err := msg.DecodePayload(&bid); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "bid: %v", err)
		}
		return e.handleBid(msg.RouterID, bid)
	case protocol.ControlAward:
		var award protocol.Award
		if err := msg.DecodePayload(&award); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "award: %v", err)
		}
		return e.handleAward(msg.RouterID, award)
	case protocol.ControlCancel:
		var cancel protocol.Cancel
		if err := msg.DecodePayload(&cancel); err != nil {
			return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "cancel: %v", err)
		}
		return e.handleCancel(msg.RouterID, cancel)
	default:
		metrics.Federation().IncDropped("unknown-type")
		return protocol.NewWireError(protocol.CodeEnvelopeMalformed, "unknown control type %q", msg.Type)
	}
}

// senderKey resolves the key a control message must verify against. Unknown
// routers may only introduce themselves through a capability announce.
func (e *Engine) senderKey(msg *protocol.RouterControlMessage) (crypto.PublicKey, error) {
	if pub, ok := e.dir.KeyFor(msg.RouterID); ok {
		return pub, nil
	}
	if msg.Type != protocol.ControlCapsAnnounce {
		metrics.Federation().IncDropped("unknown-router")
		return crypto.PublicKey{}, protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch, "unknown router %s", msg.RouterID)
	}
	var caps protocol.CapabilityProfile
	if err := msg.DecodePayload(&caps); err != nil {
		return crypto.PublicKey{}, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "caps announce: %v", err)
	}
	pub, err := crypto.ParsePublicKey(caps.KeyID)
	if err != nil {
		metrics.Federation().IncDropped("bad-key")
		return crypto.PublicKey{}, protocol.NewWireError(protocol.CodeEnvelopeKeyMismatch, "caps key for %s: %v", msg.RouterID, err)
	}
	return pub, nil
}

// publish signs a control message chained to the previous one and fans it out
// through the relay set.
func (e *Engine) publish(ctx context.Context, msgType protocol.ControlType, payload any) error {
	e.mu.Lock()
	prev := e.prevMessageID
	msg, err := protocol.NewControlMessage(e.cfg.Key, e.cfg.RouterID, msgType, payload, prev, e.now())
	if err == nil {
		e.prevMessageID = msg.MessageID
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	ev, err := protocol.EventFromControl(e.cfg.Key, msg, e.now())
	if err != nil {
		return err
	}
	return e.cfg.Relays.Publish(ctx, ev)
}

// AnnounceNow publishes the full capability, price and status set at once.
func (e *Engine) AnnounceNow(ctx context.Context) {
	e.publishCaps(ctx)
	e.publishPrices(ctx, true)
	e.publishStatus(ctx)
}

// PublishReceiptSummary publishes a settled-work summary to aggregator relays.
func (e *Engine) PublishReceiptSummary(ctx context.Context, summary protocol.ReceiptSummary) error {
	summary.RouterID = e.cfg.RouterID
	return e.publish(ctx, protocol.ControlReceiptSummary, summary)
}

func (e *Engine) announceLoop(ctx context.Context) {
	e.AnnounceNow(ctx)
	caps := time.NewTicker(e.cfg.CapsInterval)
	defer caps.Stop()
	price := time.NewTicker(priceCheck(e.cfg.PriceInterval))
	defer price.Stop()
	status := time.NewTicker(e.cfg.StatusInterval)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-caps.C:
			e.publishCaps(ctx)
		case <-price.C:
			force := false
			e.mu.Lock()
			if e.now().Sub(e.lastFullPrice) >= e.cfg.PriceInterval {
				force = true
			}
			e.mu.Unlock()
			e.publishPrices(ctx, force)
		case <-status.C:
			e.publishStatus(ctx)
		}
	}
}

// priceCheck bounds the change-detection cadence so short test intervals
// still fire.
func priceCheck(interval time.Duration) time.Duration {
	if interval < priceCheckInterval {
		return interval
	}
	return priceCheckInterval
}

func (e *Engine) publishCaps(ctx context.Context) {
	if e.cfg.CapsSource == nil {
		return
	}
	caps := e.cfg.CapsSource()
	caps.RouterID = e.cfg.RouterID
	if err := e.publish(ctx, protocol.ControlCapsAnnounce, caps); err != nil {
		e.logger.Warn("caps announce failed", "err", err)
	}
}

func (e *Engine) publishPrices(ctx context.Context, force bool) {
	if e.cfg.PriceSource == nil {
		return
	}
	entries := e.cfg.PriceSource()
	now := e.now()
	for _, entry := range entries {
		entry.RouterID = e.cfg.RouterID
		if entry.UpdatedAtMs == 0 {
			entry.UpdatedAtMs = now.UnixMilli()
		}
		e.mu.Lock()
		prev, seen := e.lastPrices[entry.JobType]
		changed := !seen || prev.PricePerToken != entry.PricePerToken || prev.MinPriceMsat != entry.MinPriceMsat
		if force || changed {
			e.lastPrices[entry.JobType] = entry
		}
		e.mu.Unlock()
		if !force && !changed {
			continue
		}
		if err := e.publish(ctx, protocol.ControlPriceAnnounce, entry); err != nil {
			e.logger.Warn("price announce failed", "jobType", entry.JobType, "err", err)
		}
	}
	if force {
		e.mu.Lock()
		e.lastFullPrice = now
		e.mu.Unlock()
	}
}

func (e *Engine) publishStatus(ctx context.Context) {
	if e.cfg.StatusSource == nil {
		return
	}
	status := e.cfg.StatusSource()
	status.RouterID = e.cfg.RouterID
	if status.UpdatedAtMs == 0 {
		status.UpdatedAtMs = e.now().UnixMilli()
	}
	if err := e.publish(ctx, protocol.ControlStatusAnnounce, status); err != nil {
		e.logger.Warn("status announce failed", "err", err)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep drops stale pending bids and awards that were never claimed.
func (e *Engine) sweep() {
	nowMs := e.now().UnixMilli()
	e.mu.Lock()
	defer e.mu.Unlock()
	for jobID, pb := range e.pendingBids {
		if nowMs-pb.atMs > pendingBidTTL.Milliseconds() {
			delete(e.pendingBids, jobID)
		}
	}
	for hash, won := range e.won {
		if won.Award.AwardExpiryMs > 0 && nowMs > won.Award.AwardExpiryMs+wonAwardGrace.Milliseconds() {
			delete(e.won, hash)
		}
	}
	for jobID, ia := range e.issued {
		expiry := ia.Award.AwardExpiryMs
		if expiry == 0 {
			expiry = ia.IssuedAtMs
		}
		if nowMs > expiry+issuedAwardGrace.Milliseconds() {
			delete(e.issued, jobID)
		}
	}
}

// seenSet is a bounded first-sighting filter over message ids.
type seenSet struct {
	mu    sync.Mutex
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[string]struct{}, limit)}
}

func (s *seenSet) observe(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	return true
}
