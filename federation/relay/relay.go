// Package relay maintains the websocket fan-out to the federation relay set.
// Relays are best-effort pub-sub: publishing succeeds when at least one relay
// accepted the frame, and per-relay sessions reconnect with capped
// exponential backoff.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"infermesh/observability/metrics"
	"infermesh/protocol"
)

const (
	minBackoff          = 250 * time.Millisecond
	defaultMaxRetry     = 30 * time.Second
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
	subscriptionID      = "infermesh-ctl"
	dedupeLimit         = 4096
	incomingBacklog     = 256
)

var errNotConnected = errors.New("relay: not connected")

// Relay describes one endpoint of the publish set.
type Relay struct {
	URL   string  `json:"url" yaml:"url"`
	Trust float64 `json:"trust" yaml:"trust"`
	// Aggregator relays additionally receive receipt summary traffic.
	Aggregator bool `json:"aggregator" yaml:"aggregator"`
}

// Config tunes the relay set.
type Config struct {
	// Relays lists the bootstrap endpoints. Entries below MinTrust are skipped.
	Relays   []Relay
	MinTrust float64
	// Kinds filters the subscription; defaults to every control kind.
	Kinds []int
	// MaxRetry caps the reconnect backoff.
	MaxRetry     time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Set owns one session per admitted relay and merges their event streams into
// a single deduplicated channel.
type Set struct {
	cfg      Config
	logger   *slog.Logger
	sessions []*session
	incoming chan *protocol.RelayEvent
	seen     *seenCache

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates the relay list and prepares sessions. Nothing is dialed until
// Start.
func New(cfg Config) *Set {
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = defaultMaxRetry
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = protocol.ControlKinds()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	set := &Set{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "relay"),
		incoming: make(chan *protocol.RelayEvent, incomingBacklog),
		seen:     newSeenCache(dedupeLimit),
		done:     make(chan struct{}),
	}
	for _, r := range cfg.Relays {
		normalized, err := NormalizeURL(r.URL)
		if err != nil {
			set.logger.Warn("skipping relay", "url", r.URL, "err", err)
			continue
		}
		if r.Trust < cfg.MinTrust {
			set.logger.Info("relay below trust floor", "url", normalized, "trust", r.Trust)
			continue
		}
		r.URL = normalized
		set.sessions = append(set.sessions, &session{
			relay:  r,
			set:    set,
			logger: set.logger.With("relay", normalized),
		})
	}
	return set
}

// Start launches the per-relay session loops. The Events channel closes once
// the context ends and every session has wound down.
func (s *Set) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	var wg sync.WaitGroup
	for _, sess := range s.sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			sess.run(runCtx)
		}(sess)
	}
	go func() {
		wg.Wait()
		close(s.incoming)
		close(s.done)
	}()
}

// Close stops every session and waits for the event channel to close.
func (s *Set) Close() error {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-s.done
	return nil
}

// Events yields relay events after cross-relay dedupe.
func (s *Set) Events() <-chan *protocol.RelayEvent {
	return s.incoming
}

// Connected reports how many sessions currently hold a live connection.
func (s *Set) Connected() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.connected() {
			n++
		}
	}
	return n
}

// Size reports how many relays were admitted into the set.
func (s *Set) Size() int {
	return len(s.sessions)
}

// Publish fans the event out to every eligible relay. Receipt summaries go to
// aggregator relays only. Publishing succeeds when at least one relay accepted
// the write; per-relay failures are absorbed by the session backoff.
func (s *Set) Publish(ctx context.Context, ev *protocol.RelayEvent) error {
	if ev == nil || ev.ID == "" {
		return errors.New("relay: event has no id")
	}
	frame, err := json.Marshal([]any{"EVENT", ev})
	if err != nil {
		return fmt.Errorf("encode event frame: %w", err)
	}
	// Our own events echo back on the subscription; mark them seen up front.
	s.seen.observe(ev.ID)
	accepted := 0
	for _, sess := range s.sessions {
		if ev.Kind == protocol.KindReceiptSummary && !sess.relay.Aggregator {
			continue
		}
		if err := sess.write(ctx, frame); err != nil {
			metrics.Federation().IncPublishFailure(sess.relay.URL)
			s.logger.Debug("relay write failed", "relay", sess.relay.URL, "err", err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("event %s: no relay accepted the write", shortID(ev.ID))
	}
	if t, ok := protocol.TypeForKind(ev.Kind); ok {
		metrics.Federation().IncPublished(string(t))
	}
	return nil
}

func (s *Set) deliver(ev *protocol.RelayEvent) {
	if ev == nil || ev.ID == "" {
		return
	}
	if !s.seen.observe(ev.ID) {
		metrics.Federation().IncDropped("duplicate-event")
		return
	}
	select {
	case s.incoming <- ev:
	default:
		metrics.Federation().IncDropped("backlog")
	}
}

type session struct {
	relay  Relay
	set    *Set
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *session) connected() bool {
	return s.current() != nil
}

func (s *session) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// write sends one frame on the live connection with the set write timeout.
func (s *session) write(ctx context.Context, frame []byte) error {
	conn := s.current()
	if conn == nil {
		return errNotConnected
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.set.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// run dials, subscribes and reads until the context ends, reconnecting with
// capped exponential backoff that resets after every successful subscribe.
func (s *session) run(ctx context.Context) {
	backoff := minBackoff
	for ctx.Err() == nil {
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("relay dial failed", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.set.cfg.MaxRetry {
				backoff = s.set.cfg.MaxRetry
			}
			continue
		}
		backoff = minBackoff
		metrics.Federation().SetRelayConnected(s.relay.URL, true)
		s.logger.Info("relay connected")
		s.readLoop(ctx, conn)
		s.setConn(nil)
		metrics.Federation().SetRelayConnected(s.relay.URL, false)
		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}
}

func (s *session) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.set.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.relay.URL, nil)
	if err != nil {
		return nil, err
	}
	// Announce payloads can exceed the 32 KiB default read limit.
	conn.SetReadLimit(1 << 20)
	s.setConn(conn)
	if err := s.subscribe(ctx); err != nil {
		s.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return nil, err
	}
	return conn, nil
}

// filter is the subset of the relay query language the router uses.
type filter struct {
	Kinds []int `json:"kinds,omitempty"`
}

func (s *session) subscribe(ctx context.Context) error {
	frame, err := json.Marshal([]any{"REQ", subscriptionID, filter{Kinds: s.set.cfg.Kinds}})
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	return s.write(ctx, frame)
}

func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("relay connection lost", "err", err)
			}
			return
		}
		s.handleFrame(ctx, data)
	}
}

func (s *session) handleFrame(ctx context.Context, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		s.logger.Debug("malformed relay frame", "bytes", len(data))
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}
	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		ev := new(protocol.RelayEvent)
		if err := json.Unmarshal(frame[2], ev); err != nil {
			s.logger.Debug("undecodable relay event", "err", err)
			return
		}
		s.set.deliver(ev)
	case "OK":
		if len(frame) >= 3 {
			var stored bool
			if err := json.Unmarshal(frame[2], &stored); err == nil && !stored {
				reason := ""
				if len(frame) >= 4 {
					_ = json.Unmarshal(frame[3], &reason)
				}
				s.logger.Warn("relay rejected event", "reason", reason)
			}
		}
	case "EOSE":
		s.logger.Debug("subscription caught up")
	case "CLOSED":
		s.logger.Warn("relay closed subscription")
		if err := s.subscribe(ctx); err != nil {
			s.logger.Warn("resubscribe failed", "err", err)
		}
	case "NOTICE":
		msg := ""
		if len(frame) >= 2 {
			_ = json.Unmarshal(frame[1], &msg)
		}
		s.logger.Warn("relay notice", "message", msg)
	}
}

// seenCache is a bounded first-sighting filter over event ids.
type seenCache struct {
	mu    sync.Mutex
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenCache(limit int) *seenCache {
	return &seenCache{limit: limit, ids: make(map[string]struct{}, limit)}
}

// observe returns true the first time an id is seen.
func (c *seenCache) observe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return false
	}
	c.ids[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.ids, oldest)
	}
	return true
}

// NormalizeURL maps http schemes onto websocket ones and rejects anything the
// dialer cannot reach.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("relay url %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", raw, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("relay url %q: missing host", raw)
	}
	return parsed.String(), nil
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
