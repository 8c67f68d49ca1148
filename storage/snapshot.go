// Package storage persists the router's mutable state as a single JSON
// snapshot. The snapshot store is the only writer of the state file; every
// other component hands it state through the collector.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"infermesh/federation"
	"infermesh/observability/metrics"
	"infermesh/payments"
	"infermesh/registry"
)

const (
	snapshotVersion        = 1
	defaultPersistInterval = 5 * time.Second
)

// Snapshot is the persisted form of everything the router must survive a
// restart with: node registry, payment state and the federation peer
// directory. Replay nonces live in their own store.
type Snapshot struct {
	Version   int               `json:"version"`
	RouterID  string            `json:"routerId,omitempty"`
	SavedAtMs int64             `json:"savedAtMs"`
	Registry  registry.State    `json:"registry"`
	Payments  payments.State    `json:"payments"`
	Peers     []federation.Peer `json:"peers,omitempty"`
}

// Collector assembles the current snapshot. It runs on the store's writer
// goroutine, so implementations take their own locks.
type Collector func() Snapshot

// Config wires the store to its file and state sources.
type Config struct {
	// Path is the snapshot file. Parent directories are created on the
	// first write.
	Path string
	// Interval paces the periodic writer. Zero means the 5s default.
	Interval time.Duration
	Collect  Collector
	Logger   *slog.Logger
	Now      func() time.Time
}

// Store writes snapshots atomically through a temp file and rename, so a
// crash mid-write leaves the previous snapshot intact. Writes are debounced:
// at most one runs at a time, and while one is in flight a single follow-up
// request stays queued.
type Store struct {
	path     string
	interval time.Duration
	collect  Collector
	logger   *slog.Logger
	now      func() time.Time

	requests chan struct{}
	writeMu  sync.Mutex

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates the config and builds a store. Start launches the writer.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage: snapshot path required")
	}
	if cfg.Collect == nil {
		return nil, fmt.Errorf("storage: snapshot collector required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPersistInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		path:     cfg.Path,
		interval: cfg.Interval,
		collect:  cfg.Collect,
		logger:   cfg.Logger.With("component", "storage"),
		now:      cfg.Now,
		requests: make(chan struct{}, 1),
	}, nil
}

// Load reads the snapshot from disk. A missing or empty file returns
// (nil, nil). A malformed file returns the decode error; callers warn and
// start from empty state rather than refusing to boot.
func (s *Store) Load() (*Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state snapshot: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode state snapshot %s: %w", s.path, err)
	}
	return &snap, nil
}

// Start launches the periodic writer. It stops when ctx is canceled; call
// Close afterwards for the final flush.
func (s *Store) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.started {
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()
}

func (s *Store) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeOnce()
		case <-s.requests:
			s.writeOnce()
		}
	}
}

// Request asks for a snapshot write soon. The buffered channel holds the one
// queued follow-up; further requests while it is full coalesce into it.
func (s *Store) Request() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

func (s *Store) writeOnce() {
	if err := s.Flush(); err != nil {
		s.logger.Warn("snapshot write failed", "path", s.path, "err", err)
	}
}

// Flush collects and writes one snapshot synchronously.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	snap := s.collect()
	snap.Version = snapshotVersion
	if snap.SavedAtMs == 0 {
		snap.SavedAtMs = s.now().UnixMilli()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		metrics.Stores().ObserveSnapshot(time.Since(start).Seconds(), 0, err)
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	err = s.write(raw)
	metrics.Stores().ObserveSnapshot(time.Since(start).Seconds(), len(raw), err)
	return err
}

func (s *Store) write(raw []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create state temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state snapshot: %w", err)
	}
	return nil
}

// Close stops the writer and flushes a final snapshot.
func (s *Store) Close() error {
	s.lifecycle.Lock()
	started := s.started
	cancel := s.cancel
	s.started = false
	s.lifecycle.Unlock()
	if started {
		cancel()
		s.wg.Wait()
	}
	return s.Flush()
}
