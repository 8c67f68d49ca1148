package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"infermesh/observability/metrics"
)

const fileFlushInterval = time.Second

type persistedEntry struct {
	Key      string `json:"k"`
	ExpiryMs int64  `json:"e"`
}

type persistedState struct {
	Version int              `json:"version"`
	Entries []persistedEntry `json:"entries"`
}

// FileStore is a MemoryStore that persists live entries to a JSON file so a
// restart inside the window still rejects replays. Writes are debounced and
// atomic: a temp file in the same directory is synced then renamed over the
// target.
type FileStore struct {
	mem  *MemoryStore
	path string

	mu     sync.Mutex
	dirty  bool
	closed bool

	flushStop chan struct{}
	stopOnce  sync.Once
	flushWG   sync.WaitGroup
}

// NewFile opens a file-backed store, restoring any persisted entries that
// have not yet expired. A torn or undecodable snapshot starts the store
// empty instead of failing the open.
func NewFile(path string, opts Options) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("replay file path required")
	}
	s := &FileStore{
		mem:       NewMemory(opts),
		path:      path,
		flushStop: make(chan struct{}),
	}
	if err := s.load(); err != nil {
		s.mem.Close()
		return nil, err
	}
	s.flushWG.Add(1)
	go s.runFlusher()
	return s, nil
}

func (s *FileStore) CheckAndStore(keyID, nonce string, ts time.Time) error {
	if err := s.mem.CheckAndStore(keyID, nonce, ts); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Len() int { return s.mem.Len() }

// Close flushes pending entries and stops background work.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.flushStop)
		s.flushWG.Wait()
	})
	err := s.flush()
	if cerr := s.mem.Close(); err == nil {
		err = cerr
	}
	return err
}

// load restores persisted entries. Missing, empty, and undecodable files all
// start the store empty; an undecodable file is additionally marked dirty so
// the next flush replaces it with a clean snapshot.
func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read replay snapshot: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return nil
	}
	s.mem.restore(state.Entries)
	return nil
}

func (s *FileStore) runFlusher() {
	defer s.flushWG.Done()
	ticker := time.NewTicker(fileFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushIfDirty()
		case <-s.flushStop:
			return
		}
	}
}

func (s *FileStore) flushIfDirty() {
	s.mu.Lock()
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()
	if !dirty {
		return
	}
	if err := s.flush(); err != nil {
		// Retry on the next tick.
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

func (s *FileStore) flush() error {
	entries := s.mem.snapshot()
	raw, err := json.Marshal(persistedState{Version: 1, Entries: entries})
	if err != nil {
		return fmt.Errorf("encode replay snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create replay snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".replay-*")
	if err != nil {
		return fmt.Errorf("create replay snapshot temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write replay snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync replay snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close replay snapshot temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace replay snapshot: %w", err)
	}
	metrics.Stores().SetReplayEntries("file", len(entries))
	return nil
}
