package replay

import (
	"container/list"
	"sync"
	"time"

	"infermesh/observability/metrics"
)

// MemoryStore keeps nonce records in a map with an insertion-ordered list for
// sweeping. A janitor goroutine prunes expired records once a minute.
type MemoryStore struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	closed  bool

	janitorStop chan struct{}
	stopOnce    sync.Once
	janitorWG   sync.WaitGroup
}

type record struct {
	key    string
	expiry time.Time
}

// NewMemory builds an in-memory store and starts its janitor.
func NewMemory(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	s := &MemoryStore{
		window:      opts.Window,
		maxEntries:  opts.MaxEntries,
		now:         opts.Now,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		janitorStop: make(chan struct{}),
	}
	metrics.Stores().SetReplayEntries("memory", 0)
	s.janitorWG.Add(1)
	go s.runJanitor()
	return s
}

func (s *MemoryStore) CheckAndStore(keyID, nonce string, ts time.Time) error {
	if keyID == "" || nonce == "" {
		return ErrMalformed
	}
	now := s.now()
	if !inWindow(ts, now, s.window) {
		return ErrStale
	}
	fp := fingerprint(keyID, nonce)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if elem := s.entries[fp]; elem != nil {
		rec, _ := elem.Value.(*record)
		if rec != nil && rec.expiry.After(now) {
			return ErrReplayed
		}
		// Expired leftover the janitor has not reached yet.
		s.removeElementLocked(elem)
	}
	elem := s.order.PushFront(&record{key: fp, expiry: ts.Add(s.window)})
	s.entries[fp] = elem
	s.evictOverflowLocked()
	metrics.Stores().SetReplayEntries("memory", len(s.entries))
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor. Subsequent CheckAndStore calls fail ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.janitorStop)
		s.janitorWG.Wait()
	})
	return nil
}

func (s *MemoryStore) evictOverflowLocked() {
	for len(s.entries) > s.maxEntries {
		elem := s.order.Back()
		if elem == nil {
			break
		}
		s.removeElementLocked(elem)
	}
}

func (s *MemoryStore) removeExpiredLocked(now time.Time) {
	for {
		elem := s.order.Back()
		if elem == nil {
			break
		}
		rec, _ := elem.Value.(*record)
		if rec == nil {
			s.order.Remove(elem)
			continue
		}
		if now.Before(rec.expiry) {
			break
		}
		s.removeElementLocked(elem)
	}
}

func (s *MemoryStore) removeElementLocked(elem *list.Element) {
	rec, _ := elem.Value.(*record)
	s.order.Remove(elem)
	if rec != nil {
		delete(s.entries, rec.key)
	}
}

func (s *MemoryStore) runJanitor() {
	defer s.janitorWG.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(s.now())
		case <-s.janitorStop:
			return
		}
	}
}

// Sweep prunes entries expired as of now. The janitor calls it periodically;
// tests call it directly.
func (s *MemoryStore) Sweep(now time.Time) {
	s.mu.Lock()
	s.removeExpiredLocked(now)
	s.evictOverflowLocked()
	metrics.Stores().SetReplayEntries("memory", len(s.entries))
	s.mu.Unlock()
}

// snapshot copies live entries oldest-first for the file-backed store.
func (s *MemoryStore) snapshot() []persistedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persistedEntry, 0, len(s.entries))
	for elem := s.order.Back(); elem != nil; elem = elem.Prev() {
		rec, _ := elem.Value.(*record)
		if rec == nil {
			continue
		}
		out = append(out, persistedEntry{Key: rec.key, ExpiryMs: rec.expiry.UnixMilli()})
	}
	return out
}

// restore seeds the store with persisted entries, skipping expired ones.
func (s *MemoryStore) restore(entries []persistedEntry) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pe := range entries {
		expiry := time.UnixMilli(pe.ExpiryMs)
		if pe.Key == "" || !expiry.After(now) {
			continue
		}
		if _, dup := s.entries[pe.Key]; dup {
			continue
		}
		elem := s.order.PushFront(&record{key: pe.Key, expiry: expiry})
		s.entries[pe.Key] = elem
	}
	s.evictOverflowLocked()
	metrics.Stores().SetReplayEntries("memory", len(s.entries))
}
