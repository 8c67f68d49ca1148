package replay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	"infermesh/observability/metrics"
)

const (
	nonceKeyPrefix  = "nonce:"
	expiryKeyPrefix = "expiry:"
)

// LevelDBStore persists nonce records in LevelDB so replay protection
// survives restarts without rewriting a snapshot per insert. Each record is
// indexed twice: nonce:<fp> holds the expiry, expiry:<nanos>:<fp> orders
// records for pruning.
type LevelDBStore struct {
	db     *leveldb.DB
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	count  int
	closed bool

	janitorStop chan struct{}
	stopOnce    sync.Once
	janitorWG   sync.WaitGroup
}

// OpenLevelDB opens (or creates) the database at path and counts live
// entries. A corrupted database is recovered in place.
func OpenLevelDB(path string, opts Options) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb replay path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb replay path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if ldberrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(abs, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb replay store: %w", err)
	}
	opts = opts.withDefaults()
	s := &LevelDBStore{
		db:          db,
		window:      opts.Window,
		now:         opts.Now,
		janitorStop: make(chan struct{}),
	}
	count, err := s.countEntries()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.count = count
	metrics.Stores().SetReplayEntries("leveldb", count)
	s.janitorWG.Add(1)
	go s.runJanitor()
	return s, nil
}

func (s *LevelDBStore) CheckAndStore(keyID, nonce string, ts time.Time) error {
	if keyID == "" || nonce == "" {
		return ErrMalformed
	}
	now := s.now()
	if !inWindow(ts, now, s.window) {
		return ErrStale
	}
	fp := fingerprint(keyID, nonce)
	nonceKey := []byte(nonceKeyPrefix + fp)
	expiry := ts.Add(s.window)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	existing, err := s.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load nonce record: %w", err)
	default:
		prev := int64(binary.BigEndian.Uint64(existing))
		if prev > now.UnixNano() {
			return ErrReplayed
		}
		// Expired leftover: replace both index entries below.
		batch := new(leveldb.Batch)
		batch.Delete([]byte(expiryKey(prev, fp)))
		batch.Put(nonceKey, encodeNanos(expiry.UnixNano()))
		batch.Put([]byte(expiryKey(expiry.UnixNano(), fp)), nil)
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("record nonce: %w", err)
		}
		return nil
	}

	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeNanos(expiry.UnixNano()))
	batch.Put([]byte(expiryKey(expiry.UnixNano(), fp)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	s.count++
	metrics.Stores().SetReplayEntries("leveldb", s.count)
	return nil
}

func (s *LevelDBStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *LevelDBStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.janitorStop)
		s.janitorWG.Wait()
	})
	return s.db.Close()
}

// Prune deletes records whose expiry is at or before cutoff.
func (s *LevelDBStore) Prune(cutoff time.Time) error {
	cutoffKey := []byte(expiryKey(cutoff.UnixNano(), ""))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(expiryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		fp, _, ok := parseExpiryKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + fp))
		removed++
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate expiry index: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonce records: %w", err)
		}
	}
	s.count -= removed
	if s.count < 0 {
		s.count = 0
	}
	metrics.Stores().SetReplayEntries("leveldb", s.count)
	return nil
}

func (s *LevelDBStore) runJanitor() {
	defer s.janitorWG.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Prune(s.now())
		case <-s.janitorStop:
			return
		}
	}
}

func (s *LevelDBStore) countEntries() (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(nonceKeyPrefix)), nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("count nonce records: %w", err)
	}
	return count, nil
}

func expiryKey(nanos int64, fp string) string {
	return fmt.Sprintf("%s%020d:%s", expiryKeyPrefix, nanos, fp)
}

func parseExpiryKey(key []byte) (string, int64, bool) {
	raw := string(key)
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeNanos(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
