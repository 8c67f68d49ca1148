// Package replay tracks envelope nonces inside a sliding freshness window so
// a signed envelope cannot be presented twice.
package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrStale rejects envelopes whose timestamp sits outside the window.
	ErrStale = errors.New("timestamp outside replay window")
	// ErrReplayed rejects envelopes whose (keyId, nonce) pair was already seen.
	ErrReplayed = errors.New("nonce already seen")
	// ErrMalformed rejects records with an empty key or nonce.
	ErrMalformed = errors.New("incomplete replay record")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("replay store closed")
)

// Store is the replay admission check. CheckAndStore is atomic: it either
// admits the pair and records it, or rejects without writing anything.
type Store interface {
	// CheckAndStore admits a (keyId, nonce) pair stamped ts. Rejections are
	// ErrStale, ErrReplayed, or ErrMalformed; rejected pairs are never stored.
	CheckAndStore(keyID, nonce string, ts time.Time) error
	// Len reports the number of live entries.
	Len() int
	// Close stops background pruning and releases resources.
	Close() error
}

// Options tune a store. Zero values take the defaults below.
type Options struct {
	// Window is the acceptance half-width: |now - ts| <= Window admits.
	Window time.Duration
	// MaxEntries caps live entries; the oldest are evicted past the cap.
	MaxEntries int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

const (
	// DefaultWindow matches the envelope freshness window.
	DefaultWindow     = 5 * time.Minute
	defaultMaxEntries = 100_000
	janitorInterval   = time.Minute
)

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = defaultMaxEntries
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// fingerprint collapses a (keyId, nonce) pair into a fixed-size map key so
// entry size does not depend on caller-controlled string lengths.
func fingerprint(keyID, nonce string) string {
	sum := sha256.Sum256([]byte(keyID + ":" + nonce))
	return hex.EncodeToString(sum[:])
}

// inWindow reports whether ts is acceptable at now.
func inWindow(ts, now time.Time, window time.Duration) bool {
	age := now.Sub(ts)
	if age < 0 {
		age = -age
	}
	return age <= window
}
