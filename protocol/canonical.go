package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"lukechampine.com/blake3"
)

// CanonicalBytes renders v as RFC 8785 canonical JSON: object keys sorted
// lexicographically, numbers and strings reproduced in their shortest exact
// form. Two structurally equal values always canonicalize to the same bytes.
func CanonicalBytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonical, nil
}

// CanonicalizeRaw canonicalizes already-encoded JSON.
func CanonicalizeRaw(raw json.RawMessage) ([]byte, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonical, nil
}

// ContentHash returns the hex BLAKE3 digest of the canonical form of raw.
// The digest is stable across re-serialization of the same value, which is
// what job hashes and manifest hashes rely on.
func ContentHash(raw json.RawMessage) (string, error) {
	canonical, err := CanonicalizeRaw(raw)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashValue is ContentHash over the canonical encoding of a Go value.
func HashValue(v any) (string, error) {
	canonical, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
