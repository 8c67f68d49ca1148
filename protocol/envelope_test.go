package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"infermesh/crypto"
)

func TestSealVerifyEd25519(t *testing.T) {
	key, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := QuoteRequest{RequestID: "req-1", ModelID: "m.7b", InputTokensEstimate: 120, OutputTokensEstimate: 256}
	env, err := Seal(key, req, time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if env.Nonce == "" || env.TS == 0 || env.Sig == "" {
		t.Fatalf("envelope incomplete: %+v", env)
	}
	if env.KeyID != key.KeyID() {
		t.Fatalf("keyId = %q, want %q", env.KeyID, key.KeyID())
	}
	if !env.Verify() {
		t.Fatal("fresh envelope failed verification")
	}
	if got := env.Scheme(); got != "ed25519" {
		t.Fatalf("scheme = %q, want ed25519", got)
	}

	var decoded QuoteRequest
	if err := env.DecodePayload(&decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.RequestID != req.RequestID || decoded.ModelID != req.ModelID {
		t.Fatalf("payload round trip mismatch: %+v", decoded)
	}
}

func TestSealVerifySchnorr(t *testing.T) {
	key, err := crypto.GenerateSchnorr()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Seal(key, map[string]any{"hello": "mesh"}, time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !env.Verify() {
		t.Fatal("fresh envelope failed verification")
	}
	if got := env.Scheme(); got != "schnorr" {
		t.Fatalf("scheme = %q, want schnorr", got)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	key, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Seal(key, QuoteRequest{RequestID: "req-2", ModelID: "m", InputTokensEstimate: 1, OutputTokensEstimate: 1}, time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	tampered := *env
	tampered.Payload = json.RawMessage(`{"requestId":"req-2","modelId":"other","inputTokensEstimate":1,"outputTokensEstimate":1}`)
	if tampered.Verify() {
		t.Fatal("payload tampering passed verification")
	}

	tampered = *env
	tampered.Nonce = "replayed-nonce"
	if tampered.Verify() {
		t.Fatal("nonce tampering passed verification")
	}

	tampered = *env
	tampered.TS += 1
	if tampered.Verify() {
		t.Fatal("timestamp tampering passed verification")
	}

	other, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tampered = *env
	tampered.KeyID = other.KeyID()
	if tampered.Verify() {
		t.Fatal("key substitution passed verification")
	}
}

func TestVerifyMalformedFieldsFalse(t *testing.T) {
	key, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Seal(key, map[string]int{"n": 1}, time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	bad := *env
	bad.Sig = "zz-not-hex"
	if bad.Verify() {
		t.Fatal("non-hex signature passed verification")
	}

	bad = *env
	bad.KeyID = "npub1invalid"
	if bad.Verify() {
		t.Fatal("garbage keyId passed verification")
	}

	bad = *env
	bad.Payload = nil
	if bad.Verify() {
		t.Fatal("empty payload passed verification")
	}
}

func TestCanonicalKeyOrderIndependence(t *testing.T) {
	a, err := CanonicalizeRaw(json.RawMessage(`{"b":1,"a":{"y":2,"x":3}}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b, err := CanonicalizeRaw(json.RawMessage(`{"a":{"x":3,"y":2},"b":1}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ:\n%s\n%s", a, b)
	}
}

func TestSigningBytesStableAcrossReencoding(t *testing.T) {
	key, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Seal(key, QuoteRequest{RequestID: "r", ModelID: "m", InputTokensEstimate: 5, OutputTokensEstimate: 6}, time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	wire, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(wire, &back); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if !back.Verify() {
		t.Fatal("re-decoded envelope failed verification")
	}
}

func TestContentHash(t *testing.T) {
	h1, err := ContentHash(json.RawMessage(`{"b":1,"a":2}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := ContentHash(json.RawMessage(`{"a":2,"b":1}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash depends on key order: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(h1))
	}
	h3, err := ContentHash(json.RawMessage(`{"a":2,"b":2}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h3 == h1 {
		t.Fatal("distinct payloads hashed equal")
	}
}
