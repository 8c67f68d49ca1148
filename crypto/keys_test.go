package crypto

import (
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
)

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := key.Public()
	if pub.Scheme() != SchemeEd25519 {
		t.Fatalf("scheme = %s, want ed25519", pub.Scheme())
	}
	if len(pub.KeyID()) != 64 {
		t.Fatalf("keyId length = %d, want 64 hex chars", len(pub.KeyID()))
	}
	msg := []byte(`{"a":1,"b":"two"}`)
	sig, err := key.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !pub.Verify(msg, sig) {
		t.Fatal("signature did not verify")
	}
	if pub.Verify(append(msg, 'x'), sig) {
		t.Fatal("tampered message verified")
	}

	parsed, err := ParsePublicKey(pub.KeyID())
	if err != nil {
		t.Fatalf("parse keyId: %v", err)
	}
	if !parsed.Verify(msg, sig) {
		t.Fatal("re-parsed key did not verify")
	}
}

func TestEd25519PEMRoundTrip(t *testing.T) {
	key, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pemStr, err := key.EncodePEM()
	if err != nil {
		t.Fatalf("encode pem: %v", err)
	}
	if !strings.Contains(pemStr, "PRIVATE KEY") {
		t.Fatalf("unexpected pem: %q", pemStr)
	}
	reparsed, err := ParsePrivateKey(pemStr)
	if err != nil {
		t.Fatalf("parse pem: %v", err)
	}
	if reparsed.KeyID() != key.KeyID() {
		t.Fatalf("keyId mismatch after pem round trip: %s vs %s", reparsed.KeyID(), key.KeyID())
	}
}

func TestEd25519HexSeed(t *testing.T) {
	key, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	seed := hex.EncodeToString(key.ed.Seed())
	reparsed, err := ParsePrivateKey(seed)
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	if reparsed.KeyID() != key.KeyID() {
		t.Fatal("keyId mismatch after hex seed round trip")
	}
}

func TestSchnorrSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateSchnorr()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := key.Public()
	if pub.Scheme() != SchemeSchnorr {
		t.Fatalf("scheme = %s, want schnorr", pub.Scheme())
	}
	if !strings.HasPrefix(pub.KeyID(), "npub1") {
		t.Fatalf("keyId = %q, want npub prefix", pub.KeyID())
	}
	msg := []byte(`{"payload":{"x":1},"nonce":"n"}`)
	sig, err := key.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("schnorr sig length = %d, want 64", len(sig))
	}
	if !pub.Verify(msg, sig) {
		t.Fatal("signature did not verify")
	}
	if pub.Verify([]byte("other"), sig) {
		t.Fatal("wrong message verified")
	}

	parsed, err := ParsePublicKey(pub.KeyID())
	if err != nil {
		t.Fatalf("parse npub: %v", err)
	}
	if !parsed.Verify(msg, sig) {
		t.Fatal("re-parsed npub did not verify")
	}
}

func TestSchnorrNsecRoundTrip(t *testing.T) {
	key, err := GenerateSchnorr()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	nsec, err := key.EncodeNsec()
	if err != nil {
		t.Fatalf("encode nsec: %v", err)
	}
	if !strings.HasPrefix(nsec, "nsec1") {
		t.Fatalf("nsec = %q, want nsec prefix", nsec)
	}
	reparsed, err := ParsePrivateKey(nsec)
	if err != nil {
		t.Fatalf("parse nsec: %v", err)
	}
	if reparsed.KeyID() != key.KeyID() {
		t.Fatal("keyId mismatch after nsec round trip")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	cases := []string{"", "zzzz", "npub1qqqq", "deadbeef", strings.Repeat("f", 63)}
	for _, tc := range cases {
		if _, err := ParsePublicKey(tc); err == nil {
			t.Fatalf("ParsePublicKey(%q) succeeded, want error", tc)
		}
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	edKey, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}
	edPath := filepath.Join(dir, "router.pem")
	if err := SaveKeyFile(edPath, edKey); err != nil {
		t.Fatalf("save ed25519: %v", err)
	}
	loaded, err := LoadKeyFile(edPath)
	if err != nil {
		t.Fatalf("load ed25519: %v", err)
	}
	if loaded.KeyID() != edKey.KeyID() {
		t.Fatal("ed25519 keyId mismatch after file round trip")
	}

	skKey, err := GenerateSchnorr()
	if err != nil {
		t.Fatalf("generate schnorr: %v", err)
	}
	skPath := filepath.Join(dir, "router.nsec")
	if err := SaveKeyFile(skPath, skKey); err != nil {
		t.Fatalf("save schnorr: %v", err)
	}
	loaded, err = LoadKeyFile(skPath)
	if err != nil {
		t.Fatalf("load schnorr: %v", err)
	}
	if loaded.KeyID() != skKey.KeyID() {
		t.Fatal("schnorr keyId mismatch after file round trip")
	}
}
