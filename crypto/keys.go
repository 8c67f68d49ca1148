package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcutil/bech32"
)

// Scheme identifies the signature scheme an actor key speaks. The scheme is
// derived entirely from the key encoding: hex or PEM keys are Ed25519,
// Bech32 npub/nsec keys are BIP-340 Schnorr over secp256k1.
type Scheme string

const (
	SchemeEd25519 Scheme = "ed25519"
	SchemeSchnorr Scheme = "schnorr"
)

// Human-readable parts for Bech32-encoded Schnorr keys.
const (
	npubHRP = "npub"
	nsecHRP = "nsec"
)

var (
	ErrUnknownKeyEncoding = errors.New("unrecognized key encoding")
	ErrWrongKeyLength     = errors.New("wrong key length")
)

// PublicKey is a parsed verification key. The zero value is unusable; keys
// are built via ParsePublicKey or PrivateKey.Public.
type PublicKey struct {
	scheme Scheme
	raw    []byte
	keyID  string
}

// Scheme reports the signature scheme the key belongs to.
func (pk PublicKey) Scheme() Scheme { return pk.scheme }

// Bytes returns the raw 32-byte key material.
func (pk PublicKey) Bytes() []byte { return append([]byte(nil), pk.raw...) }

// KeyID returns the canonical wire encoding of the key: lowercase hex for
// Ed25519 and npub Bech32 for Schnorr.
func (pk PublicKey) KeyID() string { return pk.keyID }

// Verify checks sig over msg. It returns only a boolean; malformed keys or
// signatures verify false, never panic.
func (pk PublicKey) Verify(msg, sig []byte) bool {
	switch pk.scheme {
	case SchemeEd25519:
		if len(pk.raw) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pk.raw), msg, sig)
	case SchemeSchnorr:
		pub, err := schnorr.ParsePubKey(pk.raw)
		if err != nil {
			return false
		}
		parsed, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false
		}
		digest := sha256.Sum256(msg)
		return parsed.Verify(digest[:], pub)
	default:
		return false
	}
}

// ParsePublicKey decodes a keyId into a verification key. Accepted forms:
// 64-char lowercase hex (Ed25519), a PEM "PUBLIC KEY" block (Ed25519 SPKI),
// or an npub Bech32 string (Schnorr x-only point).
func ParsePublicKey(keyID string) (PublicKey, error) {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return PublicKey{}, fmt.Errorf("%w: empty key", ErrUnknownKeyEncoding)
	}
	if strings.HasPrefix(strings.ToLower(trimmed), npubHRP+"1") {
		raw, err := decodeBech32(npubHRP, trimmed)
		if err != nil {
			return PublicKey{}, err
		}
		if len(raw) != schnorr.PubKeyBytesLen {
			return PublicKey{}, fmt.Errorf("%w: npub payload is %d bytes", ErrWrongKeyLength, len(raw))
		}
		if _, err := schnorr.ParsePubKey(raw); err != nil {
			return PublicKey{}, fmt.Errorf("invalid schnorr point: %w", err)
		}
		return PublicKey{scheme: SchemeSchnorr, raw: raw, keyID: strings.ToLower(trimmed)}, nil
	}
	if strings.Contains(trimmed, "-----BEGIN") {
		block, _ := pem.Decode([]byte(trimmed))
		if block == nil || block.Type != "PUBLIC KEY" {
			return PublicKey{}, fmt.Errorf("%w: bad PEM block", ErrUnknownKeyEncoding)
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return PublicKey{}, fmt.Errorf("parse public key PEM: %w", err)
		}
		edPub, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return PublicKey{}, fmt.Errorf("%w: PEM key is not ed25519", ErrUnknownKeyEncoding)
		}
		raw := append([]byte(nil), edPub...)
		return PublicKey{scheme: SchemeEd25519, raw: raw, keyID: hex.EncodeToString(raw)}, nil
	}
	raw, err := hex.DecodeString(strings.ToLower(trimmed))
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %q", ErrUnknownKeyEncoding, truncateForError(trimmed))
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: hex key is %d bytes", ErrWrongKeyLength, len(raw))
	}
	return PublicKey{scheme: SchemeEd25519, raw: raw, keyID: hex.EncodeToString(raw)}, nil
}

// PublicKeyFromBytes builds a verification key from raw key material when the
// scheme is already known from surrounding context, such as a relay event tag.
func PublicKeyFromBytes(scheme Scheme, raw []byte) (PublicKey, error) {
	cp := append([]byte(nil), raw...)
	switch scheme {
	case SchemeEd25519:
		if len(cp) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("%w: %d bytes", ErrWrongKeyLength, len(cp))
		}
		return PublicKey{scheme: SchemeEd25519, raw: cp, keyID: hex.EncodeToString(cp)}, nil
	case SchemeSchnorr:
		if len(cp) != schnorr.PubKeyBytesLen {
			return PublicKey{}, fmt.Errorf("%w: %d bytes", ErrWrongKeyLength, len(cp))
		}
		if _, err := schnorr.ParsePubKey(cp); err != nil {
			return PublicKey{}, fmt.Errorf("invalid schnorr point: %w", err)
		}
		keyID, err := encodeBech32(npubHRP, cp)
		if err != nil {
			return PublicKey{}, err
		}
		return PublicKey{scheme: SchemeSchnorr, raw: cp, keyID: keyID}, nil
	default:
		return PublicKey{}, fmt.Errorf("%w: scheme %q", ErrUnknownKeyEncoding, scheme)
	}
}

// PrivateKey is a signing key for one of the two schemes.
type PrivateKey struct {
	scheme Scheme
	ed     ed25519.PrivateKey
	sk     *btcec.PrivateKey
}

// GenerateEd25519 creates a fresh Ed25519 signing key.
func GenerateEd25519() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &PrivateKey{scheme: SchemeEd25519, ed: priv}, nil
}

// GenerateSchnorr creates a fresh secp256k1 signing key.
func GenerateSchnorr() (*PrivateKey, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate schnorr key: %w", err)
	}
	return &PrivateKey{scheme: SchemeSchnorr, sk: sk}, nil
}

// ParsePrivateKey decodes signing key material. Accepted forms: a PEM
// "PRIVATE KEY" block (PKCS#8 Ed25519), 64-char hex (Ed25519 seed), or an
// nsec Bech32 string (Schnorr scalar).
func ParsePrivateKey(material string) (*PrivateKey, error) {
	trimmed := strings.TrimSpace(material)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty key", ErrUnknownKeyEncoding)
	}
	if strings.HasPrefix(strings.ToLower(trimmed), nsecHRP+"1") {
		raw, err := decodeBech32(nsecHRP, trimmed)
		if err != nil {
			return nil, err
		}
		if len(raw) != btcec.PrivKeyBytesLen {
			return nil, fmt.Errorf("%w: nsec payload is %d bytes", ErrWrongKeyLength, len(raw))
		}
		sk, _ := btcec.PrivKeyFromBytes(raw)
		return &PrivateKey{scheme: SchemeSchnorr, sk: sk}, nil
	}
	if strings.Contains(trimmed, "-----BEGIN") {
		block, _ := pem.Decode([]byte(trimmed))
		if block == nil || block.Type != "PRIVATE KEY" {
			return nil, fmt.Errorf("%w: bad PEM block", ErrUnknownKeyEncoding)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key PEM: %w", err)
		}
		edPriv, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: PEM key is not ed25519", ErrUnknownKeyEncoding)
		}
		return &PrivateKey{scheme: SchemeEd25519, ed: edPriv}, nil
	}
	raw, err := hex.DecodeString(strings.ToLower(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyEncoding, truncateForError(trimmed))
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: hex seed is %d bytes", ErrWrongKeyLength, len(raw))
	}
	return &PrivateKey{scheme: SchemeEd25519, ed: ed25519.NewKeyFromSeed(raw)}, nil
}

// Scheme reports the signature scheme of the key.
func (k *PrivateKey) Scheme() Scheme { return k.scheme }

// Public derives the verification key.
func (k *PrivateKey) Public() PublicKey {
	switch k.scheme {
	case SchemeEd25519:
		raw := append([]byte(nil), k.ed.Public().(ed25519.PublicKey)...)
		return PublicKey{scheme: SchemeEd25519, raw: raw, keyID: hex.EncodeToString(raw)}
	case SchemeSchnorr:
		raw := schnorr.SerializePubKey(k.sk.PubKey())
		keyID, err := encodeBech32(npubHRP, raw)
		if err != nil {
			// 32-byte payloads always encode; reaching here means corrupt key material.
			panic(fmt.Sprintf("encode npub: %v", err))
		}
		return PublicKey{scheme: SchemeSchnorr, raw: raw, keyID: keyID}
	default:
		return PublicKey{}
	}
}

// KeyID returns the canonical public encoding of the signing key.
func (k *PrivateKey) KeyID() string { return k.Public().KeyID() }

// Sign produces a signature over msg. Ed25519 signs the message directly;
// Schnorr signs its SHA-256 digest per BIP-340.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	switch k.scheme {
	case SchemeEd25519:
		return ed25519.Sign(k.ed, msg), nil
	case SchemeSchnorr:
		digest := sha256.Sum256(msg)
		sig, err := schnorr.Sign(k.sk, digest[:])
		if err != nil {
			return nil, fmt.Errorf("schnorr sign: %w", err)
		}
		return sig.Serialize(), nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnknownKeyEncoding, k.scheme)
	}
}

// Ed25519 returns the raw stdlib signing key for integrations that need the
// concrete type, such as relay seed-record minting. Schnorr keys return false.
func (k *PrivateKey) Ed25519() (ed25519.PrivateKey, bool) {
	if k.scheme != SchemeEd25519 {
		return nil, false
	}
	return append(ed25519.PrivateKey(nil), k.ed...), true
}

// EncodePEM renders an Ed25519 key as a PKCS#8 PEM block.
func (k *PrivateKey) EncodePEM() (string, error) {
	if k.scheme != SchemeEd25519 {
		return "", fmt.Errorf("PEM encoding is ed25519-only, key is %s", k.scheme)
	}
	der, err := x509.MarshalPKCS8PrivateKey(k.ed)
	if err != nil {
		return "", fmt.Errorf("marshal PKCS#8: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// EncodeNsec renders a Schnorr key as an nsec Bech32 string.
func (k *PrivateKey) EncodeNsec() (string, error) {
	if k.scheme != SchemeSchnorr {
		return "", fmt.Errorf("nsec encoding is schnorr-only, key is %s", k.scheme)
	}
	return encodeBech32(nsecHRP, k.sk.Serialize())
}

func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	encoded, err := bech32.Encode(hrp, conv)
	if err != nil {
		return "", fmt.Errorf("bech32 encode: %w", err)
	}
	return encoded, nil
}

func decodeBech32(expectHRP, encoded string) ([]byte, error) {
	hrp, decoded, err := bech32.Decode(strings.ToLower(strings.TrimSpace(encoded)))
	if err != nil {
		return nil, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if hrp != expectHRP {
		return nil, fmt.Errorf("bech32 prefix %q, want %q", hrp, expectHRP)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("error converting bits: %w", err)
	}
	return conv, nil
}

func truncateForError(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "…"
}
