package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"infermesh/crypto"
)

// Envelope is the signed wrapper every actor speaks. KeyID is the signer's
// public key in its canonical encoding; Sig covers the canonical JSON of
// {payload, nonce, ts, keyId}. An envelope is immutable once signed.
type Envelope struct {
	Payload json.RawMessage `json:"payload"`
	Nonce   string          `json:"nonce"`
	TS      int64           `json:"ts"`
	KeyID   string          `json:"keyId"`
	Sig     string          `json:"sig"`
}

type signingInput struct {
	Payload json.RawMessage `json:"payload"`
	Nonce   string          `json:"nonce"`
	TS      int64           `json:"ts"`
	KeyID   string          `json:"keyId"`
}

// SigningBytes returns the exact bytes the envelope signature covers.
func (e *Envelope) SigningBytes() ([]byte, error) {
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("envelope has no payload")
	}
	return CanonicalBytes(signingInput{
		Payload: e.Payload,
		Nonce:   e.Nonce,
		TS:      e.TS,
		KeyID:   e.KeyID,
	})
}

// Seal signs payload with key at the given time, producing a complete
// envelope with a fresh nonce. Signing mutates no shared state.
func Seal(key *crypto.PrivateKey, payload any, now time.Time) (*Envelope, error) {
	if key == nil {
		return nil, fmt.Errorf("nil signing key")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := &Envelope{
		Payload: raw,
		Nonce:   uuid.NewString(),
		TS:      now.UnixMilli(),
		KeyID:   key.KeyID(),
	}
	msg, err := env.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	env.Sig = hex.EncodeToString(sig)
	return env, nil
}

// Verify checks the envelope signature against its own keyId. It returns
// only a boolean: malformed keys, signatures, or payloads verify false.
func (e *Envelope) Verify() bool {
	pub, err := crypto.ParsePublicKey(e.KeyID)
	if err != nil {
		return false
	}
	return e.VerifyWith(pub)
}

// VerifyWith checks the envelope signature against an already-parsed key.
func (e *Envelope) VerifyWith(pub crypto.PublicKey) bool {
	msg, err := e.SigningBytes()
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	return pub.Verify(msg, sig)
}

// DecodePayload unmarshals the payload into target.
func (e *Envelope) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Scheme reports the signature scheme implied by the keyId encoding, or ""
// when the keyId does not parse.
func (e *Envelope) Scheme() string {
	pub, err := crypto.ParsePublicKey(e.KeyID)
	if err != nil {
		return ""
	}
	return string(pub.Scheme())
}
