package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"infermesh/crypto"
)

// RelayEvent is the unit relays store and forward. Layout follows the open
// relay event convention: id is the SHA-256 of the canonical serialization,
// sig covers that same serialization. Pubkey is 32 raw key bytes in hex; for
// Schnorr keys that is the x-only point, for Ed25519 keys the event carries a
// ["scheme","ed25519"] tag so verifiers pick the right curve.
type RelayEvent struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

const schemeTag = "scheme"

// serialize renders the [0, pubkey, created_at, kind, tags, content] array the
// id and signature commit to: compact JSON with HTML escaping off.
func (ev *RelayEvent) serialize() ([]byte, error) {
	arr := []any{0, ev.Pubkey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the hex SHA-256 of the event serialization.
func (ev *RelayEvent) ComputeID() (string, error) {
	serialized, err := ev.serialize()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(serialized)
	return hex.EncodeToString(digest[:]), nil
}

// TagValue returns the second element of the first tag named key.
func (ev *RelayEvent) TagValue(key string) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1], true
		}
	}
	return "", false
}

// keyScheme reads the signature scheme off the tags, defaulting to Schnorr.
func (ev *RelayEvent) keyScheme() crypto.Scheme {
	if v, ok := ev.TagValue(schemeTag); ok && crypto.Scheme(v) == crypto.SchemeEd25519 {
		return crypto.SchemeEd25519
	}
	return crypto.SchemeSchnorr
}

// Verify recomputes the id and checks the signature against the embedded
// pubkey. Any malformed field verifies false.
func (ev *RelayEvent) Verify() bool {
	id, err := ev.ComputeID()
	if err != nil || id != ev.ID {
		return false
	}
	rawKey, err := hex.DecodeString(ev.Pubkey)
	if err != nil {
		return false
	}
	pub, err := crypto.PublicKeyFromBytes(ev.keyScheme(), rawKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return false
	}
	serialized, err := ev.serialize()
	if err != nil {
		return false
	}
	return pub.Verify(serialized, sig)
}

// EventFromControl wraps a signed control message in a relay event: content is
// the message JSON, kind follows the control type, and replaceable kinds carry
// a d-tag keyed by router so relays hold one live copy per router. Expiry is
// exposed as an expiration tag so relays can drop stale events themselves.
func EventFromControl(key *crypto.PrivateKey, msg *RouterControlMessage, now time.Time) (*RelayEvent, error) {
	if key == nil {
		return nil, fmt.Errorf("nil signing key")
	}
	kind, ok := KindForType(msg.Type)
	if !ok {
		return nil, fmt.Errorf("no relay kind for control type %q", msg.Type)
	}
	content, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	pub := key.Public()
	tags := [][]string{{"t", string(msg.Type)}}
	if kind >= KindCapsAnnounce && kind <= KindReceiptSummary {
		tags = append(tags, []string{"d", msg.RouterID})
	}
	if msg.Expiry > 0 {
		tags = append(tags, []string{"expiration", strconv.FormatInt(msg.Expiry/1000, 10)})
	}
	if pub.Scheme() == crypto.SchemeEd25519 {
		tags = append(tags, []string{schemeTag, string(crypto.SchemeEd25519)})
	}
	ev := &RelayEvent{
		Pubkey:    hex.EncodeToString(pub.Bytes()),
		CreatedAt: now.Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   string(content),
	}
	serialized, err := ev.serialize()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(serialized)
	ev.ID = hex.EncodeToString(digest[:])
	sig, err := key.Sign(serialized)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig)
	return ev, nil
}

// ControlFromEvent verifies the event wrapper and unpacks the control message
// inside. The inner control signature is not checked here; callers verify it
// against the router's registered key once the sender is identified.
func ControlFromEvent(ev *RelayEvent) (*RouterControlMessage, error) {
	if !ev.Verify() {
		return nil, fmt.Errorf("event %s failed verification", truncateID(ev.ID))
	}
	if _, ok := TypeForKind(ev.Kind); !ok {
		return nil, fmt.Errorf("event kind %d is not a control kind", ev.Kind)
	}
	var msg RouterControlMessage
	if err := json.Unmarshal([]byte(ev.Content), &msg); err != nil {
		return nil, fmt.Errorf("decode control content: %w", err)
	}
	if kind, _ := KindForType(msg.Type); kind != ev.Kind {
		return nil, fmt.Errorf("control type %q does not match event kind %d", msg.Type, ev.Kind)
	}
	return &msg, nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
