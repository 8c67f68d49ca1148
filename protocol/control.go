package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"infermesh/crypto"
)

// ControlType enumerates the federation control message types.
type ControlType string

const (
	ControlCapsAnnounce   ControlType = "CAPS_ANNOUNCE"
	ControlPriceAnnounce  ControlType = "PRICE_ANNOUNCE"
	ControlStatusAnnounce ControlType = "STATUS_ANNOUNCE"
	ControlRFB            ControlType = "RFB"
	ControlBid            ControlType = "BID"
	ControlAward          ControlType = "AWARD"
	ControlCancel         ControlType = "CANCEL"
	ControlReceiptSummary ControlType = "RECEIPT_SUMMARY"
)

// ControlVersion is the current control message protocol version.
const ControlVersion = 1

// Relay event kinds per control type. Announce kinds are replaceable-range,
// auction kinds ephemeral-range.
const (
	KindCapsAnnounce   = 30020
	KindPriceAnnounce  = 30021
	KindStatusAnnounce = 30022
	KindReceiptSummary = 30023
	KindRFB            = 20020
	KindBid            = 20021
	KindAward          = 20022
	KindCancel         = 20023
)

var controlKinds = map[ControlType]int{
	ControlCapsAnnounce:   KindCapsAnnounce,
	ControlPriceAnnounce:  KindPriceAnnounce,
	ControlStatusAnnounce: KindStatusAnnounce,
	ControlReceiptSummary: KindReceiptSummary,
	ControlRFB:            KindRFB,
	ControlBid:            KindBid,
	ControlAward:          KindAward,
	ControlCancel:         KindCancel,
}

var kindTypes = func() map[int]ControlType {
	m := make(map[int]ControlType, len(controlKinds))
	for t, k := range controlKinds {
		m[k] = t
	}
	return m
}()

// KindForType maps a control type to its relay event kind.
func KindForType(t ControlType) (int, bool) {
	kind, ok := controlKinds[t]
	return kind, ok
}

// TypeForKind maps a relay event kind back to the control type.
func TypeForKind(kind int) (ControlType, bool) {
	t, ok := kindTypes[kind]
	return t, ok
}

// ControlKinds lists every relay kind carrying control traffic, sorted.
func ControlKinds() []int {
	kinds := make([]int, 0, len(controlKinds))
	for _, k := range controlKinds {
		kinds = append(kinds, k)
	}
	sort.Ints(kinds)
	return kinds
}

// RouterControlMessage is the inter-router federation unit. Sig covers the
// canonical JSON of the message with sig removed. PrevMessageID chains a
// router's stream so subscribers can detect gaps.
type RouterControlMessage struct {
	Type          ControlType     `json:"type"`
	Version       int             `json:"version"`
	RouterID      string          `json:"routerId"`
	MessageID     string          `json:"messageId"`
	Timestamp     int64           `json:"timestamp"`
	Expiry        int64           `json:"expiry"`
	Payload       json.RawMessage `json:"payload"`
	Sig           string          `json:"sig"`
	PrevMessageID string          `json:"prevMessageId,omitempty"`
}

type controlSigningInput struct {
	Type          ControlType     `json:"type"`
	Version       int             `json:"version"`
	RouterID      string          `json:"routerId"`
	MessageID     string          `json:"messageId"`
	Timestamp     int64           `json:"timestamp"`
	Expiry        int64           `json:"expiry"`
	Payload       json.RawMessage `json:"payload"`
	PrevMessageID string          `json:"prevMessageId,omitempty"`
}

// SigningBytes returns the bytes the control signature covers.
func (m *RouterControlMessage) SigningBytes() ([]byte, error) {
	return CanonicalBytes(controlSigningInput{
		Type:          m.Type,
		Version:       m.Version,
		RouterID:      m.RouterID,
		MessageID:     m.MessageID,
		Timestamp:     m.Timestamp,
		Expiry:        m.Expiry,
		Payload:       m.Payload,
		PrevMessageID: m.PrevMessageID,
	})
}

// NewControlMessage builds and signs a control message. Expiry of zero gets
// the default time-to-live for the type: announce kinds live 2× their cadence,
// auction kinds 30 s.
func NewControlMessage(key *crypto.PrivateKey, routerID string, msgType ControlType, payload any, prevMessageID string, now time.Time) (*RouterControlMessage, error) {
	if key == nil {
		return nil, fmt.Errorf("nil signing key")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal control payload: %w", err)
	}
	msg := &RouterControlMessage{
		Type:          msgType,
		Version:       ControlVersion,
		RouterID:      routerID,
		MessageID:     uuid.NewString(),
		Timestamp:     now.UnixMilli(),
		Expiry:        now.Add(defaultControlTTL(msgType)).UnixMilli(),
		Payload:       raw,
		PrevMessageID: prevMessageID,
	}
	signing, err := msg.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(signing)
	if err != nil {
		return nil, fmt.Errorf("sign control message: %w", err)
	}
	msg.Sig = hex.EncodeToString(sig)
	return msg, nil
}

// VerifyWith checks the control signature against the router's known key.
func (m *RouterControlMessage) VerifyWith(pub crypto.PublicKey) bool {
	signing, err := m.SigningBytes()
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		return false
	}
	return pub.Verify(signing, sig)
}

// Fresh reports whether the message is acceptable at now: timestamp not in
// the future beyond skew, expiry still ahead.
func (m *RouterControlMessage) Fresh(now time.Time, skew time.Duration) bool {
	nowMs := now.UnixMilli()
	if m.Timestamp > nowMs+skew.Milliseconds() {
		return false
	}
	return m.Expiry > nowMs
}

// DecodePayload unmarshals the control payload into target.
func (m *RouterControlMessage) DecodePayload(target any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("control message has no payload")
	}
	if err := json.Unmarshal(m.Payload, target); err != nil {
		return fmt.Errorf("decode control payload: %w", err)
	}
	return nil
}

func defaultControlTTL(t ControlType) time.Duration {
	switch t {
	case ControlCapsAnnounce:
		return 60 * time.Second
	case ControlPriceAnnounce:
		return 120 * time.Second
	case ControlStatusAnnounce:
		return 10 * time.Second
	case ControlReceiptSummary:
		return 10 * time.Minute
	default:
		return 30 * time.Second
	}
}
