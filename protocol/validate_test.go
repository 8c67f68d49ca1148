package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"infermesh/crypto"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func TestBuiltinSchemasCompile(t *testing.T) {
	v := newTestValidator(t)
	for _, name := range []string{
		"envelope", "quote_request", "quote_response", "inference_request",
		"inference_response", "metering_record", "payment_request", "payment_receipt",
		"node_manifest", "node_heartbeat", "control_message", "caps_announce",
		"price_announce", "status_announce", "rfb", "bid", "award", "cancel",
		"receipt_summary", "router_receipt",
	} {
		if !v.Has(name) {
			t.Errorf("missing builtin schema %q", name)
		}
	}
}

func TestValidateQuoteRequest(t *testing.T) {
	v := newTestValidator(t)

	ok := v.Validate("quote_request", []byte(`{"requestId":"r1","modelId":"m.7b","inputTokensEstimate":10,"outputTokensEstimate":20}`))
	if !ok.OK {
		t.Fatalf("valid quote request rejected: %v", ok.Errors)
	}

	missing := v.Validate("quote_request", []byte(`{"requestId":"r1","inputTokensEstimate":10,"outputTokensEstimate":20}`))
	if missing.OK {
		t.Fatal("quote request without modelId accepted")
	}
	if !hasErrorContaining(missing.Errors, "modelId") {
		t.Fatalf("errors do not name modelId: %v", missing.Errors)
	}

	unknown := v.Validate("quote_request", []byte(`{"requestId":"r1","modelId":"m","inputTokensEstimate":10,"outputTokensEstimate":20,"admin":true}`))
	if unknown.OK {
		t.Fatal("unknown field accepted")
	}

	negative := v.Validate("quote_request", []byte(`{"requestId":"r1","modelId":"m","inputTokensEstimate":-1,"outputTokensEstimate":0}`))
	if negative.OK {
		t.Fatal("negative token estimate accepted")
	}
	if !hasErrorContaining(negative.Errors, "inputTokensEstimate") {
		t.Fatalf("errors do not name inputTokensEstimate: %v", negative.Errors)
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate("quote_request", []byte(`{"requestId":`))
	if res.OK {
		t.Fatal("truncated JSON accepted")
	}
	res = v.Validate("quote_request", []byte(`{}{}`))
	if res.OK {
		t.Fatal("trailing data accepted")
	}
	res = v.Validate("nope", []byte(`{}`))
	if res.OK {
		t.Fatal("unregistered type accepted")
	}
}

func TestValidateEnvelopeWithInnerType(t *testing.T) {
	v := newTestValidator(t)
	key, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Seal(key, QuoteRequest{RequestID: "r1", ModelID: "m", InputTokensEstimate: 1, OutputTokensEstimate: 2}, time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	wire, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res := v.ValidateEnvelope(wire, "quote_request")
	if !res.OK {
		t.Fatalf("valid envelope rejected: %v", res.Errors)
	}

	badPayload, err := Seal(key, map[string]any{"requestId": "r1"}, time.Now())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	wire, err = json.Marshal(badPayload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res = v.ValidateEnvelope(wire, "quote_request")
	if res.OK {
		t.Fatal("envelope with invalid payload accepted")
	}
	for _, msg := range res.Errors {
		if !strings.HasPrefix(msg, "payload") {
			t.Fatalf("payload error not prefixed: %q", msg)
		}
	}

	res = v.ValidateEnvelope([]byte(`{"payload":{"a":1},"nonce":"n","ts":1}`), "quote_request")
	if res.OK {
		t.Fatal("envelope missing keyId and sig accepted")
	}
}

func TestPaymentReceiptLegacyShapeRejected(t *testing.T) {
	v := newTestValidator(t)
	legacy := []byte(`{"requestId":"r1","nodeId":"n1","payeeType":"node","payeeId":"n1","amountSats":10}`)
	res := v.Validate("payment_receipt", legacy)
	if res.OK {
		t.Fatal("legacy receipt with nodeId accepted")
	}
	if !hasErrorContaining(res.Errors, "nodeId") {
		t.Fatalf("errors do not name nodeId: %v", res.Errors)
	}

	current := []byte(`{"requestId":"r1","payeeType":"node","payeeId":"n1","amountSats":10,"preimage":"ab12"}`)
	res = v.Validate("payment_receipt", current)
	if !res.OK {
		t.Fatalf("valid receipt rejected: %v", res.Errors)
	}
}

func TestRegisterCustomSchema(t *testing.T) {
	v := newTestValidator(t)
	schema := []byte(`{"type":"object","required":["sku"],"properties":{"sku":{"type":"string"}},"additionalProperties":false}`)
	if err := v.Register("custom_job", schema); err != nil {
		t.Fatalf("register: %v", err)
	}
	if res := v.Validate("custom_job", []byte(`{"sku":"a-1"}`)); !res.OK {
		t.Fatalf("valid custom payload rejected: %v", res.Errors)
	}
	if res := v.Validate("custom_job", []byte(`{"sku":1}`)); res.OK {
		t.Fatal("invalid custom payload accepted")
	}

	if err := v.Register("", schema); err == nil {
		t.Fatal("empty schema name accepted")
	}
	if err := v.Register("broken", []byte(`{"type":`)); err == nil {
		t.Fatal("malformed schema accepted")
	}
	if !v.Has("quote_request") {
		t.Fatal("failed registration clobbered builtin schemas")
	}
}

func TestValidateControl(t *testing.T) {
	v := newTestValidator(t)
	key, err := crypto.GenerateSchnorr()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	msg, err := NewControlMessage(key, "router-a", ControlRFB, RFB{
		JobID:          "job-1",
		JobHash:        strings.Repeat("ab", 32),
		ModelID:        "m.7b",
		DeadlineMs:     now.Add(time.Second).UnixMilli(),
		MaxPriceMsat:   9000,
		ValidationMode: "none",
	}, "", now)
	if err != nil {
		t.Fatalf("new control message: %v", err)
	}
	if res := v.ValidateControl(msg); !res.OK {
		t.Fatalf("valid control message rejected: %v", res.Errors)
	}

	bad, err := NewControlMessage(key, "router-a", ControlRFB, map[string]any{"jobId": "job-1"}, "", now)
	if err != nil {
		t.Fatalf("new control message: %v", err)
	}
	res := v.ValidateControl(bad)
	if res.OK {
		t.Fatal("control message with invalid payload accepted")
	}
	if !hasErrorContaining(res.Errors, "payload") {
		t.Fatalf("errors not payload-prefixed: %v", res.Errors)
	}
}

func TestDeepNestingDoesNotPanic(t *testing.T) {
	v := newTestValidator(t)
	depth := 12000
	raw := strings.Repeat(`{"a":`, depth) + "1" + strings.Repeat("}", depth)
	res := v.Validate("quote_request", []byte(raw))
	if res.OK {
		t.Fatal("deeply nested document accepted")
	}
}

func hasErrorContaining(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}
