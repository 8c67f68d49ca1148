package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"infermesh/protocol"
)

type sseEvent struct {
	name string
	data string
}

// parseSSE splits a recorded event stream into its events. Event data is
// JSON, so a blank line only ever separates events.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	blocks := strings.Split(strings.TrimSpace(body), "\n\n")
	events := make([]sseEvent, 0, len(blocks))
	for _, block := range blocks {
		lines := strings.SplitN(block, "\n", 2)
		if len(lines) != 2 || !strings.HasPrefix(lines[0], "event: ") || !strings.HasPrefix(lines[1], "data: ") {
			t.Fatalf("malformed event block %q", block)
		}
		events = append(events, sseEvent{
			name: strings.TrimPrefix(lines[0], "event: "),
			data: strings.TrimPrefix(lines[1], "data: "),
		})
	}
	return events
}

func TestInferStreamChunksThenFinal(t *testing.T) {
	m := newMesh(t, meshConfig{})
	m.addNode("n1", tokenPricing(0.01, 0.02), 10, 0)

	// 320 input bytes echo into 325 output bytes: one full chunk, one tail.
	input := strings.Repeat("tell me a story ", 20)
	body := m.seal(m.clientKey, protocol.InferenceRequest{RequestID: "rs1", ModelID: "m", Input: input})
	rec := m.post("/infer/stream", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events, want two chunks and a final", len(events))
	}
	want := "echo:" + input
	var deltas []string
	for i, ev := range events[:2] {
		if ev.name != "chunk" {
			t.Fatalf("event %d named %q, want chunk", i, ev.name)
		}
		var chunk protocol.InferenceStreamChunk
		if err := json.Unmarshal([]byte(ev.data), &chunk); err != nil {
			t.Fatalf("decode chunk %d: %v", i, err)
		}
		if chunk.RequestID != "rs1" || chunk.Index != i {
			t.Fatalf("chunk %d = %+v", i, chunk)
		}
		deltas = append(deltas, chunk.Delta)
	}
	if len(deltas[0]) != streamChunkSize {
		t.Fatalf("first delta = %d bytes, want %d", len(deltas[0]), streamChunkSize)
	}
	if got := strings.Join(deltas, ""); got != want {
		t.Fatalf("reassembled output = %q, want %q", got, want)
	}

	final := events[2]
	if final.name != "final" {
		t.Fatalf("closing event named %q, want final", final.name)
	}
	var outcome struct {
		Response *protocol.Envelope `json:"response"`
		Metering *protocol.Envelope `json:"metering"`
	}
	if err := json.Unmarshal([]byte(final.data), &outcome); err != nil {
		t.Fatalf("decode final event: %v", err)
	}
	if outcome.Response == nil || !outcome.Response.VerifyWith(m.routerKey.Public()) {
		t.Fatal("final response envelope missing or not router-signed")
	}
	if outcome.Metering == nil || !outcome.Metering.VerifyWith(m.routerKey.Public()) {
		t.Fatal("final metering envelope missing or not router-signed")
	}
	var resp protocol.InferenceResponse
	if err := outcome.Response.DecodePayload(&resp); err != nil {
		t.Fatalf("decode final response: %v", err)
	}
	if resp.Output != want {
		t.Fatalf("final output = %q, want the full echo", resp.Output)
	}
}

func TestInferStreamPaymentChallengeIsPlainJSON(t *testing.T) {
	m := newMesh(t, meshConfig{requirePayment: true})
	m.addNode("n1", tokenPricing(1.0, 1.0), 10, 0)

	body := m.seal(m.clientKey, protocol.InferenceRequest{RequestID: "rs2", ModelID: "m", Input: "hello", MaxTokens: 8})
	rec := m.post("/infer/stream", body)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("stream = %d, want 402: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var out struct {
		Error   string             `json:"error"`
		Payment *protocol.Envelope `json:"payment"`
	}
	decodeJSON(t, rec, &out)
	if out.Error != protocol.CodePaymentRequired {
		t.Fatalf("error = %q, want %s", out.Error, protocol.CodePaymentRequired)
	}
	if out.Payment == nil || !out.Payment.VerifyWith(m.routerKey.Public()) {
		t.Fatal("challenge envelope missing or not router-signed")
	}
}

func TestInferStreamRefusedWhenSaturated(t *testing.T) {
	off := &stubOffloader{should: true}
	m := newMesh(t, meshConfig{offloader: off})
	m.addNode("n1", tokenPricing(0.01, 0.02), 10, 0)

	body := m.seal(m.clientKey, protocol.InferenceRequest{RequestID: "rs3", ModelID: "m", Input: "hello"})
	rec := m.post("/infer/stream", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stream = %d, want 503: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != protocol.CodeRouterSaturated {
		t.Fatalf("error = %q, want %s", code, protocol.CodeRouterSaturated)
	}
	if off.offloads() != 0 {
		t.Fatal("streams must refuse under saturation, not offload")
	}
	if m.runner.Calls() != 0 {
		t.Fatal("saturated stream must not dispatch locally")
	}
}
