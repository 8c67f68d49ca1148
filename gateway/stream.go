package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"infermesh/observability/metrics"
	"infermesh/pool"
	"infermesh/protocol"
)

// streamChunkSize is the output slice carried per SSE chunk event.
const streamChunkSize = 256

// handleInferStream serves an inference as server-sent events: chunk events
// carry output slices, the final event carries the signed response and
// metering envelopes. The admission chain is identical to /infer; every
// failure answers as plain JSON before the stream opens.
func (s *Server) handleInferStream(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Streams cannot be relayed to a peer mid-flight, so a router above its
	// offload threshold refuses them instead of degrading local load further.
	if s.cfg.Offloader != nil && s.cfg.Offloader.ShouldOffload() {
		s.writeError(w, protocol.NewWireError(protocol.CodeRouterSaturated,
			"router above offload threshold, streaming unavailable"))
		return
	}
	env, err := s.cfg.Pool.Verify(r.Context(), pool.Job{Raw: body, InnerType: "inference_request"})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req protocol.InferenceRequest
	if err := env.DecodePayload(&req); err != nil {
		s.writeError(w, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "decode inference request: %v", err))
		return
	}

	out, err := s.serveInference(r.Context(), body, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if out.Challenge != nil {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   protocol.CodePaymentRequired,
			"payment": out.Challenge,
		})
		return
	}
	if out.Status != http.StatusOK {
		writeRaw(w, out.Status, "application/json", out.Body)
		return
	}
	s.streamOutcome(w, r, &req, out.Body)
}

// streamOutcome chunks a finished outcome over SSE. The final event data is
// byte-identical to the /infer response body, so a consumer can treat either
// surface as authoritative.
func (s *Server) streamOutcome(w http.ResponseWriter, r *http.Request, req *protocol.InferenceRequest, outcome []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRaw(w, http.StatusOK, "application/json", outcome)
		return
	}

	var sealed struct {
		Response protocol.Envelope `json:"response"`
	}
	var resp protocol.InferenceResponse
	if err := json.Unmarshal(outcome, &sealed); err == nil {
		if err := sealed.Response.DecodePayload(&resp); err != nil {
			s.logger.Warn("stream outcome missing response payload", "requestId", req.RequestID, "error", err)
		}
	}

	metrics.Gateway().StreamStarted()
	defer metrics.Gateway().StreamEnded()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	index := 0
	for off := 0; off < len(resp.Output); off += streamChunkSize {
		end := off + streamChunkSize
		if end > len(resp.Output) {
			end = len(resp.Output)
		}
		chunk := protocol.InferenceStreamChunk{
			RequestID: req.RequestID,
			Index:     index,
			Delta:     resp.Output[off:end],
		}
		if err := writeEvent(w, "chunk", chunk); err != nil {
			return
		}
		flusher.Flush()
		index++
		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
	if err := writeEventRaw(w, "final", outcome); err != nil {
		return
	}
	flusher.Flush()
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeEventRaw(w, event, data)
}

func writeEventRaw(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
