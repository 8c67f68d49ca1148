package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"infermesh/protocol"
)

// maxBodyBytes bounds every request body read by the public surface.
const maxBodyBytes = 1 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "read body: %v", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, protocol.NewWireError(protocol.CodeEnvelopeMalformed, "empty body")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var we *protocol.WireError
	if !errors.As(err, &we) {
		s.logger.Error("handler failed", "err", err)
		we = protocol.NewWireError(protocol.CodeInternal, "internal error")
	}
	writeJSON(w, statusForCode(we.Code), we)
}

// statusForCode maps the wire taxonomy onto HTTP statuses. Unknown codes
// fall through to 500.
func statusForCode(code string) int {
	switch code {
	case protocol.CodeEnvelopeMalformed:
		return http.StatusBadRequest
	case protocol.CodeEnvelopeSignatureInvalid,
		protocol.CodeEnvelopeKeyMismatch,
		protocol.CodeNonceReused,
		protocol.CodeTSOutOfWindow,
		protocol.CodePaymentSignatureInvalid:
		return http.StatusUnauthorized
	case protocol.CodePaymentRequired,
		protocol.CodePaymentUnsettled:
		return http.StatusPaymentRequired
	case protocol.CodeNoCapableNode:
		return http.StatusNotFound
	case protocol.CodeConstraintUnmet,
		protocol.CodePaymentRequestExpired,
		protocol.CodePaymentAmountMismatch,
		protocol.CodePaymentSplitTotalMismatch,
		protocol.CodePaymentInvoiceMismatch,
		protocol.CodeAwardExpired:
		return http.StatusConflict
	case protocol.CodeCapacityExhausted,
		protocol.CodeRouterSaturated,
		protocol.CodeRunnerUnavailable:
		return http.StatusServiceUnavailable
	case protocol.CodeRunnerClientError,
		protocol.CodePeerUnreachable,
		protocol.CodeFederationFailure,
		protocol.CodeAuctionNoBids:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
