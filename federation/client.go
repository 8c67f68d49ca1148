package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"infermesh/protocol"
)

const (
	pathInfer          = "/infer"
	pathCaps           = "/federation/caps"
	pathPaymentRequest = "/federation/payment-request"
	pathPaymentReceipt = "/federation/payment-receipt"

	defaultDispatchTimeout = 90 * time.Second
	peerControlTimeout     = 10 * time.Second
	maxPeerResponseBytes   = 4 << 20
)

// PeerResponse is whatever a peer answered an offloaded dispatch with. The
// body is relayed to the client verbatim, status included.
type PeerResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// PeerClient performs direct HTTP calls against peer routers: offload
// dispatch and the settlement round trip.
type PeerClient struct {
	http            *http.Client
	dispatchTimeout time.Duration
}

// NewPeerClient builds a client shared across all peers. dispatchTimeout
// bounds offloaded inference calls; control calls use a fixed short timeout.
func NewPeerClient(dispatchTimeout time.Duration) *PeerClient {
	if dispatchTimeout <= 0 {
		dispatchTimeout = defaultDispatchTimeout
	}
	return &PeerClient{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		dispatchTimeout: dispatchTimeout,
	}
}

// ForwardInfer posts the client's enveloped request to the peer unchanged and
// returns whatever the peer answered, any status included. Only transport
// failures are errors.
func (c *PeerClient) ForwardInfer(ctx context.Context, endpoint string, rawBody []byte) (*PeerResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinPath(endpoint, pathInfer), bytes.NewReader(rawBody))
	if err != nil {
		return nil, protocol.NewWireError(protocol.CodeInternal, "build peer request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, protocol.NewWireError(protocol.CodePeerUnreachable, "dispatch to %s: %v", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerResponseBytes))
	if err != nil {
		return nil, protocol.NewWireError(protocol.CodePeerUnreachable, "read peer response: %v", err)
	}
	return &PeerResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// ClaimPayment posts a signed router receipt to the award issuer and decodes
// the payment request envelope it returns.
func (c *PeerClient) ClaimPayment(ctx context.Context, endpoint string, receipt *protocol.Envelope) (*protocol.Envelope, error) {
	var out struct {
		Payment *protocol.Envelope `json:"payment"`
	}
	if err := c.control(ctx, endpoint, pathPaymentRequest, receipt, &out); err != nil {
		return nil, err
	}
	if out.Payment == nil {
		return nil, protocol.NewWireError(protocol.CodeFederationFailure, "peer %s returned no payment request", endpoint)
	}
	return out.Payment, nil
}

// PushReceipt posts a settled payment receipt envelope to the issuer.
func (c *PeerClient) PushReceipt(ctx context.Context, endpoint string, receipt *protocol.Envelope) error {
	return c.control(ctx, endpoint, pathPaymentReceipt, receipt, nil)
}

// PushCaps pushes a capability announce directly to one peer, bypassing the
// relays.
func (c *PeerClient) PushCaps(ctx context.Context, endpoint string, msg *protocol.RouterControlMessage) error {
	return c.control(ctx, endpoint, pathCaps, msg, nil)
}

func (c *PeerClient) control(ctx context.Context, endpoint, path string, payload, target any) error {
	ctx, cancel := context.WithTimeout(ctx, peerControlTimeout)
	defer cancel()
	buf, err := json.Marshal(payload)
	if err != nil {
		return protocol.NewWireError(protocol.CodeInternal, "encode peer request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinPath(endpoint, path), bytes.NewReader(buf))
	if err != nil {
		return protocol.NewWireError(protocol.CodeInternal, "build peer request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.NewWireError(protocol.CodePeerUnreachable, "%s %s: %v", path, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return peerStatusError(resp, path)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return protocol.NewWireError(protocol.CodeFederationFailure, "decode %s response: %v", path, err)
	}
	return nil
}

func peerStatusError(resp *http.Response, path string) error {
	var we protocol.WireError
	if err := json.NewDecoder(resp.Body).Decode(&we); err == nil && we.Code != "" {
		return &we
	}
	return protocol.NewWireError(protocol.CodeFederationFailure, "%s returned %d", path, resp.StatusCode)
}

func joinPath(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}

// JobHash computes the stable identifier for an offloadable job: the BLAKE3
// digest of the canonical form of the raw enveloped request. The offloader
// and the winner compute the same hash because the body is forwarded
// verbatim.
func JobHash(rawBody []byte) (string, error) {
	hash, err := protocol.ContentHash(json.RawMessage(rawBody))
	if err != nil {
		return "", fmt.Errorf("job hash: %w", err)
	}
	return hash, nil
}
