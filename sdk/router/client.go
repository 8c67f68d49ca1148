// Package router is the Go client for an inference router. It seals request
// envelopes with the caller's signing key, verifies router-signed answers,
// walks the 402 payment flow, and drives the node lifecycle endpoints.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"infermesh/crypto"
	"infermesh/protocol"
)

// Client talks to one router over its public HTTP surface.
type Client struct {
	baseURL     *url.URL
	key         *crypto.PrivateKey
	routerKeyID string
	httpClient  *http.Client
	now         func() time.Time
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithClock overrides the time source used when sealing envelopes.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRouterKeyID pins the router's signing key. Envelopes signed under any
// other key are rejected; without the pin the client trusts the key each
// envelope declares.
func WithRouterKeyID(keyID string) Option {
	return func(c *Client) {
		c.routerKeyID = strings.TrimSpace(keyID)
	}
}

// New builds a client for the router at baseURL signing with key.
func New(baseURL string, key *crypto.PrivateKey, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("baseURL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	if key == nil {
		return nil, errors.New("signing key required")
	}
	client := &Client{
		baseURL:    parsed,
		key:        key,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// KeyID reports the identity this client signs under.
func (c *Client) KeyID() string { return c.key.KeyID() }

// PaymentRequiredError carries the router's 402 challenge. Callers settle the
// enclosed PaymentRequest and retry with the receipt attached inline or
// submitted through SubmitReceipt.
type PaymentRequiredError struct {
	// Payment is the router-signed challenge envelope, verbatim.
	Payment *protocol.Envelope
	// Request is its decoded body.
	Request protocol.PaymentRequest
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %d sats for request %s", e.Request.AmountSats, e.Request.RequestID)
}

// Status mirrors GET /status.
type Status struct {
	OK       bool           `json:"ok"`
	UptimeMs int64          `json:"uptimeMs"`
	Mode     string         `json:"mode"`
	Config   map[string]any `json:"config"`
}

// NodeList mirrors GET /nodes.
type NodeList struct {
	Nodes  []protocol.Node `json:"nodes"`
	Active []string        `json:"active"`
}

// InferResult is a completed inference with its router-signed originals kept
// for audit trails.
type InferResult struct {
	Response protocol.InferenceResponse
	Metering protocol.MeteringRecord

	ResponseEnvelope *protocol.Envelope
	MeteringEnvelope *protocol.Envelope
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Status fetches the router's mode, uptime and safe config view.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.get(ctx, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Nodes lists the router's known nodes and which of them are schedulable.
func (c *Client) Nodes(ctx context.Context) (*NodeList, error) {
	var list NodeList
	if err := c.get(ctx, "/nodes", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Quote prices a request without dispatching it. The returned quote was
// verified against the router's signature.
func (c *Client) Quote(ctx context.Context, req protocol.QuoteRequest) (*protocol.QuoteResponse, error) {
	var reply struct {
		Quote *protocol.Envelope `json:"quote"`
	}
	if err := c.postEnvelope(ctx, "/quote", req, &reply); err != nil {
		return nil, err
	}
	var quote protocol.QuoteResponse
	if err := c.open(reply.Quote, &quote); err != nil {
		return nil, fmt.Errorf("quote envelope: %w", err)
	}
	return &quote, nil
}

// Infer dispatches one inference. When the router demands payment first, the
// returned error is a *PaymentRequiredError carrying the challenge.
func (c *Client) Infer(ctx context.Context, req protocol.InferenceRequest) (*InferResult, error) {
	var reply struct {
		Response *protocol.Envelope `json:"response"`
		Metering *protocol.Envelope `json:"metering"`
	}
	if err := c.postEnvelope(ctx, "/infer", req, &reply); err != nil {
		return nil, err
	}
	result := &InferResult{ResponseEnvelope: reply.Response, MeteringEnvelope: reply.Metering}
	if err := c.open(reply.Response, &result.Response); err != nil {
		return nil, fmt.Errorf("response envelope: %w", err)
	}
	if err := c.open(reply.Metering, &result.Metering); err != nil {
		return nil, fmt.Errorf("metering envelope: %w", err)
	}
	return result, nil
}

// Payer settles a payment request out of band and returns the receipt fields
// proving it.
type Payer interface {
	Pay(ctx context.Context, req protocol.PaymentRequest) (protocol.PaymentReceipt, error)
}

// DirectPayer acknowledges challenges without touching an invoice: it copies
// the challenge identity and amount into the receipt and stamps the
// settlement time. Routers running without a payment adapter accept these.
type DirectPayer struct {
	Now func() time.Time
}

// Pay implements Payer.
func (p DirectPayer) Pay(_ context.Context, req protocol.PaymentRequest) (protocol.PaymentReceipt, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return protocol.PaymentReceipt{
		RequestID:   req.RequestID,
		PayeeType:   req.PayeeType,
		PayeeID:     req.PayeeID,
		AmountSats:  req.AmountSats,
		Invoice:     req.Invoice,
		PaymentHash: req.PaymentHash,
		SettledAtMs: now().UnixMilli(),
	}, nil
}

// InferPaid runs Infer and, when challenged, settles through payer and
// retries once with the receipt attached inline.
func (c *Client) InferPaid(ctx context.Context, req protocol.InferenceRequest, payer Payer) (*InferResult, error) {
	result, err := c.Infer(ctx, req)
	var challenge *PaymentRequiredError
	if !errors.As(err, &challenge) {
		return result, err
	}
	if payer == nil {
		return nil, err
	}
	receipt, payErr := payer.Pay(ctx, challenge.Request)
	if payErr != nil {
		return nil, fmt.Errorf("settle challenge for %s: %w", challenge.Request.RequestID, payErr)
	}
	sealed, sealErr := protocol.Seal(c.key, receipt, c.now())
	if sealErr != nil {
		return nil, fmt.Errorf("seal receipt: %w", sealErr)
	}
	req.PaymentReceipts = append(req.PaymentReceipts, *sealed)
	return c.Infer(ctx, req)
}

// SubmitReceipt seals a settlement receipt with the client key and posts it
// to /payment-receipt, marking the challenge PAID ahead of the retry.
func (c *Client) SubmitReceipt(ctx context.Context, receipt protocol.PaymentReceipt) error {
	var reply struct {
		OK bool `json:"ok"`
	}
	return c.postEnvelope(ctx, "/payment-receipt", receipt, &reply)
}

// Announce submits a signed node manifest for admission. An ineligible
// verdict arrives as a value, not an error: the manifest was processed and
// judged.
func (c *Client) Announce(ctx context.Context, manifest protocol.NodeManifest) (*protocol.NodeAdmission, error) {
	if strings.TrimSpace(manifest.KeyID) == "" {
		manifest.KeyID = c.key.KeyID()
	}
	var reply struct {
		Admission *protocol.NodeAdmission `json:"admission"`
	}
	if err := c.postEnvelope(ctx, "/nodes/announce", manifest, &reply); err != nil {
		return nil, err
	}
	if reply.Admission == nil {
		return nil, errors.New("router answered without an admission verdict")
	}
	return reply.Admission, nil
}

// Heartbeat refreshes a node's liveness and reported load.
func (c *Client) Heartbeat(ctx context.Context, hb protocol.NodeHeartbeat) error {
	var reply struct {
		OK bool `json:"ok"`
	}
	return c.postEnvelope(ctx, "/nodes/heartbeat", hb, &reply)
}

// postEnvelope seals payload with the client key and posts it raw.
func (c *Client) postEnvelope(ctx context.Context, endpoint string, payload, out any) error {
	env, err := protocol.Seal(c.key, payload, c.now())
	if err != nil {
		return fmt.Errorf("seal envelope: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.roundTrip(ctx, http.MethodPost, endpoint, body, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	return c.roundTrip(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body []byte, out any) error {
	target := c.baseURL.ResolveReference(&url.URL{Path: endpoint})
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	replyBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, replyBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(replyBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns an error response into the matching typed error: a
// PaymentRequiredError when the body carries a challenge, the router's
// WireError when it carries a taxonomy code, a plain error otherwise.
func decodeError(status int, body []byte) error {
	if status == http.StatusPaymentRequired {
		var challenge struct {
			Error   string             `json:"error"`
			Payment *protocol.Envelope `json:"payment"`
		}
		if err := json.Unmarshal(body, &challenge); err == nil && challenge.Payment != nil {
			perr := &PaymentRequiredError{Payment: challenge.Payment}
			if err := challenge.Payment.DecodePayload(&perr.Request); err == nil {
				return perr
			}
		}
	}
	var we protocol.WireError
	if err := json.Unmarshal(body, &we); err == nil && we.Code != "" {
		return &we
	}
	return fmt.Errorf("router answered %d: %s", status, strings.TrimSpace(string(body)))
}

// open verifies a router-signed envelope and decodes its payload. The
// signature must verify under the envelope's declared key, and under the
// pinned key id when one was configured.
func (c *Client) open(env *protocol.Envelope, out any) error {
	if env == nil {
		return errors.New("missing envelope")
	}
	if c.routerKeyID != "" && env.KeyID != c.routerKeyID {
		return fmt.Errorf("signed by %s, pinned to %s", env.KeyID, c.routerKeyID)
	}
	if !env.Verify() {
		return errors.New("signature invalid")
	}
	return env.DecodePayload(out)
}
