// Package runner talks to a node's inference endpoint. The router holds one
// client per node and maps transport outcomes onto the wire taxonomy: 4xx
// surfaces as runner-client-error, 5xx and network failures as
// runner-unavailable so the caller can count them against node health.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"infermesh/observability/metrics"
	"infermesh/protocol"
)

// Runner is the node-side collaborator contract.
type Runner interface {
	ListModels(ctx context.Context) ([]protocol.NodeCapability, error)
	Health(ctx context.Context) (*Health, error)
	Estimate(ctx context.Context, req *protocol.InferenceRequest) (*Estimate, error)
	Infer(ctx context.Context, req *protocol.InferenceRequest) (*protocol.InferenceResponse, error)
}

// Health is the node's self-reported liveness.
type Health struct {
	OK          bool `json:"ok"`
	CurrentLoad int  `json:"currentLoad"`
}

// Estimate is the node's cost and latency projection for a request.
type Estimate struct {
	CostEstimate      float64 `json:"costEstimate,omitempty"`
	LatencyEstimateMs int64   `json:"latencyEstimateMs"`
}

const (
	pathModels   = "/v1/models"
	pathHealth   = "/v1/health"
	pathEstimate = "/v1/estimate"
	pathInfer    = "/v1/infer"

	// DefaultInferTimeout applies when the request carries no maxRuntimeMs.
	DefaultInferTimeout = 60 * time.Second
	controlTimeout      = 10 * time.Second
)

// Client implements Runner over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for one node endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) ListModels(ctx context.Context) ([]protocol.NodeCapability, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	var out struct {
		Models []protocol.NodeCapability `json:"models"`
	}
	if err := c.do(ctx, "listModels", http.MethodGet, pathModels, nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	var out Health
	if err := c.do(ctx, "health", http.MethodGet, pathHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Estimate(ctx context.Context, req *protocol.InferenceRequest) (*Estimate, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	var out Estimate
	if err := c.do(ctx, "estimate", http.MethodPost, pathEstimate, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Infer runs the request to completion. The deadline comes from the
// request's maxRuntimeMs, defaulting to DefaultInferTimeout.
func (c *Client) Infer(ctx context.Context, req *protocol.InferenceRequest) (*protocol.InferenceResponse, error) {
	timeout := DefaultInferTimeout
	if req.MaxRuntimeMs > 0 {
		timeout = time.Duration(req.MaxRuntimeMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var out protocol.InferenceResponse
	if err := c.do(ctx, "infer", http.MethodPost, pathInfer, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload, target any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, path, payload, target)
	metrics.Runner().ObserveCall(op, time.Since(start).Seconds(), err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload, target any) error {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return protocol.NewWireError(protocol.CodeInternal, "encode runner request: %v", err)
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return protocol.NewWireError(protocol.CodeInternal, "build runner request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.NewWireError(protocol.CodeRunnerUnavailable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError(resp, path)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return protocol.NewWireError(protocol.CodeRunnerUnavailable, "decode %s response: %v", path, err)
	}
	return nil
}

func statusError(resp *http.Response, path string) error {
	detail := fmt.Sprintf("%s returned %d", path, resp.StatusCode)
	var we protocol.WireError
	if err := json.NewDecoder(resp.Body).Decode(&we); err == nil && we.Code != "" {
		detail = fmt.Sprintf("%s: %s", detail, we.Error())
	}
	code := protocol.CodeRunnerUnavailable
	if resp.StatusCode < 500 {
		code = protocol.CodeRunnerClientError
	}
	return protocol.NewWireError(code, "%s", detail)
}
