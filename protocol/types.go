package protocol

import "encoding/json"

// PricingUnit selects how a node capability is metered.
type PricingUnit string

const (
	PricingPerToken  PricingUnit = "token"
	PricingPerSecond PricingUnit = "second"
)

// PayeeType distinguishes the settlement parties of a payment.
type PayeeType string

const (
	PayeeNode   PayeeType = "node"
	PayeeRouter PayeeType = "router"
)

// NodePricing is the advertised rate card for one model capability.
type NodePricing struct {
	Unit       PricingUnit `json:"unit"`
	InputRate  float64     `json:"inputRate"`
	OutputRate float64     `json:"outputRate"`
	Currency   string      `json:"currency"`
}

// NodeCapability advertises one servable model with its limits and pricing.
type NodeCapability struct {
	ModelID           string      `json:"modelId"`
	ContextWindow     int         `json:"contextWindow"`
	MaxTokens         int         `json:"maxTokens"`
	Pricing           NodePricing `json:"pricing"`
	LatencyEstimateMs int64       `json:"latencyEstimateMs,omitempty"`
}

// NodeCapacity tracks concurrent-slot usage for a node.
type NodeCapacity struct {
	MaxConcurrent int `json:"maxConcurrent"`
	CurrentLoad   int `json:"currentLoad"`
}

// Node is the registry view of a worker, refreshed by signed announces and
// heartbeats. TrustScore is router-derived, 0..100.
type Node struct {
	NodeID          string           `json:"nodeId"`
	KeyID           string           `json:"keyId"`
	Endpoint        string           `json:"endpoint"`
	Region          string           `json:"region,omitempty"`
	Capacity        NodeCapacity     `json:"capacity"`
	Capabilities    []NodeCapability `json:"capabilities"`
	TrustScore      float64          `json:"trustScore,omitempty"`
	LastHeartbeatMs int64            `json:"lastHeartbeatMs,omitempty"`
}

// NodeManifest is the operator-signed capability declaration submitted for
// admission. Runtime fields (load, heartbeat, trust) never appear here.
type NodeManifest struct {
	NodeID       string           `json:"nodeId"`
	KeyID        string           `json:"keyId"`
	Endpoint     string           `json:"endpoint"`
	Region       string           `json:"region,omitempty"`
	Capacity     NodeCapacity     `json:"capacity"`
	Capabilities []NodeCapability `json:"capabilities"`
	Operator     string           `json:"operator,omitempty"`
	Version      string           `json:"version,omitempty"`
}

// NodeAdmission records the admission verdict for a manifest.
type NodeAdmission struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// NodeHeartbeat refreshes liveness and load for an admitted node.
type NodeHeartbeat struct {
	NodeID      string `json:"nodeId"`
	CurrentLoad int    `json:"currentLoad"`
}

// Constraints narrow scheduling for a quote or inference request.
type Constraints struct {
	Regions       []string `json:"regions,omitempty"`
	MinTrustScore float64  `json:"minTrustScore,omitempty"`
	MaxPrice      float64  `json:"maxPrice,omitempty"`
}

// QuoteRequest asks for a price without dispatching work.
type QuoteRequest struct {
	RequestID            string       `json:"requestId"`
	ModelID              string       `json:"modelId"`
	InputTokensEstimate  int          `json:"inputTokensEstimate"`
	OutputTokensEstimate int          `json:"outputTokensEstimate"`
	MaxTokens            int          `json:"maxTokens,omitempty"`
	Constraints          *Constraints `json:"constraints,omitempty"`
}

// QuotePrice carries the rate card applied to a quote plus the total.
type QuotePrice struct {
	Unit       PricingUnit `json:"unit"`
	InputRate  float64     `json:"inputRate"`
	OutputRate float64     `json:"outputRate"`
	Currency   string      `json:"currency"`
	Total      float64     `json:"total"`
}

// QuoteResponse is the router-signed answer to a QuoteRequest.
type QuoteResponse struct {
	RequestID         string     `json:"requestId"`
	NodeID            string     `json:"nodeId"`
	ModelID           string     `json:"modelId"`
	Price             QuotePrice `json:"price"`
	LatencyEstimateMs int64      `json:"latencyEstimateMs,omitempty"`
	ExpiresAtMs       int64      `json:"expiresAtMs"`
}

// InferenceRequest asks the router to run a model and return its output.
type InferenceRequest struct {
	RequestID       string          `json:"requestId"`
	ModelID         string          `json:"modelId"`
	Input           string          `json:"input"`
	Params          json.RawMessage `json:"params,omitempty"`
	MaxTokens       int             `json:"maxTokens,omitempty"`
	MaxRuntimeMs    int64           `json:"maxRuntimeMs,omitempty"`
	Constraints     *Constraints    `json:"constraints,omitempty"`
	PaymentReceipts []Envelope      `json:"paymentReceipts,omitempty"`
}

// Usage counts tokens consumed by one inference.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// InferenceResponse is the node-produced result, re-enveloped by the router.
type InferenceResponse struct {
	RequestID  string `json:"requestId"`
	NodeID     string `json:"nodeId"`
	ModelID    string `json:"modelId"`
	Output     string `json:"output"`
	Usage      Usage  `json:"usage"`
	DurationMs int64  `json:"durationMs"`
}

// InferenceStreamChunk is one SSE chunk of a streamed inference.
type InferenceStreamChunk struct {
	RequestID string `json:"requestId"`
	Index     int    `json:"index"`
	Delta     string `json:"delta"`
}

// MeteringRecord is the router-signed usage record emitted per dispatch.
type MeteringRecord struct {
	RequestID    string `json:"requestId"`
	NodeID       string `json:"nodeId"`
	ModelID      string `json:"modelId"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	DurationMs   int64  `json:"durationMs"`
	PriceSats    int64  `json:"priceSats"`
	TS           int64  `json:"ts"`
}

// PaymentSplit is one payee's share of a payment.
type PaymentSplit struct {
	PayeeType  PayeeType `json:"payeeType"`
	PayeeID    string    `json:"payeeId"`
	AmountSats int64     `json:"amountSats"`
}

// PaymentRequest is the 402 challenge body. Splits partition AmountSats
// across the node and the router fee; their sum always equals AmountSats.
type PaymentRequest struct {
	RequestID   string         `json:"requestId"`
	PayeeType   PayeeType      `json:"payeeType"`
	PayeeID     string         `json:"payeeId"`
	AmountSats  int64          `json:"amountSats"`
	Invoice     string         `json:"invoice,omitempty"`
	PaymentHash string         `json:"paymentHash,omitempty"`
	ExpiresAtMs int64          `json:"expiresAtMs"`
	Splits      []PaymentSplit `json:"splits"`
}

// PaymentReceipt proves settlement of a PaymentRequest. The ledger key is
// (requestId, payeeType, payeeId).
type PaymentReceipt struct {
	RequestID   string    `json:"requestId"`
	PayeeType   PayeeType `json:"payeeType"`
	PayeeID     string    `json:"payeeId"`
	AmountSats  int64     `json:"amountSats"`
	Invoice     string    `json:"invoice,omitempty"`
	PaymentHash string    `json:"paymentHash,omitempty"`
	Preimage    string    `json:"preimage,omitempty"`
	SettledAtMs int64     `json:"settledAtMs,omitempty"`
}

// CapabilityProfile announces a peer router's serving surface. KeyID binds
// the routerId to its signing key for later control-message verification.
type CapabilityProfile struct {
	RouterID      string   `json:"routerId"`
	KeyID         string   `json:"keyId"`
	Endpoint      string   `json:"endpoint"`
	Models        []string `json:"models"`
	Regions       []string `json:"regions,omitempty"`
	MaxConcurrent int      `json:"maxConcurrent,omitempty"`
	Version       string   `json:"version,omitempty"`
}

// PriceAnnounce publishes one entry of a router's price sheet.
type PriceAnnounce struct {
	RouterID      string  `json:"routerId"`
	JobType       string  `json:"jobType"`
	PricePerToken float64 `json:"pricePerToken"`
	MinPriceMsat  int64   `json:"minPriceMsat,omitempty"`
	UpdatedAtMs   int64   `json:"updatedAtMs"`
}

// StatusAnnounce publishes a router's load summary.
type StatusAnnounce struct {
	RouterID    string  `json:"routerId"`
	LoadFactor  float64 `json:"loadFactor"`
	QueueDepth  int     `json:"queueDepth"`
	ActiveNodes int     `json:"activeNodes"`
	UpdatedAtMs int64   `json:"updatedAtMs"`
}

// RFB opens an auction for one job needing offload.
type RFB struct {
	JobID          string `json:"jobId"`
	JobHash        string `json:"jobHash"`
	ModelID        string `json:"modelId"`
	EstTokens      int    `json:"estTokens,omitempty"`
	DeadlineMs     int64  `json:"deadlineMs"`
	MaxPriceMsat   int64  `json:"maxPriceMsat"`
	ValidationMode string `json:"validationMode"`
}

// Bid is a peer's offer against an RFB.
type Bid struct {
	JobID        string `json:"jobId"`
	RouterID     string `json:"routerId"`
	PriceMsat    int64  `json:"priceMsat"`
	EtaMs        int64  `json:"etaMs"`
	ValidUntilMs int64  `json:"validUntilMs,omitempty"`
}

// Award closes an auction in favor of one bidder.
type Award struct {
	JobID             string `json:"jobId"`
	RouterID          string `json:"routerId"`
	AcceptedPriceMsat int64  `json:"acceptedPriceMsat"`
	AwardExpiryMs     int64  `json:"awardExpiryMs"`
}

// Cancel withdraws an auction, typically for lack of bids.
type Cancel struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// ReceiptSummary aggregates settled federation work over a window.
type ReceiptSummary struct {
	RouterID      string `json:"routerId"`
	WindowStartMs int64  `json:"windowStartMs"`
	WindowEndMs   int64  `json:"windowEndMs"`
	JobCount      int    `json:"jobCount"`
	TotalMsat     int64  `json:"totalMsat"`
	ReceiptsHash  string `json:"receiptsHash,omitempty"`
}

// RouterReceipt is a peer's claim for payment after completing an awarded
// job; it backs the inter-router settlement endpoint.
type RouterReceipt struct {
	JobID             string `json:"jobId"`
	RouterID          string `json:"routerId"`
	JobHash           string `json:"jobHash"`
	AcceptedPriceMsat int64  `json:"acceptedPriceMsat"`
	CompletedAtMs     int64  `json:"completedAtMs"`
	InputTokens       int    `json:"inputTokens,omitempty"`
	OutputTokens      int    `json:"outputTokens,omitempty"`
}
