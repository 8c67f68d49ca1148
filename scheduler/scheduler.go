// Package scheduler picks the best node for a piece of work by filtering on
// capability, constraints, and capacity, then scoring price, load, and trust.
package scheduler

import (
	"math"

	"infermesh/protocol"
)

// Weights balance the three scoring terms.
type Weights struct {
	Price float64 `json:"price" toml:"price"`
	Load  float64 `json:"load" toml:"load"`
	Trust float64 `json:"trust" toml:"trust"`
}

// DefaultWeights favor price, then headroom, then trust.
var DefaultWeights = Weights{Price: 1.0, Load: 0.5, Trust: 0.2}

const (
	epsilon = 1e-9
	// scoreTie treats scores closer than this as equal.
	scoreTie = 1e-12
)

// Request is the scheduling input, normalized from quote or inference calls.
type Request struct {
	ModelID      string
	InputTokens  int
	OutputTokens int
	Constraints  *protocol.Constraints
}

// Selection is a successful pick: the node, its capability for the model,
// and the computed price.
type Selection struct {
	Node       protocol.Node
	Capability protocol.NodeCapability
	Price      protocol.QuotePrice
	Score      float64
}

// Pick selects a node from candidates. On failure the error is a WireError
// with one of the scheduling codes.
func Pick(candidates []protocol.Node, req Request, w Weights) (*Selection, error) {
	if w == (Weights{}) {
		w = DefaultWeights
	}
	var (
		best            *Selection
		sawModel        bool
		sawConstraintOK bool
	)
	for _, node := range candidates {
		capability, ok := capabilityFor(node, req.ModelID)
		if !ok {
			continue
		}
		sawModel = true

		price := priceFor(capability, req)
		if !meetsConstraints(node, price.Total, req.Constraints) {
			continue
		}
		sawConstraintOK = true

		if node.Capacity.MaxConcurrent <= 0 || node.Capacity.CurrentLoad >= node.Capacity.MaxConcurrent {
			continue
		}

		score := scoreNode(node, price.Total, w)
		cand := &Selection{Node: node, Capability: capability, Price: price, Score: score}
		if best == nil || better(cand, best) {
			best = cand
		}
	}
	if best != nil {
		return best, nil
	}
	switch {
	case sawConstraintOK:
		return nil, protocol.NewWireError(protocol.CodeCapacityExhausted, "all capable nodes at capacity for model %s", req.ModelID)
	case sawModel:
		return nil, protocol.NewWireError(protocol.CodeConstraintUnmet, "no node for model %s satisfies the request constraints", req.ModelID)
	default:
		return nil, protocol.NewWireError(protocol.CodeNoCapableNode, "no active node serves model %s", req.ModelID)
	}
}

func capabilityFor(node protocol.Node, modelID string) (protocol.NodeCapability, bool) {
	for _, c := range node.Capabilities {
		if c.ModelID == modelID {
			return c, true
		}
	}
	return protocol.NodeCapability{}, false
}

// priceFor computes the request price under the capability's pricing unit:
// per-token rates multiply the token estimates, per-second rates multiply the
// node's latency estimate.
func priceFor(c protocol.NodeCapability, req Request) protocol.QuotePrice {
	price := protocol.QuotePrice{
		Unit:       c.Pricing.Unit,
		InputRate:  c.Pricing.InputRate,
		OutputRate: c.Pricing.OutputRate,
		Currency:   c.Pricing.Currency,
	}
	switch c.Pricing.Unit {
	case protocol.PricingPerSecond:
		price.Total = c.Pricing.InputRate * float64(c.LatencyEstimateMs) / 1000
	default:
		price.Total = c.Pricing.InputRate*float64(req.InputTokens) + c.Pricing.OutputRate*float64(req.OutputTokens)
	}
	return price
}

func meetsConstraints(node protocol.Node, total float64, c *protocol.Constraints) bool {
	if c == nil {
		return true
	}
	if len(c.Regions) > 0 {
		found := false
		for _, region := range c.Regions {
			if region == node.Region {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.MinTrustScore > 0 && node.TrustScore < c.MinTrustScore {
		return false
	}
	if c.MaxPrice > 0 && total > c.MaxPrice {
		return false
	}
	return true
}

func scoreNode(node protocol.Node, total float64, w Weights) float64 {
	loadFactor := float64(node.Capacity.CurrentLoad) / float64(node.Capacity.MaxConcurrent)
	trust := node.TrustScore / 100
	return w.Price*(1/(total+epsilon)) + w.Load*(1-loadFactor) + w.Trust*trust
}

// better orders candidates: higher score, then lower current load, then
// lexicographic nodeId.
func better(a, b *Selection) bool {
	if math.Abs(a.Score-b.Score) > scoreTie {
		return a.Score > b.Score
	}
	if a.Node.Capacity.CurrentLoad != b.Node.Capacity.CurrentLoad {
		return a.Node.Capacity.CurrentLoad < b.Node.Capacity.CurrentLoad
	}
	return a.Node.NodeID < b.Node.NodeID
}
