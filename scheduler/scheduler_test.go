package scheduler

import (
	"errors"
	"math"
	"testing"

	"infermesh/protocol"
)

func tokenNode(id string, inputRate, outputRate float64, load, max int) protocol.Node {
	return protocol.Node{
		NodeID:   id,
		KeyID:    "0000000000000000000000000000000000000000000000000000000000000000",
		Endpoint: "http://" + id + ".test:9000",
		Capacity: protocol.NodeCapacity{MaxConcurrent: max, CurrentLoad: load},
		Capabilities: []protocol.NodeCapability{{
			ModelID:       "m.7b",
			ContextWindow: 8192,
			MaxTokens:     2048,
			Pricing: protocol.NodePricing{
				Unit:       protocol.PricingPerToken,
				InputRate:  inputRate,
				OutputRate: outputRate,
				Currency:   "sats",
			},
		}},
		TrustScore: 50,
	}
}

func wireCode(t *testing.T, err error) string {
	t.Helper()
	var we *protocol.WireError
	if !errors.As(err, &we) {
		t.Fatalf("error %v is not a wire error", err)
	}
	return we.Code
}

func TestPickComputesTokenPrice(t *testing.T) {
	nodes := []protocol.Node{tokenNode("n1", 0.01, 0.02, 2, 10)}
	sel, err := Pick(nodes, Request{ModelID: "m.7b", InputTokens: 100, OutputTokens: 50}, DefaultWeights)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if sel.Node.NodeID != "n1" {
		t.Fatalf("selected %q, want n1", sel.Node.NodeID)
	}
	if math.Abs(sel.Price.Total-2.0) > 1e-9 {
		t.Fatalf("total = %v, want 2.0", sel.Price.Total)
	}
	if sel.Price.Unit != protocol.PricingPerToken || sel.Price.Currency != "sats" {
		t.Fatalf("price fields wrong: %+v", sel.Price)
	}
}

func TestPickComputesSecondPrice(t *testing.T) {
	node := tokenNode("n1", 0, 0, 0, 4)
	node.Capabilities[0].Pricing = protocol.NodePricing{
		Unit:      protocol.PricingPerSecond,
		InputRate: 2.0,
		Currency:  "sats",
	}
	node.Capabilities[0].LatencyEstimateMs = 1500
	sel, err := Pick([]protocol.Node{node}, Request{ModelID: "m.7b", InputTokens: 10, OutputTokens: 10}, DefaultWeights)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if math.Abs(sel.Price.Total-3.0) > 1e-9 {
		t.Fatalf("total = %v, want 3.0", sel.Price.Total)
	}
}

func TestPickPrefersCheaperNode(t *testing.T) {
	nodes := []protocol.Node{
		tokenNode("expensive", 0.10, 0.20, 0, 10),
		tokenNode("cheap", 0.01, 0.02, 0, 10),
	}
	sel, err := Pick(nodes, Request{ModelID: "m.7b", InputTokens: 100, OutputTokens: 100}, DefaultWeights)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if sel.Node.NodeID != "cheap" {
		t.Fatalf("selected %q, want cheap", sel.Node.NodeID)
	}
}

func TestPickTieBreaks(t *testing.T) {
	a := tokenNode("b-node", 0.01, 0.01, 3, 10)
	b := tokenNode("a-node", 0.01, 0.01, 1, 10)
	sel, err := Pick([]protocol.Node{a, b}, Request{ModelID: "m.7b", InputTokens: 10, OutputTokens: 10}, DefaultWeights)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	// Lower load wins outright here because load feeds the score.
	if sel.Node.NodeID != "a-node" {
		t.Fatalf("selected %q, want a-node", sel.Node.NodeID)
	}

	// Identical score and load: lexicographic nodeId.
	c := tokenNode("zeta", 0.01, 0.01, 2, 10)
	d := tokenNode("alpha", 0.01, 0.01, 2, 10)
	sel, err = Pick([]protocol.Node{c, d}, Request{ModelID: "m.7b", InputTokens: 10, OutputTokens: 10}, DefaultWeights)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if sel.Node.NodeID != "alpha" {
		t.Fatalf("selected %q, want alpha", sel.Node.NodeID)
	}
}

func TestPickNoCapableNode(t *testing.T) {
	nodes := []protocol.Node{tokenNode("n1", 0.01, 0.02, 0, 10)}
	_, err := Pick(nodes, Request{ModelID: "m.unknown"}, DefaultWeights)
	if code := wireCode(t, err); code != protocol.CodeNoCapableNode {
		t.Fatalf("code = %s, want %s", code, protocol.CodeNoCapableNode)
	}
	_, err = Pick(nil, Request{ModelID: "m.7b"}, DefaultWeights)
	if code := wireCode(t, err); code != protocol.CodeNoCapableNode {
		t.Fatalf("code = %s, want %s", code, protocol.CodeNoCapableNode)
	}
}

func TestPickCapacityExhausted(t *testing.T) {
	full := tokenNode("n1", 0.01, 0.02, 10, 10)
	_, err := Pick([]protocol.Node{full}, Request{ModelID: "m.7b", InputTokens: 1, OutputTokens: 1}, DefaultWeights)
	if code := wireCode(t, err); code != protocol.CodeCapacityExhausted {
		t.Fatalf("code = %s, want %s", code, protocol.CodeCapacityExhausted)
	}
}

func TestPickZeroCapacityNeverSelected(t *testing.T) {
	zero := tokenNode("n1", 0.01, 0.02, 0, 0)
	_, err := Pick([]protocol.Node{zero}, Request{ModelID: "m.7b", InputTokens: 1, OutputTokens: 1}, DefaultWeights)
	if code := wireCode(t, err); code != protocol.CodeCapacityExhausted {
		t.Fatalf("code = %s, want %s", code, protocol.CodeCapacityExhausted)
	}
}

func TestPickConstraints(t *testing.T) {
	node := tokenNode("n1", 0.01, 0.02, 0, 10)
	node.Region = "eu-west"
	node.TrustScore = 40

	_, err := Pick([]protocol.Node{node}, Request{
		ModelID:     "m.7b",
		InputTokens: 10, OutputTokens: 10,
		Constraints: &protocol.Constraints{Regions: []string{"us-east"}},
	}, DefaultWeights)
	if code := wireCode(t, err); code != protocol.CodeConstraintUnmet {
		t.Fatalf("region: code = %s, want %s", code, protocol.CodeConstraintUnmet)
	}

	_, err = Pick([]protocol.Node{node}, Request{
		ModelID:     "m.7b",
		InputTokens: 10, OutputTokens: 10,
		Constraints: &protocol.Constraints{MinTrustScore: 80},
	}, DefaultWeights)
	if code := wireCode(t, err); code != protocol.CodeConstraintUnmet {
		t.Fatalf("trust: code = %s, want %s", code, protocol.CodeConstraintUnmet)
	}

	_, err = Pick([]protocol.Node{node}, Request{
		ModelID:     "m.7b",
		InputTokens: 100, OutputTokens: 100,
		Constraints: &protocol.Constraints{MaxPrice: 0.5},
	}, DefaultWeights)
	if code := wireCode(t, err); code != protocol.CodeConstraintUnmet {
		t.Fatalf("price: code = %s, want %s", code, protocol.CodeConstraintUnmet)
	}

	sel, err := Pick([]protocol.Node{node}, Request{
		ModelID:     "m.7b",
		InputTokens: 10, OutputTokens: 10,
		Constraints: &protocol.Constraints{Regions: []string{"eu-west"}, MinTrustScore: 30, MaxPrice: 10},
	}, DefaultWeights)
	if err != nil {
		t.Fatalf("satisfiable constraints rejected: %v", err)
	}
	if sel.Node.NodeID != "n1" {
		t.Fatalf("selected %q, want n1", sel.Node.NodeID)
	}
}

func TestPickTrustTerm(t *testing.T) {
	low := tokenNode("low-trust", 0.01, 0.01, 0, 10)
	low.TrustScore = 10
	high := tokenNode("high-trust", 0.01, 0.01, 0, 10)
	high.TrustScore = 90
	sel, err := Pick([]protocol.Node{low, high}, Request{ModelID: "m.7b", InputTokens: 10, OutputTokens: 10}, DefaultWeights)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if sel.Node.NodeID != "high-trust" {
		t.Fatalf("selected %q, want high-trust", sel.Node.NodeID)
	}
}
