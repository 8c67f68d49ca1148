package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// FederationMetrics tracks the control bus, auctions, and offload activity.
type FederationMetrics struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	received        *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	gapsDetected    prometheus.Counter
	relayConnected  *prometheus.GaugeVec
	peersKnown      prometheus.Gauge
	auctionsStarted prometheus.Counter
	bidsReceived    prometheus.Counter
	awardsPublished prometheus.Counter
	auctionsNoBids  prometheus.Counter
	offloadAttempts prometheus.Counter
	offloadSuccess  prometheus.Counter
	offloadFailures *prometheus.CounterVec
}

var (
	federationOnce     sync.Once
	federationRegistry *FederationMetrics
)

func Federation() *FederationMetrics {
	federationOnce.Do(func() {
		federationRegistry = &FederationMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_federation_published_total",
				Help: "Count of control messages published by type.",
			}, []string{"type"}),
			publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_federation_publish_failures_total",
				Help: "Count of relay publish failures by relay host.",
			}, []string{"relay"}),
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_federation_received_total",
				Help: "Count of control messages received by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_federation_dropped_total",
				Help: "Count of control messages dropped before handling by reason.",
			}, []string{"reason"}),
			gapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_federation_gaps_detected_total",
				Help: "Count of prevMessageId chain gaps observed per peer stream.",
			}),
			relayConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "router_relay_connected",
				Help: "Connection state per relay (1 connected, 0 backing off).",
			}, []string{"relay"}),
			peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "router_federation_peers_known",
				Help: "Number of peer routers currently in the directory.",
			}),
			auctionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_federation_auctions_started_total",
				Help: "Count of RFB auctions opened.",
			}),
			bidsReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_federation_bids_received_total",
				Help: "Count of bids received across all auctions.",
			}),
			awardsPublished: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_federation_awards_published_total",
				Help: "Count of awards published.",
			}),
			auctionsNoBids: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_federation_auctions_no_bids_total",
				Help: "Count of auctions cancelled for lack of bids.",
			}),
			offloadAttempts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_offload_attempts_total",
				Help: "Count of inbound requests the router attempted to offload.",
			}),
			offloadSuccess: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_offload_success_total",
				Help: "Count of offloaded requests answered by a peer.",
			}),
			offloadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_offload_failures_total",
				Help: "Count of failed offload attempts by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			federationRegistry.published,
			federationRegistry.publishFailures,
			federationRegistry.received,
			federationRegistry.dropped,
			federationRegistry.gapsDetected,
			federationRegistry.relayConnected,
			federationRegistry.peersKnown,
			federationRegistry.auctionsStarted,
			federationRegistry.bidsReceived,
			federationRegistry.awardsPublished,
			federationRegistry.auctionsNoBids,
			federationRegistry.offloadAttempts,
			federationRegistry.offloadSuccess,
			federationRegistry.offloadFailures,
		)
	})
	return federationRegistry
}

func (m *FederationMetrics) IncPublished(msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.published.WithLabelValues(msgType).Inc()
}

func (m *FederationMetrics) IncPublishFailure(relay string) {
	if m == nil {
		return
	}
	if relay == "" {
		relay = "unknown"
	}
	m.publishFailures.WithLabelValues(relay).Inc()
}

func (m *FederationMetrics) IncReceived(msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.received.WithLabelValues(msgType).Inc()
}

func (m *FederationMetrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *FederationMetrics) IncGapDetected() {
	if m == nil {
		return
	}
	m.gapsDetected.Inc()
}

func (m *FederationMetrics) SetRelayConnected(relay string, connected bool) {
	if m == nil {
		return
	}
	if relay == "" {
		relay = "unknown"
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.relayConnected.WithLabelValues(relay).Set(value)
}

func (m *FederationMetrics) SetPeersKnown(count int) {
	if m == nil {
		return
	}
	m.peersKnown.Set(float64(count))
}

func (m *FederationMetrics) IncAuctionStarted() {
	if m == nil {
		return
	}
	m.auctionsStarted.Inc()
}

func (m *FederationMetrics) IncBidReceived() {
	if m == nil {
		return
	}
	m.bidsReceived.Inc()
}

func (m *FederationMetrics) IncAwardPublished() {
	if m == nil {
		return
	}
	m.awardsPublished.Inc()
}

func (m *FederationMetrics) IncAuctionNoBids() {
	if m == nil {
		return
	}
	m.auctionsNoBids.Inc()
}

func (m *FederationMetrics) IncOffloadAttempt() {
	if m == nil {
		return
	}
	m.offloadAttempts.Inc()
}

func (m *FederationMetrics) IncOffloadSuccess() {
	if m == nil {
		return
	}
	m.offloadSuccess.Inc()
}

func (m *FederationMetrics) IncOffloadFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.offloadFailures.WithLabelValues(reason).Inc()
}
