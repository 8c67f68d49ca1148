package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics tracks the public HTTP surface.
type GatewayMetrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rateLimited   prometheus.Counter
	activeStreams prometheus.Gauge
	schedulerMiss *prometheus.CounterVec
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Count of HTTP requests by route and status code.",
			}, []string{"route", "status"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "Latency distribution of HTTP handlers by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
			rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_http_rate_limited_total",
				Help: "Count of requests rejected by the per-client rate limiter.",
			}),
			activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "router_http_active_streams",
				Help: "Number of in-flight SSE inference streams.",
			}),
			schedulerMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_scheduler_misses_total",
				Help: "Count of requests with no schedulable node by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.duration,
			gatewayRegistry.rateLimited,
			gatewayRegistry.activeStreams,
			gatewayRegistry.schedulerMiss,
		)
	})
	return gatewayRegistry
}

func (m *GatewayMetrics) ObserveRequest(route string, status int, seconds float64) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(seconds)
}

func (m *GatewayMetrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *GatewayMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *GatewayMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

func (m *GatewayMetrics) IncSchedulerMiss(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.schedulerMiss.WithLabelValues(reason).Inc()
}
