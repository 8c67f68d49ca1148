package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EnvelopeMetrics tracks signed-envelope verification and replay outcomes.
type EnvelopeMetrics struct {
	verifications     *prometheus.CounterVec
	replayRejections  *prometheus.CounterVec
	validationErrors  *prometheus.CounterVec
	verifyDuration    prometheus.Histogram
	poolQueueDepth    prometheus.Gauge
	poolTaskDurations *prometheus.HistogramVec
}

var (
	envelopeOnce     sync.Once
	envelopeRegistry *EnvelopeMetrics
)

func Envelope() *EnvelopeMetrics {
	envelopeOnce.Do(func() {
		envelopeRegistry = &EnvelopeMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_envelope_verifications_total",
				Help: "Count of envelope signature verifications by scheme and outcome.",
			}, []string{"scheme", "outcome"}),
			replayRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_envelope_replay_rejections_total",
				Help: "Count of envelopes rejected by the replay store by reason.",
			}, []string{"reason"}),
			validationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_envelope_validation_errors_total",
				Help: "Count of structural validation failures by wire type.",
			}, []string{"type"}),
			verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "router_envelope_verify_duration_seconds",
				Help:    "Latency distribution of envelope validate+verify tasks.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			}),
			poolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "router_verify_pool_queue_depth",
				Help: "Number of envelope verification tasks waiting for a worker.",
			}),
			poolTaskDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "router_verify_pool_task_duration_seconds",
				Help:    "End-to-end latency of worker pool tasks by validator.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			}, []string{"validator"}),
		}
		prometheus.MustRegister(
			envelopeRegistry.verifications,
			envelopeRegistry.replayRejections,
			envelopeRegistry.validationErrors,
			envelopeRegistry.verifyDuration,
			envelopeRegistry.poolQueueDepth,
			envelopeRegistry.poolTaskDurations,
		)
	})
	return envelopeRegistry
}

func (m *EnvelopeMetrics) ObserveVerification(scheme, outcome string) {
	if m == nil {
		return
	}
	if scheme == "" {
		scheme = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.verifications.WithLabelValues(scheme, outcome).Inc()
}

func (m *EnvelopeMetrics) ObserveReplayRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.replayRejections.WithLabelValues(reason).Inc()
}

func (m *EnvelopeMetrics) ObserveValidationError(wireType string) {
	if m == nil {
		return
	}
	if wireType == "" {
		wireType = "unknown"
	}
	m.validationErrors.WithLabelValues(wireType).Inc()
}

func (m *EnvelopeMetrics) ObserveVerifyDuration(seconds float64) {
	if m == nil {
		return
	}
	m.verifyDuration.Observe(seconds)
}

func (m *EnvelopeMetrics) SetPoolQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.poolQueueDepth.Set(float64(depth))
}

func (m *EnvelopeMetrics) ObservePoolTask(validator string, seconds float64) {
	if m == nil {
		return
	}
	if validator == "" {
		validator = "unknown"
	}
	m.poolTaskDurations.WithLabelValues(validator).Observe(seconds)
}
