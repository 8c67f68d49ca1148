package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RunnerMetrics tracks outbound calls to node runner endpoints.
type RunnerMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  prometheus.Counter
}

var (
	runnerOnce     sync.Once
	runnerRegistry *RunnerMetrics
)

func Runner() *RunnerMetrics {
	runnerOnce.Do(func() {
		runnerRegistry = &RunnerMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_runner_calls_total",
				Help: "Count of runner calls by operation and outcome.",
			}, []string{"op", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "router_runner_call_duration_seconds",
				Help:    "Latency distribution of runner calls by operation.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"op"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_runner_retries_total",
				Help: "Count of inference dispatch retries after runner failures.",
			}),
		}
		prometheus.MustRegister(
			runnerRegistry.calls,
			runnerRegistry.duration,
			runnerRegistry.retries,
		)
	})
	return runnerRegistry
}

func (m *RunnerMetrics) ObserveCall(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(seconds)
}

func (m *RunnerMetrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
