package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics tracks the challenge/receipt lifecycle and adapter calls.
type PaymentMetrics struct {
	challengesIssued prometheus.Counter
	receiptsAccepted prometheus.Counter
	receiptsRejected *prometheus.CounterVec
	requestsConsumed prometheus.Counter
	requestsExpired  prometheus.Counter
	settledSats      *prometheus.CounterVec
	adapterDuration  *prometheus.HistogramVec
	adapterFailures  *prometheus.CounterVec
	outstandingGauge prometheus.Gauge
}

var (
	paymentsOnce     sync.Once
	paymentsRegistry *PaymentMetrics
)

func Payments() *PaymentMetrics {
	paymentsOnce.Do(func() {
		paymentsRegistry = &PaymentMetrics{
			challengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_payment_challenges_issued_total",
				Help: "Count of 402 payment challenges issued.",
			}),
			receiptsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_payment_receipts_accepted_total",
				Help: "Count of payment receipts accepted after verification.",
			}),
			receiptsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_payment_receipts_rejected_total",
				Help: "Count of rejected payment receipts by reason.",
			}, []string{"reason"}),
			requestsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_payment_requests_consumed_total",
				Help: "Count of paid requests consumed by a dispatched inference.",
			}),
			requestsExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_payment_requests_expired_total",
				Help: "Count of payment challenges that expired unpaid.",
			}),
			settledSats: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_payment_settled_sats_total",
				Help: "Total settled satoshis by payee type.",
			}, []string{"payee_type"}),
			adapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "router_lightning_adapter_duration_seconds",
				Help:    "Latency of Lightning adapter calls by operation.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
			adapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_lightning_adapter_failures_total",
				Help: "Count of failed Lightning adapter calls by operation.",
			}, []string{"op"}),
			outstandingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "router_payment_requests_outstanding",
				Help: "Number of challenged payment requests awaiting a receipt.",
			}),
		}
		prometheus.MustRegister(
			paymentsRegistry.challengesIssued,
			paymentsRegistry.receiptsAccepted,
			paymentsRegistry.receiptsRejected,
			paymentsRegistry.requestsConsumed,
			paymentsRegistry.requestsExpired,
			paymentsRegistry.settledSats,
			paymentsRegistry.adapterDuration,
			paymentsRegistry.adapterFailures,
			paymentsRegistry.outstandingGauge,
		)
	})
	return paymentsRegistry
}

func (m *PaymentMetrics) IncChallengeIssued() {
	if m == nil {
		return
	}
	m.challengesIssued.Inc()
}

func (m *PaymentMetrics) IncReceiptAccepted() {
	if m == nil {
		return
	}
	m.receiptsAccepted.Inc()
}

func (m *PaymentMetrics) IncReceiptRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.receiptsRejected.WithLabelValues(reason).Inc()
}

func (m *PaymentMetrics) IncConsumed() {
	if m == nil {
		return
	}
	m.requestsConsumed.Inc()
}

func (m *PaymentMetrics) IncExpired() {
	if m == nil {
		return
	}
	m.requestsExpired.Inc()
}

func (m *PaymentMetrics) AddSettledSats(payeeType string, sats int64) {
	if m == nil || sats <= 0 {
		return
	}
	if payeeType == "" {
		payeeType = "unknown"
	}
	m.settledSats.WithLabelValues(payeeType).Add(float64(sats))
}

func (m *PaymentMetrics) ObserveAdapterCall(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.adapterDuration.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.adapterFailures.WithLabelValues(op).Inc()
	}
}

func (m *PaymentMetrics) SetOutstanding(count int) {
	if m == nil {
		return
	}
	m.outstandingGauge.Set(float64(count))
}
