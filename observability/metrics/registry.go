package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RegistryMetrics observes node registry churn.
type RegistryMetrics struct {
	admissions     *prometheus.CounterVec
	heartbeats     prometheus.Counter
	activeNodes    prometheus.Gauge
	coolingNodes   prometheus.Gauge
	cooldownsBegun prometheus.Counter
}

var (
	registryOnce sync.Once
	registryInst *RegistryMetrics
)

// Registry returns the process-wide registry metrics.
func Registry() *RegistryMetrics {
	registryOnce.Do(func() {
		registryInst = &RegistryMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "router_registry_admissions_total",
				Help: "Manifest admission decisions by outcome.",
			}, []string{"outcome"}),
			heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_registry_heartbeats_total",
				Help: "Heartbeats accepted from registered nodes.",
			}),
			activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "router_registry_active_nodes",
				Help: "Nodes currently eligible, fresh, and not cooling.",
			}),
			coolingNodes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "router_registry_cooling_nodes",
				Help: "Nodes currently in failure cooldown.",
			}),
			cooldownsBegun: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "router_registry_cooldowns_total",
				Help: "Cooldowns started after consecutive failures.",
			}),
		}
		prometheus.MustRegister(
			registryInst.admissions,
			registryInst.heartbeats,
			registryInst.activeNodes,
			registryInst.coolingNodes,
			registryInst.cooldownsBegun,
		)
	})
	return registryInst
}

func (m *RegistryMetrics) IncAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

func (m *RegistryMetrics) IncHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *RegistryMetrics) SetActiveNodes(n int) {
	if m == nil {
		return
	}
	m.activeNodes.Set(float64(n))
}

func (m *RegistryMetrics) SetCoolingNodes(n int) {
	if m == nil {
		return
	}
	m.coolingNodes.Set(float64(n))
}

func (m *RegistryMetrics) IncCooldownBegun() {
	if m == nil {
		return
	}
	m.cooldownsBegun.Inc()
}
