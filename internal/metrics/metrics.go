// Package metrics exposes the agent's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bluegreen-deploy/agent/internal/health"
	"github.com/bluegreen-deploy/agent/internal/traffic"
)

// Metrics bundles the agent's collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	migrationsStarted  prometheus.Counter
	migrationOutcomes  *prometheus.CounterVec
	healthChecks       *prometheus.CounterVec
	probeLatency       *prometheus.HistogramVec
	historySize        prometheus.Gauge
	trafficTargetShare prometheus.Gauge
}

// New creates and registers the agent's collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		migrationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploy_agent_migrations_started_total",
			Help: "Migrations begun.",
		}),
		migrationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_agent_migrations_finished_total",
			Help: "Migrations finished, by terminal status.",
		}, []string{"status"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_agent_health_checks_total",
			Help: "Health probes recorded, by environment and outcome.",
		}, []string{"environment", "outcome"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deploy_agent_probe_duration_seconds",
			Help:    "Health endpoint response time per probe.",
			Buckets: prometheus.DefBuckets,
		}, []string{"environment"}),
		historySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_agent_health_history_size",
			Help: "Verdicts currently held in the bounded health history.",
		}),
		trafficTargetShare: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_agent_traffic_target_percent",
			Help: "Share of traffic currently routed to the migration target.",
		}),
	}
	reg.MustRegister(m.migrationsStarted, m.migrationOutcomes, m.healthChecks,
		m.probeLatency, m.historySize, m.trafficTargetShare)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MigrationStarted counts a Begin that passed admission.
func (m *Metrics) MigrationStarted() {
	m.migrationsStarted.Inc()
}

// MigrationFinished counts a terminal outcome.
func (m *Metrics) MigrationFinished(status string) {
	m.migrationOutcomes.WithLabelValues(status).Inc()
}

// ObserveVerdict counts one recorded health verdict and its latency.
func (m *Metrics) ObserveVerdict(v health.Verdict) {
	outcome := "healthy"
	if !v.Success {
		outcome = "unhealthy"
	}
	m.healthChecks.WithLabelValues(string(v.Environment), outcome).Inc()
	if v.LatencyMS > 0 {
		m.probeLatency.WithLabelValues(string(v.Environment)).Observe(float64(v.LatencyMS) / 1000)
	}
}

// SetHistorySize tracks the health history length.
func (m *Metrics) SetHistorySize(n int) {
	m.historySize.Set(float64(n))
}

// ObserveSplit tracks the current target traffic share.
func (m *Metrics) ObserveSplit(s traffic.Split) {
	m.trafficTargetShare.Set(float64(s.TargetPercent))
}
