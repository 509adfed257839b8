// Package metrics exposes bootstrapd's operational counters over
// Prometheus, grounded on oriys-nova's internal/metrics.PrometheusMetrics:
// a single struct of collectors registered against a private registry
// and served from a dedicated HTTP handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bootstrapd"

// Metrics wraps the collectors the daemon updates as it runs.
type Metrics struct {
	registry *prometheus.Registry

	JobsActive      prometheus.GaugeFunc
	ServicesByState *prometheus.GaugeVec
	RegistrySize    prometheus.GaugeFunc

	DemandWakeupsTotal prometheus.Counter
	NotificationsTotal *prometheus.CounterVec

	RPCTotal    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// Sources supplies the live values GaugeFuncs sample on each scrape.
type Sources struct {
	JobCount      func() int
	RegistrySize  func() int
}

// New creates and registers every collector. Call once during daemon
// wiring (internal/daemon).
func New(src Sources) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		JobsActive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Number of Bootstrap Contexts currently alive.",
		}, func() float64 { return float64(src.JobCount()) }),

		ServicesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_by_state",
			Help:      "Number of Service Records in each state.",
		}, []string{"state"}),

		RegistrySize: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_slots_occupied",
			Help:      "Number of occupied slots in the rights registry.",
		}, func() float64 { return float64(src.RegistrySize()) }),

		DemandWakeupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "demand_wakeups_total",
			Help:      "Total number of times the demand loop was woken.",
		}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total kernel-style notifications delivered, by kind.",
		}, []string{"kind"}),

		RPCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_total",
			Help:      "Total bootstrap RPC calls, by handler and status.",
		}, []string{"handler", "status"}),

		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Bootstrap RPC handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
	}

	registry.MustRegister(
		m.JobsActive,
		m.ServicesByState,
		m.RegistrySize,
		m.DemandWakeupsTotal,
		m.NotificationsTotal,
		m.RPCTotal,
		m.RPCDuration,
	)
	return m
}

// SetServicesByState replaces the services_by_state gauge vector with
// counts keyed by wire.BootstrapStatus.String(). Called just before
// each /metrics scrape, since service state lives in the job tree, not
// in this package (internal/metrics never imports internal/job to
// avoid a layering cycle back through internal/daemon).
func (m *Metrics) SetServicesByState(counts map[string]int) {
	m.ServicesByState.Reset()
	for state, n := range counts {
		m.ServicesByState.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveRPC records one handler invocation's outcome and latency.
func (m *Metrics) ObserveRPC(handler string, status string, seconds float64) {
	m.RPCTotal.WithLabelValues(handler, status).Inc()
	m.RPCDuration.WithLabelValues(handler).Observe(seconds)
}

// ObserveNotification records one kernel-style notification delivered
// by internal/demand.
func (m *Metrics) ObserveNotification(kind string) {
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}

// ObserveDemandWakeup records one demand-loop wake/resume cycle.
func (m *Metrics) ObserveDemandWakeup() {
	m.DemandWakeupsTotal.Inc()
}

// Handler returns the /metrics HTTP handler for this Metrics'
// private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
