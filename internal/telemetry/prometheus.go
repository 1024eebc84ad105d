package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchyard"

// Registry holds every switchyard series plus the Go and process collectors.
// A private registry keeps tests free of duplicate registration panics.
var Registry = prometheus.NewRegistry()

var (
	probesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health probes by system and resulting status.",
		},
		[]string{"system", "status"},
	)
	probeDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"system"},
	)
	systemUp = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "system_up",
			Help:      "1 when the last probe of the system was healthy.",
		},
		[]string{"system"},
	)
	cyclesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "cycles_total",
			Help:      "Completed health monitor cycles.",
		},
	)
	routesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "selections_total",
			Help:      "Routing decisions by strategy and chosen system.",
		},
		[]string{"strategy", "system"},
	)
	routeFailures = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "failures_total",
			Help:      "Routing attempts that found no available system.",
		},
		[]string{"strategy"},
	)
	activeConnections = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "active_connections",
			Help:      "Routed conversations not yet released.",
		},
		[]string{"system"},
	)
	outcomesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "outcomes_total",
			Help:      "Deployment and rollback outcomes by operation and status.",
		},
		[]string{"operation", "status"},
	)
	fleetSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "systems",
			Help:      "Registered systems.",
		},
	)
	agentRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Requests served by the reference agent by route and status code.",
		},
		[]string{"route", "code"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// MetricsHandler serves Registry in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// ForgetSystem drops every per-system series of a deregistered system.
func ForgetSystem(id string) {
	labels := prometheus.Labels{"system": id}
	probesTotal.DeletePartialMatch(labels)
	probeDuration.DeletePartialMatch(labels)
	systemUp.DeletePartialMatch(labels)
	routesTotal.DeletePartialMatch(labels)
	activeConnections.DeletePartialMatch(labels)
}
