// Package telemetry holds the ambient Prometheus collectors for the
// gateway's operational health, distinct from the domain-level daily
// metrics aggregator in pkg/metrics.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var SelectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gswarm",
		Subsystem: "selector",
		Name:      "selections_total",
		Help:      "Total number of project selections, by outcome.",
	},
	[]string{"outcome"}, // "selected" | "no_eligible_project"
)

var ProjectsInCooldown = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gswarm",
		Subsystem: "selector",
		Name:      "projects_in_cooldown",
		Help:      "Number of projects currently in cooldown.",
	},
)

var CooldownEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gswarm",
		Subsystem: "projectstate",
		Name:      "cooldown_events_total",
		Help:      "Total number of cooldowns applied, by error kind.",
	},
	[]string{"kind"},
)

var ClassifierVerdictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gswarm",
		Subsystem: "classifier",
		Name:      "verdicts_total",
		Help:      "Total number of classifier verdicts, by upstream status and retry decision.",
	},
	[]string{"status", "retry"},
)

var ExecuteAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gswarm",
		Subsystem: "executor",
		Name:      "attempts_total",
		Help:      "Total number of upstream call attempts, by outcome.",
	},
	[]string{"outcome"}, // "success" | "retryable_error" | "terminal_error"
)

var ExecuteLatencySeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "gswarm",
		Subsystem: "executor",
		Name:      "execute_latency_seconds",
		Help:      "End-to-end Execute call latency, including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
)

var RefreshCyclesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gswarm",
		Subsystem: "refresh",
		Name:      "cycles_total",
		Help:      "Total number of refresh-scheduler cycles run, by outcome.",
	},
	[]string{"outcome"}, // "completed" | "skipped_overlap"
)

var RefreshOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gswarm",
		Subsystem: "refresh",
		Name:      "outcomes_total",
		Help:      "Total number of per-credential refresh outcomes.",
	},
	[]string{"outcome"}, // "refreshed" | "failed"
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gswarm",
		Subsystem: "httpserver",
		Name:      "request_duration_seconds",
		Help:      "Duration of thin admin/status HTTP surface requests.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// All returns every gateway-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		SelectionsTotal,
		ProjectsInCooldown,
		CooldownEventsTotal,
		ClassifierVerdictsTotal,
		ExecuteAttemptsTotal,
		ExecuteLatencySeconds,
		RefreshCyclesTotal,
		RefreshOutcomesTotal,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry builds a Prometheus registry carrying the Go runtime
// and process collectors plus every collector passed in.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
