package telemetry

import "github.com/prometheus/client_golang/prometheus"

var WorkersByState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "workers",
		Name:      "by_state",
		Help:      "Current number of worker instances in each supervisor state.",
	},
	[]string{"state"},
)

var ProbeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetd",
		Subsystem: "probe",
		Name:      "duration_seconds",
		Help:      "Readiness probe stage duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"stage", "outcome"},
)

var RefreshOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "tokenrefresh",
		Name:      "outcomes_total",
		Help:      "Total OAuth token refresh attempts by outcome.",
	},
	[]string{"outcome"}, // cache_hit, refreshed, reauth_required, refresh_failed, no_credential
)

var WebhookEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Total billing webhook events by gateway, type, and processing status.",
	},
	[]string{"gateway", "type", "status"},
)

var ReconcileRepairsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "reconciler",
		Name:      "repairs_total",
		Help:      "Total reconciliation repairs by kind.",
	},
	[]string{"kind"}, // orphaned_row, orphaned_worker, stuck_provisioning
)

var SpawnAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "supervisor",
		Name:      "spawn_attempts_total",
		Help:      "Total worker spawn attempts by service and outcome.",
	},
	[]string{"service", "outcome"},
)

var PortsInUse = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "portalloc",
		Name:      "ports_in_use",
		Help:      "Current number of ports held by the allocator.",
	},
)

// All returns every fleetd-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		WorkersByState,
		ProbeDuration,
		RefreshOutcomesTotal,
		WebhookEventsTotal,
		ReconcileRepairsTotal,
		SpawnAttemptsTotal,
		PortsInUse,
	}
}
