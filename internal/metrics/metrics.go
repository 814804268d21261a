package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics
var (
	GatewayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_gateway_events_total",
		Help: "Total number of gateway events dispatched",
	}, []string{"type"})

	GatewayConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concord_gateway_connection_state",
		Help: "Event stream connection state (1=connected, 0=disconnected)",
	})

	GatewayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concord_gateway_errors_total",
		Help: "Total number of event stream processing errors",
	})
)

// Sync engine metrics
var (
	SyncMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_sync_mutations_total",
		Help: "Total number of per-server mutations applied by replicators",
	}, []string{"dimension"})

	SyncEchoesSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concord_sync_echoes_suppressed_total",
		Help: "Total number of self-caused change notifications discarded",
	})

	SyncRevertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concord_sync_reverts_total",
		Help: "Total number of non-origin mute divergences reverted",
	})

	SyncServerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_sync_server_errors_total",
		Help: "Total number of swallowed per-server call failures",
	}, []string{"dimension"})

	SnapshotWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concord_snapshot_writes_total",
		Help: "Total number of canonical snapshot writes",
	})

	SnapshotWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concord_snapshot_write_failures_total",
		Help: "Total number of failed canonical snapshot writes",
	})
)

// Reconciliation metrics
var (
	ReconcilePassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concord_reconcile_passes_total",
		Help: "Total number of reconciliation passes run",
	})

	ReconcileDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_reconcile_drift_total",
		Help: "Total number of drifted states discovered by reconciliation",
	}, []string{"dimension"})

	ReconcileServerSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concord_reconcile_server_skips_total",
		Help: "Total number of servers skipped in a pass due to fetch failure",
	})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "concord_reconcile_duration_seconds",
		Help:    "Reconciliation pass duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

// Snapshot composition gauges (updated periodically by collector)
var (
	BannedUsersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concord_banned_users_total",
		Help: "Number of users in the canonical banned set",
	})

	ActiveTimeoutsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concord_active_timeouts_total",
		Help: "Number of users with an unexpired canonical timeout",
	})

	MutedUsersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concord_muted_users_total",
		Help: "Number of users with the muted role in canonical state",
	})

	KnownServersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concord_known_servers_total",
		Help: "Number of servers the agent is syncing",
	})
)
