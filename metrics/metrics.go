package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReleasesTotal tracks release attempts by terminal status.
var ReleasesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deployctl_releases_total",
		Help: "Total release attempts by terminal status",
	},
	[]string{"backend", "status"},
)

// ReleasePhaseDuration tracks time spent in each release phase.
var ReleasePhaseDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "deployctl_release_phase_duration_seconds",
		Help:    "Time spent in each release phase",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"backend", "phase"},
)

// MigrationsAppliedTotal tracks applied migration units by status.
var MigrationsAppliedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deployctl_migrations_applied_total",
		Help: "Total migration units applied by status",
	},
	[]string{"backend", "status"},
)

// MigrationDuration tracks per-unit apply duration.
var MigrationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "deployctl_migration_duration_seconds",
		Help:    "Migration unit apply duration",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"backend"},
)

// ChecksumDriftTotal tracks fatal checksum drift detections.
var ChecksumDriftTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deployctl_checksum_drift_total",
		Help: "Total checksum drift detections",
	},
	[]string{"backend"},
)

// SnapshotsTotal tracks snapshot creations by status.
var SnapshotsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deployctl_snapshots_total",
		Help: "Total snapshot creations by status",
	},
	[]string{"backend", "status"},
)

// SnapshotSizeBytes tracks the size of the most recent snapshot.
var SnapshotSizeBytes = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "deployctl_snapshot_size_bytes",
		Help: "Size of the most recent snapshot artifact",
	},
	[]string{"backend"},
)

// RestoresTotal tracks restore operations by status.
var RestoresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deployctl_restores_total",
		Help: "Total restore operations by status",
	},
	[]string{"backend", "status"},
)

// SnapshotsPrunedTotal tracks snapshots deleted by retention.
var SnapshotsPrunedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deployctl_snapshots_pruned_total",
		Help: "Total snapshots deleted by retention",
	},
	[]string{"backend"},
)

// ProcessRestartsTotal tracks automatic process restarts.
var ProcessRestartsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deployctl_process_restarts_total",
		Help: "Total automatic process restarts",
	},
	[]string{"process"},
)

// ProcessState tracks process state (value 1 for current state, 0 otherwise).
var ProcessState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "deployctl_process_state",
		Help: "Process state (1 for current state, 0 otherwise)",
	},
	[]string{"process", "state"},
)

// HealthProbeFailuresTotal tracks failed health probes.
var HealthProbeFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deployctl_health_probe_failures_total",
		Help: "Total failed health probes",
	},
	[]string{"process"},
)

// HealthProbeDuration tracks health probe round-trip latency.
var HealthProbeDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "deployctl_health_probe_duration_seconds",
		Help:    "Health probe round-trip latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"process"},
)
