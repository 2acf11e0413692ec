package metrics

// Collector wraps metrics and provides helper methods with the backend
// variant label pre-filled.
type Collector struct {
	backend string
}

// NewCollector creates a new Collector for the given backend variant.
func NewCollector(backend string) *Collector {
	return &Collector{backend: backend}
}

// IncRelease increments the release counter for a terminal status.
func (c *Collector) IncRelease(status string) {
	ReleasesTotal.WithLabelValues(c.backend, status).Inc()
}

// ObserveReleasePhase records time spent in a release phase.
func (c *Collector) ObserveReleasePhase(phase string, seconds float64) {
	ReleasePhaseDuration.WithLabelValues(c.backend, phase).Observe(seconds)
}

// IncMigrationApplied increments the migration counter for a status.
func (c *Collector) IncMigrationApplied(status string) {
	MigrationsAppliedTotal.WithLabelValues(c.backend, status).Inc()
}

// ObserveMigrationDuration records a migration unit apply duration.
func (c *Collector) ObserveMigrationDuration(seconds float64) {
	MigrationDuration.WithLabelValues(c.backend).Observe(seconds)
}

// IncChecksumDrift increments the checksum drift counter.
func (c *Collector) IncChecksumDrift() {
	ChecksumDriftTotal.WithLabelValues(c.backend).Inc()
}

// IncSnapshot increments the snapshot counter for a status.
func (c *Collector) IncSnapshot(status string) {
	SnapshotsTotal.WithLabelValues(c.backend, status).Inc()
}

// SetSnapshotSize sets the most-recent-snapshot size gauge.
func (c *Collector) SetSnapshotSize(bytes int64) {
	SnapshotSizeBytes.WithLabelValues(c.backend).Set(float64(bytes))
}

// IncRestore increments the restore counter for a status.
func (c *Collector) IncRestore(status string) {
	RestoresTotal.WithLabelValues(c.backend, status).Inc()
}

// IncSnapshotsPruned increments the retention-pruning counter.
func (c *Collector) IncSnapshotsPruned() {
	SnapshotsPrunedTotal.WithLabelValues(c.backend).Inc()
}

// IncProcessRestart increments the restart counter for a process.
func (c *Collector) IncProcessRestart(process string) {
	ProcessRestartsTotal.WithLabelValues(process).Inc()
}

// SetProcessState sets the state gauge for a process. Sets value to 1 for
// the given state, 0 for others.
func (c *Collector) SetProcessState(process string, state string) {
	states := []string{"stopped", "starting", "running", "crashed", "failed"}
	for _, s := range states {
		if s == state {
			ProcessState.WithLabelValues(process, s).Set(1)
		} else {
			ProcessState.WithLabelValues(process, s).Set(0)
		}
	}
}

// IncHealthProbeFailure increments the probe failure counter for a process.
func (c *Collector) IncHealthProbeFailure(process string) {
	HealthProbeFailuresTotal.WithLabelValues(process).Inc()
}

// ObserveHealthProbeDuration records a probe round-trip latency.
func (c *Collector) ObserveHealthProbeDuration(process string, seconds float64) {
	HealthProbeDuration.WithLabelValues(process).Observe(seconds)
}
