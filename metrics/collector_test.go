package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_IncRelease(t *testing.T) {
	c := NewCollector("collector-backend-1")

	before := testutil.ToFloat64(ReleasesTotal.WithLabelValues("collector-backend-1", "rolled-back"))
	c.IncRelease("rolled-back")
	after := testutil.ToFloat64(ReleasesTotal.WithLabelValues("collector-backend-1", "rolled-back"))

	assert.Equal(t, before+1, after)
}

func TestCollector_IncMigrationApplied(t *testing.T) {
	c := NewCollector("collector-backend-2")

	before := testutil.ToFloat64(MigrationsAppliedTotal.WithLabelValues("collector-backend-2", "failed"))
	c.IncMigrationApplied("failed")
	after := testutil.ToFloat64(MigrationsAppliedTotal.WithLabelValues("collector-backend-2", "failed"))

	assert.Equal(t, before+1, after)
}

func TestCollector_IncChecksumDrift(t *testing.T) {
	c := NewCollector("collector-backend-3")

	before := testutil.ToFloat64(ChecksumDriftTotal.WithLabelValues("collector-backend-3"))
	c.IncChecksumDrift()
	after := testutil.ToFloat64(ChecksumDriftTotal.WithLabelValues("collector-backend-3"))

	assert.Equal(t, before+1, after)
}

func TestCollector_SetSnapshotSize(t *testing.T) {
	c := NewCollector("collector-backend-4")

	c.SetSnapshotSize(123456)
	value := testutil.ToFloat64(SnapshotSizeBytes.WithLabelValues("collector-backend-4"))

	assert.Equal(t, float64(123456), value)
}

func TestCollector_SetProcessState_ExclusiveStates(t *testing.T) {
	c := NewCollector("collector-backend-5")

	c.SetProcessState("collector-proc", "running")
	assert.Equal(t, float64(1), testutil.ToFloat64(ProcessState.WithLabelValues("collector-proc", "running")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ProcessState.WithLabelValues("collector-proc", "stopped")))

	c.SetProcessState("collector-proc", "crashed")
	assert.Equal(t, float64(0), testutil.ToFloat64(ProcessState.WithLabelValues("collector-proc", "running")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ProcessState.WithLabelValues("collector-proc", "crashed")))
}

func TestCollector_IncHealthProbeFailure(t *testing.T) {
	c := NewCollector("collector-backend-6")

	before := testutil.ToFloat64(HealthProbeFailuresTotal.WithLabelValues("collector-probe"))
	c.IncHealthProbeFailure("collector-probe")
	after := testutil.ToFloat64(HealthProbeFailuresTotal.WithLabelValues("collector-probe"))

	assert.Equal(t, before+1, after)
}
