package deployctl

import "time"

// Dialect identifies which backend variant a connection speaks.
// The adapter uses it to select placeholder syntax and type mapping.
type Dialect string

const (
	// DialectPostgres is the production backend (numbered placeholders).
	DialectPostgres Dialect = "postgres"

	// DialectSQLite is the local/embedded backend (generic positional placeholders).
	DialectSQLite Dialect = "sqlite"
)

// Snapshot describes one point-in-time capture of the datastore.
// Snapshots are write-once: none of the fields change after creation.
type Snapshot struct {
	// ID is the unique identifier for this snapshot.
	ID string

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time

	// BackendChecksum is the SHA-256 of the artifact contents.
	BackendChecksum string

	// SizeBytes is the size of the compressed artifact.
	SizeBytes int64

	// RetentionExpiry is when the snapshot becomes eligible for pruning.
	// A snapshot referenced by an in-flight release is never pruned.
	RetentionExpiry time.Time
}

// ReleasePhase represents the phase a release attempt has reached.
type ReleasePhase string

const (
	// PhasePreflight indicates the release is checking version compatibility.
	PhasePreflight ReleasePhase = "preflight"

	// PhaseSnapshotting indicates a pre-release snapshot is being taken.
	PhaseSnapshotting ReleasePhase = "snapshotting"

	// PhaseMigrating indicates schema migrations are being applied.
	PhaseMigrating ReleasePhase = "migrating"

	// PhaseRestarting indicates managed processes are being restarted.
	PhaseRestarting ReleasePhase = "restarting"

	// PhaseHealthChecking indicates the release is waiting for processes
	// to report healthy for the configured stability window.
	PhaseHealthChecking ReleasePhase = "health-checking"

	// PhaseCommitted is the terminal phase of a successful release.
	PhaseCommitted ReleasePhase = "committed"

	// PhaseRolledBack is the terminal phase of a release that was undone
	// by restoring the pre-release snapshot.
	PhaseRolledBack ReleasePhase = "rolled-back"

	// PhaseFailedPreflight is the terminal phase of a release rejected
	// before any mutation took place.
	PhaseFailedPreflight ReleasePhase = "failed-preflight"
)

// Terminal reports whether the phase is an end state for a release.
func (p ReleasePhase) Terminal() bool {
	switch p {
	case PhaseCommitted, PhaseRolledBack, PhaseFailedPreflight:
		return true
	}
	return false
}

// ReleaseAttempt is the ephemeral record of one deploy.
// It is owned exclusively by the orchestrator and discarded (or logged)
// once it reaches a terminal phase.
type ReleaseAttempt struct {
	// ReleaseID is the unique identifier for this attempt (UUID).
	ReleaseID string

	// TargetVersion is the migration version the release moves the store to.
	TargetVersion int64

	// SnapshotID identifies the pre-release snapshot, once taken.
	SnapshotID string

	// Phase is the phase the release has reached.
	Phase ReleasePhase

	// FailedPhase is the phase whose work failed, for attempts that ended
	// in a failure. Phase records the terminal outcome (rolled-back,
	// failed-preflight); FailedPhase records where the release died.
	FailedPhase ReleasePhase

	// StartedAt is when the release began.
	StartedAt time.Time

	// FinishedAt is when the release reached a terminal phase.
	FinishedAt time.Time

	// Err is the error that forced a terminal failure phase, if any.
	Err error
}

// ProcessStatus represents the lifecycle state of a managed process.
type ProcessStatus string

const (
	// StatusStopped indicates the process is not running and not expected to.
	StatusStopped ProcessStatus = "stopped"

	// StatusStarting indicates the process has been launched but has not
	// yet passed its first health probe.
	StatusStarting ProcessStatus = "starting"

	// StatusRunning indicates the process is up and passing probes.
	StatusRunning ProcessStatus = "running"

	// StatusCrashed indicates the process exited unexpectedly and is
	// awaiting an automatic restart.
	StatusCrashed ProcessStatus = "crashed"

	// StatusFailed is terminal: the process exhausted its restart budget
	// and will not be restarted automatically.
	StatusFailed ProcessStatus = "failed"
)

// ServiceState is a point-in-time view of one managed process.
// It is owned and mutated only by the supervisor; Status() returns copies.
type ServiceState struct {
	// Name identifies the managed process.
	Name string

	// PID is the operating system process ID, 0 when not running.
	PID int

	// Status is the current lifecycle state.
	Status ProcessStatus

	// RestartCount is the number of automatic restarts within the
	// current restart-budget window.
	RestartCount int

	// LastHealthAt is the time of the last successful health probe.
	LastHealthAt time.Time
}
