// Package deploy implements the release orchestrator: a strictly ordered
// pipeline of preflight, snapshot, migrate, restart, and health-check
// phases, with automatic rollback to the pre-release snapshot when a
// post-snapshot phase fails.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/metrics"
	"github.com/findertool/deployctl/migrate"
	"github.com/google/uuid"
)

// Migrator applies schema migrations. Satisfied by *migrate.Engine.
type Migrator interface {
	MaxKnown() (int64, error)
	MaxApplied(ctx context.Context) (int64, error)
	Apply(ctx context.Context) ([]migrate.Unit, error)
}

// Snapshotter takes and restores datastore snapshots. Satisfied by
// *backup.Service.
type Snapshotter interface {
	Create(ctx context.Context) (deployctl.Snapshot, error)
	Verify(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
	Hold(id string)
	Unhold(id string)
}

// ProcessManager restarts the managed processes. Satisfied by
// *supervise.Supervisor.
type ProcessManager interface {
	RestartAll(ctx context.Context) error
}

// HealthWaiter blocks until the managed processes are stable. Satisfied by
// *supervise.Monitor.
type HealthWaiter interface {
	AwaitStable(ctx context.Context, window, deadline time.Duration) error
}

// Config holds configuration for the Orchestrator.
type Config struct {
	// Migrator applies schema migrations (required).
	Migrator Migrator

	// Snapshots takes and restores snapshots (required).
	Snapshots Snapshotter

	// Processes restarts the managed processes (required).
	Processes ProcessManager

	// Health waits for post-restart stability (required).
	Health HealthWaiter

	// Backend is the backend variant label used in logs and metrics.
	Backend string

	// StabilityWindow is how long all processes must stay healthy after
	// the restart before the release commits (default: 30s).
	StabilityWindow time.Duration

	// HealthDeadline bounds the health-check phase (default: 5m).
	HealthDeadline time.Duration

	// LockPath, when set, names a lock file held for the duration of a
	// release. It extends the single-flight guarantee across deployctl
	// processes on the same host.
	LockPath string

	// Logger is for observability (optional).
	Logger deployctl.Logger

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	// Set to false explicitly to disable metrics.
	MetricsEnabled *bool
}

// Orchestrator runs releases. At most one release is in flight at a time;
// a second Deploy call while one is running fails fast.
type Orchestrator struct {
	config    Config
	logger    deployctl.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	inFlight bool
}

// New creates an Orchestrator with defaults applied.
func New(cfg Config) *Orchestrator {
	if cfg.StabilityWindow == 0 {
		cfg.StabilityWindow = 30 * time.Second
	}
	if cfg.HealthDeadline == 0 {
		cfg.HealthDeadline = 5 * time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = deployctl.NopLogger{}
	}

	var collector *metrics.Collector
	metricsEnabled := true
	if cfg.MetricsEnabled != nil {
		metricsEnabled = *cfg.MetricsEnabled
	}
	if metricsEnabled {
		collector = metrics.NewCollector(cfg.Backend)
	}

	return &Orchestrator{config: cfg, logger: logger, collector: collector}
}

// InFlight reports whether a release is currently running. The backup
// scheduler consults it to stay out of the way.
func (o *Orchestrator) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return false
	}
	o.inFlight = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
}

// Deploy runs one release to completion and returns its attempt record.
// The attempt is returned for failed releases too, with Err and the phase
// the release died in.
func (o *Orchestrator) Deploy(ctx context.Context) (deployctl.ReleaseAttempt, error) {
	if o.config.LockPath != "" {
		lock, err := AcquireLock(o.config.LockPath)
		if err != nil {
			return deployctl.ReleaseAttempt{}, err
		}
		defer func() { _ = lock.Release() }()
	}

	if !o.acquire() {
		return deployctl.ReleaseAttempt{}, deployctl.ErrReleaseInProgress
	}
	defer o.release()

	attempt := deployctl.ReleaseAttempt{
		ReleaseID: uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	o.logger.Info(ctx, "release started", "release_id", attempt.ReleaseID)

	err := o.run(ctx, &attempt)

	attempt.FinishedAt = time.Now().UTC()
	attempt.Err = err

	if o.collector != nil && attempt.Phase.Terminal() {
		o.collector.IncRelease(string(attempt.Phase))
	}

	if err != nil {
		o.logger.Error(ctx, "release failed",
			"release_id", attempt.ReleaseID,
			"phase", attempt.Phase,
			"failed_phase", attempt.FailedPhase,
			"error", err)
		return attempt, err
	}

	o.logger.Info(ctx, "release committed",
		"release_id", attempt.ReleaseID,
		"target_version", attempt.TargetVersion,
		"duration", attempt.FinishedAt.Sub(attempt.StartedAt))
	return attempt, nil
}

func (o *Orchestrator) run(ctx context.Context, attempt *deployctl.ReleaseAttempt) error {
	if err := o.phase(ctx, attempt, deployctl.PhasePreflight, func() error {
		return o.preflight(ctx, attempt)
	}); err != nil {
		attempt.Phase = deployctl.PhaseFailedPreflight
		return err
	}

	if err := o.phase(ctx, attempt, deployctl.PhaseSnapshotting, func() error {
		snap, err := o.config.Snapshots.Create(ctx)
		if err != nil {
			return fmt.Errorf("failed to take pre-release snapshot: %w", err)
		}
		if err := o.config.Snapshots.Verify(ctx, snap.ID); err != nil {
			return fmt.Errorf("pre-release snapshot unusable: %w", err)
		}
		attempt.SnapshotID = snap.ID
		o.config.Snapshots.Hold(snap.ID)
		return nil
	}); err != nil {
		// Nothing has been mutated yet; no rollback needed.
		attempt.Phase = deployctl.PhaseFailedPreflight
		return err
	}
	defer o.config.Snapshots.Unhold(attempt.SnapshotID)

	if err := o.phase(ctx, attempt, deployctl.PhaseMigrating, func() error {
		applied, err := o.config.Migrator.Apply(ctx)
		if err != nil {
			return err
		}
		o.logger.Info(ctx, "migrations applied", "release_id", attempt.ReleaseID, "count", len(applied))
		return nil
	}); err != nil {
		return o.rollback(ctx, attempt, err)
	}

	if err := o.phase(ctx, attempt, deployctl.PhaseRestarting, func() error {
		return o.config.Processes.RestartAll(ctx)
	}); err != nil {
		return o.rollback(ctx, attempt, err)
	}

	if err := o.phase(ctx, attempt, deployctl.PhaseHealthChecking, func() error {
		return o.config.Health.AwaitStable(ctx, o.config.StabilityWindow, o.config.HealthDeadline)
	}); err != nil {
		return o.rollback(ctx, attempt, err)
	}

	attempt.Phase = deployctl.PhaseCommitted
	return nil
}

// preflight verifies the release can proceed without mutating anything and
// pins the target version.
func (o *Orchestrator) preflight(ctx context.Context, attempt *deployctl.ReleaseAttempt) error {
	maxKnown, err := o.config.Migrator.MaxKnown()
	if err != nil {
		return err
	}
	maxApplied, err := o.config.Migrator.MaxApplied(ctx)
	if err != nil {
		return err
	}
	if maxApplied > maxKnown {
		return fmt.Errorf("store is at version %d but code only knows %d: %w",
			maxApplied, maxKnown, deployctl.ErrCodeBehindStore)
	}

	attempt.TargetVersion = maxKnown
	return nil
}

// rollback restores the pre-release snapshot and restarts the processes
// against the restored state. A rollback that itself fails leaves the
// attempt in its failing phase for operator intervention.
func (o *Orchestrator) rollback(ctx context.Context, attempt *deployctl.ReleaseAttempt, cause error) error {
	o.logger.Error(ctx, "rolling back release",
		"release_id", attempt.ReleaseID,
		"phase", attempt.Phase,
		"snapshot_id", attempt.SnapshotID,
		"error", cause)

	if err := o.config.Snapshots.Restore(ctx, attempt.SnapshotID); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback failed: %w", err))
	}
	if err := o.config.Processes.RestartAll(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("post-rollback restart failed: %w", err))
	}

	attempt.Phase = deployctl.PhaseRolledBack
	return cause
}

// phase runs one release phase, recording its duration.
func (o *Orchestrator) phase(ctx context.Context, attempt *deployctl.ReleaseAttempt, p deployctl.ReleasePhase, fn func() error) error {
	attempt.Phase = p
	o.logger.Info(ctx, "release phase", "release_id", attempt.ReleaseID, "phase", p)

	started := time.Now()
	err := fn()

	if o.collector != nil {
		o.collector.ObserveReleasePhase(string(p), time.Since(started).Seconds())
	}
	if err != nil {
		attempt.FailedPhase = p
	}
	return err
}
