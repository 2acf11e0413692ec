package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/db"
	"github.com/findertool/deployctl/metrics"
)

// Config holds configuration for the migration Engine.
type Config struct {
	// Adapter is the data access adapter bound to one backend variant (required).
	Adapter *db.Adapter

	// Source is the migration discovery source (required).
	Source fs.FS

	// Table is the version store table name (default: "schema_migrations").
	Table string

	// Logger is for observability (optional).
	Logger deployctl.Logger

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	// Set to false explicitly to disable metrics.
	MetricsEnabled *bool
}

// Engine discovers ordered migration units and applies or reverts them
// against the version store. Application is strictly sequential: later units
// may depend on earlier units' structural changes.
type Engine struct {
	config    Config
	store     *versionStore
	collector *metrics.Collector
}

// UnitStatus pairs a discovered unit with its version store record, if any.
type UnitStatus struct {
	Unit    Unit
	Applied bool
	Record  Record
}

// New creates a new Engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.Table == "" {
		cfg.Table = "schema_migrations"
	}

	var collector *metrics.Collector
	metricsEnabled := true
	if cfg.MetricsEnabled != nil {
		metricsEnabled = *cfg.MetricsEnabled
	}
	if metricsEnabled {
		collector = metrics.NewCollector(string(cfg.Adapter.Dialect()))
	}

	return &Engine{
		config:    cfg,
		store:     newVersionStore(cfg.Adapter, cfg.Table),
		collector: collector,
	}
}

// Discover returns the ordered, checksummed migration units known to the
// running code.
func (e *Engine) Discover() ([]Unit, error) {
	return Discover(e.config.Source)
}

// MaxKnown returns the highest version among discovered units, 0 when the
// source is empty.
func (e *Engine) MaxKnown() (int64, error) {
	units, err := e.Discover()
	if err != nil {
		return 0, err
	}
	if len(units) == 0 {
		return 0, nil
	}
	return units[len(units)-1].Version, nil
}

// MaxApplied returns the version store's highest successfully applied
// version, 0 when the store is empty.
func (e *Engine) MaxApplied(ctx context.Context) (int64, error) {
	if err := e.store.ensure(ctx); err != nil {
		return 0, err
	}
	return e.store.maxApplied(ctx)
}

// Status returns every discovered unit with its applied record, plus records
// for versions the code no longer knows about.
func (e *Engine) Status(ctx context.Context) ([]UnitStatus, error) {
	units, err := e.Discover()
	if err != nil {
		return nil, err
	}

	if err := e.store.ensure(ctx); err != nil {
		return nil, err
	}
	records, err := e.store.records(ctx)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int64]Record, len(records))
	for _, rec := range records {
		byVersion[rec.Version] = rec
	}

	statuses := make([]UnitStatus, 0, len(units))
	for _, unit := range units {
		status := UnitStatus{Unit: unit}
		if rec, ok := byVersion[unit.Version]; ok {
			status.Applied = rec.Status == StatusSuccess
			status.Record = rec
		}
		statuses = append(statuses, status)
	}

	return statuses, nil
}

// Apply brings the version store to the highest discovered version.
// Returns the units applied by this run, in order.
func (e *Engine) Apply(ctx context.Context) ([]Unit, error) {
	target, err := e.MaxKnown()
	if err != nil {
		return nil, err
	}
	return e.ApplyTo(ctx, target)
}

// ApplyTo applies, in ascending order, every discovered unit with a version
// greater than the store's current maximum and at most target. A unit that
// fails aborts the run: no subsequent units are attempted, a failed record
// is written, and the error is surfaced.
func (e *Engine) ApplyTo(ctx context.Context, target int64) ([]Unit, error) {
	units, err := e.Discover()
	if err != nil {
		return nil, err
	}

	if err := e.store.ensure(ctx); err != nil {
		return nil, err
	}
	records, err := e.store.records(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.checkDrift(units, records); err != nil {
		return nil, err
	}

	current, err := e.store.maxApplied(ctx)
	if err != nil {
		return nil, err
	}

	maxKnown := int64(0)
	if len(units) > 0 {
		maxKnown = units[len(units)-1].Version
	}
	if current > maxKnown {
		return nil, fmt.Errorf("%w: store at %d, code knows up to %d",
			deployctl.ErrCodeBehindStore, current, maxKnown)
	}

	var applied []Unit
	for _, unit := range units {
		if unit.Version <= current || unit.Version > target {
			continue
		}

		if err := e.applyUnit(ctx, unit); err != nil {
			return applied, err
		}
		applied = append(applied, unit)
	}

	return applied, nil
}

// applyUnit runs one unit's forward script and its success record in a
// single transaction scope. On failure the transaction is rolled back and a
// failed record is written outside it.
func (e *Engine) applyUnit(ctx context.Context, unit Unit) error {
	// A leftover failed record from a previous operator-aborted run blocks
	// the version key; clear it before re-attempting.
	if err := e.store.deleteFailed(ctx, unit.Version); err != nil {
		return err
	}

	handle, err := e.config.Adapter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = handle.Release() }()

	start := time.Now()

	tx, err := handle.Begin(ctx)
	if err != nil {
		return err
	}

	if _, err := tx.Execute(ctx, unit.Up); err != nil {
		_ = tx.Rollback()
		e.recordFailure(ctx, unit, start, err)
		return fmt.Errorf("migration %d_%s failed: %w", unit.Version, unit.Name, err)
	}

	rec := Record{
		Version:    unit.Version,
		Name:       unit.Name,
		Checksum:   unit.Checksum,
		AppliedAt:  time.Now().UTC(),
		DurationMS: time.Since(start).Milliseconds(),
		Status:     StatusSuccess,
	}
	if err := e.store.insertTx(ctx, tx, rec); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %d_%s failed: %w", unit.Version, unit.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d_%s failed to commit: %w", unit.Version, unit.Name, err)
	}

	if e.collector != nil {
		e.collector.IncMigrationApplied(StatusSuccess)
		e.collector.ObserveMigrationDuration(time.Since(start).Seconds())
	}
	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "migration applied",
			"version", unit.Version,
			"name", unit.Name,
			"durationMS", rec.DurationMS)
	}

	return nil
}

// recordFailure persists a failed record after the unit's transaction has
// been rolled back. A failure to record is logged, not surfaced: the apply
// error is the one the caller needs.
func (e *Engine) recordFailure(ctx context.Context, unit Unit, start time.Time, cause error) {
	rec := Record{
		Version:    unit.Version,
		Name:       unit.Name,
		Checksum:   unit.Checksum,
		AppliedAt:  time.Now().UTC(),
		DurationMS: time.Since(start).Milliseconds(),
		Status:     StatusFailed,
	}
	if err := e.store.insert(ctx, rec); err != nil {
		if e.config.Logger != nil {
			e.config.Logger.Error(ctx, "failed to record migration failure",
				"version", unit.Version, "error", err)
		}
	}

	if e.collector != nil {
		e.collector.IncMigrationApplied(StatusFailed)
	}
	if e.config.Logger != nil {
		e.config.Logger.Error(ctx, "migration failed",
			"version", unit.Version,
			"name", unit.Name,
			"error", cause)
	}
}

// Revert rolls back, in descending order, every successfully applied unit
// with a version greater than target. Each reverted unit must have a success
// record; reverting an unapplied unit fails with ErrNothingToRevert.
func (e *Engine) Revert(ctx context.Context, target int64) ([]Unit, error) {
	units, err := e.Discover()
	if err != nil {
		return nil, err
	}

	if err := e.store.ensure(ctx); err != nil {
		return nil, err
	}
	records, err := e.store.records(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.checkDrift(units, records); err != nil {
		return nil, err
	}

	applied := make(map[int64]bool, len(records))
	for _, rec := range records {
		if rec.Status == StatusSuccess {
			applied[rec.Version] = true
		}
	}

	var reverted []Unit
	for i := len(units) - 1; i >= 0; i-- {
		unit := units[i]
		if unit.Version <= target {
			continue
		}
		if !applied[unit.Version] {
			continue
		}
		if unit.Down == "" {
			return reverted, fmt.Errorf("migration %d_%s has no revert operation", unit.Version, unit.Name)
		}

		if err := e.revertUnit(ctx, unit); err != nil {
			return reverted, err
		}
		reverted = append(reverted, unit)
	}

	if len(reverted) == 0 {
		return nil, fmt.Errorf("%w: no applied migrations above version %d", deployctl.ErrNothingToRevert, target)
	}

	return reverted, nil
}

// RevertOne rolls back a single unit by version. The unit must have a
// success record in the version store.
func (e *Engine) RevertOne(ctx context.Context, version int64) error {
	units, err := e.Discover()
	if err != nil {
		return err
	}

	if err := e.store.ensure(ctx); err != nil {
		return err
	}
	current, err := e.store.maxApplied(ctx)
	if err != nil {
		return err
	}
	if current != version {
		return fmt.Errorf("can only revert the latest applied version (%d), not %d", current, version)
	}

	for _, unit := range units {
		if unit.Version != version {
			continue
		}
		records, err := e.store.records(ctx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.Version == version && rec.Status == StatusSuccess {
				if unit.Down == "" {
					return fmt.Errorf("migration %d_%s has no revert operation", unit.Version, unit.Name)
				}
				return e.revertUnit(ctx, unit)
			}
		}
		return fmt.Errorf("%w: version %d has no success record", deployctl.ErrNothingToRevert, version)
	}

	return fmt.Errorf("%w: version %d is not a discovered migration", deployctl.ErrNothingToRevert, version)
}

// revertUnit runs one unit's backward script and the record deletion in a
// single transaction scope, matching the forward semantics.
func (e *Engine) revertUnit(ctx context.Context, unit Unit) error {
	handle, err := e.config.Adapter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = handle.Release() }()

	tx, err := handle.Begin(ctx)
	if err != nil {
		return err
	}

	if _, err := tx.Execute(ctx, unit.Down); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("revert of %d_%s failed: %w", unit.Version, unit.Name, err)
	}
	if err := e.store.deleteTx(ctx, tx, unit.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("revert of %d_%s failed: %w", unit.Version, unit.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("revert of %d_%s failed to commit: %w", unit.Version, unit.Name, err)
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "migration reverted", "version", unit.Version, "name", unit.Name)
	}

	return nil
}

// checkDrift verifies every successful record against the discovered set.
// A record whose checksum differs from the discovered unit, with no
// corresponding unit at all while lower versions are still known, means the
// code and the stored history disagree. That is fatal and never retried.
func (e *Engine) checkDrift(units []Unit, records []Record) error {
	byVersion := make(map[int64]Unit, len(units))
	maxKnown := int64(0)
	for _, unit := range units {
		byVersion[unit.Version] = unit
		if unit.Version > maxKnown {
			maxKnown = unit.Version
		}
	}

	for _, rec := range records {
		if rec.Status != StatusSuccess {
			continue
		}

		unit, ok := byVersion[rec.Version]
		if !ok {
			if rec.Version <= maxKnown {
				e.incDrift()
				return fmt.Errorf("%w: applied version %d is unknown to the code",
					deployctl.ErrChecksumDrift, rec.Version)
			}
			// Versions above maxKnown are the preflight's concern, not drift.
			continue
		}

		if unit.Checksum != rec.Checksum {
			e.incDrift()
			return fmt.Errorf("%w: version %d recorded %s, discovered %s",
				deployctl.ErrChecksumDrift, rec.Version, shortSum(rec.Checksum), shortSum(unit.Checksum))
		}
	}

	return nil
}

func (e *Engine) incDrift() {
	if e.collector != nil {
		e.collector.IncChecksumDrift()
	}
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// IsDrift reports whether err is a checksum drift failure.
func IsDrift(err error) bool {
	return errors.Is(err, deployctl.ErrChecksumDrift)
}
