// Command deployctl is the deployment control plane CLI.
//
// Usage:
//
//	deployctl [-config deployctl.yaml] <command> [args]
//
// Commands:
//
//	migrate            apply all pending schema migrations
//	migrate status     list discovered migrations and their applied state
//	migrate create     generate a timestamped up/down migration pair
//	migrate revert     revert applied migrations down to a target version
//	deploy             run a full release (snapshot, migrate, restart, verify)
//	status             show managed process states from the running instance
//	backup create      take a snapshot now
//	backup list        list stored snapshots
//	backup verify      check a snapshot's integrity
//	backup restore     restore a snapshot into the datastore
//	backup prune       delete snapshots past their retention
//	run                supervise processes until interrupted
//	version            print the build version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/backup"
	"github.com/findertool/deployctl/config"
	"github.com/findertool/deployctl/control"
	"github.com/findertool/deployctl/db"
	"github.com/findertool/deployctl/deploy"
	"github.com/findertool/deployctl/metrics"
	"github.com/findertool/deployctl/migrate"
	"github.com/findertool/deployctl/pkg/version"
	"github.com/findertool/deployctl/supervise"
)

func main() {
	configPath := flag.String("config", "deployctl.yaml", "Path to the configuration file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if args[0] == "version" {
		fmt.Println(version.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deployctl: %v\n", err)
		os.Exit(1)
	}

	app := &app{cfg: cfg, logger: deployctl.NewDefaultLogger(cfg.LogLevel)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.dispatch(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "deployctl: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Config
	logger deployctl.Logger
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	switch args[0] {
	case "migrate":
		return a.migrateCmd(ctx, args[1:])
	case "deploy":
		return a.deployCmd(ctx)
	case "status":
		return a.statusCmd(ctx)
	case "backup":
		return a.backupCmd(ctx, args[1:])
	case "run":
		return a.runCmd(ctx)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *app) openAdapter() (*db.Adapter, error) {
	return db.Open(db.Config{
		URL:          a.cfg.Database.URL,
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
		MaxIdleConns: a.cfg.Database.MaxIdleConns,
		Logger:       a.logger,
	})
}

func (a *app) newEngine(adapter *db.Adapter) *migrate.Engine {
	return migrate.New(migrate.Config{
		Adapter: adapter,
		Source:  os.DirFS(a.cfg.Migrations.Dir),
		Table:   a.cfg.Migrations.Table,
		Logger:  a.logger,
	})
}

func (a *app) newBackupService(ctx context.Context, adapter *db.Adapter) (*backup.Service, error) {
	var store backup.ArtifactStore
	if a.cfg.Backup.ObjectStore.Endpoint != "" {
		s, err := backup.NewObjectStore(ctx, backup.ObjectStoreConfig{
			Endpoint:  a.cfg.Backup.ObjectStore.Endpoint,
			AccessKey: a.cfg.Backup.ObjectStore.AccessKey,
			SecretKey: a.cfg.Backup.ObjectStore.SecretKey,
			Bucket:    a.cfg.Backup.ObjectStore.Bucket,
			Prefix:    a.cfg.Backup.ObjectStore.Prefix,
		})
		if err != nil {
			return nil, err
		}
		store = s
	} else {
		s, err := backup.NewLocalStore(a.cfg.Backup.Dir)
		if err != nil {
			return nil, err
		}
		store = s
	}

	return backup.New(backup.Config{
		Adapter:       adapter,
		Store:         store,
		Retention:     a.cfg.Backup.Retention.Std(),
		PgDumpPath:    a.cfg.Backup.PgDumpPath,
		PgRestorePath: a.cfg.Backup.PgRestorePath,
		Logger:        a.logger,
	}), nil
}

func (a *app) newSupervisor() (*supervise.Supervisor, *supervise.Monitor, error) {
	specs := make([]supervise.ProcessSpec, 0, len(a.cfg.Supervisor.Processes))
	for _, p := range a.cfg.Supervisor.Processes {
		specs = append(specs, supervise.ProcessSpec{
			Name:          p.Name,
			Command:       p.Command,
			Dir:           p.Dir,
			Env:           p.Env,
			HealthURL:     p.HealthURL,
			DataDependent: p.DataDependent,
		})
	}

	sup, err := supervise.New(supervise.Config{
		Processes:     specs,
		RestartBudget: a.cfg.Supervisor.RestartBudget,
		BudgetWindow:  a.cfg.Supervisor.BudgetWindow.Std(),
		Logger:        a.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	mon := supervise.NewMonitor(supervise.MonitorConfig{
		Supervisor:       sup,
		Interval:         a.cfg.Health.Interval.Std(),
		ProbeTimeout:     a.cfg.Health.ProbeTimeout.Std(),
		SuccessThreshold: a.cfg.Health.SuccessThreshold,
		Logger:           a.logger,
	})
	return sup, mon, nil
}

func (a *app) migrateCmd(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "status":
			return a.migrateStatus(ctx)
		case "create":
			return a.migrateCreate(args[1:])
		case "revert":
			return a.migrateRevert(ctx, args[1:])
		}
	}

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	target := fs.Int64("to", 0, "Apply up to this version only (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	adapter, err := a.openAdapter()
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	engine := a.newEngine(adapter)

	var applied []migrate.Unit
	if *target > 0 {
		applied, err = engine.ApplyTo(ctx, *target)
	} else {
		applied, err = engine.Apply(ctx)
	}
	if err != nil {
		return err
	}

	if len(applied) == 0 {
		fmt.Println("up to date")
		return nil
	}
	for _, unit := range applied {
		fmt.Printf("applied %03d_%s\n", unit.Version, unit.Name)
	}
	return nil
}

func (a *app) migrateStatus(ctx context.Context) error {
	adapter, err := a.openAdapter()
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	statuses, err := a.newEngine(adapter).Status(ctx)
	if err != nil {
		return err
	}

	for _, status := range statuses {
		mark := "pending"
		if status.Applied {
			mark = "applied " + status.Record.AppliedAt.Format(time.RFC3339)
		} else if status.Record.Status == migrate.StatusFailed {
			mark = "failed"
		}
		fmt.Printf("%03d  %-30s %s\n", status.Unit.Version, status.Unit.Name, mark)
	}
	return nil
}

func (a *app) migrateCreate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: deployctl migrate create <name>")
	}

	up, down, err := migrate.Create(a.cfg.Migrations.Dir, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("created %s\ncreated %s\n", up, down)
	return nil
}

func (a *app) migrateRevert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate revert", flag.ExitOnError)
	target := fs.Int64("to", -1, "Revert down to this version (it stays applied)")
	one := fs.Bool("one", false, "Revert only the most recent migration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	adapter, err := a.openAdapter()
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	engine := a.newEngine(adapter)

	if *one {
		current, err := engine.MaxApplied(ctx)
		if err != nil {
			return err
		}
		if current == 0 {
			return deployctl.ErrNothingToRevert
		}
		if err := engine.RevertOne(ctx, current); err != nil {
			return err
		}
		fmt.Printf("reverted %d\n", current)
		return nil
	}

	if *target < 0 {
		return fmt.Errorf("usage: deployctl migrate revert -to <version> | -one")
	}

	reverted, err := engine.Revert(ctx, *target)
	if err != nil {
		return err
	}
	for _, unit := range reverted {
		fmt.Printf("reverted %03d_%s\n", unit.Version, unit.Name)
	}
	return nil
}

func (a *app) backupCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: deployctl backup <create|list|verify|restore|prune>")
	}

	adapter, err := a.openAdapter()
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	svc, err := a.newBackupService(ctx, adapter)
	if err != nil {
		return err
	}

	switch args[0] {
	case "create":
		snap, err := svc.Create(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%d bytes)\n", snap.ID, snap.SizeBytes)
		return nil

	case "list":
		snaps, err := svc.List(ctx)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			fmt.Printf("%s  %10d bytes  expires %s\n",
				snap.ID, snap.SizeBytes, snap.RetentionExpiry.Format(time.RFC3339))
		}
		return nil

	case "verify":
		if len(args) != 2 {
			return fmt.Errorf("usage: deployctl backup verify <snapshot-id>")
		}
		if err := svc.Verify(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("%s verified\n", args[1])
		return nil

	case "restore":
		if len(args) != 2 {
			return fmt.Errorf("usage: deployctl backup restore <snapshot-id>")
		}
		if err := svc.Restore(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("%s restored\n", args[1])
		return nil

	case "prune":
		pruned, err := svc.Prune(ctx)
		if err != nil {
			return err
		}
		for _, id := range pruned {
			fmt.Printf("pruned %s\n", id)
		}
		fmt.Printf("%d snapshot(s) pruned\n", len(pruned))
		return nil

	default:
		return fmt.Errorf("unknown backup command %q", args[0])
	}
}

// deployCmd runs a single release end to end. When a run instance is
// serving the control socket the release goes through it, so the
// processes it already owns are restarted in place. Without one the
// release runs standalone under the shared lock file.
func (a *app) deployCmd(ctx context.Context) error {
	if a.cfg.Control.Socket != "" {
		client := control.NewClient(a.cfg.Control.Socket)
		if client.Available(ctx) {
			attempt, err := client.Deploy(ctx)
			return a.reportAttempt(attempt, err)
		}
	}
	return a.deployStandalone(ctx)
}

func (a *app) deployStandalone(ctx context.Context) error {
	adapter, err := a.openAdapter()
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	svc, err := a.newBackupService(ctx, adapter)
	if err != nil {
		return err
	}
	sup, mon, err := a.newSupervisor()
	if err != nil {
		return err
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}

	mon.Start(ctx)
	defer mon.Stop()

	orch := a.newOrchestrator(adapter, svc, sup, mon)

	attempt, err := orch.Deploy(ctx)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = sup.Stop(stopCtx)
		return a.reportAttempt(attempt, err)
	}

	// The processes stay up after a commit; only the crash watch ends
	// with this invocation.
	return a.reportAttempt(attempt, nil)
}

func (a *app) newOrchestrator(adapter *db.Adapter, svc *backup.Service, sup *supervise.Supervisor, mon *supervise.Monitor) *deploy.Orchestrator {
	return deploy.New(deploy.Config{
		Migrator:        a.newEngine(adapter),
		Snapshots:       svc,
		Processes:       sup,
		Health:          mon,
		Backend:         string(adapter.Dialect()),
		StabilityWindow: a.cfg.Deploy.StabilityWindow.Std(),
		HealthDeadline:  a.cfg.Deploy.HealthDeadline.Std(),
		LockPath:        a.cfg.Deploy.LockPath,
		Logger:          a.logger,
	})
}

func (a *app) reportAttempt(attempt deployctl.ReleaseAttempt, err error) error {
	if err != nil {
		if attempt.FailedPhase != "" {
			return fmt.Errorf("release %s failed in phase %s (outcome: %s): %w",
				attempt.ReleaseID, attempt.FailedPhase, attempt.Phase, err)
		}
		return err
	}

	fmt.Printf("release %s committed at version %d (snapshot %s)\n",
		attempt.ReleaseID, attempt.TargetVersion, attempt.SnapshotID)
	return nil
}

func (a *app) statusCmd(ctx context.Context) error {
	if a.cfg.Control.Socket == "" {
		return fmt.Errorf("control.socket is not configured")
	}

	client := control.NewClient(a.cfg.Control.Socket)
	if !client.Available(ctx) {
		return fmt.Errorf("no running instance on %s", a.cfg.Control.Socket)
	}

	states, err := client.Status(ctx)
	if err != nil {
		return err
	}
	for _, state := range states {
		fmt.Printf("%-20s %-10s pid %-8d restarts %d\n",
			state.Name, state.Status, state.PID, state.RestartCount)
	}
	return nil
}

// runCmd supervises the managed processes until interrupted, with the
// metrics endpoint, the control socket, and the snapshot scheduler
// running alongside. The scheduler stands down while a release is in
// flight.
func (a *app) runCmd(ctx context.Context) error {
	adapter, err := a.openAdapter()
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	svc, err := a.newBackupService(ctx, adapter)
	if err != nil {
		return err
	}
	sup, mon, err := a.newSupervisor()
	if err != nil {
		return err
	}

	metricsEnabled := a.cfg.Metrics.Enabled == nil || *a.cfg.Metrics.Enabled
	var server *metrics.Server
	if metricsEnabled && a.cfg.Metrics.Addr != "" {
		server = metrics.NewServer(a.cfg.Metrics.Addr)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}
	mon.Start(ctx)

	orch := a.newOrchestrator(adapter, svc, sup, mon)

	var ctl *control.Server
	if a.cfg.Control.Socket != "" {
		ctl = control.NewServer(control.ServerConfig{
			Socket:    a.cfg.Control.Socket,
			Deployer:  orch,
			Processes: sup,
			Logger:    a.logger,
		})
		if err := ctl.Start(); err != nil {
			return err
		}
	}

	var sched *backup.Scheduler
	if a.cfg.Backup.ScheduleInterval.Std() > 0 {
		sched = backup.NewScheduler(backup.SchedulerConfig{
			Service:  svc,
			Interval: a.cfg.Backup.ScheduleInterval.Std(),
			Skip:     orch.InFlight,
			Logger:   a.logger,
		})
		sched.Start(ctx)
	}

	a.logger.Info(ctx, "deployctl running", "version", version.Version)
	<-ctx.Done()
	a.logger.Info(context.Background(), "shutting down")

	if sched != nil {
		sched.Stop()
	}
	if ctl != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = ctl.Shutdown(shutdownCtx)
		cancel()
	}
	mon.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
