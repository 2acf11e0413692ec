// Package supervise manages the long-running worker processes: launching,
// crash detection with a bounded restart budget, ordered restarts during a
// release, and HTTP health monitoring.
package supervise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/metrics"
)

// ProcessSpec describes one managed process.
type ProcessSpec struct {
	// Name identifies the process (required, unique).
	Name string

	// Command is the argv to launch (required).
	Command []string

	// Dir is the working directory (optional).
	Dir string

	// Env is extra environment in KEY=VALUE form, appended to the
	// supervisor's own environment (optional).
	Env []string

	// HealthURL is the HTTP endpoint probed by the health monitor
	// (optional). A process without one is only crash-watched: it counts
	// as running from the moment it is launched.
	HealthURL string

	// DataDependent marks processes that read the datastore on startup.
	// They are restarted after all other processes during a release, so
	// they come up against the post-migration schema.
	DataDependent bool
}

// Proc is one launched process instance.
type Proc interface {
	// PID returns the operating system process ID.
	PID() int

	// Wait blocks until the process exits. Safe to call from multiple
	// goroutines.
	Wait() error

	// Stop asks the process to terminate, escalating if it does not.
	Stop(ctx context.Context) error
}

// Runner launches processes. The default is ExecRunner; tests substitute
// a fake.
type Runner interface {
	Start(ctx context.Context, spec ProcessSpec) (Proc, error)
}

// Config holds configuration for the Supervisor.
type Config struct {
	// Processes are the managed processes, in start order (required).
	Processes []ProcessSpec

	// Runner launches processes (default: ExecRunner).
	Runner Runner

	// RestartBudget is the maximum automatic crash restarts allowed per
	// process within BudgetWindow before the process is marked failed
	// (default: 5).
	RestartBudget int

	// BudgetWindow is the sliding window the restart budget is counted
	// over (default: 60s).
	BudgetWindow time.Duration

	// Logger is for observability (optional).
	Logger deployctl.Logger

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	// Set to false explicitly to disable metrics.
	MetricsEnabled *bool
}

// managed is the supervisor-private state of one process. All fields are
// guarded by the supervisor mutex except spec, which is immutable.
type managed struct {
	spec     ProcessSpec
	state    deployctl.ServiceState
	proc     Proc
	exited   chan struct{}
	stopping bool
	restarts []time.Time
	streak   int
}

// Supervisor owns the managed processes. All state transitions happen under
// its mutex; Status returns copies.
type Supervisor struct {
	config    Config
	logger    deployctl.Logger
	collector *metrics.Collector

	mu        sync.Mutex
	processes map[string]*managed
	order     []string
	runCtx    context.Context
}

// New creates a Supervisor with defaults applied.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Runner == nil {
		cfg.Runner = &ExecRunner{}
	}
	if cfg.RestartBudget == 0 {
		cfg.RestartBudget = 5
	}
	if cfg.BudgetWindow == 0 {
		cfg.BudgetWindow = 60 * time.Second
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
		collector = metrics.NewCollector("")
	}

	s := &Supervisor{
		config:    cfg,
		logger:    logger,
		collector: collector,
		processes: make(map[string]*managed),
	}

	for _, spec := range cfg.Processes {
		if spec.Name == "" || len(spec.Command) == 0 {
			return nil, fmt.Errorf("process spec needs a name and a command")
		}
		if _, ok := s.processes[spec.Name]; ok {
			return nil, fmt.Errorf("duplicate process name %q", spec.Name)
		}
		s.processes[spec.Name] = &managed{
			spec:  spec,
			state: deployctl.ServiceState{Name: spec.Name, Status: deployctl.StatusStopped},
		}
		s.order = append(s.order, spec.Name)
	}

	return s, nil
}

// Start launches all managed processes in configured order. A launch
// failure aborts the startup; already-launched processes keep running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	for _, name := range s.order {
		if err := s.launch(ctx, s.processes[name]); err != nil {
			return err
		}
	}
	return nil
}

// Stop terminates all managed processes in reverse order and waits for
// each to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	for i := len(s.order) - 1; i >= 0; i-- {
		if err := s.stopOne(ctx, s.processes[s.order[i]]); err != nil {
			return err
		}
	}
	return nil
}

// Restart stops and relaunches one process. Deliberate restarts do not
// count against the crash restart budget, and clear a failed state.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	mp, err := s.find(name)
	if err != nil {
		return err
	}

	if err := s.stopOne(ctx, mp); err != nil {
		return err
	}

	s.mu.Lock()
	mp.restarts = nil
	s.mu.Unlock()

	return s.launch(ctx, mp)
}

// RestartAll restarts every managed process: data-independent processes
// first, in configured order, then the data-dependent ones. Used during a
// release so datastore readers come up last, against the migrated schema.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	var first, last []string
	for _, name := range s.order {
		if s.processes[name].spec.DataDependent {
			last = append(last, name)
		} else {
			first = append(first, name)
		}
	}

	for _, name := range append(first, last...) {
		if err := s.Restart(ctx, name); err != nil {
			return fmt.Errorf("failed to restart %s: %w", name, err)
		}
	}
	return nil
}

// Status returns a point-in-time copy of every process state, in
// configured order.
func (s *Supervisor) Status() []deployctl.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]deployctl.ServiceState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.processes[name].state)
	}
	return states
}

// Specs returns the managed process specs in configured order.
func (s *Supervisor) Specs() []ProcessSpec {
	specs := make([]ProcessSpec, 0, len(s.order))
	for _, name := range s.order {
		specs = append(specs, s.processes[name].spec)
	}
	return specs
}

func (s *Supervisor) find(name string) (*managed, error) {
	mp, ok := s.processes[name]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", name, deployctl.ErrProcessNotFound)
	}
	return mp, nil
}

// launch starts one process and arms the crash watcher.
func (s *Supervisor) launch(ctx context.Context, mp *managed) error {
	proc, err := s.config.Runner.Start(ctx, mp.spec)
	if err != nil {
		s.transition(mp, deployctl.StatusFailed)
		return fmt.Errorf("failed to launch %s: %w", mp.spec.Name, err)
	}

	// Without a probe there is no promotion path, so a probe-less process
	// is running as soon as it is up.
	status := deployctl.StatusStarting
	if mp.spec.HealthURL == "" {
		status = deployctl.StatusRunning
	}

	s.mu.Lock()
	mp.proc = proc
	mp.exited = make(chan struct{})
	mp.stopping = false
	mp.streak = 0
	mp.state.PID = proc.PID()
	mp.state.Status = status
	exited := mp.exited
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.SetProcessState(mp.spec.Name, string(status))
	}
	s.logger.Info(ctx, "process launched", "process", mp.spec.Name, "pid", proc.PID())

	go s.watch(mp, proc, exited)
	return nil
}

// watch waits for the process to exit and decides between a budgeted
// automatic restart, a terminal failure, and a clean deliberate stop.
func (s *Supervisor) watch(mp *managed, proc Proc, exited chan struct{}) {
	defer close(exited)
	waitErr := proc.Wait()

	s.mu.Lock()
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	if mp.stopping {
		mp.state.PID = 0
		mp.state.Status = deployctl.StatusStopped
		mp.state.RestartCount = 0
		s.mu.Unlock()

		if s.collector != nil {
			s.collector.SetProcessState(mp.spec.Name, string(deployctl.StatusStopped))
		}
		return
	}

	mp.state.PID = 0
	mp.state.Status = deployctl.StatusCrashed

	now := time.Now()
	cutoff := now.Add(-s.config.BudgetWindow)
	kept := mp.restarts[:0]
	for _, at := range mp.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	mp.restarts = kept

	if len(mp.restarts) >= s.config.RestartBudget {
		mp.state.Status = deployctl.StatusFailed
		s.mu.Unlock()

		if s.collector != nil {
			s.collector.SetProcessState(mp.spec.Name, string(deployctl.StatusFailed))
		}
		s.logger.Error(ctx, "process exhausted restart budget",
			"process", mp.spec.Name,
			"restarts", s.config.RestartBudget,
			"window", s.config.BudgetWindow,
			"error", waitErr)
		return
	}

	mp.restarts = append(mp.restarts, now)
	mp.state.RestartCount = len(mp.restarts)
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.SetProcessState(mp.spec.Name, string(deployctl.StatusCrashed))
		s.collector.IncProcessRestart(mp.spec.Name)
	}
	s.logger.Error(ctx, "process crashed, restarting",
		"process", mp.spec.Name,
		"restart_count", len(mp.restarts),
		"error", waitErr)

	// A deliberate stop may have raced the crash; leave it stopped.
	s.mu.Lock()
	aborted := mp.stopping || mp.state.Status != deployctl.StatusCrashed
	s.mu.Unlock()
	if aborted {
		return
	}

	if err := s.launch(ctx, mp); err != nil {
		s.logger.Error(ctx, "failed to restart crashed process", "process", mp.spec.Name, "error", err)
	}
}

// stopOne terminates one process and waits for its watcher to confirm the
// exit. Stopping a process that is not running is a no-op.
func (s *Supervisor) stopOne(ctx context.Context, mp *managed) error {
	s.mu.Lock()
	proc := mp.proc
	exited := mp.exited
	running := mp.state.Status == deployctl.StatusStarting || mp.state.Status == deployctl.StatusRunning
	if running {
		mp.stopping = true
	}
	s.mu.Unlock()

	if !running {
		s.transition(mp, deployctl.StatusStopped)
		return nil
	}

	if err := proc.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop %s: %w", mp.spec.Name, err)
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) transition(mp *managed, status deployctl.ProcessStatus) {
	s.mu.Lock()
	mp.state.Status = status
	if status == deployctl.StatusStopped {
		mp.state.PID = 0
	}
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.SetProcessState(mp.spec.Name, string(status))
	}
}

// markHealthy records a successful probe. Promotes a starting process to
// running once it has passed threshold consecutive probes.
func (s *Supervisor) markHealthy(name string, at time.Time, threshold int) {
	s.mu.Lock()
	mp, ok := s.processes[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	mp.state.LastHealthAt = at
	mp.streak++
	promoted := mp.state.Status == deployctl.StatusStarting && mp.streak >= threshold
	if promoted {
		mp.state.Status = deployctl.StatusRunning
	}
	s.mu.Unlock()

	if promoted && s.collector != nil {
		s.collector.SetProcessState(name, string(deployctl.StatusRunning))
	}
}

// markUnhealthy records a failed probe, resetting the success streak.
func (s *Supervisor) markUnhealthy(name string) {
	s.mu.Lock()
	if mp, ok := s.processes[name]; ok {
		mp.streak = 0
	}
	s.mu.Unlock()
}
