package supervise

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/findertool/deployctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid  int
	done chan struct{}
	once sync.Once
	err  error
}

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProc) Stop(ctx context.Context) error {
	p.exit(nil)
	return nil
}

type fakeRunner struct {
	mu        sync.Mutex
	launches  []string
	procs     map[string]*fakeProc
	autoExit  bool
	failStart map[string]bool
	nextPID   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{procs: make(map[string]*fakeProc), failStart: make(map[string]bool)}
}

func (r *fakeRunner) Start(ctx context.Context, spec ProcessSpec) (Proc, error) {
	r.mu.Lock()
	r.launches = append(r.launches, spec.Name)
	if r.failStart[spec.Name] {
		r.mu.Unlock()
		return nil, errors.New("spawn failed")
	}
	r.nextPID++
	p := &fakeProc{pid: r.nextPID, done: make(chan struct{})}
	r.procs[spec.Name] = p
	r.mu.Unlock()

	if r.autoExit {
		p.exit(errors.New("exit status 1"))
	}
	return p, nil
}

func (r *fakeRunner) launched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.launches...)
}

func (r *fakeRunner) proc(name string) *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[name]
}

func testSpecs() []ProcessSpec {
	return []ProcessSpec{
		{Name: "bot", Command: []string{"/usr/bin/bot"}, HealthURL: "http://127.0.0.1:8081/health", DataDependent: true},
		{Name: "web", Command: []string{"/usr/bin/web"}, HealthURL: "http://127.0.0.1:8080/health"},
	}
}

func status(t *testing.T, s *Supervisor, name string) deployctl.ServiceState {
	t.Helper()
	for _, state := range s.Status() {
		if state.Name == name {
			return state
		}
	}
	t.Fatalf("no such process %s", name)
	return deployctl.ServiceState{}
}

func TestSupervisor_StartLaunchesInOrder(t *testing.T) {
	runner := newFakeRunner()
	s, err := New(Config{Processes: testSpecs(), Runner: runner, Logger: deployctl.NopLogger{}})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Equal(t, []string{"bot", "web"}, runner.launched())
	for _, state := range s.Status() {
		assert.Equal(t, deployctl.StatusStarting, state.Status)
		assert.NotZero(t, state.PID)
	}
}

func TestSupervisor_CrashTriggersRestart(t *testing.T) {
	runner := newFakeRunner()
	s, err := New(Config{Processes: testSpecs(), Runner: runner, Logger: deployctl.NopLogger{}})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	runner.proc("web").exit(errors.New("exit status 2"))

	assert.Eventually(t, func() bool {
		state := status(t, s, "web")
		return state.Status == deployctl.StatusStarting && state.RestartCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"bot", "web", "web"}, runner.launched())
}

func TestSupervisor_RestartBudgetExhaustionIsTerminal(t *testing.T) {
	runner := newFakeRunner()
	runner.autoExit = true

	s, err := New(Config{
		Processes:     []ProcessSpec{{Name: "bot", Command: []string{"/usr/bin/bot"}}},
		Runner:        runner,
		RestartBudget: 5,
		BudgetWindow:  60 * time.Second,
		Logger:        deployctl.NopLogger{},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return status(t, s, "bot").Status == deployctl.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Initial launch plus five budgeted restarts, then nothing more.
	assert.Len(t, runner.launched(), 6)
}

func TestSupervisor_DeliberateRestartDoesNotConsumeBudget(t *testing.T) {
	runner := newFakeRunner()
	s, err := New(Config{Processes: testSpecs(), Runner: runner, Logger: deployctl.NopLogger{}})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	require.NoError(t, s.Restart(context.Background(), "web"))

	state := status(t, s, "web")
	assert.Equal(t, deployctl.StatusStarting, state.Status)
	assert.Zero(t, state.RestartCount)
	assert.Equal(t, []string{"bot", "web", "web"}, runner.launched())
}

func TestSupervisor_RestartAllPutsDataDependentLast(t *testing.T) {
	runner := newFakeRunner()
	s, err := New(Config{Processes: testSpecs(), Runner: runner, Logger: deployctl.NopLogger{}})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	require.NoError(t, s.RestartAll(context.Background()))

	launched := runner.launched()
	assert.Equal(t, []string{"web", "bot"}, launched[2:])
}

func TestSupervisor_ProbelessProcessRunsOnLaunch(t *testing.T) {
	runner := newFakeRunner()
	s, err := New(Config{
		Processes: []ProcessSpec{{Name: "cron", Command: []string{"/usr/bin/cron"}}},
		Runner:    runner,
		Logger:    deployctl.NopLogger{},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Equal(t, deployctl.StatusRunning, status(t, s, "cron").Status)
}

func TestSupervisor_StopMarksAllStopped(t *testing.T) {
	runner := newFakeRunner()
	s, err := New(Config{Processes: testSpecs(), Runner: runner, Logger: deployctl.NopLogger{}})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	for _, state := range s.Status() {
		assert.Equal(t, deployctl.StatusStopped, state.Status)
		assert.Zero(t, state.PID)
	}
}

func TestSupervisor_RestartUnknownProcess(t *testing.T) {
	s, err := New(Config{Processes: testSpecs(), Runner: newFakeRunner(), Logger: deployctl.NopLogger{}})
	require.NoError(t, err)

	err = s.Restart(context.Background(), "ghost")
	assert.ErrorIs(t, err, deployctl.ErrProcessNotFound)
}

func TestSupervisor_RejectsInvalidSpecs(t *testing.T) {
	_, err := New(Config{Processes: []ProcessSpec{{Name: "", Command: []string{"x"}}}})
	assert.Error(t, err)

	_, err = New(Config{Processes: []ProcessSpec{
		{Name: "dup", Command: []string{"x"}},
		{Name: "dup", Command: []string{"y"}},
	}})
	assert.Error(t, err)
}
