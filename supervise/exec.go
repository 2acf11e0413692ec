package supervise

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ExecRunner launches processes with os/exec. Child stdout and stderr are
// inherited so process output lands in the supervisor's own streams.
type ExecRunner struct {
	// StopGrace is how long a stopped process gets to exit after SIGTERM
	// before it is killed (default: 10s).
	StopGrace time.Duration
}

func (r *ExecRunner) Start(ctx context.Context, spec ProcessSpec) (Proc, error) {
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command[0], err)
	}

	grace := r.StopGrace
	if grace == 0 {
		grace = 10 * time.Second
	}

	p := &execProc{cmd: cmd, grace: grace, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProc struct {
	cmd     *exec.Cmd
	grace   time.Duration
	done    chan struct{}
	waitErr error
	stop    sync.Once
}

func (p *execProc) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProc) Wait() error {
	<-p.done
	return p.waitErr
}

// Stop sends SIGTERM and escalates to SIGKILL after the grace period.
func (p *execProc) Stop(ctx context.Context) error {
	p.stop.Do(func() {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-p.done:
			case <-time.After(p.grace):
				_ = p.cmd.Process.Kill()
			}
		}()
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
