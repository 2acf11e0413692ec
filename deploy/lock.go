package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/findertool/deployctl"
)

// Lock is an exclusive release lock backed by flock on a lock file.
// The in-process single-flight guard only spans one orchestrator;
// the lock file spans every deployctl invocation on the host.
type Lock struct {
	file *os.File
}

// AcquireLock takes the lock without blocking. When another process
// holds it, the error wraps ErrReleaseInProgress.
func AcquireLock(path string) (*Lock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("release lock %s held elsewhere: %w", path, deployctl.ErrReleaseInProgress)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return &Lock{file: f}, nil
}

// Release drops the lock. The lock file itself stays on disk.
func (l *Lock) Release() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("failed to unlock %s: %w", l.file.Name(), err)
	}
	return l.file.Close()
}
