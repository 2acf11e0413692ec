package backup

import (
	"context"
	"sync"
	"time"

	"github.com/findertool/deployctl"
)

// SchedulerConfig holds configuration for the Scheduler.
type SchedulerConfig struct {
	// Service takes the snapshots (required).
	Service *Service

	// Interval is how often a snapshot is taken (default: 24h).
	Interval time.Duration

	// Skip, when set, is consulted before each tick; a true result skips
	// the snapshot. Used to stay out of the way of an in-flight release.
	Skip func() bool

	// Logger is for observability (optional).
	Logger deployctl.Logger
}

// Scheduler takes periodic snapshots and prunes expired ones after each run.
type Scheduler struct {
	config SchedulerConfig
	logger deployctl.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler with defaults applied.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}

	logger := cfg.Logger
	if logger == nil {
		logger = deployctl.NopLogger{}
	}

	return &Scheduler{config: cfg, logger: logger}
}

// Start launches the scheduling loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
}

// Stop halts the scheduling loop and waits for an in-progress run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.config.Skip != nil && s.config.Skip() {
		s.logger.Debug(ctx, "scheduled snapshot skipped")
		return
	}

	if _, err := s.config.Service.Create(ctx); err != nil {
		s.logger.Error(ctx, "scheduled snapshot failed", "error", err)
		return
	}

	if _, err := s.config.Service.Prune(ctx); err != nil {
		s.logger.Error(ctx, "snapshot pruning failed", "error", err)
	}
}
