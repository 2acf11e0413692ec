package supervise

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/metrics"
)

// Prober checks one health endpoint. The default is HTTPProber; tests
// substitute a fake.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber probes health endpoints with a plain GET. Any 2xx response
// is healthy.
type HTTPProber struct {
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid health URL %s: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}

// MonitorConfig holds configuration for the Monitor.
type MonitorConfig struct {
	// Supervisor owns the processes being monitored (required).
	Supervisor *Supervisor

	// Prober checks endpoints (default: HTTPProber with a client timeout
	// of ProbeTimeout).
	Prober Prober

	// Interval is the delay between probes of one process (default: 5s).
	Interval time.Duration

	// ProbeTimeout bounds a single probe (default: 2s).
	ProbeTimeout time.Duration

	// SuccessThreshold is how many consecutive successful probes promote
	// a starting process to running (default: 3). The debounce keeps a
	// process that answers one probe and dies from counting as up.
	SuccessThreshold int

	// Logger is for observability (optional).
	Logger deployctl.Logger

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	// Set to false explicitly to disable metrics.
	MetricsEnabled *bool
}

// Monitor polls each process's health endpoint on an independent loop and
// feeds the results back into the supervisor's state.
type Monitor struct {
	config    MonitorConfig
	logger    deployctl.Logger
	collector *metrics.Collector

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor with defaults applied.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.Prober == nil {
		cfg.Prober = &HTTPProber{Client: &http.Client{Timeout: cfg.ProbeTimeout}}
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

	return &Monitor{config: cfg, logger: logger, collector: collector}
}

// Start launches one polling loop per process that has a health URL.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, spec := range m.config.Supervisor.Specs() {
		if spec.HealthURL == "" {
			continue
		}
		m.wg.Add(1)
		go m.poll(ctx, spec)
	}
}

// Stop halts all polling loops and waits for them to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context, spec ProcessSpec) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, spec)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, spec ProcessSpec) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	started := time.Now()
	err := m.config.Prober.Probe(probeCtx, spec.HealthURL)
	elapsed := time.Since(started)

	if m.collector != nil {
		m.collector.ObserveHealthProbeDuration(spec.Name, elapsed.Seconds())
	}

	if err != nil {
		if m.collector != nil {
			m.collector.IncHealthProbeFailure(spec.Name)
		}
		m.logger.Debug(ctx, "health probe failed", "process", spec.Name, "error", err)
		m.config.Supervisor.markUnhealthy(spec.Name)
		return
	}

	m.config.Supervisor.markHealthy(spec.Name, time.Now(), m.config.SuccessThreshold)
}

// AwaitStable blocks until every managed process has been running
// continuously for window, or the deadline passes. A process that
// exhausted its restart budget fails the wait immediately.
func (m *Monitor) AwaitStable(ctx context.Context, window, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(m.config.Interval / 2)
	defer ticker.Stop()

	var stableSince time.Time
	for {
		allRunning := true
		for _, state := range m.config.Supervisor.Status() {
			if state.Status == deployctl.StatusFailed {
				return fmt.Errorf("process %s: %w", state.Name, deployctl.ErrRestartBudgetExceeded)
			}
			if state.Status != deployctl.StatusRunning {
				allRunning = false
			}
		}

		now := time.Now()
		if !allRunning {
			stableSince = time.Time{}
		} else if stableSince.IsZero() {
			stableSince = now
		} else if now.Sub(stableSince) >= window {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("processes not stable within %s: %w", deadline, deployctl.ErrHealthTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
