package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers on demand and on an interval
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	stopCh      chan struct{}
	started     bool
	logger      *zap.Logger
}

// NewManager creates a manager whose background loop runs every interval
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		logger:      logger,
	}
}

// Register adds a checker. Names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, ok := m.checkers[name]; ok {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("Health checker registered",
		zap.String("name", name),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Names lists registered checkers
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Detailed runs every checker concurrently
func (m *Manager) Detailed(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	components := make(map[string]CheckResult, len(results))
	for _, r := range results {
		components[r.Component] = r
	}

	m.mu.Lock()
	for name, r := range components {
		m.lastResults[name] = r
	}
	m.mu.Unlock()

	return build(components)
}

// Cached builds a report from the last completed checks without probing
func (m *Manager) Cached() DetailedHealth {
	m.mu.RLock()
	components := make(map[string]CheckResult, len(m.lastResults))
	for name, r := range m.lastResults {
		components[name] = r
	}
	m.mu.RUnlock()
	return build(components)
}

// Overall runs all checks and returns only the rolled-up status
func (m *Manager) Overall(ctx context.Context) OverallHealth {
	start := time.Now()
	overall := m.Detailed(ctx).Overall
	overall.Duration = time.Since(start)
	return overall
}

// IsReady reports whether every critical dependency is usable
func (m *Manager) IsReady(ctx context.Context) bool { return m.Overall(ctx).Ready }

// IsLive reports process liveness; dependency failures never affect it
func (m *Manager) IsLive(context.Context) bool { return true }

// Start begins background checking until Stop
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	go m.loop(m.stopCh)
	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.interval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
}

// Stop halts background checking
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("Health manager stopped")
}

func (m *Manager) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			d := m.Detailed(ctx)
			cancel()
			if d.Overall.Status != StatusHealthy {
				m.logger.Warn("Background health check not healthy",
					zap.String("status", d.Overall.Status.String()),
					zap.String("message", d.Overall.Message),
				)
			}
		}
	}
}

func run(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func build(components map[string]CheckResult) DetailedHealth {
	summary := Summary{Total: len(components)}
	criticalFailures, otherFailures := 0, 0
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
			if r.Critical {
				criticalFailures++
			} else {
				otherFailures++
			}
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	now := time.Now()
	overall := OverallHealth{Timestamp: now, Live: true}
	switch {
	case summary.Total == 0:
		overall.Status = StatusUnknown
		overall.Message = "No health checks registered"
		overall.Ready = true
	case criticalFailures > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
	case summary.Degraded > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", summary.Degraded)
		overall.Ready = true
	case otherFailures > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d non-critical component(s) failing", otherFailures)
		overall.Ready = true
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("All %d components healthy", summary.Total)
		overall.Ready = true
	}
	overall.Degraded = overall.Status == StatusDegraded

	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summary,
		Timestamp:  now,
	}
}
