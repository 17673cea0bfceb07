// Package health aggregates component health checks and exposes them
// over HTTP for readiness and liveness probes.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus is the outcome of one health check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// CheckResult is one component's health snapshot.
type CheckResult struct {
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Critical  bool                   `json:"critical"`
}

// Checker is a single component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checks whose failure makes the service not ready.
	IsCritical() bool
	Timeout() time.Duration
}

// OverallHealth is the service-level verdict.
type OverallHealth struct {
	Status    CheckStatus `json:"status"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Ready     bool        `json:"ready"`
	Live      bool        `json:"live"`
}

// DetailedHealth adds per-component results.
type DetailedHealth struct {
	Overall    OverallHealth          `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checks on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{checkers: make(map[string]Checker), logger: logger}
}

func (m *Manager) Register(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
	)
	return nil
}

// GetDetailedHealth runs all checks, each under its own timeout.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	for _, c := range checkers {
		components[c.Name()] = m.run(ctx, c)
	}

	return DetailedHealth{
		Overall:    overallOf(components),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports process liveness. A running process with failing
// dependencies is still live, only not ready.
func (m *Manager) IsLive(context.Context) bool {
	return true
}

func (m *Manager) run(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start.UTC()
	return result
}

func overallOf(components map[string]CheckResult) OverallHealth {
	if len(components) == 0 {
		return OverallHealth{
			Status:    StatusUnknown,
			Message:   "no health checks registered",
			Timestamp: time.Now().UTC(),
			Ready:     false,
			Live:      true,
		}
	}

	criticalFailures, softFailures := 0, 0
	for _, r := range components {
		if r.Status == StatusHealthy {
			continue
		}
		if r.Critical && r.Status == StatusUnhealthy {
			criticalFailures++
		} else {
			softFailures++
		}
	}

	out := OverallHealth{Timestamp: time.Now().UTC(), Live: true}
	switch {
	case criticalFailures > 0:
		out.Status = StatusUnhealthy
		out.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		out.Ready = false
	case softFailures > 0:
		out.Status = StatusDegraded
		out.Message = fmt.Sprintf("%d component(s) degraded", softFailures)
		out.Ready = true
	default:
		out.Status = StatusHealthy
		out.Message = fmt.Sprintf("all %d components healthy", len(components))
		out.Ready = true
	}
	return out
}
