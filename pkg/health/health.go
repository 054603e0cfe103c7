package health

import (
	"context"
	"time"
)

// CheckType identifies the kind of probe a checker performs.
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result is the outcome of a single probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes a validator client endpoint.
type Checker interface {
	// Check performs the probe and returns the result.
	Check(ctx context.Context) Result

	// Type returns the kind of probe this checker performs.
	Type() CheckType
}

// Config controls how a Monitor drives its checker.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Retries is the number of consecutive failures before the
	// monitored process is considered unhealthy.
	Retries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks the rolling health of a monitored process.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a Status that assumes health until proven otherwise.
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a probe result into the status.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// WaitReady polls the checker until it reports healthy or the context
// is done. It returns the last result observed.
func WaitReady(ctx context.Context, checker Checker, interval time.Duration) (Result, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Result
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		last = checker.Check(probeCtx)
		cancel()
		if last.Healthy {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
