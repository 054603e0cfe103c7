package health

import (
	"context"
	"sync"
	"time"

	"github.com/stakewatch/warden/pkg/log"
)

// Monitor drives a Checker on an interval and reports transitions to
// unhealthy through a callback. The supervisor runs one Monitor per
// live validator process.
type Monitor struct {
	checker Checker
	config  Config

	mu     sync.Mutex
	status *Status

	// OnUnhealthy is invoked once each time the status flips from
	// healthy to unhealthy. May be nil.
	OnUnhealthy func(Result)
}

// NewMonitor creates a Monitor for the given checker.
func NewMonitor(checker Checker, config Config) *Monitor {
	return &Monitor{
		checker: checker,
		config:  config,
		status:  NewStatus(),
	}
}

// Status returns a snapshot of the current health status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.status
}

// Run probes until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	logger := log.WithComponent("health")
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		result := m.checker.Check(probeCtx)
		cancel()

		m.mu.Lock()
		wasHealthy := m.status.Healthy
		m.status.Update(result, m.config)
		nowHealthy := m.status.Healthy
		m.mu.Unlock()

		if !result.Healthy {
			logger.Debug().
				Str("type", string(m.checker.Type())).
				Str("message", result.Message).
				Msg("Probe failed")
		}

		if wasHealthy && !nowHealthy {
			logger.Warn().
				Str("type", string(m.checker.Type())).
				Str("message", result.Message).
				Msg("Validator client unhealthy")
			if m.OnUnhealthy != nil {
				m.OnUnhealthy(result)
			}
		}
	}
}
