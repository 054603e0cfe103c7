package metrics

import (
	"time"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/types"
)

// collectInterval is how often the collector samples daemon state.
const collectInterval = 15 * time.Second

// validatorStates enumerates every lifecycle state so the state gauge
// is one-hot rather than sparse.
var validatorStates = []types.ValidatorState{
	types.ValidatorStopped,
	types.ValidatorImporting,
	types.ValidatorStarting,
	types.ValidatorRunning,
	types.ValidatorStopping,
	types.ValidatorExporting,
	types.ValidatorCrashed,
}

// ValidatorSource exposes supervisor state to the collector.
type ValidatorSource interface {
	Status() types.ProcessInfo
	Unlocked() bool
}

// TunnelSource exposes per-relay tunnel state.
type TunnelSource interface {
	Snapshot() []types.TunnelInfo
}

// BackupSource exposes the local record and replication backlog.
type BackupSource interface {
	Verify() (*types.Record, error)
	PendingTargets() []string
}

// AlertSource exposes retained alerts.
type AlertSource interface {
	Recent() []*alerts.Alert
}

// Collector samples daemon state into the Prometheus gauges on a
// fixed interval. Sources that are nil are skipped, so a locked
// daemon can start the collector before backups exist.
type Collector struct {
	validator ValidatorSource
	tunnels   TunnelSource
	backups   BackupSource
	alerts    AlertSource
	stopCh    chan struct{}
}

// NewCollector creates a collector over the given sources.
func NewCollector(validator ValidatorSource, tunnels TunnelSource, backups BackupSource, alertSrc AlertSource) *Collector {
	return &Collector{
		validator: validator,
		tunnels:   tunnels,
		backups:   backups,
		alerts:    alertSrc,
		stopCh:    make(chan struct{}),
	}
}

// Start begins sampling in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectValidator()
	c.collectTunnels()
	c.collectBackups()
	c.collectAlerts()
}

// ObserveValidatorState sets the one-hot lifecycle gauge. The daemon
// calls it from the supervisor's state-change hook so the gauge tracks
// transitions immediately instead of waiting out a poll interval.
func ObserveValidatorState(state types.ValidatorState) {
	for _, s := range validatorStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		ValidatorState.WithLabelValues(string(s)).Set(value)
	}
}

func (c *Collector) collectValidator() {
	if c.validator == nil {
		return
	}

	info := c.validator.Status()
	ObserveValidatorState(info.State)
	ValidatorRestarts.Set(float64(info.Restarts))

	if c.validator.Unlocked() {
		ValidatorUnlocked.Set(1)
	} else {
		ValidatorUnlocked.Set(0)
	}
}

func (c *Collector) collectTunnels() {
	if c.tunnels == nil {
		return
	}

	for _, info := range c.tunnels.Snapshot() {
		up := 0.0
		if info.State == types.TunnelConnected {
			up = 1.0
		}
		TunnelUp.WithLabelValues(info.Host).Set(up)
		TunnelFailures.WithLabelValues(info.Host).Set(float64(info.Failures))
	}
}

func (c *Collector) collectBackups() {
	if c.backups == nil {
		return
	}

	// No record yet (first run) leaves the gauge at zero.
	if record, err := c.backups.Verify(); err == nil {
		BackupVersion.Set(float64(record.Version))
	}
	BackupPendingReplicas.Set(float64(len(c.backups.PendingTargets())))
}

func (c *Collector) collectAlerts() {
	if c.alerts == nil {
		return
	}

	counts := make(map[alerts.AlertType]int)
	for _, alert := range c.alerts.Recent() {
		counts[alert.Type]++
	}
	for typ, count := range counts {
		AlertsRetained.WithLabelValues(string(typ)).Set(float64(count))
	}
}
