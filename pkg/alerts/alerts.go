// Package alerts is the escalation channel for events that must reach
// an operator. Safety-critical and security failures are never silently
// swallowed; subsystems publish them here and the daemon logs them at
// error level, counts them in metrics, and keeps the most recent ones
// queryable over the control protocol.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stakewatch/warden/pkg/log"
	"github.com/stakewatch/warden/pkg/types"
)

// AlertType identifies the event that raised an alert.
type AlertType string

const (
	AlertExportFailed      AlertType = "backup.export_failed"
	AlertRecordCorrupt     AlertType = "backup.record_corrupt"
	AlertVersionRegression AlertType = "backup.version_regression"
	AlertReplicationFailed AlertType = "backup.replication_failed"
	AlertValidatorCrashed  AlertType = "validator.crashed"
	AlertValidatorFatal    AlertType = "validator.fatal_exit"
	AlertLockContention    AlertType = "supervisor.lock_contention"
	AlertAuthFailure       AlertType = "control.auth_failure"
	AlertHostKeyMismatch   AlertType = "tunnel.host_key_mismatch"
)

// Alert is one escalated event.
type Alert struct {
	ID        string          `json:"id"`
	Type      AlertType       `json:"type"`
	Kind      types.ErrorKind `json:"-"`
	Severity  string          `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Message   string          `json:"message"`
}

// Subscriber is a channel that receives alerts.
type Subscriber chan *Alert

// Broker distributes alerts to subscribers and retains a bounded ring
// of recent alerts for status queries.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	recent      []*Alert
	retain      int
}

// NewBroker creates an alert broker retaining the given number of
// recent alerts.
func NewBroker(retain int) *Broker {
	if retain <= 0 {
		retain = 50
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		retain:      retain,
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Raise publishes an alert classified by kind.
func (b *Broker) Raise(typ AlertType, kind types.ErrorKind, msg string) {
	alert := &Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Kind:      kind,
		Severity:  kind.String(),
		Timestamp: time.Now().UTC(),
		Message:   msg,
	}

	logger := log.WithComponent("alerts")
	logger.Error().
		Str("alert_id", alert.ID).
		Str("type", string(typ)).
		Str("severity", alert.Severity).
		Msg(msg)

	b.mu.Lock()
	b.recent = append(b.recent, alert)
	if len(b.recent) > b.retain {
		b.recent = b.recent[len(b.recent)-b.retain:]
	}
	subs := make([]Subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- alert:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// Recent returns the retained alerts, newest last.
func (b *Broker) Recent() []*Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Alert, len(b.recent))
	copy(out, b.recent)
	return out
}
