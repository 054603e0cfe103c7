package tunnel

import (
	"context"
	"net"
	"sync"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/backup"
	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/types"
)

// Manager runs one Tunnel per configured relay.
type Manager struct {
	tunnels map[string]*Tunnel
	targets []backup.Target
	order   []string
}

// NewManager builds tunnels and replication targets for the relays.
// onConnect and onDisconnect are forwarded to every tunnel; onConnect
// hands the control server its reverse-forwarded listener, and the
// daemon uses the same hook to kick pending replication.
func NewManager(relays []config.Relay, broker *alerts.Broker,
	onConnect func(host string, ln net.Listener), onDisconnect func(host string)) *Manager {

	m := &Manager{
		tunnels: make(map[string]*Tunnel, len(relays)),
	}
	for _, relay := range relays {
		t := NewTunnel(relay, broker)
		t.OnConnect = onConnect
		t.OnDisconnect = onDisconnect
		m.tunnels[relay.Host] = t
		m.order = append(m.order, relay.Host)
		m.targets = append(m.targets, newSFTPTarget(t, relay))
	}
	return m
}

// Targets returns the replication endpoints, one per relay.
func (m *Manager) Targets() []backup.Target {
	return m.targets
}

// Tunnel returns the tunnel for one relay host, or nil if unknown.
func (m *Manager) Tunnel(host string) *Tunnel {
	return m.tunnels[host]
}

// Run starts every tunnel loop and blocks until the context ends and
// all tunnels have wound down.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range m.tunnels {
		wg.Add(1)
		go func(t *Tunnel) {
			defer wg.Done()
			t.Run(ctx)
		}(t)
	}
	wg.Wait()
}

// Rotate forces a reconnect cycle for one relay.
func (m *Manager) Rotate(host string) error {
	t, ok := m.tunnels[host]
	if !ok {
		return types.ErrUnknownHost
	}
	t.Rotate()
	return nil
}

// Snapshot returns the state of every tunnel in configuration order.
func (m *Manager) Snapshot() []types.TunnelInfo {
	infos := make([]types.TunnelInfo, 0, len(m.order))
	for _, host := range m.order {
		infos = append(infos, m.tunnels[host].Info())
	}
	return infos
}
