package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/types"
)

type fakeConn struct {
	ln     net.Listener
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(t *testing.T) *fakeConn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &fakeConn{ln: ln, closed: make(chan struct{})}
}

func (f *fakeConn) Listen(network, addr string) (net.Listener, error) {
	return f.ln, nil
}

func (f *fakeConn) Dial(network, addr string) (net.Conn, error) {
	return nil, errors.New("no local forward in fake connection")
}

func (f *fakeConn) Wait() error {
	<-f.closed
	return errors.New("connection lost")
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SFTP() (*sftp.Client, error) {
	return nil, errors.New("no sftp in fake connection")
}

func testRelay() config.Relay {
	return config.Relay{
		Host:        "relay1.example.com",
		Port:        2222,
		User:        "somebody",
		ControlPort: 8000,
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func TestTunnelConnectsAfterFailures(t *testing.T) {
	broker := alerts.NewBroker(0)
	tun := NewTunnel(testRelay(), broker)
	tun.newBackOff = fastBackOff

	var dials atomic.Int32
	conn := newFakeConn(t)
	tun.dial = func(ctx context.Context, relay config.Relay) (Conn, error) {
		if dials.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}

	connected := make(chan string, 1)
	tun.OnConnect = func(host string, ln net.Listener) {
		connected <- host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tun.Run(ctx)

	select {
	case host := <-connected:
		assert.Equal(t, "relay1.example.com", host)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel never connected")
	}
	assert.Equal(t, types.TunnelConnected, tun.Info().State)
	assert.Equal(t, int32(3), dials.Load())
}

func TestTunnelReconnectsAfterDrop(t *testing.T) {
	broker := alerts.NewBroker(0)
	tun := NewTunnel(testRelay(), broker)
	tun.newBackOff = fastBackOff

	var dials atomic.Int32
	conns := []*fakeConn{newFakeConn(t), newFakeConn(t)}
	tun.dial = func(ctx context.Context, relay config.Relay) (Conn, error) {
		n := dials.Add(1)
		if int(n) > len(conns) {
			return nil, errors.New("no more connections")
		}
		return conns[n-1], nil
	}

	connected := make(chan struct{}, 4)
	disconnected := make(chan struct{}, 4)
	tun.OnConnect = func(string, net.Listener) { connected <- struct{}{} }
	tun.OnDisconnect = func(string) { disconnected <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tun.Run(ctx)

	<-connected
	conns[0].Close() // simulate a drop

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("drop not observed")
	}
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not reconnect")
	}
	assert.Equal(t, types.TunnelConnected, tun.Info().State)
}

func TestTunnelHostKeyMismatchIsFatal(t *testing.T) {
	broker := alerts.NewBroker(0)
	tun := NewTunnel(testRelay(), broker)
	tun.newBackOff = fastBackOff
	tun.dial = func(ctx context.Context, relay config.Relay) (Conn, error) {
		return nil, types.Classify(types.KindSecurity, types.ErrHostKeyMismatch)
	}

	done := make(chan struct{})
	go func() {
		tun.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel kept retrying after host key mismatch")
	}
	assert.Equal(t, types.TunnelDisconnected, tun.Info().State)

	var raised bool
	for _, alert := range broker.Recent() {
		if alert.Type == alerts.AlertHostKeyMismatch {
			raised = true
		}
	}
	assert.True(t, raised, "expected a host key mismatch alert")
}

func TestTunnelRotate(t *testing.T) {
	broker := alerts.NewBroker(0)
	tun := NewTunnel(testRelay(), broker)
	tun.newBackOff = fastBackOff

	var dials atomic.Int32
	tun.dial = func(ctx context.Context, relay config.Relay) (Conn, error) {
		dials.Add(1)
		return newFakeConn(t), nil
	}

	connected := make(chan struct{}, 4)
	tun.OnConnect = func(string, net.Listener) { connected <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tun.Run(ctx)

	<-connected
	tun.Rotate()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not reconnect after rotate")
	}
	assert.GreaterOrEqual(t, dials.Load(), int32(2))
}

func TestPinnedHostKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	want, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	other, err := ssh.NewPublicKey(otherPub)
	require.NoError(t, err)

	callback := pinnedHostKey(want)
	assert.NoError(t, callback("relay1:22", nil, want))

	err = callback("relay1:22", nil, other)
	require.Error(t, err)
	assert.Equal(t, types.KindSecurity, types.KindOf(err))
	assert.True(t, isHostKeyMismatch(err))
}

func TestParseHostKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	encoded := string(ssh.MarshalAuthorizedKey(sshPub))
	parsed, err := parseHostKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, sshPub.Marshal(), parsed.Marshal())

	_, err = parseHostKey("not a key")
	assert.Error(t, err)
}

func TestManager(t *testing.T) {
	broker := alerts.NewBroker(0)
	relays := []config.Relay{
		{Host: "relay1.example.com", Port: 2222, ControlPort: 8000},
		{Host: "relay2.example.com", Port: 2222, ControlPort: 8000},
	}
	m := NewManager(relays, broker, nil, nil)

	assert.Len(t, m.Targets(), 2)

	infos := m.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "relay1.example.com", infos[0].Host)
	assert.Equal(t, "relay2.example.com", infos[1].Host)
	assert.Equal(t, types.TunnelDisconnected, infos[0].State)

	require.NoError(t, m.Rotate("relay1.example.com"))
	assert.ErrorIs(t, m.Rotate("unknown.example.com"), types.ErrUnknownHost)
}

func TestSFTPTargetUnreachableWhileDown(t *testing.T) {
	broker := alerts.NewBroker(0)
	relay := testRelay()
	tun := NewTunnel(relay, broker)
	target := newSFTPTarget(tun, relay)

	assert.Equal(t, "relay1.example.com", target.Host())
	assert.False(t, target.Reachable())

	err := target.Upload(context.Background(), "warden-backup.bin", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, types.KindTransient, types.KindOf(err))

	_, err = target.Download(context.Background(), "warden-backup.bin")
	require.Error(t, err)
}

func TestSFTPTargetRemotePath(t *testing.T) {
	relay := testRelay()
	target := newSFTPTarget(nil, relay)
	assert.Equal(t, "warden-backup.bin", target.remotePath("warden-backup.bin"))

	relay.BackupDir = "/srv/warden"
	target = newSFTPTarget(nil, relay)
	assert.Equal(t, "/srv/warden/warden-backup.bin", target.remotePath("warden-backup.bin"))
}
