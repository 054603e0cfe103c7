package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/types"
)

type fakeTarget struct {
	mu        sync.Mutex
	starts    int
	stops     int
	restarts  int
	backups   int
	shutdowns int
	unlocks   []string
	rotated   []string
	fetched   []string
}

func (f *fakeTarget) Status(ctx context.Context) StatusResult {
	return StatusResult{
		Unlocked:      true,
		Validator:     types.ProcessInfo{State: types.ValidatorRunning, PID: 4242},
		BackupVersion: 7,
	}
}

func (f *fakeTarget) Tunnels() []types.TunnelInfo {
	return []types.TunnelInfo{{Host: "relay-a", State: types.TunnelConnected}}
}

func (f *fakeTarget) StartValidator(ctx context.Context, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeTarget) StopValidator(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTarget) RestartValidator(ctx context.Context, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeTarget) RotateTunnel(host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated = append(f.rotated, host)
	return nil
}

func (f *fakeTarget) BackupNow(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups++
	return nil
}

func (f *fakeTarget) FetchRemoteBackup(ctx context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, host)
	return nil
}

func (f *fakeTarget) Unlock(ctx context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks = append(f.unlocks, password)
	return nil
}

func (f *fakeTarget) ShutdownHost(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeTarget) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts + f.stops + f.restarts + f.backups + f.shutdowns +
		len(f.unlocks) + len(f.rotated) + len(f.fetched)
}

const (
	testUser = "carol"
	testKey  = "000102030405060708090a0b0c0d0e0f"
)

// startTunnelServer serves the protocol on a loopback TCP listener the
// way a relay reverse forward would, returning its address.
func startTunnelServer(t *testing.T, target Target, broker *alerts.Broker, admins []string) string {
	t.Helper()

	srv, err := NewServer(target, filepath.Join(t.TempDir(), "control.sock"),
		map[string]string{testUser: testKey}, admins, broker)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.dispatcher(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv.mu.Lock()
	srv.ctx = ctx
	srv.mu.Unlock()
	srv.AddTunnelListener("relay-a", ln)
	return ln.Addr().String()
}

func dialTest(t *testing.T, network, addr string) *Client {
	t.Helper()
	client, err := Dial(network, addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTunnelReadCommandsNeedNoAuth(t *testing.T) {
	target := &fakeTarget{}
	addr := startTunnelServer(t, target, alerts.NewBroker(8), nil)
	client := dialTest(t, "tcp", addr)

	status, err := client.Status()
	require.NoError(t, err)
	assert.True(t, status.Unlocked)
	assert.Equal(t, types.ValidatorRunning, status.Validator.State)
	assert.Equal(t, uint64(7), status.BackupVersion)

	tunnels, err := client.ListTunnels()
	require.NoError(t, err)
	require.Len(t, tunnels, 1)
	assert.Equal(t, "relay-a", tunnels[0].Host)
}

func TestTunnelMutationRequiresAuth(t *testing.T) {
	target := &fakeTarget{}
	addr := startTunnelServer(t, target, alerts.NewBroker(8), nil)
	client := dialTest(t, "tcp", addr)

	err := client.Start(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")
	assert.Zero(t, target.mutations())
}

func TestTunnelAuthAndDispatch(t *testing.T) {
	target := &fakeTarget{}
	addr := startTunnelServer(t, target, alerts.NewBroker(8), nil)
	client := dialTest(t, "tcp", addr)

	require.NoError(t, client.Authenticate(testUser, testKey))

	require.NoError(t, client.Start(true))
	require.NoError(t, client.Stop())
	require.NoError(t, client.RotateTunnel("relay-a"))
	require.NoError(t, client.BackupNow())
	require.NoError(t, client.FetchRemote("relay-a"))
	require.NoError(t, client.Unlock("hunter2"))

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, 1, target.starts)
	assert.Equal(t, 1, target.stops)
	assert.Equal(t, []string{"relay-a"}, target.rotated)
	assert.Equal(t, 1, target.backups)
	assert.Equal(t, []string{"relay-a"}, target.fetched)
	assert.Equal(t, []string{"hunter2"}, target.unlocks)
}

func TestAuthFailureClosesAndAlerts(t *testing.T) {
	target := &fakeTarget{}
	broker := alerts.NewBroker(8)
	addr := startTunnelServer(t, target, broker, nil)
	client := dialTest(t, "tcp", addr)

	wrongKey := "ffffffffffffffffffffffffffffffff"
	err := client.Authenticate(testUser, wrongKey)
	require.Error(t, err)

	// The connection is gone; further calls fail.
	_, err = client.Status()
	require.Error(t, err)

	recent := broker.Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, alerts.AlertAuthFailure, recent[0].Type)
	assert.Zero(t, target.mutations())
}

func TestAuthUnknownUserRejected(t *testing.T) {
	target := &fakeTarget{}
	broker := alerts.NewBroker(8)
	addr := startTunnelServer(t, target, broker, nil)
	client := dialTest(t, "tcp", addr)

	err := client.Authenticate("mallory", testKey)
	require.Error(t, err)
	assert.NotEmpty(t, broker.Recent())
}

func TestShutdownHostRequiresAdmin(t *testing.T) {
	target := &fakeTarget{}
	addr := startTunnelServer(t, target, alerts.NewBroker(8), nil)
	client := dialTest(t, "tcp", addr)

	require.NoError(t, client.Authenticate(testUser, testKey))
	err := client.ShutdownHost()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin")

	target.mu.Lock()
	shutdowns := target.shutdowns
	target.mu.Unlock()
	assert.Zero(t, shutdowns)
}

func TestShutdownHostAllowedForAdmin(t *testing.T) {
	target := &fakeTarget{}
	addr := startTunnelServer(t, target, alerts.NewBroker(8), []string{testUser})
	client := dialTest(t, "tcp", addr)

	require.NoError(t, client.Authenticate(testUser, testKey))
	require.NoError(t, client.ShutdownHost())

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, 1, target.shutdowns)
}

func TestLocalSocketTrusted(t *testing.T) {
	target := &fakeTarget{}
	socketPath := filepath.Join(t.TempDir(), "warden.sock")

	srv, err := NewServer(target, socketPath, nil, nil, alerts.NewBroker(8))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("control server did not shut down")
		}
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	client := dialTest(t, "unix", socketPath)

	// No auth exchange; the socket mode is the access control.
	require.NoError(t, client.Start(false))
	require.NoError(t, client.ShutdownHost())

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, 1, target.starts)
	assert.Equal(t, 1, target.shutdowns)
}

// blockingTarget wedges StopValidator until released, standing in for
// a stop whose export subcommand hangs.
type blockingTarget struct {
	fakeTarget
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTarget) StopValidator(ctx context.Context) error {
	close(b.entered)
	<-b.release
	return nil
}

func TestStatusAnswersDuringStuckMutation(t *testing.T) {
	target := &blockingTarget{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	addr := startTunnelServer(t, target, alerts.NewBroker(8), nil)

	admin := dialTest(t, "tcp", addr)
	require.NoError(t, admin.Authenticate(testUser, testKey))

	stopDone := make(chan error, 1)
	go func() { stopDone <- admin.Stop() }()
	select {
	case <-target.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stop never reached the target")
	}

	reader := dialTest(t, "tcp", addr)
	statusDone := make(chan error, 1)
	go func() {
		_, err := reader.Status()
		statusDone <- err
	}()
	select {
	case err := <-statusDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("status query stalled behind the wedged stop")
	}

	close(target.release)
	require.NoError(t, <-stopDone)
}

func TestUnknownCommandRejected(t *testing.T) {
	target := &fakeTarget{}
	socketPath := filepath.Join(t.TempDir(), "warden.sock")

	srv, err := NewServer(target, socketPath, nil, nil, alerts.NewBroker(8))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	client := dialTest(t, "unix", socketPath)
	_, err = client.Call("frobnicate", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}
