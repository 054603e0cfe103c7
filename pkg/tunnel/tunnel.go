package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/log"
	"github.com/stakewatch/warden/pkg/types"
)

// dialTimeout bounds the TCP and SSH handshake per attempt.
const dialTimeout = 15 * time.Second

// Conn is the subset of an established SSH connection the tunnel uses.
type Conn interface {
	// Listen opens a remote listener for the reverse forward.
	Listen(network, addr string) (net.Listener, error)

	// Dial opens a connection from the relay end of the tunnel to an
	// address on the relay side (local forward).
	Dial(network, addr string) (net.Conn, error)

	// Wait blocks until the connection drops.
	Wait() error

	Close() error

	// SFTP opens a file transfer session over the connection.
	SFTP() (*sftp.Client, error)
}

type sshConn struct {
	*ssh.Client
}

func (c sshConn) SFTP() (*sftp.Client, error) {
	return sftp.NewClient(c.Client)
}

// DialFunc establishes a connection to a relay. Swappable for tests.
type DialFunc func(ctx context.Context, relay config.Relay) (Conn, error)

// Tunnel maintains one persistent SSH connection to a relay host with
// a reverse-forwarded control port. Tunnels are independent: each runs
// its own reconnect loop and never blocks siblings.
type Tunnel struct {
	relay  config.Relay
	dial   DialFunc
	broker *alerts.Broker
	logger zerolog.Logger

	// OnConnect receives the reverse-forwarded control listener after
	// each successful connect. OnDisconnect fires when the connection
	// drops. Set before Run.
	OnConnect    func(host string, ln net.Listener)
	OnDisconnect func(host string)

	newBackOff func() backoff.BackOff

	rotate chan struct{}

	mu   sync.Mutex
	info types.TunnelInfo
	conn Conn
}

// NewTunnel creates a tunnel for one relay. It does not connect until
// Run.
func NewTunnel(relay config.Relay, broker *alerts.Broker) *Tunnel {
	return &Tunnel{
		relay:  relay,
		dial:   dialSSH,
		broker: broker,
		logger: log.WithRelay(relay.Host),
		rotate: make(chan struct{}, 1),
		newBackOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     time.Second,
				RandomizationFactor: 0.3,
				Multiplier:          2,
				MaxInterval:         time.Minute,
				MaxElapsedTime:      0,
				Stop:                backoff.Stop,
				Clock:               backoff.SystemClock,
			}
		},
		info: types.TunnelInfo{
			Host:  relay.Host,
			State: types.TunnelDisconnected,
		},
	}
}

// Info returns a snapshot of the tunnel state.
func (t *Tunnel) Info() types.TunnelInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Rotate forces a disconnect and immediate reconnect cycle.
func (t *Tunnel) Rotate() {
	select {
	case t.rotate <- struct{}{}:
	default:
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// connection returns the live connection, or nil while disconnected.
func (t *Tunnel) connection() Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// DialRemote opens a forwarded connection to addr on the relay side.
// The log shipper uses this to reach the relay's Loki push port.
func (t *Tunnel) DialRemote(network, addr string) (net.Conn, error) {
	conn := t.connection()
	if conn == nil {
		return nil, types.Classifyf(types.KindTransient, "tunnel to %s is down", t.relay.Host)
	}
	return conn.Dial(network, addr)
}

// Run owns the reconnect loop until the context is cancelled. A host
// key mismatch disables this tunnel permanently; every other failure
// is retried with jittered exponential backoff.
func (t *Tunnel) Run(ctx context.Context) {
	bo := t.newBackOff()

	for {
		if ctx.Err() != nil {
			t.setDisconnected(nil)
			return
		}

		t.setState(types.TunnelConnecting)
		served, err := t.connectAndServe(ctx)
		if served {
			bo.Reset()
		}
		if err != nil && isHostKeyMismatch(err) {
			t.logger.Error().Err(err).Msg("Relay host key mismatch, disabling tunnel")
			t.broker.Raise(alerts.AlertHostKeyMismatch, types.KindSecurity,
				fmt.Sprintf("relay %s presented an unexpected host key", t.relay.Host))
			t.setDisconnected(err)
			return
		}
		if ctx.Err() != nil {
			t.setDisconnected(nil)
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			bo = t.newBackOff()
			delay = bo.NextBackOff()
		}
		t.setBackoff(err, delay)

		select {
		case <-ctx.Done():
			t.setDisconnected(nil)
			return
		case <-t.rotate:
			bo = t.newBackOff()
		case <-time.After(delay):
		}
	}
}

// connectAndServe dials, opens the reverse forward, and blocks until
// the connection drops or the context ends. served reports whether a
// connection was fully established.
func (t *Tunnel) connectAndServe(ctx context.Context) (served bool, _ error) {
	conn, err := t.dial(ctx, t.relay)
	if err != nil {
		t.logger.Debug().Err(err).Msg("Relay dial failed")
		return false, err
	}

	ln, err := conn.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.relay.ControlPort))
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("opening reverse forward on %s: %w", t.relay.Host, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.info.State = types.TunnelConnected
	t.info.ConnectedAt = time.Now()
	t.info.Failures = 0
	t.info.NextRetry = time.Time{}
	t.info.LastError = ""
	t.mu.Unlock()

	t.logger.Info().
		Int("control_port", t.relay.ControlPort).
		Msg("Tunnel established")
	if t.OnConnect != nil {
		t.OnConnect(t.relay.Host, ln)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- conn.Wait() }()

	select {
	case err = <-waitErr:
	case <-ctx.Done():
		conn.Close()
		<-waitErr
		err = nil
	}

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	t.logger.Warn().Err(err).Msg("Tunnel dropped")
	if t.OnDisconnect != nil {
		t.OnDisconnect(t.relay.Host)
	}
	return true, err
}

func (t *Tunnel) setState(state types.TunnelState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.State = state
}

func (t *Tunnel) setBackoff(err error, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.State = types.TunnelBackoff
	t.info.Failures++
	t.info.NextRetry = time.Now().Add(delay)
	if err != nil {
		t.info.LastError = err.Error()
	}
}

func (t *Tunnel) setDisconnected(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.State = types.TunnelDisconnected
	t.info.NextRetry = time.Time{}
	if err != nil {
		t.info.LastError = err.Error()
	}
}

// dialSSH is the production DialFunc: public key auth with the relay's
// pinned host key.
func dialSSH(ctx context.Context, relay config.Relay) (Conn, error) {
	hostKey, err := parseHostKey(relay.HostKey)
	if err != nil {
		return nil, types.Classifyf(types.KindFatalConfig, "relay %s host key: %v", relay.Host, err)
	}

	identity, err := os.ReadFile(relay.IdentityFile)
	if err != nil {
		return nil, types.Classifyf(types.KindFatalConfig, "reading identity file: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(identity)
	if err != nil {
		return nil, types.Classifyf(types.KindFatalConfig, "parsing identity file: %v", err)
	}

	cfg := &ssh.ClientConfig{
		User:            relay.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: pinnedHostKey(hostKey),
		Timeout:         dialTimeout,
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", relay.Addr())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", relay.Addr(), err)
	}

	sshc, chans, reqs, err := ssh.NewClientConn(raw, relay.Addr(), cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return sshConn{ssh.NewClient(sshc, chans, reqs)}, nil
}

// parseHostKey decodes an authorized_keys format public key.
func parseHostKey(encoded string) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(encoded))
	if err != nil {
		return nil, err
	}
	return key, nil
}

// pinnedHostKey accepts exactly one host key. Anything else is a
// security error, not a retry.
func pinnedHostKey(want ssh.PublicKey) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if !bytes.Equal(key.Marshal(), want.Marshal()) {
			return types.Classify(types.KindSecurity, types.ErrHostKeyMismatch)
		}
		return nil
	}
}

func isHostKeyMismatch(err error) bool {
	if errors.Is(err, types.ErrHostKeyMismatch) {
		return true
	}
	// The ssh handshake path does not always preserve the error chain.
	return err != nil && strings.Contains(err.Error(), types.ErrHostKeyMismatch.Error())
}
