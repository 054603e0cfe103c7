package control

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/stakewatch/warden/pkg/types"
)

// Client speaks the control protocol over a unix socket or a tunneled
// TCP endpoint. It is not safe for concurrent use.
type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
	nextID  uint64
	token   string
}

// Dial connects to a control endpoint. network is "unix" for the local
// socket or "tcp" for a forwarded relay port.
func Dial(network, addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to control endpoint: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	return &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		scanner: scanner,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and waits for its reply.
func (c *Client) Call(command string, args any) (json.RawMessage, error) {
	c.nextID++
	req := Request{ID: c.nextID, Command: command, Token: c.token}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding args: %w", err)
		}
		req.Args = raw
	}

	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return nil, fmt.Errorf("connection closed by server")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	if resp.Status != statusOK {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Result, nil
}

// Authenticate performs the challenge-response exchange for a tunnel
// session and stores the issued token for subsequent calls.
func (c *Client) Authenticate(user, keyHex string) error {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("auth key is not hex: %w", err)
	}

	raw, err := c.Call(cmdGetChallenge, nil)
	if err != nil {
		return err
	}
	var challenge ChallengeResult
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return fmt.Errorf("decoding challenge: %w", err)
	}

	raw, err = c.Call(cmdAuth, AuthArgs{
		User:     user,
		Response: authResponse(key, challenge.Challenge),
	})
	if err != nil {
		return err
	}
	var auth AuthResult
	if err := json.Unmarshal(raw, &auth); err != nil {
		return fmt.Errorf("decoding auth result: %w", err)
	}
	c.token = auth.Token
	return nil
}

// Status fetches the daemon snapshot.
func (c *Client) Status() (StatusResult, error) {
	var status StatusResult
	raw, err := c.Call(types.CmdStatus, nil)
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return status, fmt.Errorf("decoding status: %w", err)
	}
	return status, nil
}

// ListTunnels fetches per-relay tunnel state.
func (c *Client) ListTunnels() ([]types.TunnelInfo, error) {
	raw, err := c.Call(types.CmdListTunnels, nil)
	if err != nil {
		return nil, err
	}
	var tunnels []types.TunnelInfo
	if err := json.Unmarshal(raw, &tunnels); err != nil {
		return nil, fmt.Errorf("decoding tunnel list: %w", err)
	}
	return tunnels, nil
}

// Start asks the daemon to start the validator.
func (c *Client) Start(force bool) error {
	_, err := c.Call(types.CmdStart, StartArgs{Force: force})
	return err
}

// Stop asks the daemon to stop the validator.
func (c *Client) Stop() error {
	_, err := c.Call(types.CmdStop, nil)
	return err
}

// Restart cycles the validator.
func (c *Client) Restart(force bool) error {
	_, err := c.Call(types.CmdRestart, StartArgs{Force: force})
	return err
}

// RotateTunnel drops and redials the tunnel to the named relay.
func (c *Client) RotateTunnel(host string) error {
	_, err := c.Call(types.CmdRotateTunnel, RotateArgs{Host: host})
	return err
}

// BackupNow forces an immediate export and replication pass.
func (c *Client) BackupNow() error {
	_, err := c.Call(types.CmdBackupNow, nil)
	return err
}

// FetchRemote pulls the backup replica from a relay and installs it
// if newer than the local record. Operator-invoked only.
func (c *Client) FetchRemote(host string) error {
	_, err := c.Call(types.CmdFetchRemote, FetchArgs{Host: host})
	return err
}

// Unlock delivers the root key password to the daemon.
func (c *Client) Unlock(password string) error {
	_, err := c.Call(types.CmdUnlock, UnlockArgs{Password: password})
	return err
}

// ShutdownHost powers off the supervisor host. Privileged.
func (c *Client) ShutdownHost() error {
	_, err := c.Call(types.CmdShutdownHost, nil)
	return err
}
