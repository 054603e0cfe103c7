package control

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/log"
	"github.com/stakewatch/warden/pkg/types"
)

// dispatchQueueSize bounds commands waiting on the serialized
// dispatcher. A full queue refuses instead of blocking the transport.
const dispatchQueueSize = 16

// Target is the daemon surface the control server drives. One
// implementation lives in the daemon; tests use fakes.
type Target interface {
	Status(ctx context.Context) StatusResult
	Tunnels() []types.TunnelInfo
	StartValidator(ctx context.Context, force bool) error
	StopValidator(ctx context.Context) error
	RestartValidator(ctx context.Context, force bool) error
	RotateTunnel(host string) error
	BackupNow(ctx context.Context) error
	FetchRemoteBackup(ctx context.Context, host string) error
	Unlock(ctx context.Context, password string) error
	ShutdownHost(ctx context.Context) error
}

type dispatchReq struct {
	req     Request
	session *Session
	origin  types.SessionOrigin
	reply   chan Response
}

// Server answers the control protocol on the local unix socket and on
// reverse-forwarded tunnel listeners. Mutating commands funnel through
// one dispatcher goroutine; read-only queries answer directly.
type Server struct {
	target     Target
	users      map[string][]byte
	admins     map[string]bool
	broker     *alerts.Broker
	registry   *sessionRegistry
	socketPath string
	logger     zerolog.Logger

	dispatch chan dispatchReq

	mu        sync.Mutex
	ctx       context.Context
	listeners []net.Listener
}

// NewServer creates a control server. users maps operator names to
// hex-encoded auth keys; admins lists users allowed privileged
// commands over tunnels.
func NewServer(target Target, socketPath string, users map[string]string, admins []string, broker *alerts.Broker) (*Server, error) {
	decoded := make(map[string][]byte, len(users))
	for user, keyHex := range users {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, types.Classifyf(types.KindFatalConfig, "control user %q key is not hex: %v", user, err)
		}
		decoded[user] = key
	}
	adminSet := make(map[string]bool, len(admins))
	for _, admin := range admins {
		adminSet[admin] = true
	}
	return &Server{
		target:     target,
		users:      decoded,
		admins:     adminSet,
		broker:     broker,
		registry:   newSessionRegistry(),
		socketPath: socketPath,
		logger:     log.WithComponent("control"),
		dispatch:   make(chan dispatchReq, dispatchQueueSize),
	}, nil
}

// Run opens the local socket, serves until the context is cancelled,
// and cleans up the socket on exit.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("creating control socket dir: %w", err)
	}
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting control socket mode: %w", err)
	}

	s.trackListener(ln)
	s.logger.Info().Str("socket", s.socketPath).Msg("Control server listening")

	go s.dispatcher(ctx)
	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()

	s.acceptLoop(ctx, ln, types.OriginLocal, "")
	_ = os.Remove(s.socketPath)
	return nil
}

// AddTunnelListener serves the protocol on a reverse-forwarded
// listener. Called by the tunnel manager after each relay connect; the
// loop ends when the tunnel drops and closes the listener.
func (s *Server) AddTunnelListener(host string, ln net.Listener) {
	s.mu.Lock()
	ctx := s.ctx
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Info().Str("relay", host).Msg("Serving control protocol on tunnel listener")
	go s.acceptLoop(ctx, ln, types.OriginTunnel, host)
}

func (s *Server) trackListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, origin types.SessionOrigin, relay string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(ctx, conn, origin, relay)
	}
}

// serveConn handles one connection. Challenge-response auth is a
// per-connection exchange; everything else goes to the dispatcher.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, origin types.SessionOrigin, relay string) {
	defer conn.Close()

	logger := s.logger.With().Str("origin", string(origin)).Logger()
	if relay != "" {
		logger = logger.With().Str("relay", relay).Logger()
	}

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	var challenge string
	var session *Session

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(errResponse(0, "malformed request"))
			return
		}

		var resp Response
		switch req.Command {
		case cmdGetChallenge:
			c, err := newChallenge()
			if err != nil {
				resp = errResponse(req.ID, err.Error())
				break
			}
			challenge = c
			resp = okResponse(req.ID, ChallengeResult{Challenge: challenge})

		case cmdAuth:
			sess, err := s.authenticate(req, challenge, origin, relay)
			challenge = "" // single use
			if err != nil {
				logger.Warn().Err(err).Msg("Control session authentication failed")
				_ = enc.Encode(errResponse(req.ID, err.Error()))
				return
			}
			session = sess
			resp = okResponse(req.ID, AuthResult{Token: sess.Token, ExpiresAt: sess.ExpiresAt})

		default:
			resp = s.dispatchRequest(ctx, req, session, origin)
		}

		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// authenticate validates an auth request against the one-shot
// challenge. Failures are security events and close the connection.
func (s *Server) authenticate(req Request, challenge string, origin types.SessionOrigin, relay string) (*Session, error) {
	if origin == types.OriginLocal {
		return nil, fmt.Errorf("authentication is not used on the local socket")
	}
	if challenge == "" {
		return nil, fmt.Errorf("no outstanding challenge")
	}

	var args AuthArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return nil, fmt.Errorf("malformed auth args")
	}

	key, ok := s.users[args.User]
	if !ok || !checkAuthResponse(key, challenge, args.Response) {
		s.broker.Raise(alerts.AlertAuthFailure, types.KindSecurity,
			fmt.Sprintf("failed control authentication for user %q via %s", args.User, relay))
		return nil, types.ErrAuthFailed
	}

	s.logger.Info().Str("user", args.User).Str("relay", relay).Msg("Control session authenticated")
	return s.registry.create(args.User, relay, s.admins[args.User]), nil
}

// dispatchRequest enforces session policy and hands the command to the
// dispatcher goroutine.
func (s *Server) dispatchRequest(ctx context.Context, req Request, session *Session, origin types.SessionOrigin) Response {
	if req.Token != "" {
		session = s.registry.lookup(req.Token)
		if session == nil {
			return errResponse(req.ID, "invalid or expired session token")
		}
	}

	if origin == types.OriginTunnel && mutating(req.Command) {
		if session == nil || session.Expired() {
			return errResponse(req.ID, "authentication required")
		}
	}
	if req.Command == types.CmdShutdownHost && origin == types.OriginTunnel {
		if session == nil || !session.Privileged {
			return errResponse(req.ID, "privileged command requires an admin session")
		}
	}

	// Read-only queries answer from snapshots and must stay responsive
	// while a mutating command holds the dispatcher, so they skip the
	// serializer entirely.
	if !mutating(req.Command) {
		return s.execute(ctx, req)
	}

	d := dispatchReq{req: req, session: session, origin: origin, reply: make(chan Response, 1)}
	select {
	case s.dispatch <- d:
	default:
		return errResponse(req.ID, "server busy")
	}

	select {
	case resp := <-d.reply:
		return resp
	case <-ctx.Done():
		return errResponse(req.ID, "server shutting down")
	}
}

// dispatcher serializes command execution.
func (s *Server) dispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.dispatch:
			d.reply <- s.execute(ctx, d.req)
		}
	}
}

func (s *Server) execute(ctx context.Context, req Request) Response {
	switch req.Command {
	case types.CmdStatus:
		return okResponse(req.ID, s.target.Status(ctx))

	case types.CmdListTunnels:
		return okResponse(req.ID, s.target.Tunnels())

	case types.CmdStart:
		var args StartArgs
		if err := s.parseArgs(req.Args, &args); err != nil {
			return errResponse(req.ID, err.Error())
		}
		return s.ack(req, s.target.StartValidator(ctx, args.Force))

	case types.CmdStop:
		return s.ack(req, s.target.StopValidator(ctx))

	case types.CmdRestart:
		var args StartArgs
		if err := s.parseArgs(req.Args, &args); err != nil {
			return errResponse(req.ID, err.Error())
		}
		return s.ack(req, s.target.RestartValidator(ctx, args.Force))

	case types.CmdRotateTunnel:
		var args RotateArgs
		if err := s.parseArgs(req.Args, &args); err != nil {
			return errResponse(req.ID, err.Error())
		}
		return s.ack(req, s.target.RotateTunnel(args.Host))

	case types.CmdBackupNow:
		return s.ack(req, s.target.BackupNow(ctx))

	case types.CmdFetchRemote:
		var args FetchArgs
		if err := s.parseArgs(req.Args, &args); err != nil {
			return errResponse(req.ID, err.Error())
		}
		return s.ack(req, s.target.FetchRemoteBackup(ctx, args.Host))

	case types.CmdUnlock:
		var args UnlockArgs
		if err := s.parseArgs(req.Args, &args); err != nil {
			return errResponse(req.ID, err.Error())
		}
		return s.ack(req, s.target.Unlock(ctx, args.Password))

	case types.CmdShutdownHost:
		return s.ack(req, s.target.ShutdownHost(ctx))
	}
	return errResponse(req.ID, fmt.Sprintf("unknown command %q", req.Command))
}

func (s *Server) parseArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed args: %w", err)
	}
	return nil
}

func (s *Server) ack(req Request, err error) Response {
	if err != nil {
		return errResponse(req.ID, err.Error())
	}
	return okResponse(req.ID, true)
}
