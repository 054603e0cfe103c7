package control

import (
	"encoding/json"
	"time"

	"github.com/stakewatch/warden/pkg/types"
)

// Session-establishment commands. These are handled by the transport
// layer before dispatch; the daemon-facing commands live in pkg/types.
const (
	cmdGetChallenge = "get-challenge"
	cmdAuth         = "auth"
)

// maxLineSize bounds a single protocol line. Requests are tiny; a
// larger line is a broken or hostile peer.
const maxLineSize = 64 * 1024

// Request is one newline-delimited JSON request.
type Request struct {
	ID      uint64          `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
	Token   string          `json:"token,omitempty"`
}

// Response is the reply to one Request, matched by ID.
type Response struct {
	ID     uint64          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

// StartArgs parameterizes start and restart.
type StartArgs struct {
	// Force confirms starting without a usable anti-slashing record.
	Force bool `json:"force,omitempty"`
}

// UnlockArgs carries the root key password. It rides an SSH channel or
// the local socket and is never logged or persisted.
type UnlockArgs struct {
	Password string `json:"password"`
}

// RotateArgs names the relay tunnel to cycle.
type RotateArgs struct {
	Host string `json:"host"`
}

// FetchArgs names the relay to pull a backup replica from.
type FetchArgs struct {
	Host string `json:"host"`
}

// AuthArgs is the response half of the challenge-response exchange.
type AuthArgs struct {
	User     string `json:"user"`
	Response string `json:"response"`
}

// ChallengeResult is returned by get-challenge.
type ChallengeResult struct {
	Challenge string `json:"challenge"`
}

// AuthResult is returned on successful authentication.
type AuthResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StatusResult is returned by the status command.
type StatusResult struct {
	Unlocked      bool               `json:"unlocked"`
	Validator     types.ProcessInfo  `json:"validator"`
	BackupVersion uint64             `json:"backup_version"`
	Tunnels       []types.TunnelInfo `json:"tunnels"`
	LastError     string             `json:"last_error,omitempty"`
}

// mutating reports whether a command changes daemon state and thus
// requires an authenticated session on tunnel-origin connections.
func mutating(command string) bool {
	switch command {
	case types.CmdStatus, types.CmdListTunnels:
		return false
	}
	return true
}

// okResponse marshals a result payload.
func okResponse(id uint64, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errResponse(id, "encoding result: "+err.Error())
	}
	return Response{ID: id, Status: statusOK, Result: raw}
}

func errResponse(id uint64, msg string) Response {
	return Response{ID: id, Status: statusError, Error: msg}
}
