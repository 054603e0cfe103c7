package types

import (
	"errors"
	"fmt"
	"time"
)

// ValidatorState represents the lifecycle state of the supervised
// validator client process.
type ValidatorState string

const (
	ValidatorStopped   ValidatorState = "stopped"
	ValidatorImporting ValidatorState = "importing"
	ValidatorStarting  ValidatorState = "starting"
	ValidatorRunning   ValidatorState = "running"
	ValidatorStopping  ValidatorState = "stopping"
	ValidatorExporting ValidatorState = "exporting"
	ValidatorCrashed   ValidatorState = "crashed"
)

// ProcessInfo is a point-in-time snapshot of the supervised process.
type ProcessInfo struct {
	State        ValidatorState `json:"state"`
	PID          int            `json:"pid,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	LastExitCode int            `json:"last_exit_code"`
	Restarts     int            `json:"restarts"`
	DataDir      string         `json:"data_dir,omitempty"`
}

// Record is the anti-slashing record: the exported slashing-protection
// state from the most recent successful validator run. Version counts
// successful exports, not wall-clock time, and must only ever increase.
// Data holds ciphertext when the record is at rest in the store.
type Record struct {
	Version   uint64    `json:"version"`
	Data      []byte    `json:"data"`
	Hash      string    `json:"hash"` // SHA-256 of the plaintext archive
	CreatedAt time.Time `json:"created_at"`
}

// TunnelState represents the connection state of one relay tunnel.
type TunnelState string

const (
	TunnelDisconnected TunnelState = "disconnected"
	TunnelConnecting   TunnelState = "connecting"
	TunnelConnected    TunnelState = "connected"
	TunnelBackoff      TunnelState = "backoff"
)

// TunnelInfo is a point-in-time snapshot of one tunnel connection.
type TunnelInfo struct {
	Host        string      `json:"host"`
	State       TunnelState `json:"state"`
	Failures    int         `json:"failures"`
	ConnectedAt time.Time   `json:"connected_at,omitempty"`
	NextRetry   time.Time   `json:"next_retry,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

// SessionOrigin identifies the transport a control session arrived on.
type SessionOrigin string

const (
	OriginLocal  SessionOrigin = "local"
	OriginTunnel SessionOrigin = "tunnel"
)

// Control command names. Mutating commands require an authenticated
// session when the transport origin is a tunnel.
const (
	CmdStatus       = "status"
	CmdListTunnels  = "list-tunnels"
	CmdStart        = "start"
	CmdStop         = "stop"
	CmdRestart      = "restart"
	CmdRotateTunnel = "rotate-tunnel"
	CmdBackupNow    = "backup-now"
	CmdFetchRemote  = "fetch-remote"
	CmdUnlock       = "unlock"
	CmdShutdownHost = "shutdown-host"
)

// ErrorKind classifies failures per the supervisor's error taxonomy.
// The kind decides whether an error is retried, refused, or escalated.
type ErrorKind int

const (
	// KindTransient errors are retried with backoff and never surfaced
	// as fatal: subprocess crashes, tunnel drops, temporary I/O.
	KindTransient ErrorKind = iota

	// KindSafetyCritical errors refuse the operation and keep the
	// validator stopped until an operator intervenes: export failure,
	// corrupt or regressed anti-slashing record, lock contention.
	KindSafetyCritical

	// KindSecurity errors reject the session or connection and are
	// logged as security events: auth failure, host key mismatch.
	KindSecurity

	// KindFatalConfig errors disable the affected subsystem only:
	// missing config, irrecoverable decryption failure.
	KindFatalConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSafetyCritical:
		return "safety-critical"
	case KindSecurity:
		return "security"
	case KindFatalConfig:
		return "fatal-config"
	}
	return "unknown"
}

// KindError wraps an error with its taxonomy classification.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// Classify wraps err with the given kind. Returns nil if err is nil.
func Classify(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Classifyf is Classify over a formatted error.
func Classifyf(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from an error chain, defaulting
// to KindTransient for unclassified errors.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindTransient
}

// Sentinel errors shared across packages.
var (
	ErrUnlockRequired    = errors.New("supervisor is locked, unlock required")
	ErrAlreadyRunning    = errors.New("validator is already running")
	ErrNotRunning        = errors.New("validator is not running")
	ErrRecordCorrupt     = errors.New("anti-slashing record failed integrity check")
	ErrRecordMissing     = errors.New("no anti-slashing record present")
	ErrVersionRegression = errors.New("anti-slashing record version regression")
	ErrLockHeld          = errors.New("another supervisor instance holds the lock")
	ErrAuthFailed        = errors.New("session authentication failed")
	ErrHostKeyMismatch   = errors.New("relay host key mismatch")
	ErrUnknownHost       = errors.New("relay host not configured")
)
