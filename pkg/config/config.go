package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stakewatch/warden/pkg/types"
)

// Version is the supported config file schema version.
const Version = 1

const (
	DefaultRelayUser = "somebody"
	DefaultRelayPort = 2222

	// DefaultControlPort is the port the control listener is reverse-
	// forwarded to on each relay host.
	DefaultControlPort = 8000

	DefaultSocketName = "control.sock"
	DefaultLockName   = "warden.lock"
)

// Relay describes one relay host: an outbound SSH endpoint that carries
// the reverse-forwarded control port and receives backup replicas.
type Relay struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// HostKey is the expected SSH host public key in authorized_keys
	// format ("ssh-ed25519 AAAA..."). A mismatch at connect time is a
	// fatal configuration error for this relay only.
	HostKey string `yaml:"host_key"`

	IdentityFile string `yaml:"identity_file"`

	// ControlPort overrides DefaultControlPort for this relay.
	ControlPort int `yaml:"control_port,omitempty"`

	// BackupDir is the remote directory backup replicas are written to.
	BackupDir string `yaml:"backup_dir,omitempty"`

	// LokiPort is the relay-side Loki push port for log forwarding.
	// Zero disables log shipping to this relay.
	LokiPort int `yaml:"loki_port,omitempty"`
}

// Addr returns the dialable host:port of the relay SSH endpoint.
func (r Relay) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KeyDescriptor commits to the password-protected root key without
// revealing it. Both the descriptor and the password are required to
// recover the key; see pkg/keys.
type KeyDescriptor struct {
	Algo     string `yaml:"algo"`
	Salt     string `yaml:"salt"`     // hex
	Checksum string `yaml:"checksum"` // hex
}

// SaltBytes decodes the hex salt.
func (d KeyDescriptor) SaltBytes() ([]byte, error) {
	return hex.DecodeString(d.Salt)
}

// ChecksumBytes decodes the hex checksum.
func (d KeyDescriptor) ChecksumBytes() ([]byte, error) {
	return hex.DecodeString(d.Checksum)
}

// Validator configures the supervised validator client subprocess.
type Validator struct {
	// Client selects the adapter: "lighthouse" or "prysm".
	Client string `yaml:"client"`

	// Binary is the path to the validator client executable.
	Binary string `yaml:"binary"`

	// Network is the consensus network to validate on (mainnet, etc).
	Network string `yaml:"network"`

	// BeaconEndpoints are the beacon node HTTP API endpoints the
	// client connects to.
	BeaconEndpoints []string `yaml:"beacon_endpoints"`

	// HealthAddr is the local readiness endpoint exposed by the client.
	HealthAddr string `yaml:"health_addr,omitempty"`
}

// Supervisor tunes process lifecycle timing.
type Supervisor struct {
	ReadinessTimeout  time.Duration `yaml:"readiness_timeout"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	RestartBackoffMin time.Duration `yaml:"restart_backoff_min"`
	RestartBackoffMax time.Duration `yaml:"restart_backoff_max"`

	// StableReset is how long the validator must stay Running before
	// the crash counter resets to zero.
	StableReset time.Duration `yaml:"stable_reset"`
}

// Config is the validator supervisor daemon configuration.
type Config struct {
	Network string `yaml:"network"`

	DataDir string `yaml:"data_dir"`

	// RuntimeDir holds decrypted working state and secrets for the
	// process lifetime. It must be memory-backed (tmpfs); nothing
	// written here survives a reboot.
	RuntimeDir string `yaml:"runtime_dir"`

	KeyDescriptor KeyDescriptor `yaml:"key_descriptor"`

	Relays []Relay `yaml:"relays"`

	// ControlUsers maps operator user names to hex-encoded auth keys
	// for challenge-response authentication on tunnel-origin sessions.
	ControlUsers map[string]string `yaml:"control_users"`

	// ControlAdmins lists control users permitted to run privileged
	// commands such as shutdown-host over a tunnel session.
	ControlAdmins []string `yaml:"control_admins,omitempty"`

	// ControlSocket is the local control socket path. Defaults to
	// <data_dir>/control.sock.
	ControlSocket string `yaml:"control_socket,omitempty"`

	// MetricsAddr exposes Prometheus metrics when non-empty. Bound to
	// loopback; remote scraping goes through a tunnel forward.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	Validator  Validator  `yaml:"validator"`
	Supervisor Supervisor `yaml:"supervisor"`

	LogLevel string `yaml:"log_level,omitempty"`
}

// LockPath is the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, DefaultLockName)
}

// SocketPath is the resolved local control socket path.
func (c *Config) SocketPath() string {
	if c.ControlSocket != "" {
		return c.ControlSocket
	}
	return filepath.Join(c.DataDir, DefaultSocketName)
}

// applyDefaults fills unset fields with defaults.
func (c *Config) applyDefaults() {
	for i := range c.Relays {
		if c.Relays[i].User == "" {
			c.Relays[i].User = DefaultRelayUser
		}
		if c.Relays[i].Port == 0 {
			c.Relays[i].Port = DefaultRelayPort
		}
		if c.Relays[i].ControlPort == 0 {
			c.Relays[i].ControlPort = DefaultControlPort
		}
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = "/dev/shm/warden"
	}
	s := &c.Supervisor
	if s.ReadinessTimeout == 0 {
		s.ReadinessTimeout = 60 * time.Second
	}
	if s.GracePeriod == 0 {
		s.GracePeriod = 10 * time.Second
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = 30 * time.Second
	}
	if s.RestartBackoffMin == 0 {
		s.RestartBackoffMin = 5 * time.Second
	}
	if s.RestartBackoffMax == 0 {
		s.RestartBackoffMax = 5 * time.Minute
	}
	if s.StableReset == 0 {
		s.StableReset = 10 * time.Minute
	}
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if c.Network == "" {
		return types.Classifyf(types.KindFatalConfig, "network is required")
	}
	if c.DataDir == "" {
		return types.Classifyf(types.KindFatalConfig, "data_dir is required")
	}
	if len(c.Relays) == 0 {
		return types.Classifyf(types.KindFatalConfig, "at least one relay is required")
	}
	seen := make(map[string]bool, len(c.Relays))
	for _, r := range c.Relays {
		if r.Host == "" {
			return types.Classifyf(types.KindFatalConfig, "relay host is required")
		}
		if seen[r.Host] {
			return types.Classifyf(types.KindFatalConfig, "duplicate relay host %q", r.Host)
		}
		seen[r.Host] = true
	}
	if c.Validator.Client == "" {
		return types.Classifyf(types.KindFatalConfig, "validator.client is required")
	}
	if c.Validator.Binary == "" {
		return types.Classifyf(types.KindFatalConfig, "validator.binary is required")
	}
	if _, err := c.KeyDescriptor.SaltBytes(); err != nil {
		return types.Classifyf(types.KindFatalConfig, "key_descriptor.salt is not hex: %v", err)
	}
	if _, err := c.KeyDescriptor.ChecksumBytes(); err != nil {
		return types.Classifyf(types.KindFatalConfig, "key_descriptor.checksum is not hex: %v", err)
	}
	for user, key := range c.ControlUsers {
		if _, err := hex.DecodeString(key); err != nil {
			return types.Classifyf(types.KindFatalConfig, "control user %q key is not hex: %v", user, err)
		}
	}
	for _, admin := range c.ControlAdmins {
		if _, ok := c.ControlUsers[admin]; !ok {
			return types.Classifyf(types.KindFatalConfig, "control admin %q is not a control user", admin)
		}
	}
	return nil
}

// versioned wraps Config with the schema version field for files.
type versioned struct {
	Version int    `yaml:"version"`
	Config  Config `yaml:",inline"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Classifyf(types.KindFatalConfig, "read config: %w", err)
	}
	var v versioned
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, types.Classifyf(types.KindFatalConfig, "parse config: %w", err)
	}
	if v.Version != 0 && v.Version != Version {
		return nil, types.Classifyf(types.KindFatalConfig, "unsupported config version %d", v.Version)
	}
	cfg := v.Config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save serializes a config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(versioned{Version: Version, Config: *cfg})
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
