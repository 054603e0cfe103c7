package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewatch/warden/pkg/types"
)

func validConfig() Config {
	return Config{
		Network: "mainnet",
		DataDir: "/var/lib/warden",
		Relays: []Relay{
			{Host: "relay-a.example.com"},
		},
		ControlUsers: map[string]string{
			"carol": "000102030405060708090a0b0c0d0e0f",
		},
		Validator: Validator{
			Client: "lighthouse",
			Binary: "/usr/local/bin/lighthouse",
		},
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	cfg := validConfig()
	require.NoError(t, Save(path, &cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mainnet", loaded.Network)
	assert.Equal(t, "relay-a.example.com", loaded.Relays[0].Host)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	cfg := validConfig()
	require.NoError(t, Save(path, &cfg))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultRelayUser, loaded.Relays[0].User)
	assert.Equal(t, DefaultRelayPort, loaded.Relays[0].Port)
	assert.Equal(t, DefaultControlPort, loaded.Relays[0].ControlPort)
	assert.Equal(t, "/dev/shm/warden", loaded.RuntimeDir)
	assert.Equal(t, 10*time.Second, loaded.Supervisor.GracePeriod)
	assert.Equal(t, filepath.Join(loaded.DataDir, DefaultSocketName), loaded.SocketPath())
	assert.Equal(t, filepath.Join(loaded.DataDir, DefaultLockName), loaded.LockPath())
}

func TestLoadUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 99\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, types.KindFatalConfig, types.KindOf(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing network",
			mutate:  func(c *Config) { c.Network = "" },
			wantErr: "network",
		},
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "no relays",
			mutate:  func(c *Config) { c.Relays = nil },
			wantErr: "relay",
		},
		{
			name: "duplicate relay host",
			mutate: func(c *Config) {
				c.Relays = append(c.Relays, c.Relays[0])
			},
			wantErr: "duplicate relay host",
		},
		{
			name:    "missing client",
			mutate:  func(c *Config) { c.Validator.Client = "" },
			wantErr: "validator.client",
		},
		{
			name: "non-hex user key",
			mutate: func(c *Config) {
				c.ControlUsers["carol"] = "not hex"
			},
			wantErr: "not hex",
		},
		{
			name: "admin without user entry",
			mutate: func(c *Config) {
				c.ControlAdmins = []string{"mallory"}
			},
			wantErr: "not a control user",
		},
		{
			name: "admin with user entry",
			mutate: func(c *Config) {
				c.ControlAdmins = []string{"carol"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, types.KindFatalConfig, types.KindOf(err))
		})
	}
}
