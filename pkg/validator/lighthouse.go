package validator

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/stakewatch/warden/pkg/backup"
	"github.com/stakewatch/warden/pkg/health"
)

// Lighthouse runs the Sigma Prime lighthouse validator client.
type Lighthouse struct {
	cfg    Config
	client *http.Client
}

// NewLighthouse creates a lighthouse adapter.
func NewLighthouse(cfg Config) *Lighthouse {
	return &Lighthouse{
		cfg: cfg,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Name returns the client implementation name.
func (l *Lighthouse) Name() string { return ClientLighthouse }

// RunCommand returns the validator-client argv.
func (l *Lighthouse) RunCommand(beaconEndpoint string) Command {
	return Command{
		Path: l.cfg.Binary,
		Args: []string{
			"validator_client",
			"--network", l.cfg.Network,
			"--datadir", l.cfg.DataDir,
			"--beacon-nodes", beaconEndpoint,
			"--http",
			"--http-address", "127.0.0.1",
			"--http-port", addrPort(l.cfg.HealthAddr),
			"--init-slashing-protection",
		},
	}
}

// ImportCommand returns the slashing protection import argv.
func (l *Lighthouse) ImportCommand(path string) Command {
	return Command{
		Path: l.cfg.Binary,
		Args: []string{
			"account", "validator", "slashing-protection", "import",
			path,
			"--network", l.cfg.Network,
			"--datadir", l.cfg.DataDir,
		},
	}
}

// ExportCommand returns the slashing protection export argv. Lighthouse
// exports directly to the file path we name.
func (l *Lighthouse) ExportCommand(dir string) Command {
	return Command{
		Path: l.cfg.Binary,
		Args: []string{
			"account", "validator", "slashing-protection", "export",
			filepath.Join(dir, backup.SlashingProtectionFile),
			"--network", l.cfg.Network,
			"--datadir", l.cfg.DataDir,
		},
	}
}

// ExportedFile returns the canonical interchange file path in dir.
func (l *Lighthouse) ExportedFile(dir string) (string, error) {
	return filepath.Join(dir, backup.SlashingProtectionFile), nil
}

// ReadinessChecker probes the validator client's own HTTP API.
func (l *Lighthouse) ReadinessChecker() health.Checker {
	return health.NewHTTPChecker("http://" + l.cfg.HealthAddr + "/lighthouse/health")
}

// BeaconHealthy reports whether the beacon node at endpoint is synced.
// Lighthouse considers a beacon node usable only when its syncing state
// is "Synced".
func (l *Lighthouse) BeaconHealthy(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/lighthouse/syncing", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var payload struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}
	var state string
	if err := json.Unmarshal(payload.Data, &state); err != nil {
		return false
	}
	return state == "Synced"
}
