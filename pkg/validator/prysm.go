package validator

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/stakewatch/warden/pkg/backup"
	"github.com/stakewatch/warden/pkg/health"
	"github.com/stakewatch/warden/pkg/types"
)

// prysmExportName is the file name prysm writes on export. It differs
// from the interchange name the backup archive expects.
const prysmExportName = "slashing_protection.json"

// Prysm runs the Prysmatic Labs validator client.
type Prysm struct {
	cfg    Config
	client *http.Client
}

// NewPrysm creates a prysm adapter.
func NewPrysm(cfg Config) *Prysm {
	return &Prysm{
		cfg: cfg,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Name returns the client implementation name.
func (p *Prysm) Name() string { return ClientPrysm }

func (p *Prysm) networkArgs() []string {
	// Prysm selects mainnet by default and takes other networks as a
	// bare flag.
	if p.cfg.Network == "" || p.cfg.Network == "mainnet" {
		return nil
	}
	return []string{"--" + p.cfg.Network}
}

// RunCommand returns the validator-client argv.
func (p *Prysm) RunCommand(beaconEndpoint string) Command {
	args := []string{
		"--accept-terms-of-use",
		"--datadir", p.cfg.DataDir,
		"--beacon-rpc-provider", beaconEndpoint,
		"--grpc-gateway-host", "127.0.0.1",
		"--grpc-gateway-port", addrPort(p.cfg.HealthAddr),
	}
	args = append(args, p.networkArgs()...)
	return Command{Path: p.cfg.Binary, Args: args}
}

// ImportCommand returns the slashing protection import argv.
func (p *Prysm) ImportCommand(path string) Command {
	args := []string{
		"slashing-protection-history", "import",
		"--accept-terms-of-use",
		"--datadir", p.cfg.DataDir,
		"--slashing-protection-json-file", path,
	}
	args = append(args, p.networkArgs()...)
	return Command{Path: p.cfg.Binary, Args: args}
}

// ExportCommand returns the slashing protection export argv. Prysm only
// takes a directory and picks the file name itself.
func (p *Prysm) ExportCommand(dir string) Command {
	args := []string{
		"slashing-protection-history", "export",
		"--accept-terms-of-use",
		"--datadir", p.cfg.DataDir,
		"--slashing-protection-export-dir", dir,
	}
	args = append(args, p.networkArgs()...)
	return Command{Path: p.cfg.Binary, Args: args}
}

// ExportedFile renames prysm's export to the canonical interchange name
// and returns the resulting path.
func (p *Prysm) ExportedFile(dir string) (string, error) {
	src := filepath.Join(dir, prysmExportName)
	dst := filepath.Join(dir, backup.SlashingProtectionFile)
	if err := os.Rename(src, dst); err != nil {
		return "", types.Classifyf(types.KindSafetyCritical, "locating prysm slashing protection export: %v", err)
	}
	return dst, nil
}

// ReadinessChecker probes the gRPC gateway port. A plain TCP connect is
// the cheapest signal that the validator process is serving.
func (p *Prysm) ReadinessChecker() health.Checker {
	return health.NewTCPChecker(p.cfg.HealthAddr)
}

// BeaconHealthy reports whether the beacon node at endpoint is usable.
// Uses the standard beacon API health endpoint, which returns 200 only
// once the node is synced.
func (p *Prysm) BeaconHealthy(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/eth/v1/node/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// addrPort extracts the port from a host:port address, falling back to
// the raw string when it does not parse.
func addrPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}
