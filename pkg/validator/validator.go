package validator

import (
	"context"

	"github.com/stakewatch/warden/pkg/health"
	"github.com/stakewatch/warden/pkg/types"
)

// Supported client implementations.
const (
	ClientLighthouse = "lighthouse"
	ClientPrysm      = "prysm"
)

// Config describes how to run one validator client.
type Config struct {
	// Binary is the path to the client executable.
	Binary string

	// Network is the Ethereum network name, e.g. "mainnet" or "prater".
	Network string

	// DataDir is the canonical validator data directory. It holds the
	// keystores and receives the slashing protection file on import.
	DataDir string

	// HealthAddr is the client's local API address in host:port form.
	HealthAddr string
}

// Command is an argv to execute. Adapters only construct commands; the
// supervisor owns execution.
type Command struct {
	Path string
	Args []string
}

// String renders the command for logging.
func (c Command) String() string {
	s := c.Path
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Adapter abstracts over validator client implementations. All methods
// are pure except the beacon probe.
type Adapter interface {
	// Name returns the client implementation name.
	Name() string

	// RunCommand returns the argv for the long-running validator
	// process, wired to the given beacon endpoint.
	RunCommand(beaconEndpoint string) Command

	// ImportCommand returns the argv that imports the slashing
	// protection interchange file at path into the data dir.
	ImportCommand(path string) Command

	// ExportCommand returns the argv that exports slashing protection
	// into dir. The produced file name is client-specific; call
	// ExportedFile to locate and normalize it.
	ExportCommand(dir string) Command

	// ExportedFile returns the path of the interchange file produced
	// by ExportCommand in dir, renaming it to the canonical name if
	// the client uses a different one.
	ExportedFile(dir string) (string, error)

	// ReadinessChecker probes the client's own API.
	ReadinessChecker() health.Checker

	// BeaconHealthy reports whether the beacon endpoint is synced and
	// usable for attestation duties.
	BeaconHealthy(ctx context.Context, endpoint string) bool
}

// New constructs the adapter for the configured client.
func New(client string, cfg Config) (Adapter, error) {
	switch client {
	case ClientLighthouse:
		return NewLighthouse(cfg), nil
	case ClientPrysm:
		return NewPrysm(cfg), nil
	default:
		return nil, types.Classifyf(types.KindFatalConfig, "unsupported validator client %q", client)
	}
}

// FindHealthyBeacon returns the first endpoint the adapter reports as
// usable, or an empty string when none are.
func FindHealthyBeacon(ctx context.Context, adapter Adapter, endpoints []string) string {
	for _, endpoint := range endpoints {
		if adapter.BeaconHealthy(ctx, endpoint) {
			return endpoint
		}
	}
	return ""
}
