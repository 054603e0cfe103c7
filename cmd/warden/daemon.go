package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/backup"
	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/control"
	"github.com/stakewatch/warden/pkg/health"
	"github.com/stakewatch/warden/pkg/keys"
	"github.com/stakewatch/warden/pkg/lockfile"
	"github.com/stakewatch/warden/pkg/log"
	"github.com/stakewatch/warden/pkg/logship"
	"github.com/stakewatch/warden/pkg/metrics"
	"github.com/stakewatch/warden/pkg/storage"
	"github.com/stakewatch/warden/pkg/supervisor"
	"github.com/stakewatch/warden/pkg/tunnel"
	"github.com/stakewatch/warden/pkg/types"
	"github.com/stakewatch/warden/pkg/validator"
)

// alertRetention is how many recent alerts the broker keeps for the
// status surface and the metrics collector.
const alertRetention = 64

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor daemon",
	Long: `Run the supervisor daemon in the foreground.

The daemon starts locked: it maintains relay tunnels and answers
read-only control commands, but will not start the validator until an
operator delivers the root key password with 'warden unlock'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		return runDaemon(cfgPath)
	},
}

func runDaemon(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	logger := log.WithComponent("daemon")
	logger.Info().Str("config", cfgPath).Str("network", cfg.Network).Msg("Warden starting")

	lock, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := alerts.NewBroker(alertRetention)

	network := cfg.Validator.Network
	if network == "" {
		network = cfg.Network
	}
	adapter, err := validator.New(cfg.Validator.Client, validator.Config{
		Binary:     cfg.Validator.Binary,
		Network:    network,
		DataDir:    filepath.Join(cfg.RuntimeDir, "validator"),
		HealthAddr: cfg.Validator.HealthAddr,
	})
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Params{
		Adapter:         adapter,
		Timing:          cfg.Supervisor,
		BeaconEndpoints: cfg.Validator.BeaconEndpoints,
		DataDir:         filepath.Join(cfg.RuntimeDir, "validator"),
		LogPath:         filepath.Join(cfg.DataDir, "validator.log"),
		Broker:          broker,
		Health:          health.DefaultConfig(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemon{
		ctx:    ctx,
		cfg:    cfg,
		store:  store,
		broker: broker,
		sup:    sup,
	}

	sup.OnStateChange = func(state types.ValidatorState) {
		metrics.ObserveValidatorState(state)
		if state == types.ValidatorCrashed {
			d.persistCrash()
		}
	}

	ctrl, err := control.NewServer(d, cfg.SocketPath(), cfg.ControlUsers, cfg.ControlAdmins, broker)
	if err != nil {
		return err
	}

	d.tunnels = tunnel.NewManager(cfg.Relays, broker,
		func(host string, ln net.Listener) {
			ctrl.AddTunnelListener(host, ln)
			d.notifyTargetUp(host)
		}, nil)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.tunnels.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Control server failed")
			stop()
		}
	}()

	logFiles := map[string]string{
		"validator": filepath.Join(cfg.DataDir, "validator.log"),
	}
	for _, relay := range cfg.Relays {
		if relay.LokiPort == 0 {
			continue
		}
		tun := d.tunnels.Tunnel(relay.Host)
		client := &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return tun.DialRemote(network, addr)
				},
			},
		}
		url := fmt.Sprintf("http://127.0.0.1:%d/loki/api/v1/push", relay.LokiPort)
		shipper := logship.NewShipper(relay.Host, url, logFiles, client)
		wg.Add(1)
		go func() {
			defer wg.Done()
			shipper.Run(ctx)
		}()
	}

	collector := metrics.NewCollector(sup, d.tunnels, d, broker)
	collector.Start()
	defer collector.Stop()

	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	logger.Info().Msg("Warden running (locked)")
	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	wg.Wait()
	logger.Info().Msg("Shutdown complete")
	return nil
}

// daemon ties the subsystems together and implements the control
// server's Target. The backup manager does not exist until unlock
// delivers the root key.
type daemon struct {
	ctx     context.Context
	cfg     *config.Config
	store   storage.Store
	broker  *alerts.Broker
	sup     *supervisor.Supervisor
	tunnels *tunnel.Manager

	mu      sync.Mutex
	backups *backup.Manager
}

// Meta keys for crash accounting that survives daemon restarts.
const (
	metaCrashCount   = "crash_count"
	metaLastExitCode = "last_exit_code"
)

// persistCrash records a cumulative crash counter and the last exit
// code so a flapping host is diagnosable after the daemon itself
// restarts.
func (d *daemon) persistCrash() {
	logger := log.WithComponent("daemon")

	count := uint64(0)
	if raw, err := d.store.GetMeta(metaCrashCount); err == nil && raw != nil {
		count, _ = strconv.ParseUint(string(raw), 10, 64)
	}
	count++
	if err := d.store.PutMeta(metaCrashCount, []byte(strconv.FormatUint(count, 10))); err != nil {
		logger.Error().Err(err).Msg("Persisting crash counter failed")
	}

	code := d.sup.Status().LastExitCode
	if err := d.store.PutMeta(metaLastExitCode, []byte(strconv.Itoa(code))); err != nil {
		logger.Error().Err(err).Msg("Persisting last exit code failed")
	}
}

func (d *daemon) getBackups() *backup.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backups
}

func (d *daemon) notifyTargetUp(host string) {
	if mgr := d.getBackups(); mgr != nil {
		mgr.NotifyTargetUp(host)
	}
}

func (d *daemon) Status(ctx context.Context) control.StatusResult {
	result := control.StatusResult{
		Unlocked:  d.sup.Unlocked(),
		Validator: d.sup.Status(),
		Tunnels:   d.tunnels.Snapshot(),
	}
	if err := d.sup.LastError(); err != nil {
		result.LastError = err.Error()
	}
	if mgr := d.getBackups(); mgr != nil {
		if record, err := mgr.Verify(); err == nil {
			result.BackupVersion = record.Version
		}
	}
	return result
}

func (d *daemon) Tunnels() []types.TunnelInfo {
	return d.tunnels.Snapshot()
}

func (d *daemon) StartValidator(ctx context.Context, force bool) error {
	return d.sup.Start(ctx, force)
}

func (d *daemon) StopValidator(ctx context.Context) error {
	return d.sup.Stop(ctx)
}

func (d *daemon) RestartValidator(ctx context.Context, force bool) error {
	return d.sup.Restart(ctx, force)
}

func (d *daemon) RotateTunnel(host string) error {
	return d.tunnels.Rotate(host)
}

func (d *daemon) BackupNow(ctx context.Context) error {
	mgr := d.getBackups()
	if mgr == nil {
		return types.ErrUnlockRequired
	}
	if err := d.sup.BackupNow(ctx); err != nil {
		return err
	}
	mgr.Kick()
	return nil
}

// FetchRemoteBackup pulls a relay's replica and installs it if newer.
// Refused while the validator could be using the local record.
func (d *daemon) FetchRemoteBackup(ctx context.Context, host string) error {
	mgr := d.getBackups()
	if mgr == nil {
		return types.ErrUnlockRequired
	}
	if state := d.sup.State(); state != types.ValidatorStopped {
		return types.Classifyf(types.KindSafetyCritical,
			"validator is %s; stop it before installing a remote record", state)
	}
	_, err := mgr.FetchRemote(ctx, host)
	return err
}

// Unlock recovers the root key from the password, brings up the backup
// manager, and hands it to the supervisor. Idempotent for the correct
// password.
func (d *daemon) Unlock(ctx context.Context, password string) error {
	root, err := keys.Open(d.cfg.KeyDescriptor, password)
	if err != nil {
		return err
	}
	defer root.Zero()

	d.mu.Lock()
	if d.backups != nil {
		d.mu.Unlock()
		return nil
	}

	mgr, err := backup.NewManager(d.store, root.BackupKey(), d.broker)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	mgr.SetTargets(d.tunnels.Targets())
	d.backups = mgr
	d.mu.Unlock()

	go mgr.Run(d.ctx)
	return d.sup.Unlock(ctx, mgr)
}

func (d *daemon) ShutdownHost(ctx context.Context) error {
	logger := log.WithComponent("daemon")
	logger.Warn().Msg("Host shutdown requested over control channel")

	// Delay so the control response reaches the operator before the
	// socket goes away.
	time.AfterFunc(time.Second, func() {
		if err := exec.Command("poweroff").Run(); err != nil {
			logger.Error().Err(err).Msg("poweroff failed")
		}
	})
	return nil
}

// Verify and PendingTargets let the metrics collector read backup
// state before unlock without a nil source.
func (d *daemon) Verify() (*types.Record, error) {
	mgr := d.getBackups()
	if mgr == nil {
		return nil, types.ErrUnlockRequired
	}
	return mgr.Verify()
}

func (d *daemon) PendingTargets() []string {
	mgr := d.getBackups()
	if mgr == nil {
		return nil
	}
	return mgr.PendingTargets()
}
