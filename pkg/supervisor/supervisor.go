package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/stakewatch/warden/pkg/alerts"
	"github.com/stakewatch/warden/pkg/backup"
	"github.com/stakewatch/warden/pkg/config"
	"github.com/stakewatch/warden/pkg/health"
	"github.com/stakewatch/warden/pkg/log"
	"github.com/stakewatch/warden/pkg/types"
	"github.com/stakewatch/warden/pkg/validator"
)

// subcommandTimeout bounds slashing protection import/export runs.
const subcommandTimeout = 2 * time.Minute

// Backups is the slice of the backup manager the supervisor needs.
type Backups interface {
	// Import unpacks the newest verified record into dataDir.
	Import(dataDir string) (*types.Record, error)

	// Export packs dataDir into a new sealed record.
	Export(dataDir string) (*types.Record, error)
}

// Params configures a Supervisor.
type Params struct {
	Adapter         validator.Adapter
	Timing          config.Supervisor
	BeaconEndpoints []string

	// DataDir is the client data directory. It must live on tmpfs so
	// decrypted state never touches durable storage.
	DataDir string

	// LogPath receives the client's stdout and stderr.
	LogPath string

	Broker *alerts.Broker

	// Backups is nil while the daemon is locked. Start refuses until
	// Unlock provides one.
	Backups Backups

	Health health.Config
}

type opKind int

const (
	opStart opKind = iota
	opStop
	opRestart
	opUnlock
	opBackupNow
	opKill
)

type request struct {
	op      opKind
	force   bool
	backups Backups
	reply   chan error
}

// Supervisor owns the validator client lifecycle. All state changes
// happen on the Run goroutine; public methods deliver requests over a
// channel and wait for the outcome.
type Supervisor struct {
	adapter   validator.Adapter
	timing    config.Supervisor
	endpoints []string
	dataDir   string
	logPath   string
	broker    *alerts.Broker
	healthCfg health.Config
	logger    zerolog.Logger

	cmds chan request

	// OnStateChange is invoked after every state transition. Set
	// before Run. May be nil.
	OnStateChange func(types.ValidatorState)

	mu      sync.Mutex
	state   types.ValidatorState
	info    types.ProcessInfo
	backups Backups
	lastErr error

	// Run-goroutine-only fields.
	runner        *Runner
	monitorCancel context.CancelFunc
	retryC        <-chan time.Time
	retryTimer    *time.Timer
	runningSince  time.Time
}

// New creates a Supervisor in the Stopped state.
func New(p Params) *Supervisor {
	return &Supervisor{
		adapter:   p.Adapter,
		timing:    p.Timing,
		endpoints: p.BeaconEndpoints,
		dataDir:   p.DataDir,
		logPath:   p.LogPath,
		broker:    p.Broker,
		healthCfg: p.Health,
		logger:    log.WithComponent("supervisor"),
		cmds:      make(chan request),
		state:     types.ValidatorStopped,
		backups:   p.Backups,
		info: types.ProcessInfo{
			State:   types.ValidatorStopped,
			DataDir: p.DataDir,
		},
	}
}

// Status returns a snapshot of the supervised process.
func (s *Supervisor) Status() types.ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// State returns the current lifecycle state.
func (s *Supervisor) State() types.ValidatorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Unlocked reports whether a backup manager is attached.
func (s *Supervisor) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backups != nil
}

// LastError returns the most recent lifecycle error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start brings the validator up. force skips the refusal on a missing
// or corrupt anti-slashing record after explicit operator confirmation.
func (s *Supervisor) Start(ctx context.Context, force bool) error {
	return s.request(ctx, request{op: opStart, force: force})
}

// Stop gracefully stops the validator. Stopping a stopped validator is
// a success.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.request(ctx, request{op: opStop})
}

// Restart stops then starts the validator.
func (s *Supervisor) Restart(ctx context.Context, force bool) error {
	return s.request(ctx, request{op: opRestart, force: force})
}

// Unlock attaches the backup manager derived from the root key.
func (s *Supervisor) Unlock(ctx context.Context, backups Backups) error {
	return s.request(ctx, request{op: opUnlock, backups: backups})
}

// BackupNow exports a fresh record. The validator must be stopped; the
// export subcommand cannot run against a live client database.
func (s *Supervisor) BackupNow(ctx context.Context) error {
	return s.request(ctx, request{op: opBackupNow})
}

func (s *Supervisor) request(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.cmds <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the state machine until the context is cancelled. On
// cancellation a live process is stopped gracefully and exported.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		var doneC <-chan ExitStatus
		if s.runner != nil {
			doneC = s.runner.Done()
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return

		case req := <-s.cmds:
			req.reply <- s.handle(ctx, req)

		case status := <-doneC:
			s.handleExit(ctx, status)

		case <-s.retryC:
			s.clearRetry()
			s.logger.Info().Msg("Crash backoff elapsed, restarting validator")
			if err := s.sealCrashed(ctx, EventRetry); err != nil {
				s.logger.Error().Err(err).Msg("Post-crash export failed, not restarting")
			} else {
				s.transition(EventStart)
				if err := s.startSequence(ctx, false); err != nil {
					s.logger.Error().Err(err).Msg("Automatic restart failed")
				}
			}
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, req request) error {
	switch req.op {
	case opStart:
		switch s.State() {
		case types.ValidatorRunning, types.ValidatorStarting:
			return nil
		}
		s.clearRetry()
		if s.State() == types.ValidatorCrashed {
			if err := s.sealCrashed(ctx, EventStart); err != nil {
				return err
			}
		}
		s.transition(EventStart)
		return s.startSequence(ctx, req.force)

	case opStop:
		s.clearRetry()
		return s.stopSequence(ctx)

	case opRestart:
		s.clearRetry()
		if err := s.stopSequence(ctx); err != nil {
			return err
		}
		s.transition(EventStart)
		return s.startSequence(ctx, req.force)

	case opUnlock:
		s.mu.Lock()
		s.backups = req.backups
		s.mu.Unlock()
		s.logger.Info().Msg("Supervisor unlocked")
		return nil

	case opBackupNow:
		if s.State() != types.ValidatorStopped {
			return types.Classifyf(types.KindSafetyCritical,
				"cannot export anti-slashing record while validator is %s", s.State())
		}
		if s.getBackups() == nil {
			return types.ErrUnlockRequired
		}
		return s.export(ctx)

	case opKill:
		if s.runner != nil {
			s.runner.signal(unix.SIGTERM)
		}
		return nil
	}
	return fmt.Errorf("unknown supervisor request %d", req.op)
}

// startSequence runs Importing then Starting. The caller has already
// transitioned to Importing.
func (s *Supervisor) startSequence(ctx context.Context, force bool) error {
	if s.getBackups() == nil {
		s.transition(EventStop)
		return types.ErrUnlockRequired
	}

	if err := s.importRecord(ctx, force); err != nil {
		s.transition(EventImportFailed)
		s.setErr(err)
		return err
	}
	s.transition(EventImportDone)

	if err := s.launch(ctx); err != nil {
		s.transition(EventExit)
		s.setErr(err)
		s.onCrash(types.KindOf(err))
		return err
	}

	s.transition(EventReady)
	s.runningSince = time.Now()
	s.startMonitor(ctx)
	return nil
}

// importRecord restores the newest record into the data dir and feeds
// the interchange file to the client. A missing record on first run is
// a no-op; a corrupt one refuses the start unless forced.
func (s *Supervisor) importRecord(ctx context.Context, force bool) error {
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	rec, err := s.getBackups().Import(s.dataDir)
	if errors.Is(err, types.ErrRecordMissing) {
		s.logger.Info().Msg("No anti-slashing record, assuming first run")
		return nil
	}
	if err != nil {
		if !force {
			return err
		}
		s.logger.Warn().Err(err).Msg("Starting without anti-slashing record after operator confirmation")
		return nil
	}

	s.logger.Info().
		Uint64("version", rec.Version).
		Time("created_at", rec.CreatedAt).
		Msg("Restored anti-slashing record")

	path := filepath.Join(s.dataDir, backup.SlashingProtectionFile)
	if err := runCommand(ctx, s.adapter.ImportCommand(path), subcommandTimeout); err != nil {
		return types.Classifyf(types.KindSafetyCritical, "importing slashing protection: %v", err)
	}
	return nil
}

// launch starts the client process and waits for readiness.
func (s *Supervisor) launch(ctx context.Context) error {
	beacon := validator.FindHealthyBeacon(ctx, s.adapter, s.endpoints)
	if beacon == "" {
		return types.Classifyf(types.KindTransient, "no healthy beacon node among %d endpoints", len(s.endpoints))
	}

	command := s.adapter.RunCommand(beacon)
	s.logger.Info().
		Str("client", s.adapter.Name()).
		Str("beacon", beacon).
		Msg("Launching validator client")

	runner, err := StartProcess(command, s.logPath)
	if err != nil {
		return err
	}
	s.runner = runner
	s.setPID(runner.PID())

	readyCtx, cancel := context.WithTimeout(ctx, s.timing.ReadinessTimeout)
	defer cancel()
	if _, err := health.WaitReady(readyCtx, s.adapter.ReadinessChecker(), s.healthCfg.Interval); err != nil {
		s.logger.Error().
			Dur("timeout", s.timing.ReadinessTimeout).
			Msg("Client failed readiness check, killing")
		status := runner.Terminate(ctx, s.timing.GracePeriod, s.timing.GracePeriod)
		s.runner = nil
		s.setExit(status)
		return types.Classifyf(types.KindTransient, "client not ready within %s", s.timing.ReadinessTimeout)
	}
	return nil
}

func (s *Supervisor) startMonitor(ctx context.Context) {
	monitor := health.NewMonitor(s.adapter.ReadinessChecker(), s.healthCfg)
	monitor.OnUnhealthy = func(result health.Result) {
		s.logger.Warn().Str("message", result.Message).Msg("Restarting unhealthy validator client")
		go func() {
			_ = s.request(context.Background(), request{op: opKill})
		}()
	}

	monCtx, cancel := context.WithCancel(ctx)
	s.monitorCancel = cancel
	go monitor.Run(monCtx)
}

func (s *Supervisor) stopMonitor() {
	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}
}

// stopSequence takes a live process through Stopping and Exporting.
func (s *Supervisor) stopSequence(ctx context.Context) error {
	switch s.State() {
	case types.ValidatorStopped:
		return nil
	case types.ValidatorCrashed:
		return s.sealCrashed(ctx, EventStop)
	case types.ValidatorRunning, types.ValidatorStarting:
	default:
		return nil
	}

	s.transition(EventStop)
	s.stopMonitor()

	status := s.runner.Terminate(ctx, s.timing.GracePeriod, s.timing.ShutdownGrace)
	s.runner = nil
	s.setExit(status)

	s.transition(EventStopped)
	err := s.export(ctx)
	s.transition(EventExportDone)
	return err
}

// export runs the client's slashing protection export and seals the
// result into a new record. A failed export keeps the previous record.
func (s *Supervisor) export(ctx context.Context) error {
	if err := runCommand(ctx, s.adapter.ExportCommand(s.dataDir), subcommandTimeout); err != nil {
		// The interchange file restored on import may still be
		// present. Packing it loses the last run's history but beats
		// losing the record entirely.
		if _, statErr := os.Stat(filepath.Join(s.dataDir, backup.SlashingProtectionFile)); statErr != nil {
			s.broker.Raise(alerts.AlertExportFailed, types.KindSafetyCritical,
				fmt.Sprintf("slashing protection export failed: %v", err))
			s.setErr(err)
			return types.Classify(types.KindSafetyCritical, err)
		}
		s.logger.Warn().Err(err).Msg("Export subcommand failed, falling back to on-disk interchange file")
	} else if _, err := s.adapter.ExportedFile(s.dataDir); err != nil {
		s.broker.Raise(alerts.AlertExportFailed, types.KindSafetyCritical,
			fmt.Sprintf("locating slashing protection export: %v", err))
		s.setErr(err)
		return err
	}

	rec, err := s.getBackups().Export(s.dataDir)
	if err != nil {
		s.setErr(err)
		return err
	}
	s.logger.Info().Uint64("version", rec.Version).Msg("Exported anti-slashing record")
	return nil
}

// sealCrashed takes a crashed validator through Exporting so the
// crashed run's signing history is sealed into a record. The export
// subcommand runs against the dead process's on-disk state; its
// interchange-file fallback applies here too. An error means the
// history could not be sealed and the caller must not re-import.
func (s *Supervisor) sealCrashed(ctx context.Context, event Event) error {
	s.transition(event)
	err := s.export(ctx)
	s.transition(EventExportDone)
	return err
}

// handleExit deals with a process that exited without a stop request.
func (s *Supervisor) handleExit(ctx context.Context, status ExitStatus) {
	s.runner = nil
	s.stopMonitor()
	s.setExit(status)

	uptime := time.Since(s.runningSince)
	s.logger.Warn().
		Int("code", status.Code).
		Bool("signaled", status.Signaled).
		Dur("uptime", uptime).
		Msg("Validator client exited unexpectedly")

	s.transition(EventExit)
	s.broker.Raise(alerts.AlertValidatorCrashed, types.KindTransient,
		fmt.Sprintf("validator client exited with code %d after %s", status.Code, uptime.Round(time.Second)))

	kind := classifyExit(status)
	if kind == types.KindFatalConfig {
		s.broker.Raise(alerts.AlertValidatorFatal, types.KindFatalConfig,
			fmt.Sprintf("validator client exit code %d indicates a configuration problem, not restarting", status.Code))
		return
	}
	s.onCrash(kind)
}

// onCrash schedules the next restart attempt with exponential backoff.
// A sustained Running period resets the crash counter.
func (s *Supervisor) onCrash(kind types.ErrorKind) {
	if kind == types.KindFatalConfig || kind == types.KindSafetyCritical {
		return
	}

	s.mu.Lock()
	if !s.runningSince.IsZero() && time.Since(s.runningSince) >= s.timing.StableReset {
		s.info.Restarts = 0
	}
	s.runningSince = time.Time{}
	delay := restartDelay(s.info.Restarts, s.timing.RestartBackoffMin, s.timing.RestartBackoffMax)
	s.info.Restarts++
	s.mu.Unlock()

	s.logger.Info().Dur("delay", delay).Msg("Scheduling validator restart")
	s.retryTimer = time.NewTimer(delay)
	s.retryC = s.retryTimer.C
}

func (s *Supervisor) clearRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
		s.retryC = nil
	}
}

// shutdown is the context-cancelled path: graceful stop with the longer
// shutdown grace, then export.
func (s *Supervisor) shutdown() {
	s.clearRetry()
	ctx, cancel := context.WithTimeout(context.Background(), s.timing.ShutdownGrace+subcommandTimeout)
	defer cancel()
	if err := s.stopSequence(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Shutdown stop sequence failed")
	}
}

// restartDelay computes min(base*2^n, limit).
func restartDelay(restarts int, base, limit time.Duration) time.Duration {
	if restarts >= 32 {
		return limit
	}
	d := base << uint(restarts)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

func (s *Supervisor) transition(event Event) {
	s.mu.Lock()
	next, err := Next(s.state, event)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("Lifecycle transition refused")
		return
	}
	prev := s.state
	s.state = next
	s.info.State = next
	if next == types.ValidatorRunning {
		s.info.StartedAt = time.Now()
	}
	s.mu.Unlock()

	if prev != next {
		s.logger.Info().
			Str("from", string(prev)).
			Str("to", string(next)).
			Msg("Validator state changed")
		if s.OnStateChange != nil {
			s.OnStateChange(next)
		}
	}
}

func (s *Supervisor) getBackups() Backups {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backups
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) setPID(pid int) {
	s.mu.Lock()
	s.info.PID = pid
	s.mu.Unlock()
}

func (s *Supervisor) setExit(status ExitStatus) {
	s.mu.Lock()
	s.info.PID = 0
	s.info.LastExitCode = status.Code
	s.mu.Unlock()
}
