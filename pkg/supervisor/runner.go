package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stakewatch/warden/pkg/log"
	"github.com/stakewatch/warden/pkg/types"
	"github.com/stakewatch/warden/pkg/validator"
)

// ExitStatus describes how a supervised process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
}

// Runner owns one live validator client process. It is created by
// StartProcess and becomes inert once the process exits.
type Runner struct {
	cmd     *exec.Cmd
	logFile *os.File
	done    chan ExitStatus
}

// StartProcess launches the command with stdout and stderr appended to
// the log file at logPath. The child is placed in its own process group
// and receives SIGHUP if the daemon dies first.
func StartProcess(command validator.Command, logPath string) (*Runner, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening client log file: %w", err)
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGHUP,
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, types.Classifyf(types.KindTransient, "launching validator client: %v", err)
	}

	r := &Runner{
		cmd:     cmd,
		logFile: logFile,
		done:    make(chan ExitStatus, 1),
	}
	go r.wait()
	return r, nil
}

func (r *Runner) wait() {
	err := r.cmd.Wait()
	r.logFile.Close()

	var status ExitStatus
	if err == nil {
		status = ExitStatus{Code: 0}
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		ws := exitErr.Sys().(syscall.WaitStatus)
		if ws.Signaled() {
			status = ExitStatus{Code: -1, Signaled: true, Signal: ws.Signal().String()}
		} else {
			status = ExitStatus{Code: ws.ExitStatus()}
		}
	} else {
		status = ExitStatus{Code: -1}
	}

	r.done <- status
	close(r.done)
}

// PID returns the child process id.
func (r *Runner) PID() int {
	return r.cmd.Process.Pid
}

// Done delivers the exit status exactly once.
func (r *Runner) Done() <-chan ExitStatus {
	return r.done
}

// Terminate performs a graceful stop: SIGTERM, wait out the grace
// period, repeat once, then SIGKILL. It returns the exit status.
func (r *Runner) Terminate(ctx context.Context, grace, finalGrace time.Duration) ExitStatus {
	logger := log.WithComponent("supervisor")

	r.signal(unix.SIGTERM)
	if status, ok := r.waitFor(ctx, grace); ok {
		return status
	}

	logger.Warn().
		Dur("grace", grace).
		Msg("Client did not exit within grace period, retrying SIGTERM")
	r.signal(unix.SIGTERM)
	if status, ok := r.waitFor(ctx, finalGrace); ok {
		return status
	}

	logger.Warn().Msg("Client still running, sending SIGKILL")
	r.signal(unix.SIGKILL)
	return <-r.done
}

func (r *Runner) signal(sig unix.Signal) {
	// Signal the whole process group so client helpers die too.
	_ = unix.Kill(-r.cmd.Process.Pid, sig)
}

func (r *Runner) waitFor(ctx context.Context, d time.Duration) (ExitStatus, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case status := <-r.done:
		return status, true
	case <-timer.C:
		return ExitStatus{}, false
	case <-ctx.Done():
		return ExitStatus{}, false
	}
}

// classifyExit maps an exit status onto the error taxonomy. Exits in
// the sysexits configuration range mean the client will not come back
// without operator changes; everything else is retried.
func classifyExit(status ExitStatus) types.ErrorKind {
	if status.Signaled {
		return types.KindTransient
	}
	// sysexits.h: EX_USAGE (64) through EX_CONFIG (78).
	if status.Code >= 64 && status.Code <= 78 {
		return types.KindFatalConfig
	}
	return types.KindTransient
}

// runCommand executes a short-lived client subcommand such as a
// slashing protection import or export.
func runCommand(ctx context.Context, command validator.Command, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", command.Path, err, firstLine(out))
	}
	return nil
}

func firstLine(out []byte) string {
	for i, b := range out {
		if b == '\n' {
			return string(out[:i])
		}
	}
	return string(out)
}
