package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewatch/warden/pkg/types"
	"github.com/stakewatch/warden/pkg/validator"
)

func shCommand(script string) validator.Command {
	return validator.Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestRunnerCleanExit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "client.log")
	runner, err := StartProcess(shCommand("exit 0"), logPath)
	require.NoError(t, err)

	select {
	case status := <-runner.Done():
		assert.Equal(t, 0, status.Code)
		assert.False(t, status.Signaled)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestRunnerExitCode(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "client.log")
	runner, err := StartProcess(shCommand("exit 7"), logPath)
	require.NoError(t, err)

	status := <-runner.Done()
	assert.Equal(t, 7, status.Code)
}

func TestRunnerTerminate(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "client.log")
	runner, err := StartProcess(shCommand("exec sleep 60"), logPath)
	require.NoError(t, err)

	start := time.Now()
	status := runner.Terminate(context.Background(), 2*time.Second, 2*time.Second)
	assert.True(t, status.Signaled)
	assert.Less(t, time.Since(start), 2*time.Second, "SIGTERM should end the process immediately")
}

func TestRunnerTerminateStubborn(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "client.log")
	// Trapping and ignoring SIGTERM forces escalation to SIGKILL. The
	// inner sleep gets killed each round but the shell survives.
	runner, err := StartProcess(shCommand("trap '' TERM; while :; do sleep 1; done"), logPath)
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	status := runner.Terminate(context.Background(), 200*time.Millisecond, 200*time.Millisecond)
	assert.True(t, status.Signaled)
	assert.Equal(t, "killed", status.Signal)
}

func TestStartProcessBadBinary(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "client.log")
	_, err := StartProcess(validator.Command{Path: "/nonexistent/binary"}, logPath)
	require.Error(t, err)
	assert.Equal(t, types.KindTransient, types.KindOf(err))
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name   string
		status ExitStatus
		want   types.ErrorKind
	}{
		{name: "clean exit", status: ExitStatus{Code: 0}, want: types.KindTransient},
		{name: "generic failure", status: ExitStatus{Code: 1}, want: types.KindTransient},
		{name: "usage error", status: ExitStatus{Code: 64}, want: types.KindFatalConfig},
		{name: "config error", status: ExitStatus{Code: 78}, want: types.KindFatalConfig},
		{name: "above sysexits range", status: ExitStatus{Code: 79}, want: types.KindTransient},
		{name: "killed", status: ExitStatus{Code: -1, Signaled: true, Signal: "killed"}, want: types.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyExit(tt.status))
		})
	}
}

func TestRunCommand(t *testing.T) {
	require.NoError(t, runCommand(context.Background(), shCommand("true"), time.Second))

	err := runCommand(context.Background(), shCommand("echo failure detail; exit 1"), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure detail")
}

func TestRestartDelay(t *testing.T) {
	base := 5 * time.Second
	limit := 5 * time.Minute

	prev := time.Duration(0)
	for n := 0; n < 40; n++ {
		d := restartDelay(n, base, limit)
		assert.GreaterOrEqual(t, d, prev, "delay must be monotonically non-decreasing")
		assert.LessOrEqual(t, d, limit)
		prev = d
	}

	assert.Equal(t, base, restartDelay(0, base, limit))
	assert.Equal(t, 2*base, restartDelay(1, base, limit))
	assert.Equal(t, limit, restartDelay(10, base, limit))
}
