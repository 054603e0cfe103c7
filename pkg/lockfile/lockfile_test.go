package lockfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewatch/warden/pkg/types"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.lock")

	l, err := Acquire(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "")

	require.NoError(t, l.Release())

	// Reacquirable after release.
	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

// TestMain lets the test binary re-exec itself as a contending locker.
func TestMain(m *testing.M) {
	if path := os.Getenv("WARDEN_LOCKFILE_HELPER"); path != "" {
		if _, err := Acquire(path); err != nil {
			os.Exit(3)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestAcquireContended(t *testing.T) {
	// Flock is per open file description, not per process, so the
	// contending holder must be a separate process.
	path := filepath.Join(t.TempDir(), "warden.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), "WARDEN_LOCKFILE_HELPER="+path)
	err = cmd.Run()
	var exitErr *exec.ExitError
	if err == nil {
		t.Fatal("second process acquired a held lock")
	}
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestReleaseKeepsFile(t *testing.T) {
	// Unlinking on release could hand two daemons the lock at once:
	// one flocked on the removed inode, one on a fresh file at the
	// same path. The file must survive release.
	path := filepath.Join(t.TempDir(), "warden.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	_, err = os.Stat(path)
	require.NoError(t, err, "lock file must not be removed on release")

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireSurvivesStaleFile(t *testing.T) {
	// A lock file left behind by a crashed holder carries no live
	// flock, so it must be reclaimable.
	path := filepath.Join(t.TempDir(), "warden.lock")
	require.NoError(t, os.WriteFile(path, []byte("99999\n"), 0o600))

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestErrLockHeldKind(t *testing.T) {
	err := types.Classifyf(types.KindSafetyCritical, "%w (pid 1)", types.ErrLockHeld)
	assert.ErrorIs(t, err, types.ErrLockHeld)
	assert.Equal(t, types.KindSafetyCritical, types.KindOf(err))
}
