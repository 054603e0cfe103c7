// Package lockfile enforces the single-supervisor-instance invariant
// with an OS advisory lock. The flock is tied to the file descriptor,
// so the kernel releases it when the holding process dies for any
// reason; the recorded PID is advisory, for operators inspecting a
// contended lock.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/stakewatch/warden/pkg/types"
)

// Lock is a held exclusive advisory lock on a well-known file.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the exclusive lock, failing immediately with
// types.ErrLockHeld if another live process holds it. The owner PID is
// written into the file after the lock is held so the write can never
// race another owner.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		owner := readOwner(f)
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, types.Classifyf(types.KindSafetyCritical,
				"%w (pid %d)", types.ErrLockHeld, owner)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write owner pid: %w", err)
	}

	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. The file stays behind: unlinking it could
// race a successor that has already locked the old inode, leaving two
// holders on differently-named files. Acquire reclaims a leftover file
// the same way it reclaims one from a crashed holder.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

func readOwner(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
