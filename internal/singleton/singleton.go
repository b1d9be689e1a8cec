// Package singleton enforces the "one daemon per state directory" rule
// (spec.md §9: "PID-file + state-directory discipline enforces the
// single-instance property at the OS level, not by language construct")
// using an OS file lock rather than the teacher's manual
// read-PID-then-signal(0) staleness check. A flock is held for the life
// of the process and released by the kernel even on a crash, so there is
// no stale-lock case to detect — BeadsLog's internal/daemon/registry.go
// uses the same gofrs/flock primitive for its cross-process registry lock.
package singleton

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// Lock represents a held daemon singleton lock.
type Lock struct {
	fl      *flock.Flock
	pidFile string
}

// Acquire takes an exclusive, non-blocking lock on pidFile and records the
// current process's PID in it. Returns an error if another live daemon
// already holds the lock.
func Acquire(pidFile string) (*Lock, error) {
	fl := flock.New(pidFile)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		pid := readPID(pidFile)
		if pid > 0 {
			return nil, fmt.Errorf("another daemon is already running (pid %d)", pid)
		}
		return nil, fmt.Errorf("another daemon is already running")
	}

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return &Lock{fl: fl, pidFile: pidFile}, nil
}

// Release unlocks and removes the pid file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := l.fl.Unlock()
	_ = os.Remove(l.pidFile)
	return err
}

// IsHeld reports whether a live daemon currently holds pidFile's lock, and
// if so, the PID recorded in it (best-effort; 0 if unreadable).
func IsHeld(pidFile string) (held bool, pid int) {
	fl := flock.New(pidFile)
	ok, err := fl.TryLock()
	if err != nil {
		// Can't determine the lock state; treat conservatively as "unknown,
		// assume not held" so callers fall through to spawning a daemon that
		// will itself fail fast if one really is running.
		return false, 0
	}
	if ok {
		// We just took the lock ourselves — nobody else holds it.
		_ = fl.Unlock()
		return false, 0
	}
	return true, readPID(pidFile)
}

func readPID(pidFile string) int {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}
