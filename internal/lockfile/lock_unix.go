//go:build unix

package lockfile

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// lockExclusive acquires an exclusive non-blocking lock on the file.
// Returns ErrLockBusy if any lock (shared or exclusive) is already held.
func lockExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrLockBusy
	}
	return err
}

// lockShared acquires a shared non-blocking lock on the file.
// Returns ErrLockBusy if an exclusive lock is already held.
func lockShared(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrLockBusy
	}
	return err
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// processRunning checks if a process with the given PID is running.
func processRunning(pid int) bool {
	if pid <= 0 {
		return false // 0 would signal our process group
	}
	return syscall.Kill(pid, 0) == nil
}
