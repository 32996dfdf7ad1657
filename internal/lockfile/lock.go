// Package lockfile keeps a single bot instance per data directory.
//
// The running bot holds an exclusive OS lock on <dir>/proxybot.lock and
// records who it is in the file. Offline tools that rewrite the store (such
// as import) take the same lock, so they refuse to run next to a live bot.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the lock file created in the data directory.
const FileName = "proxybot.lock"

// ErrLockBusy is returned when another process holds the lock.
var ErrLockBusy = errors.New("lock already held by another process")

// LockInfo is written into the lock file by its holder.
type LockInfo struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Transport string    `json:"transport,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held exclusive lock.
type Lock struct {
	f    *os.File
	path string
}

// Path returns the lock file path for dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Acquire takes the exclusive lock in dir without blocking and records info
// in the file. It fails with an error matching ErrLockBusy when another
// process holds it.
func Acquire(dir string, info LockInfo) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	path := Path(dir)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // path is inside the data dir
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			if holder, rerr := ReadLockInfo(dir); rerr == nil {
				return nil, fmt.Errorf("%s: %w (pid %d, %s since %s)", path, ErrLockBusy,
					holder.PID, holder.Command, holder.StartedAt.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("%s: %w", path, ErrLockBusy)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(info)
	if err == nil {
		if err = f.Truncate(0); err == nil {
			_, err = f.WriteAt(data, 0)
		}
	}
	if err != nil {
		_ = unlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

// Release clears the recorded holder and drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Held reports whether some process currently holds the lock in dir, with
// the holder's info when it is readable.
func Held(dir string) (bool, *LockInfo, error) {
	f, err := os.Open(Path(dir)) //nolint:gosec // path is inside the data dir
	if errors.Is(err, os.ErrNotExist) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = f.Close() }()

	switch err := lockShared(f); {
	case errors.Is(err, ErrLockBusy):
		info, _ := ReadLockInfo(dir)
		return true, info, nil
	case err != nil:
		return false, nil, err
	}
	_ = unlock(f)
	return false, nil, nil
}

// ReadLockInfo reads the holder recorded in dir's lock file.
func ReadLockInfo(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(Path(dir)) //nolint:gosec // path is inside the data dir
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("lock file is empty")
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &info, nil
}

// Stale reports whether info names a process that is no longer running.
func (i *LockInfo) Stale() bool {
	return i != nil && !processRunning(i.PID)
}
