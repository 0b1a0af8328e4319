package state

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/takeover-io/takeover/pkg/errors"
)

// ErrLocked is returned when another process holds the migration lock.
var ErrLocked = errors.New("state: another takeover process holds the lock")

// Lock is an exclusive, non-blocking advisory lock on the state directory.
// It is held for the lifetime of the process.
type Lock struct {
	f    *os.File
	path string
}

// AcquireLock takes the lock in dir or fails immediately with ErrLocked.
func AcquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}

	path := filepath.Join(dir, LockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}

	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
		}
		return nil, errors.Wrap(err, "lock")
	}

	// Owner pid is informational only.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	slog.Debug("state_lock_acquired", "path", path, "pid", os.Getpid())
	return &Lock{f: f, path: path}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	slog.Debug("state_lock_released", "path", l.path)
	return err
}
