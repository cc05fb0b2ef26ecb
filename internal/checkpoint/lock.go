// internal/checkpoint/lock.go
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is created next to the checkpoint database.
const LockFileName = ".fsstreamd.lock"

// ErrDaemonRunning is returned by Exclusive while a daemon holds the lock.
var ErrDaemonRunning = errors.New("fsstreamd is running; stop it before resetting checkpoints")

// FileLock keeps two daemons from writing checkpoints for the same state
// directory at once.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewFileLock creates a lock for the given state directory.
func NewFileLock(dir string) *FileLock {
	lockPath := filepath.Join(dir, LockFileName)
	return &FileLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// TryLock acquires the lock without blocking. It returns false when another
// process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("creating lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. It is safe to call on an unlocked FileLock.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Exclusive runs fn while holding the lock for dir. Checkpoint edits made
// outside the daemon go through here, since a running daemon would write
// its own checkpoints back over them.
func Exclusive(dir string, fn func() error) error {
	lock := NewFileLock(dir)
	ok, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDaemonRunning
	}
	defer lock.Unlock()
	return fn()
}
