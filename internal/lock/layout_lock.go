// Package lock serializes simrig invocations that share a workspace layout.
package lock

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/zeebo/blake3"
)

// ErrLocked is returned when another process holds the layout lock.
var ErrLocked = errors.New("workspace layout is in use by another simrig process")

// LayoutLock is an exclusive flock(2) on a file derived from a layout root.
// Keep the lock alive by keeping the file descriptor open.
type LayoutLock struct {
	path string
	f    *os.File
}

// PathFor returns the lock file for layoutRoot inside dir. The lock lives
// outside the layout so Clean never removes it.
func PathFor(dir, layoutRoot string) string {
	sum := blake3.Sum256([]byte(filepath.Clean(layoutRoot)))
	return filepath.Join(dir, "simrig-"+hex.EncodeToString(sum[:8])+".lock")
}

// DefaultDir is where layout locks are kept.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "simrig-locks")
}

// Acquire takes a non-blocking exclusive lock for layoutRoot, writes the
// current PID and the root into the lock file, and returns a handle that
// must be released.
func Acquire(dir, layoutRoot string) (*LayoutLock, error) {
	if layoutRoot == "" {
		return nil, fmt.Errorf("layout root is empty")
	}
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockPath := PathFor(dir, layoutRoot)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, layoutRoot)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	release := func(err error) (*LayoutLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	if err := f.Truncate(0); err != nil {
		return release(fmt.Errorf("truncate lock file: %w", err))
	}
	if _, err := f.Seek(0, 0); err != nil {
		return release(fmt.Errorf("seek lock file: %w", err))
	}
	if _, err := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), layoutRoot); err != nil {
		return release(fmt.Errorf("write pid: %w", err))
	}
	if err := f.Sync(); err != nil {
		return release(fmt.Errorf("sync lock file: %w", err))
	}

	return &LayoutLock{path: lockPath, f: f}, nil
}

func (l *LayoutLock) Path() string { return l.path }

func (l *LayoutLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
