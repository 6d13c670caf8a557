// Package platform holds OS-specific helpers.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInstanceAlreadyRunning indicates another process holds the lock.
var ErrInstanceAlreadyRunning = errors.New("instance already running")

// ErrInstanceLockUnsupported indicates the platform has no lock backend.
var ErrInstanceLockUnsupported = errors.New("instance lock unsupported")

// InstanceLock represents an acquired lock.
type InstanceLock interface {
	Release() error
}

// AcquireFileLock takes an exclusive, non-blocking lock on path, creating
// the file and its directory if needed. The lock dies with the process.
func AcquireFileLock(path string) (InstanceLock, error) {
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}

	// #nosec G304 -- path is derived from the operator's config.
	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	lock, err := lockFile(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return lock, nil
}
