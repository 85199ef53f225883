//go:build windows

package vault

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// lockFile takes an exclusive lock on the first byte of path, creating it if
// needed. The returned func releases the lock.
func lockFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create store directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, FileMode)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open lock file: %w", err)
	}

	handle := windows.Handle(f.Fd())
	overlapped := new(windows.Overlapped)
	if err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, overlapped); err != nil {
		f.Close()
		return nil, fmt.Errorf("vault: failed to lock account file: %w", err)
	}

	return func() {
		_ = windows.UnlockFileEx(handle, 0, 1, 0, overlapped)
		f.Close()
	}, nil
}
