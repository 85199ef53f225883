//go:build linux || darwin || freebsd || openbsd || netbsd

package audit

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// checkDiskSpace refuses to append when the log volume is nearly full.
func (l *Logger) checkDiskSpace() error {
	var stat unix.Statfs_t
	if err := unix.Statfs(l.dir, &stat); err != nil {
		if err := unix.Statfs(filepath.Dir(l.dir), &stat); err != nil {
			l.log.Warn("audit: failed to check disk space", "error", err)
			return nil
		}
	}

	available := uint64(stat.Bavail) * uint64(stat.Bsize)
	if available < MinDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d", available, MinDiskSpace)
	}
	return nil
}
