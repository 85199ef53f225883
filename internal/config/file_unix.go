//go:build !windows

package config

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// openConfigFile opens path with O_NOFOLLOW so a symlinked config is rejected.
func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if errors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("%w: %s", ErrSymlink, path)
		}
		return nil, fmt.Errorf("config: failed to open config file: %w", err)
	}
	return f, nil
}

func checkFileOwnership(info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if ok && stat.Uid != uint32(os.Getuid()) {
		return ErrNotOwnedByUser
	}
	return nil
}
