//go:build windows

package config

import (
	"errors"
	"fmt"
	"os"
)

func openConfigFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("config: failed to open config file: %w", err)
	}
	return f, nil
}

// checkFileOwnership is a no-op on Windows; ACLs are not inspected.
func checkFileOwnership(info os.FileInfo) error {
	return nil
}
