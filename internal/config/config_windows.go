//go:build windows

package config

import (
	"os"
)

// openConfigFile opens the config file, rejecting symlinks via Lstat
func openConfigFile(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, ErrConfigSymlink
	}
	return os.Open(path)
}

// checkFilePermissions is a no-op on Windows; ACLs are not mode bits
func checkFilePermissions(info os.FileInfo) error {
	return nil
}

// checkFileOwnership is a no-op on Windows
func checkFileOwnership(info os.FileInfo) error {
	return nil
}
