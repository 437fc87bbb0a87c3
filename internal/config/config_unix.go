//go:build !windows

package config

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// openConfigFile opens the config file with O_NOFOLLOW to reject symlinks
func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		if errors.Is(err, syscall.ELOOP) {
			return nil, ErrConfigSymlink
		}
		return nil, err
	}
	return f, nil
}

// checkFilePermissions rejects files readable or writable by group or others
func checkFilePermissions(info os.FileInfo) error {
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("%w: %o (expected 0600)", ErrConfigInsecure, perm)
	}
	return nil
}

// checkFileOwnership verifies the file is owned by the current user
func checkFileOwnership(info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if ok && stat.Uid != uint32(os.Getuid()) {
		return ErrConfigNotOwnedByUser
	}
	return nil
}
