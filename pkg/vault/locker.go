package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/internal/diskspace"
	"github.com/forest6511/stellar/pkg/crypto"
	"github.com/forest6511/stellar/pkg/security"
)

// LockedPath returns the path LockFile writes for path: report.pdf becomes
// report.pdf.stlr and README becomes README.stlr.
func LockedPath(path string) string {
	return path + BlobExtension
}

// UnlockedPath strips the .stlr suffix, or returns ErrNotVaultFile.
func UnlockedPath(path string) (string, error) {
	if !strings.HasSuffix(path, BlobExtension) || len(path) == len(BlobExtension) {
		return "", fmt.Errorf("%w: %s", ErrNotVaultFile, path)
	}
	return strings.TrimSuffix(path, BlobExtension), nil
}

// LockFile encrypts a single file in place, independent of any vault. The
// output is salt ‖ nonce ‖ ciphertext ‖ tag under a key derived from
// password. The source is deleted unless keepOriginal is set.
func LockFile(path, password string, keepOriginal bool) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("vault: failed to stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	if strings.HasSuffix(path, BlobExtension) {
		return "", fmt.Errorf("%w: %s is already locked", ErrAlreadyExists, path)
	}
	if err := security.ValidatePassword(password); err != nil {
		return "", err
	}

	target := LockedPath(path)
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyExists, target)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("vault: failed to read source: %w", err)
	}
	defer crypto.SecureWipe(data)

	if err := checkFreeSpace(target, int64(len(data))); err != nil {
		return "", err
	}

	sealed, err := crypto.EncryptWithPassword(data, []byte(password))
	if err != nil {
		return "", fmt.Errorf("vault: failed to encrypt file: %w", err)
	}
	if err := atomicfile.WriteFile(target, sealed, FileMode); err != nil {
		return "", fmt.Errorf("vault: failed to write locked file: %w", err)
	}

	if !keepOriginal {
		if err := os.Remove(path); err != nil {
			return target, fmt.Errorf("vault: file locked but failed to remove source: %w", err)
		}
	}
	return target, nil
}

// UnlockFile reverses LockFile: it decrypts path, writes the original
// file next to it and removes the locked file. An existing original is
// never overwritten.
func UnlockFile(path, password string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("vault: failed to stat locked file: %w", err)
	}
	original, err := UnlockedPath(path)
	if err != nil {
		return "", err
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("vault: failed to read locked file: %w", err)
	}
	if _, err := os.Lstat(original); err == nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyExists, original)
	}

	data, err := crypto.DecryptWithPassword(sealed, []byte(password))
	if err != nil {
		switch {
		case errors.Is(err, crypto.ErrCorruptedData):
			return "", fmt.Errorf("%w: %s", ErrCorruptedData, path)
		case errors.Is(err, crypto.ErrDecryptionFailed):
			return "", ErrInvalidPassword
		default:
			return "", fmt.Errorf("vault: failed to decrypt file: %w", err)
		}
	}
	defer crypto.SecureWipe(data)

	if err := atomicfile.WriteFile(original, data, FileMode); err != nil {
		return "", fmt.Errorf("vault: failed to write unlocked file: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return original, fmt.Errorf("vault: file unlocked but failed to remove locked file: %w", err)
	}
	return original, nil
}

// checkFreeSpace is checkDiskSpaceForWrite for writes outside a vault.
func checkFreeSpace(path string, size int64) error {
	info, err := diskspace.Stat(path)
	if err != nil {
		return nil
	}
	if err := diskspace.Check(info, size); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientDisk, err)
	}
	return nil
}
