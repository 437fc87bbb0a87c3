// Package backup provides vault backup and restore functionality.
//
// A backup is a snapshot of the vault directory (still encrypted under the
// vault key) packed with the archive codec and sealed a second time:
//
//	magic ‖ header ‖ len ‖ nonce‖ciphertext‖tag ‖ HMAC-SHA256
//
// Security:
//   - Backup salt is generated fresh for each backup (never reuses the vault salt)
//   - Outer HMAC covers header + ciphertext for tamper detection
//   - Restore unpacks into a sibling temp directory and renames it into place
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/pkg/archive"
	"github.com/forest6511/stellar/pkg/crypto"
	"github.com/forest6511/stellar/pkg/vault"
)

// ConflictMode specifies how to handle an existing vault during restore.
type ConflictMode int

const (
	// ConflictError returns ErrConflict if a vault already exists.
	ConflictError ConflictMode = iota
	// ConflictSkip leaves the existing vault untouched.
	ConflictSkip
	// ConflictOverwrite replaces the existing vault.
	ConflictOverwrite
)

// compressionXZ is recorded in the header; archive.Pack always emits xz.
const compressionXZ = "xz"

// BackupOptions configures the backup operation.
type BackupOptions struct {
	// Output is the destination writer for the backup.
	Output io.Writer
	// IncludeAudit includes the audit log in the backup.
	IncludeAudit bool
	// VaultPassword unlocks the vault for the snapshot.
	VaultPassword string
	// Password for encryption (if nil, VaultPassword is used).
	Password []byte
	// KeyFile path for encryption key (overrides Password).
	KeyFile string
}

// RestoreOptions configures the restore operation.
type RestoreOptions struct {
	// VaultPath is the target vault directory.
	VaultPath string
	// OnConflict specifies how to handle an existing vault.
	OnConflict ConflictMode
	// DryRun previews restore without making changes.
	DryRun bool
	// VerifyOnly only verifies backup integrity.
	VerifyOnly bool
	// WithAudit restores the audit log (replaces the existing one).
	WithAudit bool
	// Password for decryption.
	Password []byte
	// KeyFile path for decryption key (overrides Password).
	KeyFile string
}

// RestoreResult contains the result of a restore operation.
type RestoreResult struct {
	// VaultPath is where the vault was (or would be) restored.
	VaultPath string
	// EntriesRestored is the number of entries restored.
	EntriesRestored int
	// EntriesSkipped is the number of entries skipped because of a conflict.
	EntriesSkipped int
	// AuditRestored indicates if the audit log was restored.
	AuditRestored bool
	// DryRun indicates this was a dry run.
	DryRun bool
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	// Valid indicates the backup passed all integrity checks.
	Valid bool
	// Version is the backup format version.
	Version int
	// CreatedAt is when the backup was created.
	CreatedAt time.Time
	// SecurityLevel is the security level of the backed-up vault.
	SecurityLevel string
	// EntryCount is the number of entries in the backup.
	EntryCount int
	// IncludesAudit indicates if the audit log is included.
	IncludesAudit bool
	// Error is set if verification failed.
	Error string
}

// Backup creates an encrypted backup of the vault.
func Backup(v *vault.Vault, opts BackupOptions) error {
	if opts.Output == nil {
		return ErrNoOutput
	}

	keys, header, err := backupKeys(opts)
	if err != nil {
		return err
	}
	defer keys.Destroy()

	snap, err := v.Snapshot(opts.VaultPassword, opts.IncludeAudit)
	if err != nil {
		return fmt.Errorf("backup: failed to snapshot vault: %w", err)
	}

	payload, err := keys.seal(snap.Archive)
	if err != nil {
		return err
	}

	header.Version = FormatVersion
	header.CreatedAt = time.Now().UTC()
	header.VaultVersion = snap.Meta.Version
	header.SecurityLevel = snap.Meta.SecurityLevel.String()
	header.IncludesAudit = snap.IncludesAudit
	header.EntryCount = snap.Entries
	header.Compression = compressionXZ

	out, err := encodeFrame(header, payload, keys)
	if err != nil {
		return err
	}
	if _, err := opts.Output.Write(out); err != nil {
		return fmt.Errorf("backup: failed to write backup: %w", err)
	}
	return nil
}

// backupKeys derives the keys for a new backup and returns a header with
// the matching mode and KDF parameters filled in.
func backupKeys(opts BackupOptions) (*sealKeys, *Header, error) {
	if opts.KeyFile != "" {
		keys, err := keyFileKeys(opts.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		return keys, &Header{Mode: ModeKeyFile}, nil
	}

	password := opts.Password
	if password == nil {
		password = []byte(opts.VaultPassword)
	}
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, nil, fmt.Errorf("backup: failed to generate salt: %w", err)
	}
	keys, err := passwordKeys(password, salt)
	if err != nil {
		return nil, nil, err
	}
	return keys, &Header{Mode: ModePassword, KDF: passwordKDF(salt)}, nil
}

// Restore restores a vault from an encrypted backup.
func Restore(backupPath string, opts RestoreOptions) (*RestoreResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read backup file: %w", err)
	}

	header, archiveData, err := verifyAndDecrypt(data, opts.Password, opts.KeyFile)
	if err != nil {
		return nil, err
	}

	vaultPath := opts.VaultPath
	if vaultPath == "" {
		vaultPath = DefaultVaultPath()
	}

	if opts.VerifyOnly {
		return &RestoreResult{VaultPath: vaultPath, DryRun: true}, nil
	}

	if opts.DryRun {
		result := &RestoreResult{
			VaultPath:       vaultPath,
			EntriesRestored: header.EntryCount,
			AuditRestored:   header.IncludesAudit && opts.WithAudit,
			DryRun:          true,
		}
		if exists(vaultPath) && opts.OnConflict == ConflictSkip {
			result.EntriesRestored = 0
			result.EntriesSkipped = header.EntryCount
			result.AuditRestored = false
		}
		return result, nil
	}

	return performRestore(vaultPath, opts, header, archiveData)
}

// Verify checks backup integrity without restoring.
func Verify(backupPath string, password []byte, keyFile string) (*VerifyResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	header, _, err := verifyAndDecrypt(data, password, keyFile)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	return &VerifyResult{
		Valid:         true,
		Version:       header.Version,
		CreatedAt:     header.CreatedAt,
		SecurityLevel: header.SecurityLevel,
		EntryCount:    header.EntryCount,
		IncludesAudit: header.IncludesAudit,
	}, nil
}

// verifyAndDecrypt checks the frame HMAC and returns the decrypted archive.
func verifyAndDecrypt(data []byte, password []byte, keyFile string) (*Header, []byte, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return nil, nil, err
	}

	keys, err := restoreKeys(f.header, password, keyFile)
	if err != nil {
		return nil, nil, err
	}
	defer keys.Destroy()

	if !keys.verify(f.signed, f.mac) {
		return nil, nil, ErrIntegrityFailed
	}
	archiveData, err := keys.open(f.payload)
	if err != nil {
		return nil, nil, err
	}
	return f.header, archiveData, nil
}

// restoreKeys picks the key source for an existing backup. A key file
// always wins; otherwise the header must describe a password backup.
func restoreKeys(h *Header, password []byte, keyFile string) (*sealKeys, error) {
	switch {
	case keyFile != "":
		return keyFileKeys(keyFile)
	case h.Mode == ModePassword && h.KDF != nil:
		if !h.KDF.matches() {
			return nil, fmt.Errorf("%w: unsupported KDF parameters", ErrUnsupportedVersion)
		}
		return passwordKeys(password, h.KDF.Salt)
	default:
		return nil, fmt.Errorf("backup: %s-mode backup requires a key file", h.Mode)
	}
}

// DefaultVaultPath returns the default vault path (~/.stellar).
func DefaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stellar"
	}
	return filepath.Join(home, ".stellar")
}

// performRestore unpacks the archive next to vaultPath and swaps it in.
func performRestore(vaultPath string, opts RestoreOptions, header *Header, archiveData []byte) (*RestoreResult, error) {
	existing := exists(vaultPath)
	if existing {
		switch opts.OnConflict {
		case ConflictError:
			return nil, fmt.Errorf("%w: %s", ErrConflict, vaultPath)
		case ConflictSkip:
			return &RestoreResult{
				VaultPath:      vaultPath,
				EntriesSkipped: header.EntryCount,
			}, nil
		}
	}

	parent := filepath.Dir(vaultPath)
	if err := os.MkdirAll(parent, vault.DirMode); err != nil {
		return nil, fmt.Errorf("backup: failed to create parent directory: %w", err)
	}

	// Same parent as the target so the final rename never crosses devices.
	tempDir, err := os.MkdirTemp(parent, ".stellar-restore-*")
	if err != nil {
		return nil, fmt.Errorf("backup: failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := os.Chmod(tempDir, vault.DirMode); err != nil {
		return nil, fmt.Errorf("backup: failed to set temp directory permissions: %w", err)
	}

	if err := archive.Unpack(archiveData, tempDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, vault.MetaFileName)); err != nil {
		return nil, ErrInvalidSnapshot
	}

	auditRestored := header.IncludesAudit && opts.WithAudit
	if !opts.WithAudit {
		if err := os.RemoveAll(filepath.Join(tempDir, vault.AuditDirName)); err != nil {
			return nil, fmt.Errorf("backup: failed to drop audit log: %w", err)
		}
	}

	if existing {
		if err := swapIn(tempDir, vaultPath); err != nil {
			return nil, err
		}
	} else if err := atomicfile.Rename(tempDir, vaultPath); err != nil {
		return nil, fmt.Errorf("backup: failed to restore vault: %w", err)
	}

	return &RestoreResult{
		VaultPath:       vaultPath,
		EntriesRestored: header.EntryCount,
		AuditRestored:   auditRestored,
	}, nil
}

// swapIn replaces vaultPath with src. The old vault is moved aside first
// and put back if the second rename fails.
func swapIn(src, vaultPath string) error {
	old := vaultPath + ".old-" + time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(vaultPath, old); err != nil {
		return fmt.Errorf("backup: failed to move existing vault aside: %w", err)
	}
	if err := atomicfile.Rename(src, vaultPath); err != nil {
		if rerr := os.Rename(old, vaultPath); rerr != nil {
			return errors.Join(
				fmt.Errorf("backup: failed to restore vault: %w", err),
				fmt.Errorf("backup: previous vault left at %s: %w", old, rerr),
			)
		}
		return fmt.Errorf("backup: failed to restore vault: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("backup: restored, but failed to remove previous vault at %s: %w", old, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
