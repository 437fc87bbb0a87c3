package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the backup file has an invalid magic number.
	ErrInvalidMagic = errors.New("backup: invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates the backup format version is not supported.
	ErrUnsupportedVersion = errors.New("backup: unsupported backup format version")

	// ErrIntegrityFailed indicates the HMAC verification failed.
	ErrIntegrityFailed = errors.New("backup: integrity check failed: HMAC mismatch")

	// ErrDecryptionFailed indicates decryption failed due to invalid password or corruption.
	ErrDecryptionFailed = errors.New("backup: decryption failed: invalid password or corrupted data")

	// ErrTruncated indicates the backup file ends before its declared length.
	ErrTruncated = errors.New("backup: backup file truncated")

	// ErrConflict indicates a vault already exists at the restore target.
	ErrConflict = errors.New("backup: vault already exists at restore target")

	// ErrInvalidSnapshot indicates the decrypted archive is not a vault.
	ErrInvalidSnapshot = errors.New("backup: backup does not contain a vault")

	// ErrInvalidKeyFile indicates the key file is invalid or wrong size.
	ErrInvalidKeyFile = errors.New("backup: invalid key file: must be exactly 32 bytes")

	// ErrEmptyPassword indicates an empty password was provided.
	ErrEmptyPassword = errors.New("backup: password cannot be empty")

	// ErrNoOutput indicates Backup was called without an output writer.
	ErrNoOutput = errors.New("backup: output writer is required")
)
