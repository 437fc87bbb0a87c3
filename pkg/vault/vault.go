// Package vault provides an encrypted, password-protected store for files
// and directories.
//
// A vault is a directory holding a cleartext meta.json (salt and security
// level), an encrypted index of entries, one encrypted blob per entry under
// data/, and for Standard vaults an escrowed copy of the master key sealed
// under two recovery codes. The master key is derived from the password on
// every operation and destroyed before the operation returns.
package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/internal/flock"
	"github.com/forest6511/stellar/pkg/audit"
	"github.com/forest6511/stellar/pkg/crypto"
	"github.com/forest6511/stellar/pkg/recovery"
	"github.com/forest6511/stellar/pkg/security"
)

// Constants
const (
	MetaFileName     = "meta.json"
	IndexFileName    = "index.stlr"
	RecoveryFileName = "recovery.stlr"
	DataDirName      = "data"
	LockFileName     = ".lock"
	AttemptsFileName = "attempts.json"
	AuditDirName     = "audit"
	StagingDirName   = ".staging"
	BlobExtension    = ".stlr"

	FileMode = 0600 // Owner read/write only
	DirMode  = 0700 // Owner read/write/execute only

	// MetaVersion is written to meta.json at init.
	MetaVersion = "1.0.0"

	// Failed authentication limits
	// 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min
	CooldownThreshold1 = 5    // First cooldown threshold
	CooldownThreshold2 = 10   // Second cooldown threshold
	CooldownThreshold3 = 20   // Third cooldown threshold
	CooldownDuration1  = 30   // 30 seconds for 5 failures
	CooldownDuration2  = 300  // 5 minutes for 10 failures
	CooldownDuration3  = 1800 // 30 minutes for 20 failures
)

// Errors
var (
	ErrVaultAlreadyExists   = errors.New("vault: vault already exists at this path")
	ErrVaultNotFound        = errors.New("vault: vault not found at this path")
	ErrInvalidPassword      = errors.New("vault: invalid password")
	ErrFileNotFound         = errors.New("vault: file not found")
	ErrAlreadyExists        = errors.New("vault: already exists")
	ErrNotRegular           = errors.New("vault: not a regular file or directory")
	ErrCorruptedData        = errors.New("vault: data is corrupted")
	ErrRecoveryNotAvailable = errors.New("vault: recovery is not available for this vault")
	ErrInvalidRecoveryCode  = errors.New("vault: invalid recovery code")
	ErrRecoveryIncomplete   = errors.New("vault: interrupted recovery could not be completed")
	ErrCooldownActive       = errors.New("vault: cooldown period active")
	ErrInsufficientDisk     = errors.New("vault: insufficient disk space")
	ErrNotVaultFile         = errors.New("vault: not a vault file")
	ErrSourceInVault        = errors.New("vault: source overlaps the vault directory")

	// ErrWeakPassword is security.ErrWeakPassword, so either sentinel
	// matches with errors.Is.
	ErrWeakPassword = security.ErrWeakPassword
)

// SecurityLevel decides whether a vault escrows its master key under
// recovery codes. It is fixed at init.
type SecurityLevel int

const (
	// Standard vaults keep an escrow file and can be recovered.
	Standard SecurityLevel = iota
	// Maximum vaults never write an escrow file.
	Maximum
)

// String returns the level name as stored in meta.json.
func (l SecurityLevel) String() string {
	switch l {
	case Standard:
		return "standard"
	case Maximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// ParseSecurityLevel parses "standard" or "maximum", case-insensitively.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return Standard, nil
	case "maximum":
		return Maximum, nil
	default:
		return 0, fmt.Errorf("vault: unknown security level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l SecurityLevel) MarshalText() ([]byte, error) {
	if l != Standard && l != Maximum {
		return nil, fmt.Errorf("vault: unknown security level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *SecurityLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseSecurityLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Meta is the cleartext vault header.
type Meta struct {
	Version       string        `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	Salt          []byte        `json:"salt"`
	SecurityLevel SecurityLevel `json:"security_level"`
}

// Entry describes one stored file or directory. Entries are immutable
// between Add and Destroy.
type Entry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        uint64    `json:"size"` // plaintext bytes; for directories, the sum of regular files
	AddedAt     time.Time `json:"added_at"`
	IsDirectory bool      `json:"is_directory"`
}

// Vault manages one vault directory. It holds no key material between
// calls.
type Vault struct {
	path        string
	logger      *slog.Logger
	audit       *audit.Logger
	auditOff    bool
	auditSource string
	mu          sync.RWMutex
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithAudit enables or disables the audit log. It is enabled by default.
func WithAudit(enabled bool) Option {
	return func(v *Vault) { v.auditOff = !enabled }
}

// WithAuditSource sets the source recorded on audit events.
func WithAuditSource(source string) Option {
	return func(v *Vault) { v.auditSource = source }
}

// New creates a new Vault management object for the specified path
func New(path string, opts ...Option) *Vault {
	v := &Vault{
		path:        path,
		logger:      slog.Default(),
		auditSource: audit.SourceAPI,
	}
	for _, opt := range opts {
		opt(v)
	}
	if !v.auditOff {
		v.audit = audit.NewLogger(filepath.Join(path, AuditDirName),
			audit.WithLogger(v.logger),
			audit.WithSource(v.auditSource),
		)
	}
	return v
}

// Path returns the vault path
func (v *Vault) Path() string {
	return v.path
}

// IsInitialized reports whether meta.json exists. Init writes it last, so
// a vault with meta.json is complete.
func (v *Vault) IsInitialized() bool {
	_, err := os.Stat(v.metaPath())
	return err == nil
}

// Init creates a new vault protected by password. Standard vaults return
// freshly generated recovery codes, which the caller must show once and
// then Destroy; Maximum vaults return nil codes.
//
// Files are written in the order index, recovery, meta so that a crash
// leaves the directory uninitialized rather than half-initialized.
func (v *Vault) Init(password string, level SecurityLevel) (*recovery.Codes, error) {
	if level != Standard && level != Maximum {
		return nil, fmt.Errorf("vault: unknown security level %d", int(level))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.IsInitialized() {
		return nil, ErrVaultAlreadyExists
	}
	if err := security.ValidatePassword(password); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(v.path, DataDirName), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create vault directory: %w", err)
	}

	lock, err := flock.Acquire(v.lockPath(), flock.Exclusive)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	// Another process may have finished Init while we waited.
	if v.IsInitialized() {
		return nil, ErrVaultAlreadyExists
	}
	if err := os.RemoveAll(v.stagingPath()); err != nil {
		return nil, fmt.Errorf("vault: failed to clear staging: %w", err)
	}

	if err := v.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return nil, err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to generate salt: %w", err)
	}

	key := crypto.DeriveKey([]byte(password), salt)
	defer key.Destroy()

	if err := v.writeIndex(v.indexPath(), key, newIndex()); err != nil {
		return nil, err
	}

	var codes *recovery.Codes
	if level == Standard {
		codes, err = recovery.Generate()
		if err != nil {
			return nil, fmt.Errorf("vault: failed to generate recovery codes: %w", err)
		}
		escrow, err := codes.EncryptKey(key)
		if err != nil {
			codes.Destroy()
			return nil, fmt.Errorf("vault: failed to escrow master key: %w", err)
		}
		if err := atomicfile.WriteFile(v.recoveryPath(), escrow, FileMode); err != nil {
			codes.Destroy()
			return nil, fmt.Errorf("vault: failed to write recovery file: %w", err)
		}
	}

	meta := &Meta{
		Version:       MetaVersion,
		CreatedAt:     time.Now().UTC(),
		Salt:          salt,
		SecurityLevel: level,
	}
	if err := v.writeMeta(v.metaPath(), meta); err != nil {
		codes.Destroy()
		return nil, err
	}

	v.logger.Info("vault initialized", "path", v.path, "security_level", level.String())
	v.auditSuccess(key, audit.OpVaultInit, "")
	return codes, nil
}

// Meta returns the cleartext vault header. No password is needed.
func (v *Vault) Meta() (*Meta, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	lock, err := v.begin(flock.Shared)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	return v.readMeta()
}
