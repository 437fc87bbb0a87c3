package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/internal/flock"
	"github.com/forest6511/stellar/pkg/crypto"
)

func (v *Vault) metaPath() string     { return filepath.Join(v.path, MetaFileName) }
func (v *Vault) indexPath() string    { return filepath.Join(v.path, IndexFileName) }
func (v *Vault) recoveryPath() string { return filepath.Join(v.path, RecoveryFileName) }
func (v *Vault) dataPath() string     { return filepath.Join(v.path, DataDirName) }
func (v *Vault) lockPath() string     { return filepath.Join(v.path, LockFileName) }
func (v *Vault) attemptsPath() string { return filepath.Join(v.path, AttemptsFileName) }
func (v *Vault) auditPath() string    { return filepath.Join(v.path, AuditDirName) }
func (v *Vault) stagingPath() string  { return filepath.Join(v.path, StagingDirName) }

func (v *Vault) blobPath(id string) string {
	return filepath.Join(v.dataPath(), id+BlobExtension)
}

// index is the decrypted catalog. It only ever exists on disk sealed under
// the master key.
type index struct {
	Entries map[string]*Entry `json:"entries"`
}

func newIndex() *index {
	return &index{Entries: make(map[string]*Entry)}
}

func (ix *index) byName(name string) *Entry {
	for _, e := range ix.Entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// insert adds e, enforcing name and id uniqueness.
func (ix *index) insert(e *Entry) error {
	if ix.byName(e.Name) != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, e.Name)
	}
	if _, ok := ix.Entries[e.ID]; ok {
		return fmt.Errorf("%w: entry id %s", ErrAlreadyExists, e.ID)
	}
	ix.Entries[e.ID] = e
	return nil
}

// sorted returns copies of the entries ordered by name.
func (ix *index) sorted() []*Entry {
	out := make([]*Entry, 0, len(ix.Entries))
	for _, e := range ix.Entries {
		c := *e
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// begin takes the vault lock in mode and settles any interrupted recover.
// Settling staging needs the exclusive lock, so a shared request is
// upgraded when staging is found.
func (v *Vault) begin(mode flock.Mode) (*flock.Lock, error) {
	if !v.IsInitialized() {
		return nil, ErrVaultNotFound
	}

	lock, err := flock.Acquire(v.lockPath(), mode)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to acquire lock: %w", err)
	}

	if !v.hasStaging() {
		return lock, nil
	}

	if mode == flock.Shared {
		lock.Unlock()
		lock, err = flock.Acquire(v.lockPath(), flock.Exclusive)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to acquire lock: %w", err)
		}
	}
	if err := v.resolvePending(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return lock, nil
}

func (v *Vault) readMeta() (*Meta, error) {
	data, err := os.ReadFile(v.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("vault: failed to read metadata file: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata file: %v", ErrCorruptedData, err)
	}
	if len(meta.Salt) != crypto.SaltLength {
		return nil, fmt.Errorf("%w: metadata salt has %d bytes", ErrCorruptedData, len(meta.Salt))
	}
	return &meta, nil
}

func (v *Vault) writeMeta(path string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal metadata: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write metadata file: %w", err)
	}
	return nil
}

// readIndex opens the index with key. A tag mismatch means the key is
// wrong and is returned as crypto.ErrDecryptionFailed for the caller to
// account; malformed content is ErrCorruptedData.
func (v *Vault) readIndex(key *crypto.Key) (*index, error) {
	blob, err := os.ReadFile(v.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: index file missing", ErrCorruptedData)
		}
		return nil, fmt.Errorf("vault: failed to read index: %w", err)
	}

	data, err := crypto.Open(key, blob)
	if err != nil {
		if errors.Is(err, crypto.ErrCorruptedData) {
			return nil, fmt.Errorf("%w: index", ErrCorruptedData)
		}
		return nil, err
	}
	defer crypto.SecureWipe(data)

	ix := newIndex()
	if err := json.Unmarshal(data, ix); err != nil {
		return nil, fmt.Errorf("%w: index: %v", ErrCorruptedData, err)
	}
	if ix.Entries == nil {
		ix.Entries = make(map[string]*Entry)
	}
	return ix, nil
}

func (v *Vault) writeIndex(path string, key *crypto.Key, ix *index) error {
	data, err := json.Marshal(ix)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal index: %w", err)
	}
	defer crypto.SecureWipe(data)

	sealed, err := crypto.Seal(key, data)
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt index: %w", err)
	}
	if err := atomicfile.WriteFile(path, sealed, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write index: %w", err)
	}
	return nil
}

// unlock derives the master key and opens the index. Failed attempts feed
// the cooldown; success clears it. The caller owns the returned key.
func (v *Vault) unlock(password string) (*crypto.Key, *Meta, *index, error) {
	if remaining, err := v.checkCooldown(); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return nil, nil, nil, fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return nil, nil, nil, err
	}

	meta, err := v.readMeta()
	if err != nil {
		return nil, nil, nil, err
	}

	key := crypto.DeriveKey([]byte(password), meta.Salt)
	ix, err := v.readIndex(key)
	if err != nil {
		key.Destroy()
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, nil, nil, v.authFailed(ErrInvalidPassword)
		}
		return nil, nil, nil, err
	}

	v.authSucceeded()
	v.checkAndWarnPermissions()
	return key, meta, ix, nil
}

// authFailed records a failed attempt and returns sentinel, annotated when
// the failure started a cooldown.
func (v *Vault) authFailed(sentinel error) error {
	cooldown, err := v.recordFailedAttempt()
	if err != nil {
		v.logger.Warn("failed to record authentication attempt", "error", err)
	}
	v.logger.Debug("authentication failed", "path", v.path)
	if cooldown > 0 {
		return fmt.Errorf("%w: cooldown activated for %v", sentinel, cooldown.Round(time.Second))
	}
	return sentinel
}

func (v *Vault) authSucceeded() {
	if err := v.clearLockState(); err != nil {
		v.logger.Warn("failed to clear lock state", "error", err)
	}
}

// openBlob reads and decrypts an entry blob. The index already
// authenticated the key, so any failure here is corruption.
func (v *Vault) openBlob(key *crypto.Key, e *Entry) ([]byte, error) {
	blob, err := os.ReadFile(v.blobPath(e.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob for %s missing", ErrCorruptedData, e.Name)
		}
		return nil, fmt.Errorf("vault: failed to read blob: %w", err)
	}
	data, err := crypto.Open(key, blob)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyDestroyed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: blob for %s", ErrCorruptedData, e.Name)
	}
	return data, nil
}

func (v *Vault) hasStaging() bool {
	_, err := os.Stat(v.stagingPath())
	return err == nil
}
