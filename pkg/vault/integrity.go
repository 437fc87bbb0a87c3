package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/internal/flock"
	"github.com/forest6511/stellar/pkg/audit"
	"github.com/forest6511/stellar/pkg/crypto"
)

// IntegrityCheckResult contains the results of vault integrity verification
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	MetaValid        bool     `json:"meta_valid"`
	IndexExists      bool     `json:"index_exists"`
	RecoveryValid    bool     `json:"recovery_valid"`
	PermissionsValid bool     `json:"permissions_valid"`
	NoPendingStaging bool     `json:"no_pending_staging"`
	EntriesChecked   bool     `json:"entries_checked"`
	OrphanBlobs      []string `json:"orphan_blobs,omitempty"`
	MissingBlobs     []string `json:"missing_blobs,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *IntegrityCheckResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// CheckIntegrity performs the checks that need no password:
// 1. meta.json parses and carries a 32-byte salt
// 2. index.stlr exists
// 3. recovery.stlr is present exactly when the level is Standard
// 4. file permissions are secure (0600 for files, 0700 for directories)
// 5. no recover transaction is pending
func (v *Vault) CheckIntegrity() (*IntegrityCheckResult, error) {
	if _, err := os.Stat(v.path); os.IsNotExist(err) {
		return nil, ErrVaultNotFound
	}

	lock, err := flock.Acquire(v.lockPath(), flock.Shared)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	return v.checkIntegrity(), nil
}

func (v *Vault) checkIntegrity() *IntegrityCheckResult {
	result := &IntegrityCheckResult{
		Valid:            true,
		PermissionsValid: true, // Assume valid until proven otherwise
		NoPendingStaging: true,
	}

	v.checkPermissions(result)

	var meta *Meta
	data, err := os.ReadFile(v.metaPath())
	switch {
	case os.IsNotExist(err):
		result.fail("metadata file not found: %s", v.metaPath())
	case err != nil:
		result.fail("failed to read metadata file: %v", err)
	default:
		var m Meta
		if err := json.Unmarshal(data, &m); err != nil {
			result.fail("metadata file is not valid JSON: %v", err)
		} else if m.Version == "" {
			result.fail("metadata file missing version field")
		} else if len(m.Salt) != crypto.SaltLength {
			result.fail("metadata salt has incorrect size: expected %d, got %d", crypto.SaltLength, len(m.Salt))
		} else {
			result.MetaValid = true
			meta = &m
		}
	}

	if _, err := os.Stat(v.indexPath()); err != nil {
		result.fail("index file not found: %s", v.indexPath())
	} else {
		result.IndexExists = true
	}

	_, recErr := os.Stat(v.recoveryPath())
	hasRecovery := recErr == nil
	if meta != nil {
		switch {
		case meta.SecurityLevel == Standard && !hasRecovery:
			result.fail("recovery file missing for standard vault")
		case meta.SecurityLevel == Maximum && hasRecovery:
			result.fail("recovery file present in maximum security vault")
		default:
			result.RecoveryValid = true
		}
	}

	if v.hasStaging() {
		result.NoPendingStaging = false
		result.fail("interrupted recovery pending in %s", StagingDirName)
	}

	return result
}

// checkPermissions flags group or other access on the vault directory and
// its files.
func (v *Vault) checkPermissions(result *IntegrityCheckResult) {
	if info, err := os.Stat(v.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			result.PermissionsValid = false
			result.fail("vault directory has insecure permissions: %04o (expected 0700)", perm)
		}
	}
	if info, err := os.Stat(v.dataPath()); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			result.PermissionsValid = false
			result.fail("data directory has insecure permissions: %04o (expected 0700)", perm)
		}
	}
	for _, name := range []string{MetaFileName, IndexFileName, RecoveryFileName} {
		info, err := os.Stat(filepath.Join(v.path, name))
		if err != nil {
			continue
		}
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			result.PermissionsValid = false
			result.fail("%s has insecure permissions: %04o (expected 0600)", name, perm)
		}
	}
}

// checkAndWarnPermissions logs insecure permissions without blocking the
// operation.
func (v *Vault) checkAndWarnPermissions() {
	result := &IntegrityCheckResult{PermissionsValid: true}
	v.checkPermissions(result)
	for _, msg := range result.Errors {
		v.logger.Warn(msg)
	}
}

// CheckIntegrityWithPassword runs CheckIntegrity and additionally decrypts
// the index to verify that entries and blobs under data/ are in bijection.
func (v *Vault) CheckIntegrityWithPassword(password string) (*IntegrityCheckResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	lock, err := v.begin(flock.Shared)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	key, _, ix, err := v.unlock(password)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	result := v.checkIntegrity()
	orphans, missing, err := v.scanBlobs(ix)
	if err != nil {
		return nil, err
	}
	result.EntriesChecked = true
	result.MissingBlobs = missing
	for _, name := range missing {
		result.fail("entry %s has no blob", name)
	}
	result.OrphanBlobs = orphans
	for _, id := range orphans {
		result.fail("orphan blob %s%s", id, BlobExtension)
	}
	return result, nil
}

// scanBlobs compares data/ against the index. orphans are blob ids with no
// entry; missing are entry names with no blob.
func (v *Vault) scanBlobs(ix *index) (orphans, missing []string, err error) {
	files, err := os.ReadDir(v.dataPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("vault: failed to read data directory: %w", err)
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || atomicfile.IsTemp(name) || !strings.HasSuffix(name, BlobExtension) {
			continue
		}
		id := strings.TrimSuffix(name, BlobExtension)
		present[id] = true
		if _, ok := ix.Entries[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	for id, e := range ix.Entries {
		if !present[id] {
			missing = append(missing, e.Name)
		}
	}
	return orphans, missing, nil
}

// RepairResult reports what Repair changed.
type RepairResult struct {
	OrphansRemoved []string `json:"orphans_removed,omitempty"`
	TempsRemoved   []string `json:"temps_removed,omitempty"`
	// MissingBlobs lists entries whose data is gone. They are reported, not
	// removed; Destroy drops them explicitly.
	MissingBlobs []string `json:"missing_blobs,omitempty"`
}

// Repair fixes the leftovers a crash can produce:
// - orphan blobs (from an interrupted Destroy or Add)
// - stale temporary files from interrupted atomic writes
// Pending recover transactions are settled before Repair runs, like for
// every other operation.
func (v *Vault) Repair(password string) (*RepairResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	lock, err := v.begin(flock.Exclusive)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	key, _, ix, err := v.unlock(password)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	result := &RepairResult{}

	orphans, missing, err := v.scanBlobs(ix)
	if err != nil {
		return nil, err
	}
	result.MissingBlobs = missing
	for _, id := range orphans {
		if err := os.Remove(v.blobPath(id)); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("vault: failed to remove orphan blob: %w", err)
		}
		result.OrphansRemoved = append(result.OrphansRemoved, id)
	}

	for _, dir := range []string{v.path, v.dataPath()} {
		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return result, fmt.Errorf("vault: failed to read %s: %w", dir, err)
		}
		for _, f := range files {
			if !atomicfile.IsTemp(f.Name()) {
				continue
			}
			path := filepath.Join(dir, f.Name())
			if err := os.RemoveAll(path); err != nil {
				return result, fmt.Errorf("vault: failed to remove temp file: %w", err)
			}
			result.TempsRemoved = append(result.TempsRemoved, path)
		}
	}

	if len(missing) > 0 {
		v.logger.Warn("entries without data found", "count", len(missing))
	}
	v.logger.Info("vault repaired", "orphans", len(result.OrphansRemoved), "temps", len(result.TempsRemoved))
	v.auditLog(key, audit.OpVaultRepair, audit.ResultSuccess, "", nil, map[string]any{
		"orphans": fmt.Sprint(len(result.OrphansRemoved)),
		"temps":   fmt.Sprint(len(result.TempsRemoved)),
	})
	return result, nil
}
