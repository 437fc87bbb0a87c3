package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/internal/flock"
	"github.com/forest6511/stellar/pkg/audit"
	"github.com/forest6511/stellar/pkg/crypto"
	"github.com/forest6511/stellar/pkg/recovery"
	"github.com/forest6511/stellar/pkg/security"
)

// commitMarker is written into the staging directory once every staged
// file is durable. Its presence means the transaction must roll forward.
const commitMarker = "COMMIT"

// Recover replaces a forgotten password using both recovery codes. The
// vault is re-keyed under newPassword with a fresh salt: index, every blob
// and the escrow are re-encrypted, and two new recovery codes are returned.
// The old codes stop working.
//
// All new state is staged under .staging/ and committed with a marker
// before anything live is replaced. An interrupted commit is completed by
// the next operation on the vault.
func (v *Vault) Recover(code1, code2, newPassword string) (*recovery.Codes, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	lock, err := v.begin(flock.Exclusive)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	meta, err := v.readMeta()
	if err != nil {
		return nil, err
	}
	if meta.SecurityLevel == Maximum {
		return nil, ErrRecoveryNotAvailable
	}
	escrow, err := os.ReadFile(v.recoveryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecoveryNotAvailable
		}
		return nil, fmt.Errorf("vault: failed to read recovery file: %w", err)
	}

	if err := security.ValidatePassword(newPassword); err != nil {
		return nil, err
	}

	if remaining, err := v.checkCooldown(); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return nil, fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return nil, err
	}

	oldKey, err := recovery.DecryptKey(code1, code2, escrow)
	if err != nil {
		if errors.Is(err, recovery.ErrInvalidCode) {
			return nil, v.authFailed(ErrInvalidRecoveryCode)
		}
		return nil, fmt.Errorf("%w: recovery file: %v", ErrCorruptedData, err)
	}
	defer oldKey.Destroy()

	ix, err := v.readIndex(oldKey)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, fmt.Errorf("%w: escrowed key does not open the index", ErrCorruptedData)
		}
		return nil, err
	}
	v.authSucceeded()

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	newKey := crypto.DeriveKey([]byte(newPassword), salt)
	defer newKey.Destroy()

	codes, err := recovery.Generate()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to generate recovery codes: %w", err)
	}

	newMeta := &Meta{
		Version:       meta.Version,
		CreatedAt:     meta.CreatedAt,
		Salt:          salt,
		SecurityLevel: meta.SecurityLevel,
	}
	if err := v.stageRecovery(oldKey, newKey, newMeta, ix, codes); err != nil {
		codes.Destroy()
		if rmErr := os.RemoveAll(v.stagingPath()); rmErr != nil {
			v.logger.Warn("failed to discard staging", "error", rmErr)
		}
		return nil, err
	}

	if err := v.rollForward(); err != nil {
		codes.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrRecoveryIncomplete, err)
	}

	v.logger.Info("vault recovered", "path", v.path, "entries", len(ix.Entries))
	v.auditLog(newKey, audit.OpVaultRecover, audit.ResultSuccess, "", nil,
		map[string]any{"entries": fmt.Sprint(len(ix.Entries))})
	return codes, nil
}

// stageRecovery writes the complete re-keyed vault into the staging
// directory and commits it.
func (v *Vault) stageRecovery(oldKey, newKey *crypto.Key, meta *Meta, ix *index, codes *recovery.Codes) error {
	staging := v.stagingPath()
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("vault: failed to clear staging: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(staging, DataDirName), DirMode); err != nil {
		return fmt.Errorf("vault: failed to create staging: %w", err)
	}

	var total int64
	for _, e := range ix.Entries {
		total += int64(e.Size)
	}
	if err := v.checkDiskSpaceForWrite(total); err != nil {
		return err
	}

	for _, e := range ix.Entries {
		data, err := v.openBlob(oldKey, e)
		if err != nil {
			return err
		}
		sealed, err := crypto.Seal(newKey, data)
		crypto.SecureWipe(data)
		if err != nil {
			return fmt.Errorf("vault: failed to re-encrypt %s: %w", e.Name, err)
		}
		dst := filepath.Join(staging, DataDirName, e.ID+BlobExtension)
		if err := atomicfile.WriteFile(dst, sealed, FileMode); err != nil {
			return fmt.Errorf("vault: failed to stage blob: %w", err)
		}
	}

	if err := v.writeIndex(filepath.Join(staging, IndexFileName), newKey, ix); err != nil {
		return err
	}

	escrow, err := codes.EncryptKey(newKey)
	if err != nil {
		return fmt.Errorf("vault: failed to escrow master key: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(staging, RecoveryFileName), escrow, FileMode); err != nil {
		return fmt.Errorf("vault: failed to stage recovery file: %w", err)
	}

	if v.audit != nil {
		stagedAudit := filepath.Join(staging, AuditDirName)
		if _, err := v.audit.Rekey(oldKey, newKey, stagedAudit); err != nil {
			if !errors.Is(err, audit.ErrChainInvalid) {
				return fmt.Errorf("vault: failed to re-key audit log: %w", err)
			}
			// A broken chain is kept as evidence rather than re-signed.
			v.logger.Warn("audit chain does not verify; leaving audit log under the old key")
			if err := os.RemoveAll(stagedAudit); err != nil {
				return fmt.Errorf("vault: failed to discard staged audit log: %w", err)
			}
		}
	}

	if err := v.writeMeta(filepath.Join(staging, MetaFileName), meta); err != nil {
		return err
	}

	if err := atomicfile.WriteFile(filepath.Join(staging, commitMarker), nil, FileMode); err != nil {
		return fmt.Errorf("vault: failed to commit recovery: %w", err)
	}
	return nil
}

// rollForward moves committed staged files into place. Files already moved
// are skipped, so it can be repeated after a crash. meta.json goes last.
func (v *Vault) rollForward() error {
	staging := v.stagingPath()

	blobs, err := os.ReadDir(filepath.Join(staging, DataDirName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to read staged blobs: %w", err)
	}
	if len(blobs) > 0 {
		if err := os.MkdirAll(v.dataPath(), DirMode); err != nil {
			return fmt.Errorf("vault: failed to create data directory: %w", err)
		}
	}
	for _, b := range blobs {
		if b.IsDir() || atomicfile.IsTemp(b.Name()) {
			continue
		}
		src := filepath.Join(staging, DataDirName, b.Name())
		if err := atomicfile.Rename(src, filepath.Join(v.dataPath(), b.Name())); err != nil {
			return err
		}
	}

	for _, name := range []string{IndexFileName, RecoveryFileName} {
		if err := renameIfExists(filepath.Join(staging, name), filepath.Join(v.path, name)); err != nil {
			return err
		}
	}

	stagedAudit := filepath.Join(staging, AuditDirName)
	if _, err := os.Stat(stagedAudit); err == nil {
		if err := os.RemoveAll(v.auditPath()); err != nil {
			return fmt.Errorf("vault: failed to replace audit log: %w", err)
		}
		if err := atomicfile.Rename(stagedAudit, v.auditPath()); err != nil {
			return err
		}
	}

	if err := renameIfExists(filepath.Join(staging, MetaFileName), v.metaPath()); err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(staging, commitMarker)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to clear commit marker: %w", err)
	}
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("vault: failed to remove staging: %w", err)
	}
	return atomicfile.SyncDir(v.path)
}

func renameIfExists(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return atomicfile.Rename(src, dst)
}

// resolvePending settles a staging directory left by an interrupted
// Recover. The caller holds the exclusive lock.
func (v *Vault) resolvePending() error {
	staging := v.stagingPath()
	if _, err := os.Stat(filepath.Join(staging, commitMarker)); err == nil {
		v.logger.Warn("completing interrupted recovery", "path", v.path)
		if err := v.rollForward(); err != nil {
			return fmt.Errorf("%w: %v", ErrRecoveryIncomplete, err)
		}
		return nil
	}

	v.logger.Warn("discarding uncommitted recovery", "path", v.path)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("vault: failed to discard staging: %w", err)
	}
	return nil
}
