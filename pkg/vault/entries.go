package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/internal/flock"
	"github.com/forest6511/stellar/pkg/archive"
	"github.com/forest6511/stellar/pkg/audit"
	"github.com/forest6511/stellar/pkg/crypto"
)

// Add moves the file or directory at path into the vault. Directories are
// packed into a single archive first. The blob is written before the index
// and the source is removed last, so a failure never loses data.
//
// If everything but the source removal succeeds, Add returns the new entry
// together with an error describing the removal failure.
func (v *Vault) Add(path, password string) (*Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	lock, err := v.begin(flock.Exclusive)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("vault: failed to stat source: %w", err)
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	if err := v.checkOutsideVault(path); err != nil {
		return nil, err
	}
	name := filepath.Base(filepath.Clean(path))

	key, _, ix, err := v.unlock(password)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	if ix.byName(name) != nil {
		err := fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		v.auditError(key, audit.OpEntryAdd, name, errorCode(err), err)
		return nil, err
	}

	var data []byte
	var size uint64
	if info.IsDir() {
		if size, err = treeSize(path); err == nil {
			data, err = archive.Pack(path)
		}
	} else {
		data, err = os.ReadFile(path)
		size = uint64(len(data))
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read source: %w", err)
	}

	entry := &Entry{
		ID:          uuid.NewString(),
		Name:        name,
		Size:        size,
		AddedAt:     time.Now().UTC(),
		IsDirectory: info.IsDir(),
	}

	sealed, err := crypto.Seal(key, data)
	crypto.SecureWipe(data)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to encrypt entry: %w", err)
	}

	if err := v.checkDiskSpaceForWrite(int64(len(sealed))); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(v.dataPath(), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create data directory: %w", err)
	}

	blobPath := v.blobPath(entry.ID)
	if err := atomicfile.WriteFile(blobPath, sealed, FileMode); err != nil {
		return nil, fmt.Errorf("vault: failed to write blob: %w", err)
	}

	if err := ix.insert(entry); err != nil {
		os.Remove(blobPath)
		return nil, err
	}
	if err := v.writeIndex(v.indexPath(), key, ix); err != nil {
		os.Remove(blobPath)
		return nil, err
	}

	v.logger.Debug("entry added", "name", name, "size", entry.Size, "directory", entry.IsDirectory)
	v.auditSuccess(key, audit.OpEntryAdd, name)

	out := *entry
	if err := removeSource(path, info.IsDir()); err != nil {
		v.logger.Warn("entry stored but source could not be removed", "error", err)
		return &out, fmt.Errorf("vault: entry stored but failed to remove source: %w", err)
	}
	return &out, nil
}

// checkOutsideVault refuses a source that is the vault directory, lies
// inside it, or contains it. Removing such a source would destroy the vault.
func (v *Vault) checkOutsideVault(path string) error {
	src, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("vault: failed to resolve source: %w", err)
	}
	root, err := resolvePath(v.path)
	if err != nil {
		return fmt.Errorf("vault: failed to resolve vault path: %w", err)
	}
	if isWithin(root, src) || isWithin(src, root) {
		return fmt.Errorf("%w: %s", ErrSourceInVault, path)
	}
	return nil
}

func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// isWithin reports whether path is root or below it.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// treeSize sums the sizes of the regular files below dir.
func treeSize(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}

func removeSource(path string, dir bool) error {
	if dir {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

// List returns every entry sorted by name. Only the index is decrypted.
func (v *Vault) List(password string) ([]*Entry, error) {
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

	v.auditSuccess(key, audit.OpEntryList, "")
	return ix.sorted(), nil
}

// Extract decrypts the entry called name into dest/name and returns that
// path. The vault is not modified. An existing dest/name is never
// overwritten.
func (v *Vault) Extract(name, password, dest string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	lock, err := v.begin(flock.Shared)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	key, _, ix, err := v.unlock(password)
	if err != nil {
		return "", err
	}
	defer key.Destroy()

	entry := ix.byName(name)
	if entry == nil {
		err := fmt.Errorf("%w: %s", ErrFileNotFound, name)
		v.auditError(key, audit.OpEntryExtract, name, errorCode(err), err)
		return "", err
	}

	target := filepath.Join(dest, entry.Name)
	if _, err := os.Lstat(target); err == nil {
		err := fmt.Errorf("%w: %s", ErrAlreadyExists, target)
		v.auditError(key, audit.OpEntryExtract, name, errorCode(err), err)
		return "", err
	}

	data, err := v.openBlob(key, entry)
	if err != nil {
		v.auditError(key, audit.OpEntryExtract, name, errorCode(err), err)
		return "", err
	}
	defer crypto.SecureWipe(data)

	if err := os.MkdirAll(dest, DirMode); err != nil {
		return "", fmt.Errorf("vault: failed to create destination: %w", err)
	}

	if entry.IsDirectory {
		err = extractDirectory(data, dest, target)
	} else {
		err = atomicfile.WriteFile(target, data, FileMode)
	}
	if err != nil {
		if errors.Is(err, archive.ErrUnsafePath) || errors.Is(err, archive.ErrInvalidArchive) {
			err = fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}
		v.auditError(key, audit.OpEntryExtract, name, errorCode(err), err)
		return "", fmt.Errorf("vault: failed to extract %s: %w", name, err)
	}

	v.logger.Debug("entry extracted", "name", name, "dest", dest)
	v.auditSuccess(key, audit.OpEntryExtract, name)
	return target, nil
}

// extractDirectory unpacks into a hidden sibling of target and renames it
// into place, so a failed unpack leaves nothing at target.
func extractDirectory(data []byte, dest, target string) error {
	tmp, err := os.MkdirTemp(dest, "."+filepath.Base(target)+atomicfile.TempMarker+"*")
	if err != nil {
		return err
	}
	if err := archive.Unpack(data, tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := atomicfile.Rename(tmp, target); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	return nil
}

// Destroy permanently removes the entry called name. The index is
// rewritten before the blob is deleted; a crash in between leaves an
// orphan blob for Repair, never an entry without data.
func (v *Vault) Destroy(name, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	lock, err := v.begin(flock.Exclusive)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	key, _, ix, err := v.unlock(password)
	if err != nil {
		return err
	}
	defer key.Destroy()

	entry := ix.byName(name)
	if entry == nil {
		err := fmt.Errorf("%w: %s", ErrFileNotFound, name)
		v.auditError(key, audit.OpEntryDestroy, name, errorCode(err), err)
		return err
	}

	delete(ix.Entries, entry.ID)
	if err := v.writeIndex(v.indexPath(), key, ix); err != nil {
		return err
	}

	if err := os.Remove(v.blobPath(entry.ID)); err != nil && !os.IsNotExist(err) {
		v.logger.Warn("entry removed from index but blob remains; run repair", "error", err)
	}

	v.logger.Debug("entry destroyed", "name", name)
	v.auditSuccess(key, audit.OpEntryDestroy, name)
	return nil
}
