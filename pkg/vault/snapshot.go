package vault

import (
	"io/fs"
	"strconv"
	"strings"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/internal/flock"
	"github.com/forest6511/stellar/pkg/archive"
	"github.com/forest6511/stellar/pkg/audit"
)

// Snapshot is a consistent, still-encrypted copy of a vault's files.
type Snapshot struct {
	Archive       []byte // archive.Pack stream of the vault directory
	Meta          *Meta
	Entries       int
	IncludesAudit bool
}

// Snapshot packs the vault directory under a shared lock. Lock, attempt
// and staging state are never included; the audit log only on request.
// The password proves ownership and yields the entry count.
func (v *Vault) Snapshot(password string, includeAudit bool) (*Snapshot, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	lock, err := v.begin(flock.Shared)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	key, meta, ix, err := v.unlock(password)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	data, err := archive.PackFunc(v.path, func(rel string, d fs.DirEntry) bool {
		return snapshotKeep(rel, d, includeAudit)
	})
	if err != nil {
		return nil, err
	}

	v.auditLog(key, audit.OpVaultBackup, audit.ResultSuccess, "", nil,
		map[string]any{"include_audit": strconv.FormatBool(includeAudit)})

	return &Snapshot{
		Archive:       data,
		Meta:          meta,
		Entries:       len(ix.Entries),
		IncludesAudit: includeAudit && v.audit != nil,
	}, nil
}

func snapshotKeep(rel string, d fs.DirEntry, includeAudit bool) bool {
	switch rel {
	case LockFileName, AttemptsFileName, StagingDirName:
		return false
	case AuditDirName:
		return includeAudit
	}
	if strings.HasPrefix(rel, AuditDirName+"/") && d.Name() == LockFileName {
		return false
	}
	return !atomicfile.IsTemp(d.Name())
}
