package vault

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/forest6511/stellar/internal/diskspace"
)

// CheckDiskSpace returns disk space information for the vault directory
func (v *Vault) CheckDiskSpace() (*diskspace.Info, error) {
	info, err := diskspace.Stat(v.path)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}
	return info, nil
}

// checkDiskSpaceForWrite refuses writes that would leave less than
// max(10 MB, 2x dataSize) available. Stat failures only warn.
func (v *Vault) checkDiskSpaceForWrite(dataSize int64) error {
	info, err := v.CheckDiskSpace()
	if err != nil {
		v.logger.Warn("failed to check disk space", "error", err)
		return nil
	}

	required := diskspace.Required(dataSize)
	if info.Available < required {
		return fmt.Errorf("%w: only %s available, need at least %s",
			ErrInsufficientDisk,
			humanize.IBytes(info.Available),
			humanize.IBytes(required))
	}

	if info.Low() {
		v.logger.Warn("disk is nearly full, consider freeing space", "used_pct", info.UsedPct)
	}
	return nil
}
