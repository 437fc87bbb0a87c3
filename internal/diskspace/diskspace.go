// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"errors"
	"fmt"
)

const (
	// MinFreeBytes is the floor below which writes are refused.
	MinFreeBytes = 10 * 1024 * 1024 // 10 MB

	// WarningPercent is the usage above which callers should warn.
	WarningPercent = 90
)

// ErrInsufficient indicates a write would leave less than the required space.
var ErrInsufficient = errors.New("diskspace: insufficient disk space")

// Info contains disk usage information
type Info struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

// Low reports whether disk usage is at or above WarningPercent.
func (i *Info) Low() bool {
	return i.UsedPct >= WarningPercent
}

// Required returns the space a write of size bytes needs: twice the payload,
// but never less than MinFreeBytes.
func Required(size int64) uint64 {
	required := uint64(MinFreeBytes)
	if size > 0 && uint64(size)*2 > required {
		required = uint64(size) * 2
	}
	return required
}

// Check returns ErrInsufficient when info cannot accommodate a write of size
// bytes.
func Check(info *Info, size int64) error {
	required := Required(size)
	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficient,
			info.Available/(1024*1024),
			required/(1024*1024))
	}
	return nil
}

func usedPct(total, free uint64) int {
	if total == 0 {
		return 0
	}
	return int(100 * (total - free) / total)
}
