//go:build !windows

package diskspace

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Stat returns disk space information for the filesystem holding path. If
// path does not exist yet its parent is examined instead.
func Stat(path string) (*Info, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		if err := unix.Statfs(filepath.Dir(path), &stat); err != nil {
			return nil, fmt.Errorf("diskspace: failed to get disk stats: %w", err)
		}
	}

	bsize := uint64(stat.Bsize)
	total := uint64(stat.Blocks) * bsize
	free := uint64(stat.Bfree) * bsize

	return &Info{
		Total:     total,
		Free:      free,
		Available: uint64(stat.Bavail) * bsize,
		UsedPct:   usedPct(total, free),
	}, nil
}
