// Package atomicfile replaces files so that readers observe either the old
// or the new content, never a torn write.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// TempMarker appears in the name of every in-flight temporary file. Stale
// temporaries left by a crash can be recognised with IsTemp.
const TempMarker = ".tmp-"

// WriteFile writes data to a temporary sibling of path, fsyncs it, applies
// perm and renames it over path. The parent directory is fsynced afterwards
// so the rename itself is durable.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+TempMarker+"*")
	if err != nil {
		return fmt.Errorf("atomicfile: failed to create temp file: %w", err)
	}
	tmp := f.Name()

	cleanup := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if _, err := f.Write(data); err != nil {
		return cleanup(fmt.Errorf("atomicfile: failed to write temp file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return cleanup(fmt.Errorf("atomicfile: failed to sync temp file: %w", err))
	}
	if err := f.Chmod(perm); err != nil && runtime.GOOS != "windows" {
		return cleanup(fmt.Errorf("atomicfile: failed to set permissions: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: failed to close temp file: %w", err)
	}

	if err := Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Rename moves src over dst and fsyncs the destination directory.
func Rename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("atomicfile: failed to rename %s: %w", filepath.Base(src), err)
	}
	return SyncDir(filepath.Dir(dst))
}

// SyncDir fsyncs a directory so that entries created, renamed or removed in
// it survive a crash. It is a no-op on Windows, where directories cannot be
// opened for syncing.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("atomicfile: failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("atomicfile: failed to sync directory: %w", err)
	}
	return nil
}

// IsTemp reports whether name looks like a temporary file created by
// WriteFile.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, TempMarker)
}
