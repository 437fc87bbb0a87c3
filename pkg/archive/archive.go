// Package archive packs a directory tree into a single byte stream so the
// vault can store it as one encrypted blob.
//
// The stream is a POSIX tar archive whose paths are relative to the packed
// directory, compressed with xz. Unpack also accepts an uncompressed tar
// stream.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// xzMagic is the six-byte xz stream header.
var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

var (
	// ErrNotDirectory indicates Pack was given something other than a directory.
	ErrNotDirectory = errors.New("archive: source is not a directory")

	// ErrUnsafePath indicates an archive member that would land outside the
	// destination directory.
	ErrUnsafePath = errors.New("archive: entry escapes destination directory")

	// ErrInvalidArchive indicates the stream is neither xz nor tar.
	ErrInvalidArchive = errors.New("archive: invalid archive stream")
)

// Pack archives the contents of dir. Symlinks are stored as links and never
// followed.
func Pack(dir string) ([]byte, error) {
	return PackFunc(dir, nil)
}

// Filter decides whether a path, relative to the packed root and in slash
// form, is archived. Skipping a directory skips everything below it.
type Filter func(rel string, d fs.DirEntry) bool

// PackFunc is Pack restricted to the paths keep accepts. A nil keep archives
// everything.
func PackFunc(dir string, keep Filter) ([]byte, error) {
	info, err := os.Lstat(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	var buf bytes.Buffer
	zw, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create xz writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == dir {
			return nil
		}
		if keep != nil {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if !keep(filepath.ToSlash(rel), d) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		return addEntry(tw, dir, path, d)
	})
	if err != nil {
		return nil, fmt.Errorf("archive: failed to pack %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive: failed to finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: failed to finish xz stream: %w", err)
	}
	return buf.Bytes(), nil
}

func addEntry(tw *tar.Writer, root, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		// Sockets, devices and pipes have no portable representation.
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX
	// Ownership is meaningless once extracted elsewhere.
	hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Unpack extracts an archive produced by Pack into dest, creating dest if
// needed. Symlinks are recreated with their recorded target, wherever it
// points. Members that would escape dest, by name or by being written through
// a symlink, are rejected with ErrUnsafePath before anything is written for
// them.
func Unpack(data []byte, dest string) error {
	r, err := openStream(data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("archive: failed to create destination: %w", err)
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("archive: failed to resolve destination: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}
		if err := checkNoLinks(root, target); err != nil {
			return err
		}
		if err := extractEntry(tr, hdr, target); err != nil {
			return fmt.Errorf("archive: failed to extract %s: %w", hdr.Name, err)
		}
	}
}

func openStream(data []byte) (io.Reader, error) {
	if bytes.HasPrefix(data, xzMagic) {
		zr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		return zr, nil
	}
	return bytes.NewReader(data), nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	mode := hdr.FileInfo().Mode().Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o700); err != nil {
			return err
		}
		return os.Chmod(target, mode|0o700)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		// OpenFile honours the umask; restore the recorded bits.
		return os.Chmod(target, mode)

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)

	default:
		// Hard links, devices and other special members are skipped.
		return nil
	}
}

// safeJoin resolves name under root and refuses absolute paths and paths
// climbing out of root.
func safeJoin(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if !within(root, target) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}

// checkNoLinks refuses a target when it, or any directory between root and
// it, is an existing symlink.
func checkNoLinks(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsafePath, target)
	}
	path := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		path = filepath.Join(path, part)
		info, err := os.Lstat(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: write through symlink %q", ErrUnsafePath, path)
		}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
