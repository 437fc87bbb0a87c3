package vault

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/forest6511/stellar/pkg/crypto"
)

func TestLockedPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf.stlr"},
		{"README", "README.stlr"},
		{"dir/archive.tar.gz", "dir/archive.tar.gz.stlr"},
	}
	for _, tt := range tests {
		if got := LockedPath(tt.in); got != tt.want {
			t.Errorf("LockedPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUnlockedPath(t *testing.T) {
	got, err := UnlockedPath("report.pdf.stlr")
	if err != nil || got != "report.pdf" {
		t.Errorf("UnlockedPath() = %q, %v", got, err)
	}
	for _, bad := range []string{"report.pdf", ".stlr", "report.stl"} {
		if _, err := UnlockedPath(bad); !errors.Is(err, ErrNotVaultFile) {
			t.Errorf("UnlockedPath(%q) error = %v, want ErrNotVaultFile", bad, err)
		}
	}
}

func TestLockUnlockFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("account numbers")
	path := writeTestFile(t, dir, "bank.txt", content)

	locked, err := LockFile(path, testPassword, false)
	if err != nil {
		t.Fatalf("LockFile failed: %v", err)
	}
	if locked != path+".stlr" {
		t.Errorf("LockFile() = %s, want %s", locked, path+".stlr")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("source should be removed without keepOriginal")
	}

	blob, err := os.ReadFile(locked)
	if err != nil {
		t.Fatalf("failed to read locked file: %v", err)
	}
	if len(blob) != crypto.SaltLength+crypto.NonceLength+len(content)+crypto.TagLength {
		t.Errorf("unexpected locked file size %d", len(blob))
	}
	if bytes.Contains(blob, content) {
		t.Error("locked file must not contain plaintext")
	}

	if _, err := UnlockFile(locked, "Wrong-Passw0rd!!"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}

	original, err := UnlockFile(locked, testPassword)
	if err != nil {
		t.Fatalf("UnlockFile failed: %v", err)
	}
	if original != path {
		t.Errorf("UnlockFile() = %s, want %s", original, path)
	}
	got, _ := os.ReadFile(original)
	if !bytes.Equal(got, content) {
		t.Errorf("unlocked content = %q, want %q", got, content)
	}
	if _, err := os.Stat(locked); !os.IsNotExist(err) {
		t.Error("locked file should be removed after unlock")
	}
}

func TestLockFileKeepOriginal(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "notes", []byte("n"))

	locked, err := LockFile(path, testPassword, true)
	if err != nil {
		t.Fatalf("LockFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("source should be kept with keepOriginal")
	}
	if filepath.Base(locked) != "notes.stlr" {
		t.Errorf("unexpected locked name %s", locked)
	}

	// Both files now exist; unlocking must not clobber the original.
	if _, err := UnlockFile(locked, testPassword); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	// Locking again must not clobber the locked file.
	if _, err := LockFile(path, testPassword, true); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestLockFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LockFile(filepath.Join(dir, "missing"), testPassword, false); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("missing: expected ErrFileNotFound, got %v", err)
	}

	already := writeTestFile(t, dir, "x.stlr", []byte("x"))
	if _, err := LockFile(already, testPassword, false); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("locked source: expected ErrAlreadyExists, got %v", err)
	}

	for _, missing := range []string{"gone.txt", "gone.txt.stlr"} {
		if _, err := UnlockFile(filepath.Join(dir, missing), testPassword); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("UnlockFile(%s): expected ErrFileNotFound, got %v", missing, err)
		}
	}

	plain := writeTestFile(t, dir, "plain.txt", []byte("p"))
	if _, err := LockFile(plain, "weak", false); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("weak password: expected ErrWeakPassword, got %v", err)
	}
	if _, err := os.Stat(plain); err != nil {
		t.Error("source must survive a policy rejection")
	}

	if _, err := LockFile(dir, testPassword, false); !errors.Is(err, ErrNotRegular) {
		t.Errorf("directory: expected ErrNotRegular, got %v", err)
	}

	if _, err := UnlockFile(plain, testPassword); !errors.Is(err, ErrNotVaultFile) {
		t.Errorf("plain file: expected ErrNotVaultFile, got %v", err)
	}

	short := writeTestFile(t, dir, "short.stlr", []byte("tiny"))
	if _, err := UnlockFile(short, testPassword); !errors.Is(err, ErrCorruptedData) {
		t.Errorf("truncated: expected ErrCorruptedData, got %v", err)
	}
}
