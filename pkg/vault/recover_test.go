package vault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forest6511/stellar/pkg/crypto"
	"github.com/forest6511/stellar/pkg/recovery"
)

// Forgotten password: recover with both codes, then use the new password.
func TestRecover(t *testing.T) {
	v, codes := newTestVault(t, Standard)
	src := t.TempDir()
	if _, err := v.Add(writeTestFile(t, src, "will.txt", []byte("last will")), testPassword); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	dirSrc := filepath.Join(src, "album")
	writeTestFile(t, dirSrc, "one.jpg", []byte("jpeg"))
	if _, err := v.Add(dirSrc, testPassword); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	oldMeta, _ := v.Meta()
	oldCode1, oldCode2 := codes.Code1(), codes.Code2()

	// Codes are accepted in lower case and without separators.
	code1 := strings.ToLower(oldCode1)
	code2 := strings.ReplaceAll(oldCode2, "-", "")
	newCodes, err := v.Recover(code1, code2, newPassword)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	defer newCodes.Destroy()

	if newCodes.Code1() == oldCode1 || newCodes.Code2() == oldCode2 {
		t.Error("recover must issue new codes")
	}
	if v.hasStaging() {
		t.Error("staging should be removed after recover")
	}

	meta, err := v.Meta()
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if string(meta.Salt) == string(oldMeta.Salt) {
		t.Error("recover must rotate the salt")
	}
	if !meta.CreatedAt.Equal(oldMeta.CreatedAt) || meta.SecurityLevel != Standard {
		t.Errorf("recover must keep the vault identity: %+v", meta)
	}

	if _, err := v.List(testPassword); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("old password should fail, got %v", err)
	}
	entries, err := v.List(newPassword)
	if err != nil {
		t.Fatalf("List with new password failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	dest := t.TempDir()
	out, err := v.Extract("will.txt", newPassword, dest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if data, _ := os.ReadFile(out); string(data) != "last will" {
		t.Errorf("extracted %q after recover", data)
	}
	out, err = v.Extract("album", newPassword, dest)
	if err != nil {
		t.Fatalf("Extract directory failed: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(out, "one.jpg")); string(data) != "jpeg" {
		t.Errorf("extracted %q after recover", data)
	}

	if _, err := v.Recover(oldCode1, oldCode2, testPassword); !errors.Is(err, ErrInvalidRecoveryCode) {
		t.Errorf("old codes should fail, got %v", err)
	}
	again, err := v.Recover(newCodes.Code1(), newCodes.Code2(), testPassword)
	if err != nil {
		t.Fatalf("new codes should recover: %v", err)
	}
	again.Destroy()

	result, err := v.AuditVerify(testPassword)
	if err != nil {
		t.Fatalf("AuditVerify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("audit chain should verify under the current key: %v", result.Errors)
	}
}

func TestRecoverErrors(t *testing.T) {
	t.Run("maximum vault", func(t *testing.T) {
		v, _ := newTestVault(t, Maximum)
		_, err := v.Recover("AAAA-AAAA-AAAA", "BBBB-BBBB-BBBB", newPassword)
		if !errors.Is(err, ErrRecoveryNotAvailable) {
			t.Errorf("expected ErrRecoveryNotAvailable, got %v", err)
		}
	})

	t.Run("escrow deleted", func(t *testing.T) {
		v, codes := newTestVault(t, Standard)
		if err := os.Remove(filepath.Join(v.Path(), RecoveryFileName)); err != nil {
			t.Fatalf("failed to remove recovery file: %v", err)
		}
		_, err := v.Recover(codes.Code1(), codes.Code2(), newPassword)
		if !errors.Is(err, ErrRecoveryNotAvailable) {
			t.Errorf("expected ErrRecoveryNotAvailable, got %v", err)
		}
	})

	t.Run("weak new password", func(t *testing.T) {
		v, codes := newTestVault(t, Standard)
		_, err := v.Recover(codes.Code1(), codes.Code2(), "short")
		if !errors.Is(err, ErrWeakPassword) {
			t.Errorf("expected ErrWeakPassword, got %v", err)
		}
		if _, err := v.List(testPassword); err != nil {
			t.Errorf("vault must be untouched after a rejected recover: %v", err)
		}
	})

	t.Run("single character mutation", func(t *testing.T) {
		v, codes := newTestVault(t, Standard)
		code1 := []byte(codes.Code1())
		if code1[0] == 'A' {
			code1[0] = 'B'
		} else {
			code1[0] = 'A'
		}
		_, err := v.Recover(string(code1), codes.Code2(), newPassword)
		if !errors.Is(err, ErrInvalidRecoveryCode) {
			t.Errorf("expected ErrInvalidRecoveryCode, got %v", err)
		}
		state, _ := v.GetLockState()
		if state.FailedAttempts != 1 {
			t.Errorf("recovery code failures should count, got %d attempts", state.FailedAttempts)
		}
		if _, err := v.List(testPassword); err != nil {
			t.Errorf("vault must be untouched after a failed recover: %v", err)
		}
	})

	t.Run("swapped codes", func(t *testing.T) {
		v, codes := newTestVault(t, Standard)
		_, err := v.Recover(codes.Code2(), codes.Code1(), newPassword)
		if !errors.Is(err, ErrInvalidRecoveryCode) {
			t.Errorf("expected ErrInvalidRecoveryCode, got %v", err)
		}
	})
}

// stageForTest runs the staging half of Recover, as if the process died
// right after the commit marker was written.
func stageForTest(t *testing.T, v *Vault) *recovery.Codes {
	t.Helper()
	meta, err := v.readMeta()
	if err != nil {
		t.Fatalf("readMeta failed: %v", err)
	}
	oldKey := crypto.DeriveKey([]byte(testPassword), meta.Salt)
	defer oldKey.Destroy()
	ix, err := v.readIndex(oldKey)
	if err != nil {
		t.Fatalf("readIndex failed: %v", err)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	newKey := crypto.DeriveKey([]byte(newPassword), salt)
	defer newKey.Destroy()

	codes, err := recovery.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	t.Cleanup(codes.Destroy)

	newMeta := *meta
	newMeta.Salt = salt
	if err := v.stageRecovery(oldKey, newKey, &newMeta, ix, codes); err != nil {
		t.Fatalf("stageRecovery failed: %v", err)
	}
	return codes
}

func TestInterruptedRecoverRollsForward(t *testing.T) {
	v, _ := newTestVault(t, Standard)
	if _, err := v.Add(writeTestFile(t, t.TempDir(), "deed.pdf", []byte("deed")), testPassword); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	stageForTest(t, v)

	// Simulate a crash part-way through the roll forward: the index has
	// moved, meta has not.
	staged := filepath.Join(v.stagingPath(), IndexFileName)
	if err := os.Rename(staged, v.indexPath()); err != nil {
		t.Fatalf("failed to move index: %v", err)
	}

	// A fresh handle completes the transaction before doing anything else.
	v2 := New(v.Path(), WithLogger(quietLogger()))
	entries, err := v2.List(newPassword)
	if err != nil {
		t.Fatalf("List after interrupted recover failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "deed.pdf" {
		t.Errorf("unexpected entries: %+v", entries)
	}
	if v2.hasStaging() {
		t.Error("staging should be removed after roll forward")
	}
	if _, err := v2.Extract("deed.pdf", newPassword, t.TempDir()); err != nil {
		t.Errorf("Extract after roll forward failed: %v", err)
	}
	if _, err := v2.List(testPassword); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("old password should no longer work, got %v", err)
	}
}

func TestUncommittedRecoverDiscarded(t *testing.T) {
	v, _ := newTestVault(t, Standard)
	if _, err := v.Add(writeTestFile(t, t.TempDir(), "deed.pdf", []byte("deed")), testPassword); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	stageForTest(t, v)
	if err := os.Remove(filepath.Join(v.stagingPath(), commitMarker)); err != nil {
		t.Fatalf("failed to remove commit marker: %v", err)
	}

	entries, err := v.List(testPassword)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
	if v.hasStaging() {
		t.Error("uncommitted staging should be discarded")
	}
	if _, err := v.List(newPassword); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("staged password must not take effect, got %v", err)
	}
}

func TestRecoverWithBrokenAuditChain(t *testing.T) {
	v, codes := newTestVault(t, Standard)
	if _, err := v.List(testPassword); err != nil {
		t.Fatalf("List failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(v.Path(), AuditDirName, "*.jsonl"))
	if len(files) == 0 {
		t.Fatal("expected audit log files")
	}
	data, _ := os.ReadFile(files[0])
	tampered := strings.Replace(string(data), "entry.list", "entry.add", 1)
	if err := os.WriteFile(files[0], []byte(tampered), 0600); err != nil {
		t.Fatalf("failed to tamper audit log: %v", err)
	}

	newCodes, err := v.Recover(codes.Code1(), codes.Code2(), newPassword)
	if err != nil {
		t.Fatalf("Recover should succeed despite a broken audit chain: %v", err)
	}
	newCodes.Destroy()

	after, _ := os.ReadFile(files[0])
	if !strings.HasPrefix(string(after), tampered) {
		t.Error("a broken audit log must be left as it was")
	}
}
