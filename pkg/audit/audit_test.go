// Package audit provides audit logging with HMAC chain for tamper detection.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/stellar/pkg/crypto"
)

func testKey(t *testing.T, seed byte) *crypto.Key {
	t.Helper()
	raw := make([]byte, crypto.KeyLength)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	k, err := crypto.NewKey(raw)
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	t.Cleanup(k.Destroy)
	return k
}

func logN(t *testing.T, logger *Logger, key *crypto.Key, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := logger.LogSuccess(key, OpEntryExtract, "report.pdf"); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}
}

func readLog(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if len(files) == 0 {
		t.Fatal("no log files found")
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	return files[0], data
}

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir, WithSource(SourceCLI))

	if logger.Path() != tmpDir {
		t.Errorf("expected path %s, got %s", tmpDir, logger.Path())
	}
	if logger.source != SourceCLI {
		t.Errorf("expected source %s, got %s", SourceCLI, logger.source)
	}
	if logger.sessionID == "" {
		t.Error("expected non-empty sessionID")
	}
	if NewLogger(tmpDir).sessionID == logger.sessionID {
		t.Error("expected unique session IDs")
	}
}

func TestLogWithDestroyedKey(t *testing.T) {
	logger := NewLogger(t.TempDir())
	key := crypto.RandomKey()
	key.Destroy()

	err := logger.LogSuccess(key, OpEntryList, "")
	if !errors.Is(err, ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestLogSuccess(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir, WithSource(SourceCLI))
	key := testKey(t, 1)

	if err := logger.LogSuccess(key, OpEntryAdd, "tax-return.pdf"); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	_, data := readLog(t, tmpDir)
	if bytes.Contains(data, []byte("tax-return.pdf")) {
		t.Error("entry name must never appear in the log in clear")
	}

	var event Event
	if err := json.Unmarshal(bytes.TrimSpace(data), &event); err != nil {
		t.Fatalf("failed to parse event: %v", err)
	}
	if event.Operation != OpEntryAdd {
		t.Errorf("expected operation %s, got %s", OpEntryAdd, event.Operation)
	}
	if event.Result != ResultSuccess {
		t.Errorf("expected result %s, got %s", ResultSuccess, event.Result)
	}
	if event.Actor.Source != SourceCLI {
		t.Errorf("expected source %s, got %s", SourceCLI, event.Actor.Source)
	}
	if len(event.Entry) != 64 {
		t.Errorf("expected 64-char entry HMAC, got %d chars", len(event.Entry))
	}
	if event.Chain.Sequence != 1 || event.Chain.PrevHash != genesis {
		t.Errorf("expected first record seq=1 prev=genesis, got seq=%d prev=%s", event.Chain.Sequence, event.Chain.PrevHash)
	}

	info, err := os.Stat(filepath.Join(tmpDir, monthFile(time.Now())))
	if err != nil {
		t.Fatalf("expected current month log file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected log file mode 0600, got %04o", perm)
	}
}

func TestLogError(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)
	key := testKey(t, 1)

	if err := logger.LogError(key, OpEntryExtract, "missing", "NOT_FOUND", "entry not found"); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}

	events, err := logger.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Result != ResultError {
		t.Errorf("expected result %s, got %s", ResultError, events[0].Result)
	}
	if events[0].Error == nil || events[0].Error.Code != "NOT_FOUND" {
		t.Errorf("expected error code NOT_FOUND, got %+v", events[0].Error)
	}
}

func TestChainIntegrity(t *testing.T) {
	tmpDir := t.TempDir()
	key := testKey(t, 7)

	// Separate logger instances simulate separate processes; the chain
	// continues from what is on disk.
	logN(t, NewLogger(tmpDir), key, 3)
	logN(t, NewLogger(tmpDir), key, 2)

	logger := NewLogger(tmpDir)
	if err := logger.Log(key, OpVaultRepair, ResultSuccess, "", nil, map[string]any{"orphans": "2"}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	result, err := logger.Verify(key)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain, got errors: %v", result.Errors)
	}
	if result.RecordsTotal != 6 || result.RecordsVerified != 6 {
		t.Errorf("expected 6/6 records, got %d/%d", result.RecordsVerified, result.RecordsTotal)
	}
}

// TestTamperingDetection tests that the HMAC chain detects various forms of tampering.
func TestTamperingDetection(t *testing.T) {
	t.Run("detect modified record", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)
		key := testKey(t, 0)
		logN(t, logger, key, 3)

		result, err := logger.Verify(key)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if !result.Valid {
			t.Fatalf("expected valid chain before tampering: %v", result.Errors)
		}

		path, data := readLog(t, tmpDir)
		tampered := bytes.Replace(data, []byte(OpEntryExtract), []byte(OpEntryDestroy), 1)
		if err := os.WriteFile(path, tampered, 0600); err != nil {
			t.Fatalf("failed to write tampered file: %v", err)
		}

		result, err = NewLogger(tmpDir).Verify(key)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain after tampering, but verification passed")
		}
		if len(result.Errors) == 0 {
			t.Error("expected errors to be reported")
		}
	})

	t.Run("detect deleted record (chain break)", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)
		key := testKey(t, 0)
		logN(t, logger, key, 5)

		path, data := readLog(t, tmpDir)
		lines := strings.SplitAfter(string(data), "\n")
		kept := append(lines[:2:2], lines[3:]...)
		if err := os.WriteFile(path, []byte(strings.Join(kept, "")), 0600); err != nil {
			t.Fatalf("failed to write modified file: %v", err)
		}

		result, err := logger.Verify(key)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain after record deletion")
		}
	})

	t.Run("detect wrong HMAC key", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)
		logN(t, logger, testKey(t, 0), 3)

		result, err := logger.Verify(testKey(t, 100))
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain with wrong HMAC key")
		}
	})

	t.Run("detect inserted record", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)
		key := testKey(t, 0)
		logN(t, logger, key, 3)

		path, data := readLog(t, tmpDir)
		fakeEvent := `{"v":1,"id":"fake123","ts":"2025-01-01T00:00:00Z","op":"entry.extract","actor":{"type":"user","source":"cli","session_id":"fake"},"result":"success","chain":{"seq":999,"prev":"fake_prev","hmac":"fake_hmac"}}` + "\n"
		first := bytes.IndexByte(data, '\n') + 1
		var forged []byte
		forged = append(forged, data[:first]...)
		forged = append(forged, fakeEvent...)
		forged = append(forged, data[first:]...)
		if err := os.WriteFile(path, forged, 0600); err != nil {
			t.Fatalf("failed to write modified file: %v", err)
		}

		result, err := logger.Verify(key)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain after record insertion")
		}
	})
}

// TestVerifyEmptyLog tests verification behavior with no records
func TestVerifyEmptyLog(t *testing.T) {
	logger := NewLogger(filepath.Join(t.TempDir(), "audit"))

	result, err := logger.Verify(testKey(t, 0))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid result for empty log: %v", result.Errors)
	}
	if result.RecordsTotal != 0 {
		t.Errorf("expected 0 records, got %d", result.RecordsTotal)
	}
}

func TestRekey(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)
	oldKey := testKey(t, 1)
	newKey := testKey(t, 2)
	logN(t, logger, oldKey, 4)

	staged := filepath.Join(t.TempDir(), "staged")
	result, err := logger.Rekey(oldKey, newKey, staged)
	if err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}
	if result.RecordsTotal != 4 {
		t.Errorf("expected 4 records rekeyed, got %d", result.RecordsTotal)
	}

	// The live log is untouched until the caller swaps it in.
	if res, _ := logger.Verify(oldKey); !res.Valid {
		t.Errorf("live log should still verify under the old key: %v", res.Errors)
	}

	rekeyed := NewLogger(staged)
	res, err := rekeyed.Verify(newKey)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Valid || res.RecordsVerified != 4 {
		t.Errorf("rekeyed log should verify under the new key: %+v", res)
	}
	if res, _ := rekeyed.Verify(oldKey); res.Valid {
		t.Error("rekeyed log must not verify under the old key")
	}

	// Appending continues the rekeyed chain.
	logN(t, rekeyed, newKey, 1)
	if res, _ := rekeyed.Verify(newKey); !res.Valid || res.RecordsTotal != 5 {
		t.Errorf("expected 5 valid records after append, got %+v", res)
	}
}

func TestRekeyRefusesBrokenChain(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)
	oldKey := testKey(t, 1)
	logN(t, logger, oldKey, 2)

	staged := filepath.Join(t.TempDir(), "staged")
	result, err := logger.Rekey(testKey(t, 50), testKey(t, 2), staged)
	if !errors.Is(err, ErrChainInvalid) {
		t.Fatalf("expected ErrChainInvalid, got %v", err)
	}
	if result == nil || result.Valid {
		t.Error("expected the failing verify result to be returned")
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("nothing may be written for a broken chain")
	}
}

// TestListEvents tests the audit log list functionality
func TestListEvents(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)
	key := testKey(t, 3)

	_ = logger.LogSuccess(key, OpEntryAdd, "key1")
	_ = logger.LogSuccess(key, OpEntryExtract, "key2")
	_ = logger.LogError(key, OpEntryExtract, "key3", "CORRUPTED", "blob corrupted")
	_ = logger.LogSuccess(key, OpEntryList, "")
	_ = logger.LogSuccess(key, OpEntryDestroy, "key4")

	events, err := logger.ListEvents(100, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("expected 5 events, got %d", len(events))
	}

	operations := make(map[string]int)
	for _, e := range events {
		operations[e.Operation]++
	}
	if operations[OpEntryExtract] != 2 {
		t.Errorf("expected 2 entry.extract, got %d", operations[OpEntryExtract])
	}

	latest, err := logger.ListEvents(2, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(latest) != 2 || latest[1].Operation != OpEntryDestroy {
		t.Errorf("expected the 2 most recent events, got %+v", latest)
	}

	future, err := logger.ListEvents(0, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(future) != 0 {
		t.Errorf("expected no events after the future cutoff, got %d", len(future))
	}
}

func TestExport(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)
	key := testKey(t, 4)
	logN(t, logger, key, 2)

	data, err := logger.Export("json", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Export(json) failed: %v", err)
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("Export(json) produced invalid JSON: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 exported events, got %d", len(events))
	}

	csv, err := logger.Export("csv", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Export(csv) failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	if len(lines) != 3 || lines[0] != "timestamp,operation,result,entry_hash" {
		t.Errorf("unexpected CSV output:\n%s", csv)
	}

	if _, err := logger.Export("xml", time.Time{}, time.Time{}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestCSVEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"a,b", `"a,b"`},
		{`say "hi"`, `"say ""hi"""`},
		{"=SUM(A1)", `"=SUM(A1)"`},
		{"@cmd", `"@cmd"`},
	}
	for _, tt := range tests {
		if got := csvEscape(tt.in); got != tt.want {
			t.Errorf("csvEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
