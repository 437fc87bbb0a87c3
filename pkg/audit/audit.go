// Package audit provides audit logging with HMAC chain for tamper detection.
//
// Records are appended as JSON lines to one file per month. Each record
// carries the HMAC of its predecessor, so deleting, reordering or editing a
// record breaks the chain. The HMAC key is derived with HKDF from the vault
// master key for the duration of one call and never retained.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/internal/diskspace"
	"github.com/forest6511/stellar/internal/flock"
	"github.com/forest6511/stellar/pkg/crypto"
)

// MinAuditDiskSpace is the free space required before appending a record.
const MinAuditDiskSpace = 1024 * 1024 // 1 MB

// genesis is the PrevHash of the first record in a chain.
const genesis = "genesis"

// Operation types for audit logging
const (
	OpVaultInit    = "vault.init"
	OpVaultRecover = "vault.recover"
	OpVaultRepair  = "vault.repair"
	OpVaultBackup  = "vault.backup"

	OpEntryAdd     = "entry.add"
	OpEntryList    = "entry.list"
	OpEntryExtract = "entry.extract"
	OpEntryDestroy = "entry.destroy"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceAPI = "api"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	// ErrNoKey indicates a logging or verification call without a live key.
	ErrNoKey = errors.New("audit: HMAC key not available")

	// ErrChainInvalid indicates Rekey refused a chain that does not verify
	// under the old key.
	ErrChainInvalid = errors.New("audit: chain does not verify")

	// ErrUnsupportedFormat indicates an unknown Export format.
	ErrUnsupportedFormat = errors.New("audit: unsupported format")
)

// Event represents a single audit log record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"` // UUIDv7, time ordered
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	// Entry is the HMAC of the entry name, never the name itself.
	Entry string `json:"entry,omitempty"`

	Actor Actor `json:"actor"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]any `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor represents who performed the operation
type Actor struct {
	Type      string `json:"type"`   // user | system
	Source    string `json:"source"` // cli | api
	SessionID string `json:"session_id"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain provides HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Logger appends records to an audit directory. It holds no key material.
// Appends are serialized within the process by a mutex and across processes
// by an advisory lock on <dir>/.lock.
type Logger struct {
	path      string
	source    string
	sessionID string
	logger    *slog.Logger
	mu        sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the structured logger used for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(a *Logger) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSource sets the Actor.Source recorded on every event.
func WithSource(source string) Option {
	return func(a *Logger) { a.source = source }
}

// NewLogger creates a new audit logger writing under path.
func NewLogger(path string, opts ...Option) *Logger {
	l := &Logger{
		path:      path,
		source:    SourceAPI,
		sessionID: uuid.NewString(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// deriveHMACKey derives the audit HMAC key from the master key using
// HKDF-SHA256. The caller wipes the result.
func deriveHMACKey(master *crypto.Key) ([]byte, error) {
	raw := master.Bytes()
	if raw == nil {
		return nil, ErrNoKey
	}
	r := hkdf.New(sha256.New, raw, nil, []byte("stellar-audit-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	return key, nil
}

// Log records an audit event. Context values are rendered with %v when
// signing, so callers pass strings to keep the HMAC stable across a JSON
// round trip.
func (l *Logger) Log(master *crypto.Key, op, result, name string, errInfo *ErrorInfo, ctx map[string]any) error {
	hmacKey, err := deriveHMACKey(master)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(hmacKey)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	lock, err := flock.Acquire(filepath.Join(l.path, ".lock"), flock.Exclusive)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer lock.Unlock()

	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	seq, prev, err := l.chainTail()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	event := Event{
		Version:   1,
		ID:        newEventID(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Actor: Actor{
			Type:      "user",
			Source:    l.source,
			SessionID: l.sessionID,
		},
		Result:  result,
		Error:   errInfo,
		Context: ctx,
	}

	if name != "" {
		mac := hmac.New(sha256.New, hmacKey)
		mac.Write([]byte(name))
		event.Entry = hex.EncodeToString(mac.Sum(nil))
	}

	event.Chain.Sequence = seq + 1
	event.Chain.PrevHash = prev
	event.Chain.HMAC = sign(hmacKey, &event)

	return appendEvent(filepath.Join(l.path, monthFile(now)), &event)
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(master *crypto.Key, op, name string) error {
	return l.Log(master, op, ResultSuccess, name, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(master *crypto.Key, op, name, errCode, errMsg string) error {
	return l.Log(master, op, ResultError, name, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// buildRecordData creates the data to be HMACed. Every significant field is
// covered, context keys in sorted order.
func buildRecordData(event *Event) []byte {
	actorData := fmt.Sprintf("%s|%s|%s",
		event.Actor.Type,
		event.Actor.Source,
		event.Actor.SessionID,
	)

	errorData := ""
	if event.Error != nil {
		errorData = fmt.Sprintf("%s|%s", event.Error.Code, event.Error.Message)
	}

	var contextData strings.Builder
	if event.Context != nil {
		keys := make([]string, 0, len(event.Context))
		for k := range event.Context {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&contextData, "%s=%v|", k, event.Context[k])
		}
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Entry,
		actorData,
		event.Result,
		errorData,
		contextData.String(),
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)
	return []byte(data)
}

func sign(hmacKey []byte, event *Event) string {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(buildRecordData(event))
	return hex.EncodeToString(mac.Sum(nil))
}

func monthFile(t time.Time) string {
	return t.UTC().Format("2006-01") + ".jsonl"
}

func appendEvent(path string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("audit: failed to sync log file: %w", err)
	}
	return nil
}

// chainTail returns the sequence and HMAC of the last record on disk. The
// log itself is the chain state, so a crash between writes cannot desync
// them.
func (l *Logger) chainTail() (int64, string, error) {
	files, err := l.logFiles()
	if err != nil {
		return 0, "", err
	}
	for i := len(files) - 1; i >= 0; i-- {
		events, err := readLogFile(files[i])
		if err != nil {
			return 0, "", fmt.Errorf("audit: failed to read %s: %w", filepath.Base(files[i]), err)
		}
		if n := len(events); n > 0 {
			last := events[n-1]
			return last.Chain.Sequence, last.Chain.HMAC, nil
		}
	}
	return 0, genesis, nil
}

// logFiles returns the monthly log files in chronological order.
func (l *Logger) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM.jsonl sorts chronologically.
	sort.Strings(files)
	return files, nil
}

// readLogFile reads all events from a log file
func readLogFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type logFile struct {
	path   string
	events []Event
}

func (l *Logger) readAll() ([]logFile, error) {
	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}
	out := make([]logFile, 0, len(files))
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		out = append(out, logFile{path: file, events: events})
	}
	return out, nil
}

func flatten(files []logFile) []Event {
	var all []Event
	for _, f := range files {
		all = append(all, f.events...)
	}
	return all
}

func (l *Logger) sharedLock() (*flock.Lock, error) {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil, nil
	}
	lock, err := flock.Acquire(filepath.Join(l.path, ".lock"), flock.Shared)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return lock, nil
}

// Verify checks the integrity of the audit log chain under master.
func (l *Logger) Verify(master *crypto.Key) (*VerifyResult, error) {
	hmacKey, err := deriveHMACKey(master)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(hmacKey)

	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := l.sharedLock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	files, err := l.readAll()
	if err != nil {
		return nil, err
	}
	return verifyEvents(hmacKey, flatten(files)), nil
}

func verifyEvents(hmacKey []byte, events []Event) *VerifyResult {
	result := &VerifyResult{Valid: true}

	expectedPrevHash := genesis
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++

		if event.Chain.Sequence != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Chain.Sequence))
		}

		if event.Chain.PrevHash != expectedPrevHash {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s: expected prev %s, got %s",
				event.ID, expectedPrevHash, event.Chain.PrevHash))
		}

		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(sign(hmacKey, event))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering",
				event.ID))
		} else {
			result.RecordsVerified++
		}

		expectedPrevHash = event.Chain.HMAC
		expectedSeq++
	}
	return result
}

// Rekey writes a copy of the log into dir with every record re-signed under
// newMaster. The chain must verify under oldMaster first, otherwise
// ErrChainInvalid is returned together with the failing VerifyResult and
// nothing is written. The live log is not modified; the caller moves dir
// into place.
func (l *Logger) Rekey(oldMaster, newMaster *crypto.Key, dir string) (*VerifyResult, error) {
	oldKey, err := deriveHMACKey(oldMaster)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(oldKey)
	newKey, err := deriveHMACKey(newMaster)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(newKey)

	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := l.sharedLock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	files, err := l.readAll()
	if err != nil {
		return nil, err
	}
	result := verifyEvents(oldKey, flatten(files))
	if !result.Valid {
		return result, ErrChainInvalid
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: failed to create rekey directory: %w", err)
	}

	prev := genesis
	for _, file := range files {
		var buf bytes.Buffer
		for _, event := range file.events {
			event.Chain.PrevHash = prev
			event.Chain.HMAC = sign(newKey, &event)
			prev = event.Chain.HMAC

			line, err := json.Marshal(&event)
			if err != nil {
				return nil, fmt.Errorf("audit: failed to marshal event: %w", err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
		if err := atomicfile.WriteFile(filepath.Join(dir, filepath.Base(file.path)), buf.Bytes(), 0600); err != nil {
			return nil, fmt.Errorf("audit: failed to write rekeyed log: %w", err)
		}
	}
	return result, nil
}

// ListEvents returns audit events with optional filtering
// limit: maximum number of events to return (0 = all)
// since: only return events after this time (zero = no filter)
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := l.sharedLock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	files, err := l.readAll()
	if err != nil {
		return nil, err
	}
	all := flatten(files)

	filtered := all
	if !since.IsZero() {
		filtered = filtered[:0:0]
		for _, event := range all {
			eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if eventTime.After(since) {
				filtered = append(filtered, event)
			}
		}
	}

	// Keep the most recent events.
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// Export exports audit events in the specified format (json or csv)
// since and until filter events by timestamp (zero values mean no filter)
func (l *Logger) Export(format string, since, until time.Time) ([]byte, error) {
	events, err := l.ListEvents(0, time.Time{})
	if err != nil {
		return nil, err
	}

	var filtered []Event
	for _, event := range events {
		eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
		if err != nil {
			continue
		}
		if !since.IsZero() && eventTime.Before(since) {
			continue
		}
		if !until.IsZero() && eventTime.After(until) {
			continue
		}
		filtered = append(filtered, event)
	}

	switch format {
	case "csv":
		return formatCSV(filtered), nil
	case "json":
		return json.MarshalIndent(filtered, "", "  ")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// formatCSV formats events as CSV with proper escaping
func formatCSV(events []Event) []byte {
	var b strings.Builder
	b.WriteString("timestamp,operation,result,entry_hash\n")

	for _, event := range events {
		entryHash := event.Entry
		if len(entryHash) > 16 {
			entryHash = entryHash[:16] + "..."
		}
		fmt.Fprintf(&b, "%s,%s,%s,%s\n",
			csvEscape(event.Timestamp),
			csvEscape(event.Operation),
			csvEscape(event.Result),
			csvEscape(entryHash),
		)
	}
	return []byte(b.String())
}

// csvEscape escapes a field for CSV output to prevent injection attacks
func csvEscape(field string) string {
	if field == "" {
		return field
	}

	// Fields starting with =, +, -, @ are quoted to prevent formula injection.
	needsQuoting := strings.ContainsAny(field[:1], "=+-@") ||
		strings.ContainsAny(field, ",\"\n\r")
	if !needsQuoting {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

func (l *Logger) checkDiskSpace() error {
	info, err := diskspace.Stat(l.path)
	if err != nil {
		l.logger.Warn("failed to check disk space for audit", "error", err)
		return nil
	}
	if info.Available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			info.Available, MinAuditDiskSpace)
	}
	return nil
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
