package vault

import (
	"errors"
	"time"

	"github.com/forest6511/stellar/internal/flock"
	"github.com/forest6511/stellar/pkg/audit"
	"github.com/forest6511/stellar/pkg/crypto"
)

// ErrAuditDisabled is returned by audit accessors on a vault created with
// WithAudit(false).
var ErrAuditDisabled = errors.New("vault: audit log is disabled")

// Audit logging is best-effort: a failed append never fails the vault
// operation it describes.
func (v *Vault) auditSuccess(key *crypto.Key, op, name string) {
	v.auditLog(key, op, audit.ResultSuccess, name, nil, nil)
}

func (v *Vault) auditError(key *crypto.Key, op, name, code string, err error) {
	v.auditLog(key, op, audit.ResultError, name, &audit.ErrorInfo{Code: code, Message: err.Error()}, nil)
}

func (v *Vault) auditLog(key *crypto.Key, op, result, name string, info *audit.ErrorInfo, ctx map[string]any) {
	if v.audit == nil {
		return
	}
	if err := v.audit.Log(key, op, result, name, info, ctx); err != nil {
		v.logger.Warn("failed to write audit event", "op", op, "error", err)
	}
}

// AuditLogger returns the audit logger for external use, or nil when
// auditing is disabled.
func (v *Vault) AuditLogger() *audit.Logger {
	return v.audit
}

// AuditVerify verifies the integrity of the audit log chain. The chain key
// is derived from the master key, so the password is required.
func (v *Vault) AuditVerify(password string) (*audit.VerifyResult, error) {
	if v.audit == nil {
		return nil, ErrAuditDisabled
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	lock, err := v.begin(flock.Shared)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	key, _, _, err := v.unlock(password)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	return v.audit.Verify(key)
}

// AuditEvents returns up to limit of the most recent events after since.
// Events carry only HMACs of entry names, so no password is needed.
func (v *Vault) AuditEvents(limit int, since time.Time) ([]audit.Event, error) {
	if v.audit == nil {
		return nil, ErrAuditDisabled
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	lock, err := v.begin(flock.Shared)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	return v.audit.ListEvents(limit, since)
}

// errorCode maps an operation error to a short audit code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPassword):
		return "AUTH_FAILED"
	case errors.Is(err, ErrInvalidRecoveryCode):
		return "RECOVERY_CODE_INVALID"
	case errors.Is(err, ErrFileNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrCorruptedData):
		return "CORRUPTED"
	case errors.Is(err, ErrInsufficientDisk):
		return "DISK_FULL"
	default:
		return "IO_ERROR"
	}
}
