package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/stellar/pkg/backup"
	"github.com/forest6511/stellar/pkg/vault"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"1y", 365 * 24 * time.Hour, false},
		{"30m", 30 * time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"d", 0, true},
		{"xd", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseDuration(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseDuration(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseConflictMode(t *testing.T) {
	tests := map[string]backup.ConflictMode{
		"skip":      backup.ConflictSkip,
		"overwrite": backup.ConflictOverwrite,
		"error":     backup.ConflictError,
	}
	for in, want := range tests {
		got, err := parseConflictMode(in)
		if err != nil || got != want {
			t.Errorf("parseConflictMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseConflictMode("merge"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestValidateBackupFlags(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		stdout    bool
		keyFile   string
		backupPwd bool
		wantErr   bool
	}{
		{"output", "vault.stlrbak", false, "", false, false},
		{"stdout", "", true, "", false, false},
		{"neither", "", false, "", false, true},
		{"both", "vault.stlrbak", true, "", false, true},
		{"key file and password", "vault.stlrbak", false, "backup.key", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backupOutput, backupStdout = tt.output, tt.stdout
			backupKeyFile, backupBackupPassword = tt.keyFile, tt.backupPwd
			t.Cleanup(func() {
				backupOutput, backupStdout, backupKeyFile, backupBackupPassword = "", false, "", false
			})
			if err := validateBackupFlags(); (err != nil) != tt.wantErr {
				t.Errorf("validateBackupFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRestoreFlags(t *testing.T) {
	t.Cleanup(func() {
		restoreOnConflict, restoreDryRun, restoreVerifyOnly = "error", false, false
	})

	restoreOnConflict = "overwrite"
	if err := validateRestoreFlags(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	restoreOnConflict = "merge"
	if err := validateRestoreFlags(); err == nil {
		t.Error("expected error for unknown conflict mode")
	}
	restoreOnConflict = "error"
	restoreDryRun, restoreVerifyOnly = true, true
	if err := validateRestoreFlags(); err == nil {
		t.Error("expected error for --dry-run with --verify-only")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{vault.ErrVaultNotFound, "stellar init"},
		{fmt.Errorf("vault: %w", vault.ErrRecoveryNotAvailable), "recovery is not available"},
		{vault.ErrInvalidRecoveryCode, "recovery codes do not match"},
		{fmt.Errorf("restore failed: %w", backup.ErrIntegrityFailed), "integrity check failed"},
		{errors.New("something else"), "something else"},
	}
	for _, tt := range tests {
		if got := userMessage(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("userMessage(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"init", "add", "list", "extract", "destroy", "recover", "lock", "unlock",
		"status", "repair", "audit", "backup", "restore", "generate"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, sub := range []string{"list", "verify", "export"} {
		cmd, _, err := rootCmd.Find([]string{"audit", sub})
		if err != nil || cmd.Name() != sub {
			t.Errorf("command audit %q not registered", sub)
		}
	}
}
