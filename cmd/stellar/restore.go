package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/stellar/pkg/backup"
)

var (
	restoreDryRun     bool
	restoreVerifyOnly bool
	restoreOnConflict string
	restoreKeyFile    string
	restoreForce      bool
	restoreWithAudit  bool
)

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Show what would be restored without making changes")
	restoreCmd.Flags().BoolVar(&restoreVerifyOnly, "verify-only", false, "Only verify backup integrity")
	restoreCmd.Flags().StringVar(&restoreOnConflict, "on-conflict", "error", "When a vault already exists: skip, overwrite, error")
	restoreCmd.Flags().StringVar(&restoreKeyFile, "key-file", "", "Decryption key file")
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "Skip confirmation prompt")
	restoreCmd.Flags().BoolVar(&restoreWithAudit, "with-audit", false, "Restore audit log (replaces existing)")
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore vault from encrypted backup",
	Long: `Restore the vault from an encrypted backup file.

Examples:
  # Dry run (preview only)
  stellar restore vault.stlrbak --dry-run

  # Verify backup integrity without restoring
  stellar restore vault.stlrbak --verify-only

  # Replace an existing vault
  stellar restore vault.stlrbak --on-conflict=overwrite

  # Restore with audit log
  stellar restore vault.stlrbak --with-audit

  # Use key file for decryption
  stellar restore vault.stlrbak --key-file=backup.key`,
	Args: cobra.ExactArgs(1),
	RunE: executeRestore,
}

func executeRestore(cmd *cobra.Command, args []string) error {
	backupPath := args[0]

	if err := validateRestoreFlags(); err != nil {
		return err
	}
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", backupPath)
	}
	conflictMode, err := parseConflictMode(restoreOnConflict)
	if err != nil {
		return err
	}

	var password []byte
	if restoreKeyFile == "" {
		p, err := readPassword("Enter backup password: ")
		if err != nil {
			return err
		}
		password = []byte(p)
	}

	if restoreVerifyOnly {
		result, err := backup.Verify(backupPath, password, restoreKeyFile)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if !result.Valid {
			return fmt.Errorf("verification failed: %s", result.Error)
		}
		success("Backup verification successful")
		fmt.Printf("  Version: %d\n", result.Version)
		fmt.Printf("  Created: %s\n", result.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("  Level:   %s\n", result.SecurityLevel)
		fmt.Printf("  Entries: %d\n", result.EntryCount)
		fmt.Printf("  Includes Audit: %v\n", result.IncludesAudit)
		return nil
	}

	if !restoreForce && !restoreDryRun && conflictMode == backup.ConflictOverwrite && v.IsInitialized() {
		if !confirm(fmt.Sprintf("This replaces the vault at %s. Continue?", v.Path())) {
			fmt.Println("Restore cancelled.")
			return nil
		}
	}

	opts := backup.RestoreOptions{
		VaultPath:  v.Path(),
		OnConflict: conflictMode,
		DryRun:     restoreDryRun,
		WithAudit:  restoreWithAudit,
		Password:   password,
		KeyFile:    restoreKeyFile,
	}
	var result *backup.RestoreResult
	err = busy("Restoring...", func() (err error) {
		result, err = backup.Restore(backupPath, opts)
		return err
	})
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	if result.DryRun {
		fmt.Printf("Dry run complete. Would restore to %s:\n", result.VaultPath)
	} else {
		success("Restore complete: %s", result.VaultPath)
	}
	fmt.Printf("  Entries restored: %d\n", result.EntriesRestored)
	fmt.Printf("  Entries skipped: %d\n", result.EntriesSkipped)
	if result.AuditRestored {
		fmt.Printf("  Audit log: restored\n")
	}
	return nil
}

func validateRestoreFlags() error {
	if _, err := parseConflictMode(restoreOnConflict); err != nil {
		return err
	}
	if restoreDryRun && restoreVerifyOnly {
		return fmt.Errorf("--dry-run and --verify-only are mutually exclusive")
	}
	return nil
}

func parseConflictMode(mode string) (backup.ConflictMode, error) {
	switch mode {
	case "skip":
		return backup.ConflictSkip, nil
	case "overwrite":
		return backup.ConflictOverwrite, nil
	case "error":
		return backup.ConflictError, nil
	default:
		return backup.ConflictError, fmt.Errorf("invalid --on-conflict value: %s (valid: skip, overwrite, error)", mode)
	}
}
