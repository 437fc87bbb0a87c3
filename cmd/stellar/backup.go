package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/stellar/pkg/backup"
)

var (
	backupOutput         string
	backupStdout         bool
	backupWithAudit      bool
	backupBackupPassword bool
	backupKeyFile        string
	backupForce          bool
	backupGenKey         string
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path")
	backupCmd.Flags().BoolVar(&backupStdout, "stdout", false, "Output to stdout (for piping)")
	backupCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Include audit log in backup")
	backupCmd.Flags().BoolVar(&backupBackupPassword, "backup-password", false, "Use separate backup password")
	backupCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Encryption key file (32 bytes)")
	backupCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite existing file")
	backupCmd.Flags().StringVar(&backupGenKey, "generate-key", "", "Write a new random key file to this path and exit")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create encrypted backup of the vault",
	Long: `Create an encrypted backup of the vault.

Examples:
  # Backup to a file
  stellar backup -o vault.stlrbak

  # Backup with audit log
  stellar backup -o full.stlrbak --with-audit

  # Backup to stdout (for piping)
  stellar backup --stdout | ssh host 'cat > vault.stlrbak'

  # Use separate backup password
  stellar backup -o vault.stlrbak --backup-password

  # Create a key file, then use it for encryption
  stellar backup --generate-key backup.key
  stellar backup -o vault.stlrbak --key-file=backup.key`,
	Args: cobra.NoArgs,
	RunE: executeBackup,
}

func executeBackup(cmd *cobra.Command, args []string) error {
	if backupGenKey != "" {
		if _, err := os.Stat(backupGenKey); err == nil {
			return fmt.Errorf("key file already exists: %s", backupGenKey)
		}
		if err := backup.GenerateKeyFile(backupGenKey); err != nil {
			return err
		}
		success("Key file written to %s; keep it apart from the backups", backupGenKey)
		return nil
	}

	if err := validateBackupFlags(); err != nil {
		return err
	}
	if !v.IsInitialized() {
		return errors.New("no vault here: run 'stellar init' first")
	}

	vaultPassword, err := readPassword("Enter master password: ")
	if err != nil {
		return err
	}

	var password []byte
	if backupBackupPassword {
		p, err := readNewPassword("backup password")
		if err != nil {
			return err
		}
		password = []byte(p)
	}

	// Determine output
	var output *os.File
	if backupStdout {
		output = os.Stdout
	} else {
		flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if backupForce {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		output, err = os.OpenFile(backupOutput, flags, 0600)
		if err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
			}
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer output.Close()
	}

	opts := backup.BackupOptions{
		Output:        output,
		IncludeAudit:  backupWithAudit,
		VaultPassword: vaultPassword,
		Password:      password,
		KeyFile:       backupKeyFile,
	}
	if err := busy("Writing backup...", func() error { return backup.Backup(v, opts) }); err != nil {
		if !backupStdout {
			output.Close()
			os.Remove(backupOutput)
		}
		return fmt.Errorf("backup failed: %w", err)
	}

	if !backupStdout {
		if err := output.Sync(); err != nil {
			return fmt.Errorf("failed to flush backup: %w", err)
		}
		success("Backup created: %s", backupOutput)
	}
	return nil
}

func validateBackupFlags() error {
	if !backupStdout && backupOutput == "" {
		return fmt.Errorf("either --output or --stdout is required")
	}
	if backupStdout && backupOutput != "" {
		return fmt.Errorf("--output and --stdout are mutually exclusive")
	}
	if backupKeyFile != "" && backupBackupPassword {
		return fmt.Errorf("--key-file and --backup-password are mutually exclusive")
	}
	return nil
}
