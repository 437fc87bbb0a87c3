package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/stellar/internal/config"
	"github.com/forest6511/stellar/internal/logging"
	"github.com/forest6511/stellar/pkg/audit"
	"github.com/forest6511/stellar/pkg/backup"
	"github.com/forest6511/stellar/pkg/security"
	"github.com/forest6511/stellar/pkg/vault"
)

var (
	cfg    *config.Config
	logger *slog.Logger
	v      *vault.Vault
)

// Global flags
var (
	flagConfig    string
	flagVaultPath string
	flagLogLevel  string
	flagLogFormat string
	flagNoAudit   bool
)

var rootCmd = &cobra.Command{
	Use:           "stellar",
	Short:         "stellar keeps files and folders in an encrypted vault",
	Long:          `An encrypted vault for files and folders, with recovery codes and a tamper-evident audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE resolves configuration and opens the vault handle for
	// every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}

		// Flags take precedence over file and environment.
		if flagVaultPath != "" {
			cfg.VaultPath = flagVaultPath
		}
		if flagLogLevel != "" {
			cfg.Log.Level = flagLogLevel
		}
		if flagLogFormat != "" {
			cfg.Log.Format = flagLogFormat
		}
		if flagNoAudit {
			cfg.Audit.Enabled = false
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}

		v = vault.New(cfg.VaultPath,
			vault.WithLogger(logger),
			vault.WithAudit(cfg.Audit.Enabled),
			vault.WithAuditSource(audit.SourceCLI),
		)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default $XDG_CONFIG_HOME/stellar/config.yaml)")
	pf.StringVar(&flagVaultPath, "vault", "", "Vault directory (default ~/.stellar)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format: text, json")
	pf.BoolVar(&flagNoAudit, "no-audit", false, "Do not write audit records")
}

// stdin is shared so that line-based reads on a pipe do not lose buffered input.
var stdin = bufio.NewReader(os.Stdin)

// readPassword prompts on stderr and reads a password without echo. When
// stdin is not a terminal a single line is read instead.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readNewPassword prompts twice, checks the policy and prints the strength
// estimate.
func readNewPassword(label string) (string, error) {
	p1, err := readPassword(fmt.Sprintf("Enter %s: ", label))
	if err != nil {
		return "", err
	}
	if err := security.ValidatePassword(p1); err != nil {
		return "", err
	}
	p2, err := readPassword(fmt.Sprintf("Confirm %s: ", label))
	if err != nil {
		return "", err
	}
	if p1 != p2 {
		return "", errors.New("passwords do not match")
	}

	strength := security.EstimateStrength(p1)
	c := color.New(color.FgGreen)
	if strength <= security.PasswordFair {
		c = color.New(color.FgYellow)
	}
	fmt.Fprintf(os.Stderr, "Password strength: %s\n", c.Sprint(strength))
	return p1, nil
}

// confirm asks a yes/no question; anything but y/yes is a no.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	line, _ := stdin.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// busy shows a spinner on stderr while fn runs.
func busy(msg string, fn func() error) error {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + msg
	s.Start()
	defer s.Stop()
	return fn()
}

func success(format string, args ...any) {
	fmt.Println(color.GreenString("✓") + " " + fmt.Sprintf(format, args...))
}

func warn(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.YellowString("!")+" "+fmt.Sprintf(format, args...))
}

// userMessage turns library errors into a line for the terminal.
func userMessage(err error) string {
	switch {
	case errors.Is(err, vault.ErrVaultNotFound):
		return "no vault here: run 'stellar init' first"
	case errors.Is(err, vault.ErrVaultAlreadyExists):
		return "a vault already exists at this path"
	case errors.Is(err, vault.ErrCooldownActive):
		return err.Error()
	case errors.Is(err, vault.ErrInvalidPassword):
		if v == nil {
			return "invalid password"
		}
		if d := v.RemainingCooldown(); d > 0 {
			return fmt.Sprintf("invalid password (try again in %s)", d.Round(time.Second))
		}
		return "invalid password"
	case errors.Is(err, vault.ErrInvalidRecoveryCode):
		return "recovery codes do not match this vault"
	case errors.Is(err, vault.ErrRecoveryNotAvailable):
		return "recovery is not available for this vault (maximum security level or escrow missing)"
	case errors.Is(err, vault.ErrRecoveryIncomplete):
		return "recovery could not be completed; run the command again to finish it"
	case errors.Is(err, vault.ErrCorruptedData):
		return "vault data is corrupted: run 'stellar status' for details"
	case errors.Is(err, backup.ErrIntegrityFailed):
		return "backup integrity check failed: wrong password or tampered file"
	}
	return err.Error()
}

// parseDuration parses a duration with optional d/w/m/y units
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
