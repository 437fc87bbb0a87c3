package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/pkg/vault"
)

// Audit flags
var (
	auditLimit int
	auditSince string
)

// Audit export flags
var (
	auditExportFormat string
	auditExportSince  string
	auditExportUntil  string
	auditExportOutput string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd, auditExportCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h, 7d)")

	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "json", "Output format: json, csv")
	auditExportCmd.Flags().StringVar(&auditExportSince, "since", "", "Export events since duration (e.g., 30d)")
	auditExportCmd.Flags().StringVar(&auditExportUntil, "until", "", "Export events until date (RFC 3339)")
	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "Output file path (default: stdout)")
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

func sinceFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since format: %w", err)
	}
	return time.Now().Add(-d), nil
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := sinceFlag(auditSince)
		if err != nil {
			return err
		}
		events, err := v.AuditEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tOPERATION\tRESULT\tENTRY")
		for _, e := range events {
			// Entry is a keyed hash; the prefix is enough to correlate rows.
			entry := e.Entry
			if len(entry) > 16 {
				entry = entry[:16] + "..."
			}
			result := color.GreenString(e.Result)
			if e.Error != nil {
				result = color.RedString("%s (%s)", e.Result, e.Error.Code)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp, e.Operation, result, entry)
		}
		return w.Flush()
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}

		result, err := v.AuditVerify(password)
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if result.Valid {
			success("Audit log verified: %d records, chain intact", result.RecordsTotal)
		} else {
			fmt.Println(color.RedString("✗") + " Audit log verification FAILED")
			fmt.Printf("  Records total: %d\n", result.RecordsTotal)
			fmt.Printf("  Records verified: %d\n", result.RecordsVerified)
			fmt.Println("  Errors:")
			for _, e := range result.Errors {
				fmt.Printf("    - %s\n", e)
			}
		}

		// Also output as JSON for machine parsing
		jsonResult, _ := json.Marshal(result)
		fmt.Printf("\nJSON: %s\n", string(jsonResult))

		if !result.Valid {
			return fmt.Errorf("audit log integrity check failed")
		}
		return nil
	},
}

// auditExportCmd exports audit logs
var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit log entries as JSON or CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog := v.AuditLogger()
		if auditLog == nil {
			return vault.ErrAuditDisabled
		}

		since, err := sinceFlag(auditExportSince)
		if err != nil {
			return err
		}
		var until time.Time
		if auditExportUntil != "" {
			until, err = time.Parse(time.RFC3339, auditExportUntil)
			if err != nil {
				return fmt.Errorf("invalid until format (expected RFC 3339): %w", err)
			}
		}

		data, err := auditLog.Export(auditExportFormat, since, until)
		if err != nil {
			return err
		}

		if auditExportOutput == "" {
			_, err := os.Stdout.Write(data)
			return err
		}
		if err := atomicfile.WriteFile(auditExportOutput, data, 0600); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		success("Exported audit log to %s", auditExportOutput)
		return nil
	},
}
