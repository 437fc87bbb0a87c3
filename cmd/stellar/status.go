package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forest6511/stellar/pkg/vault"
)

var (
	statusDeep bool
	statusJSON bool
)

func init() {
	rootCmd.AddCommand(statusCmd, repairCmd)
	statusCmd.Flags().BoolVar(&statusDeep, "deep", false, "Unlock the vault and cross-check entries against data files")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

// statusCmd reports vault health
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check vault integrity, permissions and disk space",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			result *vault.IntegrityCheckResult
			err    error
		)
		if statusDeep {
			password, perr := readPassword("Enter master password: ")
			if perr != nil {
				return perr
			}
			result, err = v.CheckIntegrityWithPassword(password)
		} else {
			result, err = v.CheckIntegrity()
		}
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
		} else {
			printIntegrity(result)
		}

		if !result.Valid {
			return errors.New("vault integrity check failed")
		}
		return nil
	},
}

func printIntegrity(r *vault.IntegrityCheckResult) {
	fmt.Printf("Vault: %s\n", v.Path())
	if meta, err := v.Meta(); err == nil {
		fmt.Printf("  Level:   %s\n", meta.SecurityLevel)
		fmt.Printf("  Created: %s\n", meta.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	check("metadata", r.MetaValid)
	check("index", r.IndexExists)
	check("recovery escrow", r.RecoveryValid)
	check("permissions", r.PermissionsValid)
	check("no pending recovery", r.NoPendingStaging)
	if r.EntriesChecked {
		check("entries match data files", len(r.OrphanBlobs) == 0 && len(r.MissingBlobs) == 0)
	}
	for _, e := range r.Errors {
		fmt.Println("    - " + e)
	}

	if info, err := v.CheckDiskSpace(); err == nil {
		line := fmt.Sprintf("  Disk: %s free of %s (%d%% used)",
			humanize.IBytes(info.Available), humanize.IBytes(info.Total), info.UsedPct)
		if info.Low() {
			line = color.YellowString(line)
		}
		fmt.Println(line)
	}
	if state, err := v.GetLockState(); err == nil && state.FailedAttempts > 0 {
		warn("%d failed unlock attempt(s), last %s", state.FailedAttempts, humanize.Time(state.LastAttempt))
	}
}

func check(label string, ok bool) {
	mark := color.GreenString("✓")
	if !ok {
		mark = color.RedString("✗")
	}
	fmt.Printf("  %s %s\n", mark, label)
}

// repairCmd removes debris left by interrupted writes
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Remove orphaned data files and temp files left by interrupted writes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		result, err := v.Repair(password)
		if err != nil {
			return err
		}

		success("Removed %d orphaned data file(s) and %d temp file(s)",
			len(result.OrphansRemoved), len(result.TempsRemoved))
		for _, name := range result.MissingBlobs {
			warn("%s has no data file; remove it with 'stellar destroy %s'", name, name)
		}
		return nil
	},
}
