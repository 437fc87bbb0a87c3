package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forest6511/stellar/pkg/recovery"
	"github.com/forest6511/stellar/pkg/vault"
)

var (
	initLevel   string
	listJSON    bool
	extractDest string
	destroyYes  bool
)

func init() {
	rootCmd.AddCommand(initCmd, addCmd, listCmd, extractCmd, destroyCmd)

	initCmd.Flags().StringVar(&initLevel, "level", "standard", "Security level: standard (recovery codes) or maximum (no recovery)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	extractCmd.Flags().StringVarP(&extractDest, "output", "o", ".", "Directory to extract into")
	destroyCmd.Flags().BoolVarP(&destroyYes, "yes", "y", false, "Skip confirmation prompt")
}

// initCmd creates a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault",
	Long: `Create a new vault protected by a master password.

At the standard level two recovery codes are printed once. Together they
can reset a forgotten password. At the maximum level no recovery data is
stored and a forgotten password means the data is gone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := vault.ParseSecurityLevel(initLevel)
		if err != nil {
			return err
		}
		if v.IsInitialized() {
			return vault.ErrVaultAlreadyExists
		}

		fmt.Fprintf(os.Stderr, "Creating %s vault at %s\n", level, v.Path())
		password, err := readNewPassword("master password")
		if err != nil {
			return err
		}

		var codes *recovery.Codes
		err = busy("Deriving key...", func() (err error) {
			codes, err = v.Init(password, level)
			return err
		})
		if err != nil {
			return err
		}
		defer codes.Destroy()

		success("Vault created at %s", v.Path())
		if codes != nil {
			printRecoveryCodes(codes.Code1(), codes.Code2())
		} else {
			warn("Maximum security: there is no way to recover a forgotten password")
		}
		return nil
	},
}

func printRecoveryCodes(code1, code2 string) {
	fmt.Println()
	fmt.Println(color.New(color.Bold).Sprint("Recovery codes (shown only once):"))
	fmt.Println("  1: " + color.CyanString(code1))
	fmt.Println("  2: " + color.CyanString(code2))
	fmt.Println()
	fmt.Println("Store them separately and offline. Both are needed to reset the password.")
}

// addCmd moves a file or directory into the vault
var addCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Encrypt a file or directory into the vault and remove the original",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		var entry *vault.Entry
		err = busy("Encrypting "+args[0]+"...", func() (err error) {
			entry, err = v.Add(args[0], password)
			return err
		})
		if entry == nil {
			return err
		}
		success("Added %s (%s)", entry.Name, humanize.IBytes(entry.Size))
		if err != nil {
			warn("%v", err)
		}
		return nil
	},
}

// listCmd lists vault entries
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List vault entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		entries, err := v.List(password)
		if err != nil {
			return err
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Println("Vault is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tADDED")
		for _, e := range entries {
			kind := "file"
			if e.IsDirectory {
				kind = "dir"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, kind, humanize.IBytes(e.Size), humanize.Time(e.AddedAt))
		}
		return w.Flush()
	},
}

// extractCmd restores an entry to disk
var extractCmd = &cobra.Command{
	Use:   "extract <name>",
	Short: "Decrypt an entry to disk; it stays in the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		var out string
		err = busy("Decrypting "+args[0]+"...", func() (err error) {
			out, err = v.Extract(args[0], password, extractDest)
			return err
		})
		if err != nil {
			return err
		}
		success("Extracted to %s", out)
		return nil
	},
}

// destroyCmd removes an entry permanently
var destroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Permanently remove an entry from the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if !destroyYes && !confirm(fmt.Sprintf("Permanently destroy %q?", name)) {
			fmt.Println("Cancelled.")
			return nil
		}
		password, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		if err := v.Destroy(name, password); err != nil {
			return err
		}
		success("Destroyed %s", name)
		return nil
	},
}
