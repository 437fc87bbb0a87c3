package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/stellar/pkg/vault"
)

var lockKeep bool

func init() {
	rootCmd.AddCommand(lockCmd, unlockCmd)
	lockCmd.Flags().BoolVarP(&lockKeep, "keep", "k", false, "Keep the original file")
}

// lockCmd encrypts a single file in place, outside any vault
var lockCmd = &cobra.Command{
	Use:   "lock <file>",
	Short: "Encrypt a single file to <file>.stlr with its own password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readNewPassword("file password")
		if err != nil {
			return err
		}
		out, err := vault.LockFile(args[0], password, lockKeep)
		if err != nil {
			return err
		}
		success("Locked %s", out)
		return nil
	},
}

// unlockCmd reverses lockCmd
var unlockCmd = &cobra.Command{
	Use:   "unlock <file.stlr>",
	Short: "Decrypt a file produced by lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", vault.ErrFileNotFound, args[0])
		}
		if _, err := vault.UnlockedPath(args[0]); err != nil {
			return err
		}
		password, err := readPassword("Enter file password: ")
		if err != nil {
			return err
		}
		out, err := vault.UnlockFile(args[0], password)
		if err != nil {
			return err
		}
		success("Unlocked %s", out)
		return nil
	},
}
