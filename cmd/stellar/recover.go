package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/stellar/pkg/recovery"
)

// recoverCmd resets the master password with the two recovery codes
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reset a forgotten master password with the recovery codes",
	Long: `Reset the master password using both recovery codes.

Every entry is re-encrypted under the new password and a new pair of
recovery codes is issued. The old password and the old codes stop working.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		code1, err := readCode("Recovery code 1: ")
		if err != nil {
			return err
		}
		code2, err := readCode("Recovery code 2: ")
		if err != nil {
			return err
		}
		password, err := readNewPassword("new master password")
		if err != nil {
			return err
		}

		var codes *recovery.Codes
		err = busy("Re-encrypting vault...", func() (err error) {
			codes, err = v.Recover(code1, code2, password)
			return err
		})
		if err != nil {
			return err
		}
		defer codes.Destroy()

		success("Master password reset")
		printRecoveryCodes(codes.Code1(), codes.Code2())
		fmt.Println("The previous recovery codes no longer work.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

// readCode reads a recovery code, rejecting malformed input before the
// vault spends a key derivation on it.
func readCode(prompt string) (string, error) {
	code, err := readPassword(prompt)
	if err != nil {
		return "", err
	}
	if !recovery.Valid(code) {
		fmt.Fprintln(os.Stderr, "Codes look like XXXX-XXXX-XXXX.")
		return "", fmt.Errorf("malformed recovery code")
	}
	return code, nil
}
