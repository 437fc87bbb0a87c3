package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/stellar/pkg/security"
)

const (
	defaultPasswordCount = 1
	maxPasswordCount     = 100
	maxExcludeLength     = 256
)

// Generate command flags
var (
	generateLength      int
	generateCount       int
	generateNoSymbols   bool
	generateNoNumbers   bool
	generateNoUppercase bool
	generateNoLowercase bool
	generateExclude     string
	generateCopy        bool
	generateShowScore   bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().IntVarP(&generateLength, "length", "l", security.DefaultGenerateLength, "Password length (8-256)")
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", defaultPasswordCount, "Number of passwords to generate (1-100)")
	generateCmd.Flags().BoolVar(&generateNoSymbols, "no-symbols", false, "Exclude symbols")
	generateCmd.Flags().BoolVar(&generateNoNumbers, "no-numbers", false, "Exclude numbers")
	generateCmd.Flags().BoolVar(&generateNoUppercase, "no-uppercase", false, "Exclude uppercase letters")
	generateCmd.Flags().BoolVar(&generateNoLowercase, "no-lowercase", false, "Exclude lowercase letters")
	generateCmd.Flags().StringVar(&generateExclude, "exclude", "", "Characters to exclude")
	generateCmd.Flags().BoolVarP(&generateCopy, "copy", "c", false, "Copy first password to clipboard (accessible to all processes)")
	generateCmd.Flags().BoolVar(&generateShowScore, "strength", false, "Print strength and entropy to stderr")
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate secure random passwords",
	Long: `Generate cryptographically secure random passwords suitable as a
master, file or backup password.

Examples:
  # Generate a 24-character password (default)
  stellar generate

  # Generate a 32-character password without symbols
  stellar generate -l 32 --no-symbols

  # Generate 5 passwords
  stellar generate -n 5

  # Generate password excluding ambiguous characters
  stellar generate --exclude "0O1lI"`,
	Args: cobra.NoArgs,
	RunE: executeGenerate,
}

func executeGenerate(cmd *cobra.Command, args []string) error {
	if err := validateGenerateFlags(); err != nil {
		return err
	}

	opts := security.GenerateOptions{
		Length:      generateLength,
		NoSymbols:   generateNoSymbols,
		NoNumbers:   generateNoNumbers,
		NoUppercase: generateNoUppercase,
		NoLowercase: generateNoLowercase,
		Exclude:     generateExclude,
	}

	passwords := make([]string, generateCount)
	for i := range passwords {
		password, err := security.GeneratePassword(opts)
		if err != nil {
			return fmt.Errorf("failed to generate password: %w", err)
		}
		passwords[i] = password
	}

	for _, password := range passwords {
		fmt.Println(password)
	}
	if generateShowScore {
		p := passwords[0]
		fmt.Fprintf(os.Stderr, "Strength: %s (%.0f bits)\n", security.EstimateStrength(p), security.EntropyBits(p))
	}

	if generateCopy {
		if err := copyToClipboard(passwords[0]); err != nil {
			warn("failed to copy to clipboard: %v", err)
		} else {
			fmt.Fprintln(os.Stderr, "Password copied to clipboard")
		}
	}
	return nil
}

// validateGenerateFlags validates the generate command flags
func validateGenerateFlags() error {
	if generateLength < security.MinGenerateLength {
		return fmt.Errorf("password length must be at least %d characters", security.MinGenerateLength)
	}
	if generateLength > security.MaxGenerateLength {
		return fmt.Errorf("password length must be at most %d characters", security.MaxGenerateLength)
	}
	if generateCount < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	if generateCount > maxPasswordCount {
		return fmt.Errorf("count must be at most %d", maxPasswordCount)
	}
	if len(generateExclude) > maxExcludeLength {
		return fmt.Errorf("exclude string must be at most %d characters", maxExcludeLength)
	}
	return nil
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		// Try xclip first, then xsel
		if _, err := exec.LookPath("xclip"); err == nil {
			cmd = exec.Command("xclip", "-selection", "clipboard")
		} else if _, err := exec.LookPath("xsel"); err == nil {
			cmd = exec.Command("xsel", "--clipboard", "--input")
		} else {
			return fmt.Errorf("clipboard tool not found: install xclip or xsel")
		}
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("clipboard not supported on %s", runtime.GOOS)
	}

	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}
