// Command stellar is the command-line front end for a stellar vault.
package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprint(os.Stderr, "Error: ")
		os.Stderr.WriteString(userMessage(err) + "\n")
		os.Exit(1)
	}
}
