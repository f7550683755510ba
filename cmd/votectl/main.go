// Command votectl is the operator tool for the voting service: it mints test
// tokens and drives load against a running server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "votectl",
	Short:         "voting service operator tool",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
