// Package cli defines the switchboard command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Protocol-translating gateway for LLM chat-completion APIs",
	Long: `Switchboard is a reverse proxy that accepts OpenAI chat-completions
and Anthropic messages requests, routes them through a configurable
plugin pipeline, and forwards them to any configured upstream provider,
translating between protocols in both directions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}
