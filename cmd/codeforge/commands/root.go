// Package commands implements the codeforge CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "codeforge",
		Short: "codeforge - streaming multi-file code generation",
		Long: `codeforge asks an LLM for a small multi-file web project, extracts the
files from the response while it streams, writes them to a workspace and
installs the npm packages they import.

Examples:
  codeforge generate "a pomodoro timer with a dark theme"
  codeforge generate --edit --target script.js "add a reset button"
  codeforge apply response.txt
  codeforge serve
  codeforge keys set groq`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newGenerateCmd(),
		newApplyCmd(),
		newServeCmd(version),
		newKeysCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
