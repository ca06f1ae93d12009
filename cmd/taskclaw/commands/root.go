// Package commands implements the TaskClaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskclaw",
		Short: "TaskClaw - multi-tenant agent orchestrator",
		Long: `TaskClaw routes chat messages to per-user AI agent instances.
Each user gets an isolated session, skill configuration and workspace.

Examples:
  taskclaw serve
  taskclaw console --user alice
  taskclaw secret set alice himalaya GMAIL
  taskclaw render alice
  taskclaw keygen`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConsoleCmd(),
		newSecretCmd(),
		newRenderCmd(),
		newKeygenCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
