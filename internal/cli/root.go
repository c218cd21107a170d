// Package cli implements the tether command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

// GlobalFlags holds flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
}

var globalFlags GlobalFlags

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Tether - agent session orchestrator",
		Long: `Tether hosts agent sessions: it guards concurrent runs, assembles
credentials and environment for the agent runtime, correlates interactive
approvals, and persists session transcripts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path (default ~/.tether/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(),
		newChannelCmd(),
		newSessionCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
