// Package commands implements the FlowDeck CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowdeck",
		Short: "FlowDeck - AI-powered Kanban automation",
		Long: `FlowDeck runs user-authored instruction cards against a Kanban board:
generating, modifying, and moving cards with an AI collaborator, gated by
cooldowns, daily caps, and loop prevention.

Examples:
  flowdeck serve
  flowdeck run inst-triage --scope unprocessed
  flowdeck instruction list --channel team
  flowdeck history team
  flowdeck undo 01JT4R8...`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newInstructionCmd(),
		newBoardCmd(),
		newHistoryCmd(),
		newUndoCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
