package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/engine"
)

// newHistoryCmd creates the `flowdeck history` command.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <channel-id>",
		Short: "Show a channel's run history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := app.engine.History(args[0], limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				cmd.Println("No runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tINSTRUCTION\tSTARTED\tCHANGES\tSTATE")
			for _, run := range runs {
				state := "done"
				if run.Undone {
					state = "undone"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					run.ID, run.InstructionTitle,
					run.StartedAt.Format("2006-01-02 15:04:05"),
					len(run.Changes), state)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to show")
	return cmd
}

// newUndoCmd creates the `flowdeck undo` command.
func newUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo <run-id>",
		Short: "Reverse a run's changes",
		Long: `Reverse every change a run made, newest first. Each run can be undone
once; undoing an already-undone run is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.engine.Undo(cmd.Context(), args[0])
			if errors.Is(err, engine.ErrUndoConflict) {
				cmd.Printf("Run %s was already undone.\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			if result.AlreadyUndone {
				cmd.Printf("Run %s was already undone.\n", args[0])
				return nil
			}
			cmd.Printf("Reversed %d changes from run %s\n", result.Reversed, args[0])
			return nil
		},
	}
}
