package commands

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/engine"
)

// newRunCmd creates the `flowdeck run` command for running an instruction
// by hand.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <instruction-id>",
		Short: "Run an instruction now",
		Long: `Run an instruction manually, regardless of its run mode. When some target
cards were already processed by this instruction, you are asked whether to
run on the unprocessed ones only or on everything.

Examples:
  flowdeck run inst-triage
  flowdeck run inst-triage --scope all`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().String("scope", "", "card scope when some targets were already processed (unprocessed, all)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	scopeFlag, _ := cmd.Flags().GetString("scope")
	scope, err := parseScope(scopeFlag)
	if err != nil {
		return err
	}

	instructionID := args[0]
	result, err := app.engine.Run(cmd.Context(), instructionID, scope)
	if errors.Is(err, engine.ErrScopeRequired) {
		scope, err = askScope(app, instructionID)
		if err != nil {
			return err
		}
		result, err = app.engine.Run(cmd.Context(), instructionID, scope)
	}
	if err != nil {
		return err
	}

	reportResult(cmd, result)
	return nil
}

func parseScope(s string) (engine.RunScope, error) {
	switch s {
	case "":
		return "", nil
	case "unprocessed":
		return engine.ScopeUnprocessed, nil
	case "all":
		return engine.ScopeAll, nil
	default:
		return "", fmt.Errorf("unknown scope %q (want unprocessed or all)", s)
	}
}

// askScope shows the preflight split and asks which cards to run on.
func askScope(app *app, instructionID string) (engine.RunScope, error) {
	ic, err := app.instructions.Instruction(instructionID)
	if err != nil {
		return "", err
	}
	partition, err := app.engine.Preflight(ic)
	if err != nil {
		return "", err
	}

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("%q already processed %d of %d target cards. Run on:",
				ic.Title, len(partition.AlreadyProcessed),
				len(partition.AlreadyProcessed)+len(partition.Unprocessed))).
			Options(
				huh.NewOption(fmt.Sprintf("Unprocessed cards only (%d)", len(partition.Unprocessed)), "unprocessed"),
				huh.NewOption("All target cards (re-process)", "all"),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return parseScope(choice)
}

func reportResult(cmd *cobra.Command, result *engine.RunResult) {
	switch {
	case result.RunID == "":
		cmd.Println("Run completed with no changes.")
	case result.CardsCreated > 0:
		cmd.Printf("Created %d cards. Run %s (undo with: flowdeck undo %s)\n",
			result.CardsCreated, result.RunID, result.RunID)
	default:
		cmd.Printf("Changed %d cards (%d changes). Run %s (undo with: flowdeck undo %s)\n",
			result.CardsTouched, len(result.Changes), result.RunID, result.RunID)
	}
}
