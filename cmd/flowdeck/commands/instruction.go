package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/engine"
)

// newInstructionCmd creates the `flowdeck instruction` command group.
func newInstructionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instruction",
		Aliases: []string{"inst"},
		Short:   "Manage instruction cards",
	}

	cmd.AddCommand(
		newInstructionAddCmd(),
		newInstructionListCmd(),
		newInstructionShowCmd(),
		newInstructionEnableCmd(true),
		newInstructionEnableCmd(false),
	)
	return cmd
}

func newInstructionAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file.yaml>",
		Short: "Add an instruction from a YAML file",
		Long: `Add an instruction card defined in a YAML file. A missing id is filled
with a generated one.

Example file:
  channel_id: team
  title: Triage inbox
  prompt: Tag each card by topic and add a priority property.
  action: modify
  target: {kind: column, column_ids: [col-inbox]}
  run_mode: automatic
  triggers:
    - {kind: scheduled, interval: daily, specific_time: "09:00"}
  safeguards: {cooldown_minutes: 60, daily_cap: 5, prevent_loops: true}
  enabled: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading instruction file: %w", err)
			}
			var ic engine.InstructionCard
			if err := yaml.Unmarshal(data, &ic); err != nil {
				return fmt.Errorf("parsing instruction YAML: %w", err)
			}
			if ic.ID == "" {
				ic.ID = uuid.New().String()
			}
			if ic.RunMode == "" {
				ic.RunMode = engine.RunModeManual
			}
			if err := ic.Validate(); err != nil {
				return err
			}

			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.instructions.SaveInstruction(&ic); err != nil {
				return err
			}
			cmd.Printf("Instruction %q saved as %s\n", ic.Title, ic.ID)
			return nil
		},
	}
}

func newInstructionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instructions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			channel, _ := cmd.Flags().GetString("channel")
			var items []engine.InstructionCard
			if channel != "" {
				items, err = app.instructions.InstructionsForChannel(channel)
			} else {
				items, err = app.instructions.Instructions()
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNEL\tTITLE\tACTION\tMODE\tENABLED\tLAST RUN")
			for _, ic := range items {
				lastRun := "never"
				if ic.LastExecutedAt != nil {
					lastRun = ic.LastExecutedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
					ic.ID, ic.ChannelID, ic.Title, ic.Action, ic.RunMode, ic.Enabled, lastRun)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("channel", "", "only list instructions for this channel")
	return cmd
}

func newInstructionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <instruction-id>",
		Short: "Print an instruction as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ic, err := app.instructions.Instruction(args[0])
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(ic)
			if err != nil {
				return err
			}
			cmd.Print(string(data))
			return nil
		},
	}
}

func newInstructionEnableCmd(enable bool) *cobra.Command {
	use, short := "enable", "Enable an instruction"
	if !enable {
		use, short = "disable", "Disable an instruction"
	}
	return &cobra.Command{
		Use:   use + " <instruction-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.instructions.SetEnabled(args[0], enable); err != nil {
				return err
			}
			cmd.Printf("Instruction %s %sd\n", args[0], use)
			return nil
		},
	}
}
