package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/board"
)

// newBoardCmd creates the `flowdeck board` command group.
func newBoardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Inspect and seed board channels",
	}

	cmd.AddCommand(
		newBoardInitCmd(),
		newBoardShowCmd(),
		newBoardAddCardCmd(),
	)
	return cmd
}

func newBoardInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <channel-id> <name>",
		Short: "Create a channel with its columns",
		Long: `Create a channel if it does not exist yet. Column IDs are derived from
the column names, lowercased with spaces replaced by dashes.

Example:
  flowdeck board init team "Team Board" --columns "Inbox,In Progress,Done"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			names, _ := cmd.Flags().GetStringSlice("columns")
			if len(names) == 0 {
				names = []string{"Inbox", "In Progress", "Done"}
			}
			ch := board.Channel{ID: args[0], Name: args[1]}
			for _, name := range names {
				ch.Columns = append(ch.Columns, board.Column{
					ID:   columnID(args[0], name),
					Name: name,
				})
			}
			if err := app.store.EnsureChannel(ch); err != nil {
				return err
			}
			cmd.Printf("Channel %q ready with %d columns\n", ch.ID, len(ch.Columns))
			return nil
		},
	}
	cmd.Flags().StringSlice("columns", nil, "column names in display order")
	return cmd
}

func newBoardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <channel-id>",
		Short: "Print a channel's columns and cards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ch, err := app.store.Channel(args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, col := range ch.Columns {
				cards, err := app.store.CardsInColumn(col.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s (%s)\t%d cards\n", col.Name, col.ID, len(cards))
				for _, card := range cards {
					tags := ""
					if len(card.Tags) > 0 {
						tags = "[" + strings.Join(card.Tags, ", ") + "]"
					}
					fmt.Fprintf(w, "  %s\t%s %s\n", card.ID, card.Title, tags)
				}
			}
			return w.Flush()
		},
	}
}

func newBoardAddCardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-card <column-id> <title>",
		Short: "Add a card to the front of a column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			description, _ := cmd.Flags().GetString("description")
			card := &board.Card{
				ID:          uuid.New().String(),
				ColumnID:    args[0],
				Title:       args[1],
				Description: description,
			}
			if err := app.store.CreateCard(card); err != nil {
				return err
			}
			cmd.Printf("Card %s created in %s\n", card.ID, card.ColumnID)
			return nil
		},
	}
	cmd.Flags().String("description", "", "card description")
	return cmd
}

func columnID(channelID, name string) string {
	slug := strings.ToLower(strings.Join(strings.Fields(name), "-"))
	return channelID + "-" + slug
}
