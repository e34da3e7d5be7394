package events

import (
	"fmt"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"
	"github.com/femtomc/mu-sub002/sdk"

	"github.com/spf13/cobra"
)

func Cmd(g *cmdutil.Global) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the append-only event log",
	}
	cmd.AddCommand(listCmd(g))
	cmd.AddCommand(tailCmd(g))
	return cmd
}

func bindFilter(cmd *cobra.Command, filter *sdk.EventFilter) {
	cmd.Flags().StringVar(&filter.Type, "type", "", "Exact event type")
	cmd.Flags().StringVar(&filter.IssueID, "issue", "", "Filter by issue id")
	cmd.Flags().StringVar(&filter.RunID, "run", "", "Filter by run id")
	cmd.Flags().StringVar(&filter.Contains, "contains", "", "Substring match on the raw record")
}

func printEvents(g *cmdutil.Global, events []sdk.EventRecord) error {
	if g.JSON {
		return cmdutil.EmitJSON(events)
	}
	if len(events) == 0 {
		fmt.Println(ui.Muted("no matching events"))
		return nil
	}
	for _, ev := range events {
		line := cmdutil.FormatMS(ev.TSMS) + "  " + ui.Accent(ev.Type) + "  " + ui.Muted(ev.Source)
		if ev.IssueID != "" {
			line += "  " + ev.IssueID
		}
		if ev.RunID != "" {
			line += "  " + ui.Muted("run="+ev.RunID)
		}
		fmt.Println(line)
	}
	return nil
}

func listCmd(g *cmdutil.Global) *cobra.Command {
	var filter sdk.EventFilter
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List events oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			events, err := client.Events(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printEvents(g, events)
		},
	}
	bindFilter(cmd, &filter)
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum events to return (0 for all)")
	return cmd
}

func tailCmd(g *cmdutil.Global) *cobra.Command {
	var (
		filter sdk.EventFilter
		n      int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest matching events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			events, err := client.TailEvents(cmd.Context(), filter, n)
			if err != nil {
				return err
			}
			return printEvents(g, events)
		},
	}
	bindFilter(cmd, &filter)
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "Number of events to show")
	return cmd
}
