package outbox

import (
	"fmt"
	"strconv"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"

	"github.com/spf13/cobra"
)

func Cmd(g *cmdutil.Global) *cobra.Command {
	var (
		state   string
		channel string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List queued outbound deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			envelopes, err := client.Outbox(cmd.Context(), state, channel, limit)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(envelopes)
			}
			if len(envelopes) == 0 {
				fmt.Println(ui.Muted("outbox is empty"))
				return nil
			}

			rows := make([][]string, len(envelopes))
			for i, e := range envelopes {
				lastErr := e.LastError
				if lastErr == "" {
					lastErr = "-"
				}
				rows[i] = []string{
					e.OutboxID,
					e.Channel,
					e.Kind,
					stateCell(e.State),
					strconv.Itoa(e.AttemptCount) + "/" + strconv.Itoa(e.MaxAttempts),
					cmdutil.FormatMS(e.NextAttemptAtMS),
					lastErr,
				}
			}
			fmt.Println(ui.Table(
				[]string{"ID", "Channel", "Kind", "State", "Attempts", "Next attempt", "Last error"},
				rows,
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (pending|delivered|dead)")
	cmd.Flags().StringVar(&channel, "channel", "", "Filter by channel")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum envelopes to return (0 for all)")
	return cmd
}

func stateCell(state string) string {
	switch state {
	case "delivered":
		return ui.Success(state)
	case "dead":
		return ui.ErrorStyle.Render(state)
	case "pending":
		return ui.Warn(state)
	}
	return state
}
