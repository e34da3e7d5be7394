package heartbeat

import (
	"fmt"
	"strconv"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"
	"github.com/femtomc/mu-sub002/sdk"

	"github.com/spf13/cobra"
)

func Cmd(g *cmdutil.Global) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "heartbeat",
		Aliases: []string{"hb"},
		Short:   "Manage heartbeat programs",
	}
	cmd.AddCommand(listCmd(g))
	cmd.AddCommand(createCmd(g))
	cmd.AddCommand(showCmd(g))
	cmd.AddCommand(updateCmd(g))
	cmd.AddCommand(removeCmd(g))
	cmd.AddCommand(triggerCmd(g))
	cmd.AddCommand(enableCmd(g, true))
	cmd.AddCommand(enableCmd(g, false))
	return cmd
}

func listCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List heartbeat programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			programs, err := client.Heartbeats(cmd.Context())
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(programs)
			}
			if len(programs) == 0 {
				fmt.Println(ui.Muted("no heartbeat programs"))
				return nil
			}

			rows := make([][]string, len(programs))
			for i, p := range programs {
				rows[i] = []string{
					p.ProgramID,
					p.Title,
					ui.Bool(p.Enabled),
					fmt.Sprintf("%dms", p.EveryMS),
					cmdutil.FormatMS(p.LastTriggeredAtMS),
					lastResult(p.LastResult, p.LastError),
				}
			}
			fmt.Println(ui.Table(
				[]string{"ID", "Title", "Enabled", "Every", "Last fired", "Last result"},
				rows,
			))
			return nil
		},
	}
}

func lastResult(result, errMsg string) string {
	if errMsg != "" {
		return ui.Warn(errMsg)
	}
	if result == "" {
		return "-"
	}
	return result
}

func createCmd(g *cmdutil.Global) *cobra.Command {
	var (
		title   string
		prompt  string
		everyMS int64
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a heartbeat program",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			patch := sdk.ProgramPatch{Title: &title, EveryMS: &everyMS}
			if prompt != "" {
				patch.Prompt = &prompt
			}
			if reason != "" {
				patch.Reason = &reason
			}
			p, err := client.CreateHeartbeat(cmd.Context(), patch)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(p)
			}
			fmt.Println(ui.SuccessMsg("created %s", ui.Accent(p.ProgramID)))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Program title")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Turn prompt dispatched on each beat")
	cmd.Flags().Int64Var(&everyMS, "every-ms", 0, "Interval in milliseconds")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on wakes")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("every-ms")
	return cmd
}

func showCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "show <program-id>",
		Short: "Show one heartbeat program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			p, err := client.Heartbeat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(p)
			}
			fmt.Print(ui.KeyValues("",
				ui.KV("id", p.ProgramID),
				ui.KV("title", p.Title),
				ui.KV("enabled", ui.Bool(p.Enabled)),
				ui.KV("every", fmt.Sprintf("%dms", p.EveryMS)),
				ui.KV("created", cmdutil.FormatMS(p.CreatedAtMS)),
				ui.KV("last fired", cmdutil.FormatMS(p.LastTriggeredAtMS)),
				ui.KV("last result", lastResult(p.LastResult, p.LastError)),
			))
			return nil
		},
	}
}

func updateCmd(g *cmdutil.Global) *cobra.Command {
	var (
		title   string
		prompt  string
		everyMS int64
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "update <program-id>",
		Short: "Update a heartbeat program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch sdk.ProgramPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("prompt") {
				patch.Prompt = &prompt
			}
			if cmd.Flags().Changed("every-ms") {
				patch.EveryMS = &everyMS
			}
			if cmd.Flags().Changed("reason") {
				patch.Reason = &reason
			}

			client, err := g.Connect()
			if err != nil {
				return err
			}
			p, err := client.UpdateHeartbeat(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(p)
			}
			fmt.Println(ui.SuccessMsg("updated %s", ui.Accent(p.ProgramID)))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Program title")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Turn prompt dispatched on each beat")
	cmd.Flags().Int64Var(&everyMS, "every-ms", 0, "Interval in milliseconds")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on wakes")
	return cmd
}

func removeCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <program-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a heartbeat program",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			if err := client.RemoveHeartbeat(cmd.Context(), args[0]); err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(map[string]string{"removed": args[0]})
			}
			fmt.Println(ui.SuccessMsg("removed %s", args[0]))
			return nil
		},
	}
}

func triggerCmd(g *cmdutil.Global) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "trigger <program-id>",
		Short: "Fire a heartbeat now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			res, err := client.TriggerHeartbeat(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(res)
			}
			fmt.Println(ui.SuccessMsg("triggered %s: %s", args[0], res.Result))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual-trigger", "Reason recorded on the wake")
	return cmd
}

func enableCmd(g *cmdutil.Global, enable bool) *cobra.Command {
	use, short := "enable <program-id>", "Enable a heartbeat program"
	if !enable {
		use, short = "disable <program-id>", "Disable a heartbeat program"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			p, err := client.EnableHeartbeat(cmd.Context(), args[0], enable)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(p)
			}
			fmt.Println(ui.SuccessMsg("%s enabled=%s", p.ProgramID, strconv.FormatBool(p.Enabled)))
			return nil
		},
	}
}
