package cron

import (
	"fmt"
	"time"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"
	"github.com/femtomc/mu-sub002/sdk"

	"github.com/spf13/cobra"
)

func Cmd(g *cmdutil.Global) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled programs",
	}
	cmd.AddCommand(listCmd(g))
	cmd.AddCommand(createCmd(g))
	cmd.AddCommand(showCmd(g))
	cmd.AddCommand(removeCmd(g))
	cmd.AddCommand(triggerCmd(g))
	cmd.AddCommand(enableCmd(g, true))
	cmd.AddCommand(enableCmd(g, false))
	return cmd
}

func describeSchedule(s sdk.CronSchedule) string {
	switch s.Kind {
	case "at":
		return "at " + cmdutil.FormatMS(s.AtMS)
	case "every":
		return "every " + (time.Duration(s.EveryMS) * time.Millisecond).String()
	case "cron":
		expr := s.Expr
		if s.TZ != "" {
			expr += " (" + s.TZ + ")"
		}
		return expr
	}
	return s.Kind
}

func listCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List scheduled programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			programs, err := client.CronPrograms(cmd.Context())
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(programs)
			}
			if len(programs) == 0 {
				fmt.Println(ui.Muted("no scheduled programs"))
				return nil
			}

			rows := make([][]string, len(programs))
			for i, p := range programs {
				rows[i] = []string{
					p.ProgramID,
					p.Title,
					ui.Bool(p.Enabled),
					describeSchedule(p.Schedule),
					cmdutil.FormatMS(p.NextRunAtMS),
					cmdutil.FormatMS(p.LastTriggeredAtMS),
				}
			}
			fmt.Println(ui.Table(
				[]string{"ID", "Title", "Enabled", "Schedule", "Next run", "Last fired"},
				rows,
			))
			return nil
		},
	}
}

func createCmd(g *cmdutil.Global) *cobra.Command {
	var (
		title   string
		prompt  string
		reason  string
		atMS    int64
		everyMS int64
		expr    string
		tz      string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scheduled program",
		Long: `Create a scheduled program. Exactly one of --at-ms, --every-ms,
or --expr selects the schedule kind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule := sdk.CronSchedule{}
			set := 0
			if cmd.Flags().Changed("at-ms") {
				schedule = sdk.CronSchedule{Kind: "at", AtMS: atMS}
				set++
			}
			if cmd.Flags().Changed("every-ms") {
				schedule = sdk.CronSchedule{Kind: "every", EveryMS: everyMS}
				set++
			}
			if cmd.Flags().Changed("expr") {
				schedule = sdk.CronSchedule{Kind: "cron", Expr: expr, TZ: tz}
				set++
			}
			if set != 1 {
				return fmt.Errorf("pass exactly one of --at-ms, --every-ms, --expr")
			}

			client, err := g.Connect()
			if err != nil {
				return err
			}
			patch := sdk.ProgramPatch{Title: &title, Schedule: &schedule}
			if prompt != "" {
				patch.Prompt = &prompt
			}
			if reason != "" {
				patch.Reason = &reason
			}
			p, err := client.CreateCron(cmd.Context(), patch)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(p)
			}
			fmt.Println(ui.SuccessMsg("created %s, next run %s",
				ui.Accent(p.ProgramID), cmdutil.FormatMS(p.NextRunAtMS)))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Program title")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Turn prompt dispatched on each firing")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on wakes")
	cmd.Flags().Int64Var(&atMS, "at-ms", 0, "One-shot firing time, unix ms")
	cmd.Flags().Int64Var(&everyMS, "every-ms", 0, "Fixed interval in milliseconds")
	cmd.Flags().StringVar(&expr, "expr", "", "Five-field cron expression")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --expr")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func showCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "show <program-id>",
		Short: "Show one scheduled program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			p, err := client.Cron(cmd.Context(), args[0])
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
				ui.KV("schedule", describeSchedule(p.Schedule)),
				ui.KV("next run", cmdutil.FormatMS(p.NextRunAtMS)),
				ui.KV("last fired", cmdutil.FormatMS(p.LastTriggeredAtMS)),
			))
			return nil
		},
	}
}

func removeCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <program-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a scheduled program",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			if err := client.RemoveCron(cmd.Context(), args[0]); err != nil {
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
		Short: "Fire a scheduled program now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			res, err := client.TriggerCron(cmd.Context(), args[0], reason)
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
	use, short := "enable <program-id>", "Enable a scheduled program"
	if !enable {
		use, short = "disable <program-id>", "Disable a scheduled program"
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
			p, err := client.EnableCron(cmd.Context(), args[0], enable)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(p)
			}
			fmt.Println(ui.SuccessMsg("%s enabled=%s, next run %s",
				p.ProgramID, ui.Bool(p.Enabled), cmdutil.FormatMS(p.NextRunAtMS)))
			return nil
		},
	}
}
