package run

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/telemetry"
	"github.com/femtomc/mu-sub002/sdk"

	"github.com/spf13/cobra"
)

const pollInterval = 500 * time.Millisecond

func Cmd(g *cmdutil.Global) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive issue-DAG runs",
	}
	cmd.AddCommand(startCmd(g))
	cmd.AddCommand(resumeCmd(g))
	cmd.AddCommand(interruptCmd(g))
	cmd.AddCommand(listCmd(g))
	cmd.AddCommand(statusCmd(g))
	cmd.AddCommand(traceCmd(g))
	return cmd
}

func startCmd(g *cmdutil.Global) *cobra.Command {
	var (
		maxSteps int
		prompt   string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "start <root-issue-id>",
		Short: "Start a run over an issue subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return launch(cmd.Context(), g, "run start", func(ctx context.Context, client *sdk.Client) (sdk.Run, error) {
				return client.StartRun(ctx, args[0], maxSteps, prompt)
			}, wait)
		},
	}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Step limit (0 uses the server default)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Extra context for the first step")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the run reaches a terminal state")
	return cmd
}

func resumeCmd(g *cmdutil.Global) *cobra.Command {
	var (
		maxSteps int
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "resume <root-issue-id>",
		Short: "Resume a previously interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return launch(cmd.Context(), g, "run resume", func(ctx context.Context, client *sdk.Client) (sdk.Run, error) {
				return client.ResumeRun(ctx, args[0], maxSteps)
			}, wait)
		},
	}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Step limit (0 uses the server default)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the run reaches a terminal state")
	return cmd
}

// launch submits a run and, with wait, polls it to completion. Progress
// is rendered from the operation plan's spans.
func launch(ctx context.Context, g *cmdutil.Global, operation string, submit func(context.Context, *sdk.Client) (sdk.Run, error), wait bool) error {
	client, err := g.Connect()
	if err != nil {
		return err
	}

	progress := ui.NewProgress()
	defer progress.Close()

	plan := telemetry.Plan{Steps: []telemetry.PlannedStep{
		{ID: "submit", Title: "Submit run"},
	}}
	if wait {
		plan.Steps = append(plan.Steps, telemetry.PlannedStep{ID: "wait", Title: "Wait for completion"})
	}

	op, err := telemetry.EmitPlan(ctx, progress.Tracer("mu/run"), operation, plan)
	if err != nil {
		return err
	}

	var job sdk.Run
	err = op.RunStep(op.Context(), "submit", func(stepCtx context.Context) error {
		job, err = submit(stepCtx, client)
		return err
	})
	if err != nil {
		op.End(err)
		return err
	}

	if wait {
		err = op.RunStep(op.Context(), "wait", func(stepCtx context.Context) error {
			job, err = waitTerminal(stepCtx, client, job.JobID)
			return err
		})
		if err != nil {
			op.End(err)
			return err
		}
	}
	op.End(nil)

	if g.JSON {
		return cmdutil.EmitJSON(job)
	}
	if !wait {
		fmt.Println(ui.SuccessMsg("run %s %s for %s", ui.Accent(job.JobID), job.Status, job.RootIssueID))
		fmt.Println(ui.Muted("  follow with: mu run status " + job.JobID))
		return nil
	}
	printOutcome(job)
	if job.ExitCode != nil && *job.ExitCode != 0 {
		return fault.New(fault.Internal, "run_failed", "run %s finished %s", job.JobID, job.Status)
	}
	return nil
}

func waitTerminal(ctx context.Context, client *sdk.Client, jobID string) (sdk.Run, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := client.Run(ctx, jobID)
		if err != nil {
			return sdk.Run{}, err
		}
		if terminal(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminal(status string) bool {
	switch status {
	case "succeeded", "failed", "cancelled", "interrupted":
		return true
	}
	return false
}

func printOutcome(job sdk.Run) {
	line := fmt.Sprintf("run %s %s", job.JobID, job.Status)
	if job.LastProgress != "" {
		line += " (" + job.LastProgress + ")"
	}
	switch job.Status {
	case "succeeded":
		fmt.Println(ui.SuccessMsg("%s", line))
	case "interrupted":
		fmt.Println(ui.WarnMsg("%s", line))
	default:
		fmt.Println(ui.ErrorMsg("%s", line))
	}
}

func interruptCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt <job-id>",
		Short: "Interrupt a running job at the next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			job, err := client.InterruptRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(job)
			}
			fmt.Println(ui.WarnMsg("interrupt requested for %s (current status: %s)", job.JobID, job.Status))
			return nil
		},
	}
}

func listCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			jobs, err := client.Runs(cmd.Context())
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(jobs)
			}
			if len(jobs) == 0 {
				fmt.Println(ui.Muted("no runs"))
				return nil
			}

			rows := make([][]string, len(jobs))
			for i, j := range jobs {
				rows[i] = []string{
					j.JobID,
					j.RootIssueID,
					statusCell(j.Status),
					j.Mode,
					strconv.Itoa(j.MaxSteps),
					cmdutil.FormatMS(j.StartedAtMS),
					j.LastProgress,
				}
			}
			fmt.Println(ui.Table(
				[]string{"Job", "Root", "Status", "Mode", "Max steps", "Started", "Progress"},
				rows,
			))
			return nil
		},
	}
}

func statusCell(status string) string {
	switch status {
	case "succeeded":
		return ui.Success(status)
	case "failed":
		return ui.ErrorStyle.Render(status)
	case "running":
		return ui.Accent(status)
	case "interrupted", "cancelled":
		return ui.Warn(status)
	}
	return status
}

func statusCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			job, err := client.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(job)
			}
			exit := "-"
			if job.ExitCode != nil {
				exit = strconv.Itoa(*job.ExitCode)
			}
			fmt.Print(ui.KeyValues("",
				ui.KV("job", job.JobID),
				ui.KV("root issue", job.RootIssueID),
				ui.KV("status", statusCell(job.Status)),
				ui.KV("mode", job.Mode),
				ui.KV("source", job.Source),
				ui.KV("started", cmdutil.FormatMS(job.StartedAtMS)),
				ui.KV("finished", cmdutil.FormatMS(job.FinishedAtMS)),
				ui.KV("exit code", exit),
				ui.KV("progress", job.LastProgress),
			))
			return nil
		},
	}
}

func traceCmd(g *cmdutil.Global) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trace <job-id>",
		Short: "Show the event trail for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			events, err := client.RunTrace(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(events)
			}
			if len(events) == 0 {
				fmt.Println(ui.Muted("no events recorded"))
				return nil
			}
			for _, ev := range events {
				line := cmdutil.FormatMS(ev.TSMS) + "  " + ui.Accent(ev.Type)
				if ev.IssueID != "" {
					line += "  " + ev.IssueID
				}
				if detail := payloadSummary(ev.Payload); detail != "" {
					line += "  " + ui.Muted(detail)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to show (0 for all)")
	return cmd
}

func payloadSummary(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := []string{"kind", "result", "outcome", "reason", "attempt", "step"}
	var parts []string
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}
