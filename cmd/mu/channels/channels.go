package channels

import (
	"fmt"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"
	"github.com/femtomc/mu-sub002/sdk"

	"github.com/spf13/cobra"
)

func Cmd(g *cmdutil.Global) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect and manage channel adapters",
	}
	cmd.AddCommand(listCmd(g))
	cmd.AddCommand(reloadCmd(g))
	cmd.AddCommand(rollbackCmd(g))
	return cmd
}

func listCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List channel capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			caps, err := client.Channels(cmd.Context())
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(caps)
			}
			if len(caps) == 0 {
				fmt.Println(ui.Muted("no channels configured"))
				return nil
			}

			rows := make([][]string, len(caps))
			for i, c := range caps {
				frontend := c.Frontend
				if frontend == "" {
					frontend = "-"
				}
				rows[i] = []string{
					c.Channel,
					c.Route,
					ui.Bool(c.Configured),
					ui.Bool(c.Active),
					c.Verification.Kind,
					frontend,
				}
			}
			fmt.Println(ui.Table(
				[]string{"Channel", "Route", "Configured", "Active", "Verification", "Frontend"},
				rows,
			))
			return nil
		},
	}
}

func reloadCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Rebuild the adapter set from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			gen, err := client.Reload(cmd.Context())
			if err != nil {
				return err
			}
			return printGeneration(g, gen)
		},
	}
}

func rollbackCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the previous adapter generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			gen, err := client.Rollback(cmd.Context())
			if err != nil {
				return err
			}
			return printGeneration(g, gen)
		},
	}
}

func printGeneration(g *cmdutil.Global, gen sdk.GenerationInfo) error {
	if g.JSON {
		return cmdutil.EmitJSON(gen)
	}
	fmt.Println(ui.SuccessMsg("%s: generation %d -> %d (active %d)",
		gen.Outcome, gen.From, gen.To, gen.Active))
	return nil
}
