package identity

import (
	"fmt"
	"strings"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"
	"github.com/femtomc/mu-sub002/sdk"

	"github.com/spf13/cobra"
)

func Cmd(g *cmdutil.Global) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage channel identity bindings",
	}
	cmd.AddCommand(listCmd(g))
	cmd.AddCommand(linkCmd(g))
	cmd.AddCommand(revokeCmd(g))
	return cmd
}

func listCmd(g *cmdutil.Global) *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List identity bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			bindings, err := client.Identities(cmd.Context(), channel)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(bindings)
			}
			if len(bindings) == 0 {
				fmt.Println(ui.Muted("no identity bindings"))
				return nil
			}

			rows := make([][]string, len(bindings))
			for i, b := range bindings {
				scopes := strings.Join(b.Scopes, ",")
				if scopes == "" {
					scopes = "-"
				}
				rows[i] = []string{
					b.BindingID,
					b.Channel,
					b.ChannelActorID,
					b.OperatorID,
					scopes,
					ui.Bool(b.Active),
					cmdutil.FormatMS(b.CreatedAtMS),
				}
			}
			fmt.Println(ui.Table(
				[]string{"ID", "Channel", "Actor", "Operator", "Scopes", "Active", "Created"},
				rows,
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Filter by channel")
	return cmd
}

func linkCmd(g *cmdutil.Global) *cobra.Command {
	var (
		channel  string
		actor    string
		tenant   string
		operator string
		scopes   []string
	)
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a channel actor to an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			b, err := client.LinkIdentity(cmd.Context(), sdk.Binding{
				Channel:         channel,
				ChannelActorID:  actor,
				ChannelTenantID: tenant,
				OperatorID:      operator,
				Scopes:          scopes,
			})
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(b)
			}
			fmt.Println(ui.SuccessMsg("linked %s: %s/%s", ui.Accent(b.BindingID), b.Channel, b.ChannelActorID))
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Channel name")
	cmd.Flags().StringVar(&actor, "actor", "", "Channel-native actor id")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Channel-native tenant id")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator id to bind")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Granted scopes (repeatable)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func revokeCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <binding-id>",
		Short: "Revoke an identity binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			b, err := client.RevokeIdentity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(b)
			}
			fmt.Println(ui.SuccessMsg("revoked %s", b.BindingID))
			return nil
		},
	}
}
