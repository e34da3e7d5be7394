package config

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
		Use:   "config",
		Short: "Inspect and update daemon configuration",
	}
	cmd.AddCommand(showCmd(g))
	cmd.AddCommand(setCmd(g))
	return cmd
}

func showCmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			cfg, err := client.Config(cmd.Context())
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(cfg)
			}
			fmt.Print(ui.KeyValues("",
				ui.KV("wake turn mode", cfg.ControlPlane.Operator.WakeTurnMode),
				ui.KV("auto-run heartbeat", fmt.Sprintf("%dms", cfg.ControlPlane.AutoRunHeartbeatEveryMS)),
				ui.KV("channels configured", strconv.Itoa(len(cfg.ControlPlane.Channels))),
			))
			return nil
		},
	}
}

func setCmd(g *cmdutil.Global) *cobra.Command {
	var (
		wakeTurnMode string
		heartbeatMS  int64
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Patch configuration fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch sdk.ConfigPatch
			if cmd.Flags().Changed("wake-turn-mode") {
				patch.WakeTurnMode = &wakeTurnMode
			}
			if cmd.Flags().Changed("auto-run-heartbeat-ms") {
				patch.AutoRunHeartbeatEveryMS = &heartbeatMS
			}
			if patch.WakeTurnMode == nil && patch.AutoRunHeartbeatEveryMS == nil {
				return fmt.Errorf("nothing to set: pass --wake-turn-mode or --auto-run-heartbeat-ms")
			}

			client, err := g.Connect()
			if err != nil {
				return err
			}
			cfg, err := client.PatchConfig(cmd.Context(), patch)
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(cfg)
			}
			fmt.Println(ui.SuccessMsg("configuration updated"))
			return nil
		},
	}
	cmd.Flags().StringVar(&wakeTurnMode, "wake-turn-mode", "", "Wake turn mode: autonomous or passive")
	cmd.Flags().Int64Var(&heartbeatMS, "auto-run-heartbeat-ms", 0, "Auto-registered run heartbeat interval in ms")
	return cmd
}
