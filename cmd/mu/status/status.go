package status

import (
	"fmt"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"

	"github.com/spf13/cobra"
)

// Cmd reports daemon health and control-plane state.
func Cmd(g *cmdutil.Global) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.Connect()
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if g.JSON {
				return cmdutil.EmitJSON(st)
			}

			fmt.Println(ui.SuccessMsg("daemon running"))
			pairs := []ui.Pair{ui.KV("repo root", st.RepoRoot)}
			if gen, ok := st.ControlPlane["generation"].(map[string]any); ok {
				pairs = append(pairs, ui.KV("adapter generation", fmt.Sprintf("%v", gen["active"])))
			}
			if adapters, ok := st.ControlPlane["adapters"].([]any); ok {
				pairs = append(pairs, ui.KV("active adapters", fmt.Sprintf("%d", len(adapters))))
			}
			if ntp, ok := st.NTP["phase"].(string); ok {
				pairs = append(pairs, ui.KV("clock health", ntp))
			}
			fmt.Print(ui.KeyValues("  ", pairs...))
			return nil
		},
	}
}
