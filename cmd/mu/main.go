package main

import (
	"os"

	channelscmd "github.com/femtomc/mu-sub002/cmd/mu/channels"
	configcmd "github.com/femtomc/mu-sub002/cmd/mu/config"
	croncmd "github.com/femtomc/mu-sub002/cmd/mu/cron"
	eventscmd "github.com/femtomc/mu-sub002/cmd/mu/events"
	heartbeatcmd "github.com/femtomc/mu-sub002/cmd/mu/heartbeat"
	identitycmd "github.com/femtomc/mu-sub002/cmd/mu/identity"
	outboxcmd "github.com/femtomc/mu-sub002/cmd/mu/outbox"
	runcmd "github.com/femtomc/mu-sub002/cmd/mu/run"
	statuscmd "github.com/femtomc/mu-sub002/cmd/mu/status"

	"github.com/femtomc/mu-sub002/cmd/mu/cmdutil"
	"github.com/femtomc/mu-sub002/cmd/mu/ui"
	"github.com/femtomc/mu-sub002/internal/logging"
	"github.com/femtomc/mu-sub002/internal/support/buildinfo"

	"github.com/spf13/cobra"
)

func main() {
	var (
		debug bool
		g     cmdutil.Global
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "mu",
		Short:         "Workspace control plane for autonomous operators",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.Configure(g.JSON)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&g.JSON, "json", false, "Emit machine-readable JSON")
	root.PersistentFlags().StringVar(&g.Host, "host", "", "Daemon base URL (overrides discovery)")
	root.PersistentFlags().StringVar(&g.RepoRoot, "repo-root", "", "Workspace root (defaults to cwd)")

	root.AddCommand(statuscmd.Cmd(&g))
	root.AddCommand(configcmd.Cmd(&g))
	root.AddCommand(heartbeatcmd.Cmd(&g))
	root.AddCommand(croncmd.Cmd(&g))
	root.AddCommand(runcmd.Cmd(&g))
	root.AddCommand(eventscmd.Cmd(&g))
	root.AddCommand(channelscmd.Cmd(&g))
	root.AddCommand(outboxcmd.Cmd(&g))
	root.AddCommand(identitycmd.Cmd(&g))

	if err := root.Execute(); err != nil {
		cmdutil.RenderError(err, g.JSON)
		os.Exit(cmdutil.ExitCode(err))
	}
}
