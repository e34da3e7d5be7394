package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/femtomc/mu-sub002/internal/daemon"
	"github.com/femtomc/mu-sub002/internal/logging"
	"github.com/femtomc/mu-sub002/internal/support/buildinfo"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		repoRoot     string
		addr         string
		agentCommand string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:     "mud",
		Short:   "Mu workspace daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if repoRoot == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				repoRoot = wd
			}
			return daemon.Run(ctx, repoRoot, addr, daemon.Options{
				AgentCommand: agentCommand,
			})
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "Workspace root (default: working directory)")
	cmd.Flags().StringVar(&addr, "listen", "", "Listen address (default: ephemeral loopback port)")
	cmd.Flags().StringVar(&agentCommand, "agent", "", "Agent command for DAG step execution")
	return cmd
}
