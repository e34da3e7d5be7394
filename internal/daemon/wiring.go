// Package daemon wires the scheduling core together and runs the local
// HTTP server that fronts it.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/femtomc/mu-sub002/internal/channel"
	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/cronprog"
	"github.com/femtomc/mu-sub002/internal/daemon/api"
	"github.com/femtomc/mu-sub002/internal/dag"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/forum"
	"github.com/femtomc/mu-sub002/internal/health/ntpcheck"
	"github.com/femtomc/mu-sub002/internal/heartbeat"
	"github.com/femtomc/mu-sub002/internal/identity"
	"github.com/femtomc/mu-sub002/internal/issue"
	"github.com/femtomc/mu-sub002/internal/outbox"
	"github.com/femtomc/mu-sub002/internal/pipeline"
	"github.com/femtomc/mu-sub002/internal/runs"
	"github.com/femtomc/mu-sub002/internal/scheduler"
	"github.com/femtomc/mu-sub002/internal/serverconfig"
	"github.com/femtomc/mu-sub002/internal/wake"
)

// Options tune Wire. Zero values give a working local daemon.
type Options struct {
	Clock        clock.Clock  // nil means the real clock
	Executor     dag.Executor // nil means the configured agent command
	AgentCommand string       // passed to dag.CommandExecutor when Executor is nil
	AgentArgs    []string
}

// Daemon holds every wired component plus the HTTP server glue.
type Daemon struct {
	RepoRoot   string
	Clock      clock.Clock
	Events     *event.Log
	Config     *serverconfig.Store
	Scheduler  *scheduler.Scheduler
	Heartbeats *heartbeat.Registry
	Cron       *cronprog.Registry
	Runs       *runs.Registry
	Outbox     *outbox.Store
	Worker     *outbox.Worker
	Identities *identity.Store
	Channels   *channel.Manager
	NTP        *ntpcheck.Checker
	API        *api.Server
}

// Wire builds the daemon for one repo root. Nothing starts running until
// Run; timers arm lazily as registries load.
func Wire(ctx context.Context, repoRoot string, opts Options) (*Daemon, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	events, err := event.Open(repoRoot, clk)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	cfg, err := serverconfig.Load(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	audit, err := channel.NewAudit(repoRoot, clk)
	if err != nil {
		return nil, fmt.Errorf("open adapter audit: %w", err)
	}
	manager := channel.NewManager(cfg, clk, events, audit)

	outboxStore, err := outbox.NewStore(repoRoot, clk)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	identities, err := identity.NewStore(repoRoot, clk)
	if err != nil {
		return nil, fmt.Errorf("open identities: %w", err)
	}
	fanout := &outbox.Fanout{
		Store:      outboxStore,
		Identities: identities,
		Events:     events,
		Capable:    manager.Capable,
	}

	issues, err := issue.NewStore(repoRoot, clk)
	if err != nil {
		return nil, fmt.Errorf("open issues: %w", err)
	}
	forumLog, err := forum.NewLog(repoRoot, clk)
	if err != nil {
		return nil, fmt.Errorf("open forum: %w", err)
	}

	pipe := &pipeline.Pipeline{
		Clock:  clk,
		Runner: inboxRunner(forumLog),
	}
	orch := &wake.Orchestrator{
		Clock:     clk,
		Events:    events,
		RepoRoot:  repoRoot,
		Mode:      cfg.Mode,
		Submitter: pipe,
		Notifier:  fanout,
	}

	sched := scheduler.New(clk, scheduler.Options{})
	heartbeats, err := heartbeat.NewRegistry(repoRoot, clk, sched, orch, events)
	if err != nil {
		return nil, fmt.Errorf("open heartbeats: %w", err)
	}
	cronReg, err := cronprog.NewRegistry(repoRoot, clk, orch, events)
	if err != nil {
		return nil, fmt.Errorf("open cron: %w", err)
	}

	executor := opts.Executor
	if executor == nil {
		executor = &dag.CommandExecutor{Command: opts.AgentCommand, Args: opts.AgentArgs}
	}
	runner := &dag.Runner{
		Issues:   issues,
		Forum:    forumLog,
		Events:   events,
		Clock:    clk,
		Executor: executor,
		RepoRoot: repoRoot,
	}
	runReg := runs.NewRegistry(ctx, clk, events, runner, heartbeats)
	if every := cfg.Get().ControlPlane.AutoRunHeartbeatEveryMS; every > 0 {
		runReg.AutoHeartbeatEvery = time.Duration(every) * time.Millisecond
	}

	worker := &outbox.Worker{
		Store:   outboxStore,
		Drivers: liveDrivers(manager),
		Clock:   clk,
		Events:  events,
	}

	ntp := ntpcheck.NewChecker(clk)

	srv := &api.Server{
		RepoRoot:   repoRoot,
		Config:     cfg,
		Heartbeats: heartbeats,
		Cron:       cronReg,
		Runs:       runReg,
		Events:     events,
		Outbox:     outboxStore,
		Identities: identities,
		Channels:   manager,
		Ingress: &channel.Ingress{
			Manager:   manager,
			Submitter: pipe,
			RepoRoot:  repoRoot,
		},
		NTP: ntp,
	}

	return &Daemon{
		RepoRoot:   repoRoot,
		Clock:      clk,
		Events:     events,
		Config:     cfg,
		Scheduler:  sched,
		Heartbeats: heartbeats,
		Cron:       cronReg,
		Runs:       runReg,
		Outbox:     outboxStore,
		Worker:     worker,
		Identities: identities,
		Channels:   manager,
		NTP:        ntp,
		API:        srv,
	}, nil
}

// inboxRunner is the default pipeline backend: autonomous turns land as
// forum posts on the operator inbox topic where the next agent session
// picks them up.
func inboxRunner(forumLog *forum.Log) pipeline.Runner {
	return func(ctx context.Context, req wake.TurnRequest) (wake.TurnResult, error) {
		post, err := forumLog.Post("operator:inbox", "operator", req.CommandText)
		if err != nil {
			return wake.TurnResult{}, err
		}
		return wake.TurnResult{Kind: "completed", CommandID: post.PostID}, nil
	}
}

// liveDrivers resolves each delivery through the manager's active
// generation, so a reload or rollback takes effect without rebuilding the
// worker.
func liveDrivers(m *channel.Manager) map[string]outbox.Driver {
	out := make(map[string]outbox.Driver, len(channel.Known))
	for _, name := range channel.Known {
		out[name] = generationDriver{manager: m, channel: name}
	}
	return out
}

type generationDriver struct {
	manager *channel.Manager
	channel string
}

func (d generationDriver) Deliver(ctx context.Context, e outbox.Envelope) (string, error) {
	driver, ok := d.manager.Drivers()[d.channel]
	if !ok {
		return "", fault.New(fault.Permanent, "channel_inactive", "channel %s is not active", d.channel)
	}
	return driver.Deliver(ctx, e)
}
