package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/store/jsonl"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 5 * time.Second

// Discovery is the control-plane/server.json record CLIs read to find a
// running daemon.
type Discovery struct {
	PID         int    `json:"pid"`
	Port        int    `json:"port"`
	URL         string `json:"url"`
	StartedAtMS int64  `json:"started_at_ms"`
}

// DiscoveryPath returns where the discovery record lives for a repo root.
func DiscoveryPath(repoRoot string) string {
	return jsonl.Path(repoRoot, "control-plane", "server.json")
}

// ReadDiscovery loads the discovery record.
func ReadDiscovery(repoRoot string) (Discovery, error) {
	data, err := os.ReadFile(DiscoveryPath(repoRoot))
	if err != nil {
		return Discovery{}, err
	}
	var d Discovery
	if err := json.Unmarshal(data, &d); err != nil {
		return Discovery{}, fmt.Errorf("parse server.json: %w", err)
	}
	return d, nil
}

// Run wires the daemon and serves until ctx is cancelled. addr may be
// empty; the default binds an ephemeral loopback port published through
// server.json.
func Run(ctx context.Context, repoRoot, addr string, opts Options) error {
	d, err := Wire(ctx, repoRoot, opts)
	if err != nil {
		return err
	}
	return d.Serve(ctx, addr)
}

// Serve starts the background loops and the HTTP listener.
func (d *Daemon) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	disc := Discovery{
		PID:         os.Getpid(),
		Port:        port,
		URL:         fmt.Sprintf("http://127.0.0.1:%d", port),
		StartedAtMS: clock.MS(d.Clock.Now()),
	}
	if err := writeDiscovery(DiscoveryPath(d.RepoRoot), disc); err != nil {
		ln.Close()
		return err
	}
	log := slog.With("component", "daemon", "port", port)
	log.Info("daemon started", "repo_root", d.RepoRoot, "url", disc.URL)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go d.Worker.Run(loopCtx)
	go d.NTP.Run(loopCtx)

	srv := &http.Server{Handler: d.API.Handler()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	var retErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case retErr = <-serveErr:
		if !errors.Is(retErr, http.ErrServerClosed) {
			log.Error("listener exited", "err", retErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	d.Heartbeats.Stop()
	d.Cron.Stop()
	d.Scheduler.Stop()
	d.Runs.Wait()
	_ = os.Remove(DiscoveryPath(d.RepoRoot)) // best-effort cleanup
	return retErr
}

func writeDiscovery(path string, d Discovery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
