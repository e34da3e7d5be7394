// Package api is the daemon's local HTTP surface: program CRUD, run
// lifecycle, webhook ingress, config, and telemetry retrieval. Everything
// speaks JSON and maps the fault taxonomy onto statuses in one place.
package api

import (
	"net/http"

	"github.com/femtomc/mu-sub002/internal/channel"
	"github.com/femtomc/mu-sub002/internal/cronprog"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/health/ntpcheck"
	"github.com/femtomc/mu-sub002/internal/heartbeat"
	"github.com/femtomc/mu-sub002/internal/identity"
	"github.com/femtomc/mu-sub002/internal/outbox"
	"github.com/femtomc/mu-sub002/internal/runs"
	"github.com/femtomc/mu-sub002/internal/serverconfig"
)

// Server aggregates the daemon's components behind the HTTP routes.
type Server struct {
	RepoRoot   string
	Config     *serverconfig.Store
	Heartbeats *heartbeat.Registry
	Cron       *cronprog.Registry
	Runs       *runs.Registry
	Events     *event.Log
	Outbox     *outbox.Store
	Identities *identity.Store
	Channels   *channel.Manager
	Ingress    *channel.Ingress
	NTP        *ntpcheck.Checker
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleConfigGet)
	mux.HandleFunc("POST /api/config", s.handleConfigPatch)

	mux.HandleFunc("GET /api/control-plane/channels", s.handleChannels)
	mux.HandleFunc("POST /webhooks/{channel}", s.handleWebhook)
	mux.HandleFunc("POST /api/control-plane/reload", s.handleReload)
	mux.HandleFunc("POST /api/control-plane/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/control-plane/outbox", s.handleOutboxList)
	mux.HandleFunc("GET /api/control-plane/identities", s.handleIdentityList)
	mux.HandleFunc("POST /api/control-plane/identities", s.handleIdentityLink)
	mux.HandleFunc("POST /api/control-plane/identities/{id}/revoke", s.handleIdentityRevoke)

	mux.HandleFunc("POST /api/control-plane/runs/start", s.handleRunStart)
	mux.HandleFunc("POST /api/control-plane/runs/resume", s.handleRunResume)
	mux.HandleFunc("POST /api/control-plane/runs/interrupt", s.handleRunInterrupt)
	mux.HandleFunc("GET /api/control-plane/runs", s.handleRunList)
	mux.HandleFunc("GET /api/control-plane/runs/{id}", s.handleRunGet)
	mux.HandleFunc("GET /api/control-plane/runs/{id}/trace", s.handleRunTrace)

	mux.HandleFunc("GET /api/heartbeats", s.handleHeartbeatList)
	mux.HandleFunc("POST /api/heartbeats", s.handleHeartbeatCreate)
	mux.HandleFunc("GET /api/heartbeats/{id}", s.handleHeartbeatGet)
	mux.HandleFunc("POST /api/heartbeats/{id}", s.handleHeartbeatUpdate)
	mux.HandleFunc("DELETE /api/heartbeats/{id}", s.handleHeartbeatRemove)
	mux.HandleFunc("POST /api/heartbeats/{id}/trigger", s.handleHeartbeatTrigger)
	mux.HandleFunc("POST /api/heartbeats/{id}/enable", s.handleHeartbeatEnable)
	mux.HandleFunc("POST /api/heartbeats/{id}/disable", s.handleHeartbeatDisable)

	mux.HandleFunc("GET /api/cron", s.handleCronList)
	mux.HandleFunc("POST /api/cron", s.handleCronCreate)
	mux.HandleFunc("GET /api/cron/{id}", s.handleCronGet)
	mux.HandleFunc("POST /api/cron/{id}", s.handleCronUpdate)
	mux.HandleFunc("DELETE /api/cron/{id}", s.handleCronRemove)
	mux.HandleFunc("POST /api/cron/{id}/trigger", s.handleCronTrigger)
	mux.HandleFunc("POST /api/cron/{id}/enable", s.handleCronEnable)
	mux.HandleFunc("POST /api/cron/{id}/disable", s.handleCronDisable)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/events/tail", s.handleEventsTail)

	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"repo_root":     s.RepoRoot,
		"control_plane": s.Channels.Status(),
	}
	if s.NTP != nil {
		status["ntp"] = s.NTP.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config.Get())
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	var patch serverconfig.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	cfg, err := s.Config.Apply(patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.Channels.Capabilities()})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("channel")
	var env channel.IngressEnvelope
	if !decodeBody(w, r, &env) {
		return
	}
	res, err := s.Ingress.Accept(r.Context(), name, r.Header.Get(channel.SecretHeader), env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"generation": s.Channels.Reload()})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	info, err := s.Channels.Rollback()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generation": info})
}

func (s *Server) handleOutboxList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	envelopes, err := s.Outbox.List(outbox.ListOptions{
		State:   q.Get("state"),
		Channel: q.Get("channel"),
		Limit:   queryInt(q.Get("limit")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"envelopes": envelopes})
}

func (s *Server) handleIdentityList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := identity.ListOptions{Channel: q.Get("channel")}
	if v := q.Get("active"); v != "" {
		active := v == "true"
		opts.Active = &active
	}
	bindings, err := s.Identities.List(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings})
}

func (s *Server) handleIdentityLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperatorID      string   `json:"operator_id"`
		Channel         string   `json:"channel"`
		ChannelTenantID string   `json:"channel_tenant_id"`
		ChannelActorID  string   `json:"channel_actor_id"`
		Scopes          []string `json:"scopes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	binding, err := s.Identities.Link(identity.LinkRequest{
		OperatorID:      req.OperatorID,
		Channel:         req.Channel,
		ChannelTenantID: req.ChannelTenantID,
		ChannelActorID:  req.ChannelActorID,
		Scopes:          req.Scopes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

func (s *Server) handleIdentityRevoke(w http.ResponseWriter, r *http.Request) {
	binding, err := s.Identities.Revoke(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}
