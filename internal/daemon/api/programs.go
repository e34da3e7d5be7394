package api

import (
	"net/http"
	"strconv"

	"github.com/femtomc/mu-sub002/internal/cronprog"
	"github.com/femtomc/mu-sub002/internal/heartbeat"
)

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func queryBool(v string) *bool {
	switch v {
	case "true":
		t := true
		return &t
	case "false":
		f := false
		return &f
	}
	return nil
}

// heartbeatBody is the wire shape shared by create and update.
type heartbeatBody struct {
	Title    *string        `json:"title"`
	Prompt   *string        `json:"prompt"`
	EveryMS  *int64         `json:"every_ms"`
	Reason   *string        `json:"reason"`
	Enabled  *bool          `json:"enabled"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleHeartbeatList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	programs, err := s.Heartbeats.List(heartbeat.ListOptions{
		Enabled: queryBool(q.Get("enabled")),
		Limit:   queryInt(q.Get("limit")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"programs": programs})
}

func (s *Server) handleHeartbeatCreate(w http.ResponseWriter, r *http.Request) {
	var body heartbeatBody
	if !decodeBody(w, r, &body) {
		return
	}
	req := heartbeat.CreateRequest{Enabled: body.Enabled, Metadata: body.Metadata}
	if body.Title != nil {
		req.Title = *body.Title
	}
	if body.Prompt != nil {
		req.Prompt = *body.Prompt
	}
	if body.EveryMS != nil {
		req.EveryMS = *body.EveryMS
	}
	if body.Reason != nil {
		req.Reason = *body.Reason
	}
	program, err := s.Heartbeats.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, program)
}

func (s *Server) handleHeartbeatGet(w http.ResponseWriter, r *http.Request) {
	program, err := s.Heartbeats.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleHeartbeatUpdate(w http.ResponseWriter, r *http.Request) {
	var body heartbeatBody
	if !decodeBody(w, r, &body) {
		return
	}
	program, err := s.Heartbeats.Update(heartbeat.UpdateRequest{
		ProgramID: r.PathValue("id"),
		Title:     body.Title,
		Prompt:    body.Prompt,
		EveryMS:   body.EveryMS,
		Reason:    body.Reason,
		Enabled:   body.Enabled,
		Metadata:  body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleHeartbeatRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.Heartbeats.Remove(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleHeartbeatTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	program, result, err := s.Heartbeats.Trigger(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result, "program": program})
}

func (s *Server) setHeartbeatEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	program, err := s.Heartbeats.Update(heartbeat.UpdateRequest{
		ProgramID: r.PathValue("id"),
		Enabled:   &enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleHeartbeatEnable(w http.ResponseWriter, r *http.Request) {
	s.setHeartbeatEnabled(w, r, true)
}

func (s *Server) handleHeartbeatDisable(w http.ResponseWriter, r *http.Request) {
	s.setHeartbeatEnabled(w, r, false)
}

// cronBody is the wire shape shared by cron create and update.
type cronBody struct {
	Title    *string            `json:"title"`
	Prompt   *string            `json:"prompt"`
	Schedule *cronprog.Schedule `json:"schedule"`
	Reason   *string            `json:"reason"`
	Enabled  *bool              `json:"enabled"`
	Metadata map[string]any     `json:"metadata"`
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	programs, err := s.Cron.List(cronprog.ListOptions{
		Enabled: queryBool(q.Get("enabled")),
		Limit:   queryInt(q.Get("limit")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"programs": programs})
}

func (s *Server) handleCronCreate(w http.ResponseWriter, r *http.Request) {
	var body cronBody
	if !decodeBody(w, r, &body) {
		return
	}
	req := cronprog.CreateRequest{Enabled: body.Enabled, Metadata: body.Metadata}
	if body.Title != nil {
		req.Title = *body.Title
	}
	if body.Prompt != nil {
		req.Prompt = *body.Prompt
	}
	if body.Schedule != nil {
		req.Schedule = *body.Schedule
	}
	if body.Reason != nil {
		req.Reason = *body.Reason
	}
	program, err := s.Cron.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, program)
}

func (s *Server) handleCronGet(w http.ResponseWriter, r *http.Request) {
	program, err := s.Cron.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleCronUpdate(w http.ResponseWriter, r *http.Request) {
	var body cronBody
	if !decodeBody(w, r, &body) {
		return
	}
	program, err := s.Cron.Update(cronprog.UpdateRequest{
		ProgramID: r.PathValue("id"),
		Title:     body.Title,
		Prompt:    body.Prompt,
		Schedule:  body.Schedule,
		Reason:    body.Reason,
		Enabled:   body.Enabled,
		Metadata:  body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.Cron.Remove(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleCronTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	program, result, err := s.Cron.Trigger(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result, "program": program})
}

func (s *Server) setCronEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	program, err := s.Cron.Update(cronprog.UpdateRequest{
		ProgramID: r.PathValue("id"),
		Enabled:   &enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleCronEnable(w http.ResponseWriter, r *http.Request) {
	s.setCronEnabled(w, r, true)
}

func (s *Server) handleCronDisable(w http.ResponseWriter, r *http.Request) {
	s.setCronEnabled(w, r, false)
}
