package api

import (
	"net/http"

	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/runs"
)

type runStartBody struct {
	RootIssueID string `json:"root_issue_id"`
	MaxSteps    int    `json:"max_steps"`
	Prompt      string `json:"prompt"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, mode string) {
	var body runStartBody
	if !decodeBody(w, r, &body) {
		return
	}
	run, err := s.Runs.Start(runs.StartRequest{
		RootIssueID: body.RootIssueID,
		MaxSteps:    body.MaxSteps,
		Prompt:      body.Prompt,
		Mode:        mode,
		Source:      runs.SourceAPI,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	s.startRun(w, r, runs.ModeStart)
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	s.startRun(w, r, runs.ModeResume)
}

func (s *Server) handleRunInterrupt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID string `json:"job_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	run, err := s.Runs.Interrupt(body.JobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.Runs.List()})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.Runs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	records, err := s.Runs.Trace(r.PathValue("id"), queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

func eventFilter(r *http.Request) event.Filter {
	q := r.URL.Query()
	return event.Filter{
		Type:     q.Get("type"),
		IssueID:  q.Get("issue_id"),
		RunID:    q.Get("run_id"),
		Contains: q.Get("contains"),
		Limit:    queryInt(q.Get("limit")),
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	records, err := s.Events.List(eventFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

func (s *Server) handleEventsTail(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r.URL.Query().Get("n"))
	records, err := s.Events.Tail(eventFilter(r), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}
