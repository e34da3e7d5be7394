// Package runs tracks DAG run lifecycles and couples API-sourced runs to
// heartbeat programs: a running run gets an auto-run-heartbeat program,
// and a terminal run disables it.
package runs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/dag"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/heartbeat"
)

// Run statuses.
const (
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
	StatusInterrupted = "interrupted"
)

// Run modes and sources.
const (
	ModeStart  = "run_start"
	ModeResume = "run_resume"

	SourceCommand = "command"
	SourceAPI     = "api"
)

// DefaultAutoHeartbeatEvery is the cadence for auto-registered
// run-heartbeat programs.
const DefaultAutoHeartbeatEvery = 30 * time.Second

// Run is one tracked DAG execution.
type Run struct {
	JobID        string `json:"job_id"`
	RootIssueID  string `json:"root_issue_id"`
	Status       string `json:"status"`
	Mode         string `json:"mode"`
	Source       string `json:"source"`
	MaxSteps     int    `json:"max_steps"`
	Prompt       string `json:"prompt,omitempty"`
	StartedAtMS  int64  `json:"started_at_ms"`
	UpdatedAtMS  int64  `json:"updated_at_ms"`
	FinishedAtMS int64  `json:"finished_at_ms,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	LastProgress string `json:"last_progress,omitempty"`
}

// StartRequest starts a run.
type StartRequest struct {
	RootIssueID string
	MaxSteps    int
	Prompt      string
	Mode        string // run_start or run_resume
	Source      string // command or api
}

type trackedRun struct {
	run         Run
	interrupted bool
	cancel      context.CancelFunc
}

// Registry owns runs. Run records live in memory; the durable trail is
// the event log, queried by Trace.
type Registry struct {
	Clock              clock.Clock
	Events             *event.Log
	Runner             *dag.Runner
	Heartbeats         *heartbeat.Registry
	AutoHeartbeatEvery time.Duration

	mu      sync.Mutex
	runs    map[string]*trackedRun
	wg      sync.WaitGroup
	baseCtx context.Context
}

// NewRegistry creates the registry. baseCtx bounds all run goroutines.
func NewRegistry(baseCtx context.Context, clk clock.Clock, events *event.Log, runner *dag.Runner, hb *heartbeat.Registry) *Registry {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Registry{
		Clock:              clk,
		Events:             events,
		Runner:             runner,
		Heartbeats:         hb,
		AutoHeartbeatEvery: DefaultAutoHeartbeatEvery,
		runs:               make(map[string]*trackedRun),
		baseCtx:            baseCtx,
	}
}

// Start queues a run and launches its loop.
func (r *Registry) Start(req StartRequest) (Run, error) {
	if req.RootIssueID == "" {
		return Run{}, fault.New(fault.Validation, "root_issue_required", "root issue id is required")
	}
	if req.Mode == "" {
		req.Mode = ModeStart
	}
	if req.Mode != ModeStart && req.Mode != ModeResume {
		return Run{}, fault.New(fault.Validation, "invalid_mode", "mode must be %s or %s", ModeStart, ModeResume)
	}
	if req.Source == "" {
		req.Source = SourceCommand
	}
	if req.MaxSteps <= 0 {
		req.MaxSteps = dag.DefaultMaxSteps
	}

	now := clock.MS(r.Clock.Now())
	ctx, cancel := context.WithCancel(r.baseCtx)
	tr := &trackedRun{
		run: Run{
			JobID:       uuid.NewString(),
			RootIssueID: req.RootIssueID,
			Status:      StatusQueued,
			Mode:        req.Mode,
			Source:      req.Source,
			MaxSteps:    req.MaxSteps,
			Prompt:      req.Prompt,
			StartedAtMS: now,
			UpdatedAtMS: now,
		},
		cancel: cancel,
	}

	r.mu.Lock()
	r.runs[tr.run.JobID] = tr
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(ctx, tr.run.JobID)
	}()
	return tr.run, nil
}

func (r *Registry) execute(ctx context.Context, jobID string) {
	run, ok := r.transition(jobID, func(tr *trackedRun) {
		tr.run.Status = StatusRunning
	})
	if !ok {
		return
	}
	if run.Source == SourceAPI {
		r.registerAutoHeartbeat(run)
	}

	interrupted := func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		tr, ok := r.runs[jobID]
		return ok && tr.interrupted
	}
	result, err := r.Runner.Run(ctx, run.RootIssueID, jobID, run.MaxSteps, interrupted)

	status := StatusFailed
	exit := 1
	switch {
	case err != nil:
		status = StatusFailed
	case result.Kind == dag.RunRootFinal:
		status = StatusSucceeded
		exit = 0
	case result.Kind == dag.RunInterrupted:
		status = StatusInterrupted
	}
	progress := fmt.Sprintf("%s after %d steps", result.Kind, result.Steps)
	if result.Message != "" {
		progress += ": " + result.Message
	}

	final, _ := r.transition(jobID, func(tr *trackedRun) {
		tr.run.Status = status
		tr.run.ExitCode = &exit
		tr.run.FinishedAtMS = clock.MS(r.Clock.Now())
		tr.run.LastProgress = progress
	})
	if run.Source == SourceAPI {
		r.disableAutoHeartbeat(final)
	}
}

func (r *Registry) transition(jobID string, apply func(*trackedRun)) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.runs[jobID]
	if !ok {
		return Run{}, false
	}
	apply(tr)
	tr.run.UpdatedAtMS = clock.MS(r.Clock.Now())
	return tr.run, true
}

// Get returns one run.
func (r *Registry) Get(jobID string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.runs[jobID]
	if !ok {
		return Run{}, fault.New(fault.NotFound, "run_not_found", "run %s not found", jobID)
	}
	return tr.run, nil
}

// List returns runs newest first.
func (r *Registry) List() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Run, 0, len(r.runs))
	for _, tr := range r.runs {
		out = append(out, tr.run)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].StartedAtMS != out[b].StartedAtMS {
			return out[a].StartedAtMS > out[b].StartedAtMS
		}
		return out[a].JobID < out[b].JobID
	})
	return out
}

// Interrupt flags a run; the loop observes the flag at the top of its next
// step and finishes with status interrupted.
func (r *Registry) Interrupt(jobID string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.runs[jobID]
	if !ok {
		return Run{}, fault.New(fault.NotFound, "run_not_found", "run %s not found", jobID)
	}
	switch tr.run.Status {
	case StatusQueued, StatusRunning:
		tr.interrupted = true
		tr.run.UpdatedAtMS = clock.MS(r.Clock.Now())
	default:
		return Run{}, fault.New(fault.Conflict, "run_terminal", "run %s already %s", jobID, tr.run.Status).
			WithRecovery("mu run status " + jobID)
	}
	return tr.run, nil
}

// Trace returns the event trail for a run.
func (r *Registry) Trace(jobID string, limit int) ([]event.Record, error) {
	if _, err := r.Get(jobID); err != nil {
		return nil, err
	}
	return r.Events.List(event.Filter{RunID: jobID, Limit: limit})
}

// Wait blocks until all run goroutines finish. Test and shutdown hook.
func (r *Registry) Wait() { r.wg.Wait() }

// registerAutoHeartbeat creates or updates the heartbeat program tied to
// the run. Duplicate registrations for the same job update in place.
func (r *Registry) registerAutoHeartbeat(run Run) {
	if r.Heartbeats == nil {
		return
	}
	every := r.AutoHeartbeatEvery
	if every <= 0 {
		every = DefaultAutoHeartbeatEvery
	}
	meta := map[string]any{
		"auto_run_heartbeat": true,
		"auto_run_job_id":    run.JobID,
		"root_issue_id":      run.RootIssueID,
	}

	action := "registered"
	var program heartbeat.Program
	var err error
	if existing, ok := r.findAutoProgram(run.JobID); ok {
		action = "updated"
		enabled := true
		everyMS := every.Milliseconds()
		program, err = r.Heartbeats.Update(heartbeat.UpdateRequest{
			ProgramID: existing.ProgramID,
			Enabled:   &enabled,
			EveryMS:   &everyMS,
			Metadata:  meta,
		})
	} else {
		program, err = r.Heartbeats.Create(heartbeat.CreateRequest{
			Title:    fmt.Sprintf("Auto run heartbeat %s", run.JobID),
			EveryMS:  every.Milliseconds(),
			Reason:   "auto-run-heartbeat",
			Metadata: meta,
		})
	}
	if err != nil {
		r.Events.Emit("run.auto_heartbeat.lifecycle", event.Meta{Source: "runs", RunID: run.JobID}, map[string]any{
			"action": action,
			"error":  err.Error(),
		})
		return
	}
	r.emitAutoLifecycle(action, run.JobID, program)
}

// disableAutoHeartbeat turns the run's program off once the run is
// terminal, annotating why.
func (r *Registry) disableAutoHeartbeat(run Run) {
	if r.Heartbeats == nil {
		return
	}
	existing, ok := r.findAutoProgram(run.JobID)
	if !ok {
		return
	}
	meta := map[string]any{}
	for k, v := range existing.Metadata {
		meta[k] = v
	}
	meta["auto_disabled_from_status"] = run.Status
	meta["auto_disabled_reason"] = run.LastProgress
	meta["auto_disabled_at_ms"] = clock.MS(r.Clock.Now())

	disabled := false
	var zero int64
	program, err := r.Heartbeats.Update(heartbeat.UpdateRequest{
		ProgramID: existing.ProgramID,
		Enabled:   &disabled,
		EveryMS:   &zero,
		Metadata:  meta,
	})
	if err != nil {
		r.Events.Emit("run.auto_heartbeat.lifecycle", event.Meta{Source: "runs", RunID: run.JobID}, map[string]any{
			"action": "disabled",
			"error":  err.Error(),
		})
		return
	}
	r.emitAutoLifecycle("disabled", run.JobID, program)
}

func (r *Registry) findAutoProgram(jobID string) (heartbeat.Program, bool) {
	programs, err := r.Heartbeats.List(heartbeat.ListOptions{})
	if err != nil {
		return heartbeat.Program{}, false
	}
	for _, p := range programs {
		if p.Metadata == nil {
			continue
		}
		if id, _ := p.Metadata["auto_run_job_id"].(string); id == jobID {
			return p, true
		}
	}
	return heartbeat.Program{}, false
}

func (r *Registry) emitAutoLifecycle(action, jobID string, program heartbeat.Program) {
	r.Events.Emit("run.auto_heartbeat.lifecycle", event.Meta{Source: "runs", RunID: jobID}, map[string]any{
		"action":     action,
		"run_job_id": jobID,
		"program_id": program.ProgramID,
		"program": map[string]any{
			"program_id": program.ProgramID,
			"title":      program.Title,
			"enabled":    program.Enabled,
			"every_ms":   program.EveryMS,
			"reason":     program.Reason,
			"metadata":   program.Metadata,
		},
	})
}
