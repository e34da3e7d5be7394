// Package heartbeat implements the persistent heartbeat program registry
// backed by <repo_root>/.mu/heartbeats.jsonl.
//
// Each enabled program with a periodic interval is bound to one scheduler
// activity ("heartbeat-program:<id>"); ticks flow through the wake
// orchestrator and the result is persisted on the program record.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/ids"
	"github.com/femtomc/mu-sub002/internal/scheduler"
	"github.com/femtomc/mu-sub002/internal/store/jsonl"
	"github.com/femtomc/mu-sub002/internal/wake"
)

// Tick result values persisted on a program.
const (
	ResultOK        = "ok"
	ResultCoalesced = "coalesced"
	ResultFailed    = "failed"
)

const maxListLimit = 500

// Program is one persistent heartbeat schedule.
type Program struct {
	ProgramID         string         `json:"program_id"`
	Title             string         `json:"title"`
	Prompt            string         `json:"prompt,omitempty"`
	Enabled           bool           `json:"enabled"`
	EveryMS           int64          `json:"every_ms"`
	Reason            string         `json:"reason,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAtMS       int64          `json:"created_at_ms"`
	UpdatedAtMS       int64          `json:"updated_at_ms"`
	LastTriggeredAtMS int64          `json:"last_triggered_at_ms,omitempty"`
	LastResult        string         `json:"last_result,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
}

func (p *Program) clone() Program {
	out := *p
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// snapshot renders the program for telemetry payloads.
func (p *Program) snapshot() map[string]any {
	snap := map[string]any{
		"program_id":    p.ProgramID,
		"title":         p.Title,
		"enabled":       p.Enabled,
		"every_ms":      p.EveryMS,
		"created_at_ms": p.CreatedAtMS,
		"updated_at_ms": p.UpdatedAtMS,
	}
	if p.Prompt != "" {
		snap["prompt"] = p.Prompt
	}
	if p.Reason != "" {
		snap["reason"] = p.Reason
	}
	if len(p.Metadata) > 0 {
		snap["metadata"] = p.Metadata
	}
	if p.LastTriggeredAtMS != 0 {
		snap["last_triggered_at_ms"] = p.LastTriggeredAtMS
	}
	if p.LastResult != "" {
		snap["last_result"] = p.LastResult
	}
	if p.LastError != "" {
		snap["last_error"] = p.LastError
	}
	return snap
}

// CreateRequest creates a program. Title is required.
type CreateRequest struct {
	Title    string
	Prompt   string
	EveryMS  int64
	Reason   string
	Enabled  *bool // nil means enabled
	Metadata map[string]any
}

// UpdateRequest patches a program; nil fields are left unchanged.
type UpdateRequest struct {
	ProgramID string
	Title     *string
	Prompt    *string
	EveryMS   *int64
	Reason    *string
	Enabled   *bool
	Metadata  map[string]any // replaces when non-nil
}

// ListOptions filter List.
type ListOptions struct {
	Enabled *bool
	Limit   int
}

// Registry owns the heartbeat programs file.
type Registry struct {
	clock      clock.Clock
	sched      *scheduler.Scheduler
	dispatcher Dispatcher
	events     *event.Log

	mu       sync.Mutex
	file     *jsonl.File
	loaded   bool
	programs map[string]*Program
}

// NewRegistry creates the registry. Programs load lazily on first use.
func NewRegistry(repoRoot string, clk clock.Clock, sched *scheduler.Scheduler, dispatcher Dispatcher, events *event.Log) (*Registry, error) {
	f, err := jsonl.Open(jsonl.Path(repoRoot, "heartbeats.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Registry{
		clock:      clk,
		sched:      sched,
		dispatcher: dispatcher,
		events:     events,
		file:       f,
		programs:   make(map[string]*Program),
	}, nil
}

// ScheduleID returns the scheduler activity id for a program.
func ScheduleID(programID string) string { return "heartbeat-program:" + programID }

func (r *Registry) loadLocked() error {
	if r.loaded {
		return nil
	}
	err := r.file.Read(func(line []byte) error {
		var p Program
		if err := json.Unmarshal(line, &p); err != nil || p.ProgramID == "" {
			return nil
		}
		r.programs[p.ProgramID] = &p
		return nil
	})
	if err != nil {
		return fmt.Errorf("load heartbeat programs: %w", err)
	}
	r.loaded = true
	// Enabled periodic programs re-arm on load.
	for _, p := range r.programs {
		r.bindLocked(p)
	}
	return nil
}

// persistLocked rewrites the file sorted by (created_at_ms, program_id).
func (r *Registry) persistLocked() error {
	progs := make([]*Program, 0, len(r.programs))
	for _, p := range r.programs {
		progs = append(progs, p)
	}
	sort.Slice(progs, func(i, j int) bool {
		if progs[i].CreatedAtMS != progs[j].CreatedAtMS {
			return progs[i].CreatedAtMS < progs[j].CreatedAtMS
		}
		return progs[i].ProgramID < progs[j].ProgramID
	})
	records := make([]any, len(progs))
	for i, p := range progs {
		records[i] = p
	}
	return r.file.Rewrite(records)
}

// bindLocked registers or unregisters the scheduler activity for a program.
func (r *Registry) bindLocked(p *Program) {
	id := ScheduleID(p.ProgramID)
	if p.Enabled && p.EveryMS > 0 {
		programID := p.ProgramID
		_ = r.sched.Register(scheduler.Config{
			ActivityID: id,
			Every:      time.Duration(p.EveryMS) * time.Millisecond,
			Handler: func(ctx context.Context, tick scheduler.Tick) scheduler.Result {
				return r.tickProgram(ctx, programID, tick.Reason)
			},
		})
		return
	}
	r.sched.Unregister(id)
}

// List returns program copies, sorted by (created_at_ms, program_id).
func (r *Registry) List(opts ListOptions) ([]Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	out := make([]Program, 0, len(r.programs))
	for _, p := range r.programs {
		if opts.Enabled != nil && p.Enabled != *opts.Enabled {
			continue
		}
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS < out[j].CreatedAtMS
		}
		return out[i].ProgramID < out[j].ProgramID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns a copy of one program.
func (r *Registry) Get(programID string) (Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return Program{}, err
	}
	p, ok := r.programs[programID]
	if !ok {
		return Program{}, fault.New(fault.NotFound, "program_not_found", "heartbeat program %s not found", programID)
	}
	return p.clone(), nil
}

// Create validates and persists a new program, binding its schedule.
func (r *Registry) Create(req CreateRequest) (Program, error) {
	if req.Title == "" {
		return Program{}, fault.New(fault.Validation, "title_required", "heartbeat program title is required")
	}
	if req.EveryMS < 0 {
		return Program{}, fault.New(fault.Validation, "invalid_every_ms", "every_ms must be >= 0")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return Program{}, err
	}

	now := clock.MS(r.clock.Now())
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	p := &Program{
		ProgramID:   ids.WithPrefix("hb"),
		Title:       req.Title,
		Prompt:      req.Prompt,
		Enabled:     enabled,
		EveryMS:     req.EveryMS,
		Reason:      req.Reason,
		Metadata:    req.Metadata,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	r.programs[p.ProgramID] = p
	if err := r.persistLocked(); err != nil {
		delete(r.programs, p.ProgramID)
		return Program{}, err
	}
	r.bindLocked(p)
	return p.clone(), nil
}

// Update patches a program and rebinds its schedule.
func (r *Registry) Update(req UpdateRequest) (Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return Program{}, err
	}
	p, ok := r.programs[req.ProgramID]
	if !ok {
		return Program{}, fault.New(fault.NotFound, "program_not_found", "heartbeat program %s not found", req.ProgramID)
	}
	if req.EveryMS != nil && *req.EveryMS < 0 {
		return Program{}, fault.New(fault.Validation, "invalid_every_ms", "every_ms must be >= 0")
	}

	if req.Title != nil {
		p.Title = *req.Title
	}
	if req.Prompt != nil {
		p.Prompt = *req.Prompt
	}
	if req.EveryMS != nil {
		p.EveryMS = *req.EveryMS
	}
	if req.Reason != nil {
		p.Reason = *req.Reason
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.Metadata != nil {
		p.Metadata = req.Metadata
	}
	p.UpdatedAtMS = clock.MS(r.clock.Now())
	if err := r.persistLocked(); err != nil {
		return Program{}, err
	}
	r.bindLocked(p)
	return p.clone(), nil
}

// Remove deletes a program and unbinds its schedule.
func (r *Registry) Remove(programID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, ok := r.programs[programID]; !ok {
		return fault.New(fault.NotFound, "program_not_found", "heartbeat program %s not found", programID)
	}
	delete(r.programs, programID)
	r.sched.Unregister(ScheduleID(programID))
	return r.persistLocked()
}

// Trigger dispatches one tick immediately, outside the periodic schedule.
// Disabled programs conflict; every_ms=0 programs still dispatch.
func (r *Registry) Trigger(ctx context.Context, programID, reason string) (Program, string, error) {
	r.mu.Lock()
	if err := r.loadLocked(); err != nil {
		r.mu.Unlock()
		return Program{}, "", err
	}
	p, ok := r.programs[programID]
	if !ok {
		r.mu.Unlock()
		return Program{}, "", fault.New(fault.NotFound, "program_not_found", "heartbeat program %s not found", programID)
	}
	if !p.Enabled {
		r.mu.Unlock()
		return Program{}, "", fault.New(fault.Conflict, "program_disabled", "heartbeat program %s is disabled", programID).
			WithRecovery("mu heartbeat enable " + programID)
	}
	r.mu.Unlock()

	if reason == "" {
		reason = "manual"
	}
	result := r.tickProgram(ctx, programID, reason)

	updated, err := r.Get(programID)
	if err != nil {
		return Program{}, "", err
	}
	switch result.Kind {
	case scheduler.ResultRan:
		return updated, ResultOK, nil
	case scheduler.ResultSkipped:
		return updated, ResultCoalesced, nil
	default:
		return updated, ResultFailed, fault.New(fault.Precondition, result.Reason, "heartbeat trigger failed: %s", result.Reason)
	}
}

// Stop unbinds every schedule. Programs stay on disk.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.programs {
		r.sched.Unregister(ScheduleID(id))
	}
}

// tickProgram services one tick: dispatch through the orchestrator, persist
// the result on the program, and emit tick telemetry.
func (r *Registry) tickProgram(ctx context.Context, programID, reason string) scheduler.Result {
	r.mu.Lock()
	p, ok := r.programs[programID]
	if !ok {
		r.mu.Unlock()
		return scheduler.Skipped("not_found")
	}
	if !p.Enabled {
		r.mu.Unlock()
		return scheduler.Skipped("disabled")
	}
	ev := wake.Event{
		Source:    wake.SourceHeartbeat,
		ProgramID: p.ProgramID,
		Title:     p.Title,
		Prompt:    p.Prompt,
		Reason:    firstNonEmpty(reason, p.Reason),
		Metadata:  p.Metadata,
		Program:   p.snapshot(),
	}
	r.mu.Unlock()

	started := r.clock.Now()
	res := r.dispatcher.DispatchWake(ctx, ev)

	r.mu.Lock()
	p, ok = r.programs[programID]
	if ok {
		now := clock.MS(r.clock.Now())
		if now > p.LastTriggeredAtMS {
			p.LastTriggeredAtMS = now
		}
		switch res.Status {
		case wake.StatusOK:
			p.LastResult = ResultOK
			p.LastError = ""
		case wake.StatusCoalesced:
			p.LastResult = ResultCoalesced
			p.LastError = ""
		default:
			p.LastResult = ResultFailed
			p.LastError = res.Reason
		}
		if err := r.persistLocked(); err != nil {
			r.mu.Unlock()
			return scheduler.Failed(err.Error())
		}
		snap := p.snapshot()
		status := p.LastResult
		r.mu.Unlock()
		r.emitTick(programID, status, reason, res.Reason, snap)
	} else {
		r.mu.Unlock()
	}

	switch res.Status {
	case wake.StatusOK:
		return scheduler.Ran(r.clock.Now().Sub(started))
	case wake.StatusCoalesced:
		return scheduler.Skipped("coalesced")
	default:
		return scheduler.Failed(res.Reason)
	}
}

func (r *Registry) emitTick(programID, status, reason, message string, snapshot map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit("heartbeat_program.tick", event.Meta{Source: "heartbeat"}, map[string]any{
		"program_id": programID,
		"status":     status,
		"reason":     reason,
		"message":    message,
		"program":    snapshot,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
