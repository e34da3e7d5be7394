// Package cronprog implements the persistent cron program registry backed
// by <repo_root>/.mu/cron.jsonl.
//
// Programs carry an at/every/cron schedule. Each enabled program holds one
// armed one-shot timer at next_run_at_ms; a tick recomputes the next instant
// before dispatching so slow handlers cannot drift the grid. `at` programs
// fire at most once and auto-disable.
package cronprog

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
	"github.com/femtomc/mu-sub002/internal/heartbeat"
	"github.com/femtomc/mu-sub002/internal/ids"
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

// Program is one persistent cron schedule.
type Program struct {
	ProgramID         string         `json:"program_id"`
	Title             string         `json:"title"`
	Prompt            string         `json:"prompt,omitempty"`
	Enabled           bool           `json:"enabled"`
	Schedule          Schedule       `json:"schedule"`
	Reason            string         `json:"reason,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	NextRunAtMS       int64          `json:"next_run_at_ms,omitempty"`
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

func (p *Program) snapshot() map[string]any {
	snap := map[string]any{
		"program_id":    p.ProgramID,
		"title":         p.Title,
		"enabled":       p.Enabled,
		"schedule":      scheduleSnapshot(p.Schedule),
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
	if p.NextRunAtMS != 0 {
		snap["next_run_at_ms"] = p.NextRunAtMS
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

func scheduleSnapshot(s Schedule) map[string]any {
	snap := map[string]any{"kind": s.Kind}
	switch s.Kind {
	case KindAt:
		snap["at_ms"] = s.AtMS
	case KindEvery:
		snap["every_ms"] = s.EveryMS
		if s.AnchorMS != 0 {
			snap["anchor_ms"] = s.AnchorMS
		}
	case KindCron:
		snap["expr"] = s.Expr
		if s.TZ != "" {
			snap["tz"] = s.TZ
		}
	}
	return snap
}

// CreateRequest creates a program. Title and a valid schedule are required.
type CreateRequest struct {
	Title    string
	Prompt   string
	Schedule Schedule
	Reason   string
	Enabled  *bool // nil means enabled
	Metadata map[string]any
}

// UpdateRequest patches a program; nil fields are left unchanged.
type UpdateRequest struct {
	ProgramID string
	Title     *string
	Prompt    *string
	Schedule  *Schedule
	Reason    *string
	Enabled   *bool
	Metadata  map[string]any
}

// ListOptions filter List.
type ListOptions struct {
	Enabled *bool
	Limit   int
}

// Registry owns the cron programs file.
type Registry struct {
	clock      clock.Clock
	dispatcher heartbeat.Dispatcher
	events     *event.Log

	mu       sync.Mutex
	file     *jsonl.File
	loaded   bool
	programs map[string]*Program
	timers   map[string]timerSlot
	nextTok  uint64
	stopped  bool
}

type timerSlot struct {
	handle clock.Handle
	token  uint64
}

// NewRegistry creates the registry. Programs load and re-arm lazily on
// first use.
func NewRegistry(repoRoot string, clk clock.Clock, dispatcher heartbeat.Dispatcher, events *event.Log) (*Registry, error) {
	f, err := jsonl.Open(jsonl.Path(repoRoot, "cron.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Registry{
		clock:      clk,
		dispatcher: dispatcher,
		events:     events,
		file:       f,
		programs:   make(map[string]*Program),
		timers:     make(map[string]timerSlot),
	}, nil
}

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
		return fmt.Errorf("load cron programs: %w", err)
	}
	r.loaded = true

	// Re-arm every enabled program; past `at` instants auto-disable.
	dirty := false
	for _, p := range r.programs {
		if r.armLocked(p) {
			dirty = true
		}
	}
	if dirty {
		return r.persistLocked()
	}
	return nil
}

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

// armLocked computes next_run_at_ms and arms the one-shot timer. Returns
// true when the program record changed (next recomputed or auto-disabled).
func (r *Registry) armLocked(p *Program) bool {
	if slot, ok := r.timers[p.ProgramID]; ok {
		slot.handle.Stop()
		delete(r.timers, p.ProgramID)
	}
	if !p.Enabled || r.stopped {
		return false
	}

	nowMS := clock.MS(r.clock.Now())
	next, err := nextRun(p.Schedule, p.CreatedAtMS, nowMS)
	if err != nil {
		p.Enabled = false
		p.NextRunAtMS = 0
		p.LastError = err.Error()
		return true
	}
	if next < 0 {
		// `at` instant already passed: auto-disable before arming.
		p.Enabled = false
		p.NextRunAtMS = 0
		return true
	}

	changed := p.NextRunAtMS != next
	p.NextRunAtMS = next

	r.nextTok++
	token := r.nextTok
	programID := p.ProgramID
	delay := time.Duration(next-nowMS) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	handle := r.clock.AfterFunc(delay, func() {
		r.tick(programID, token)
	})
	r.timers[programID] = timerSlot{handle: handle, token: token}
	return changed
}

// List returns program copies sorted by (created_at_ms, program_id).
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
		return Program{}, fault.New(fault.NotFound, "program_not_found", "cron program %s not found", programID)
	}
	return p.clone(), nil
}

// Create validates and persists a new program, arming its timer.
func (r *Registry) Create(req CreateRequest) (Program, error) {
	if req.Title == "" {
		return Program{}, fault.New(fault.Validation, "title_required", "cron program title is required")
	}
	if err := req.Schedule.Validate(); err != nil {
		return Program{}, err
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
		ProgramID:   ids.WithPrefix("cron"),
		Title:       req.Title,
		Prompt:      req.Prompt,
		Enabled:     enabled,
		Schedule:    req.Schedule,
		Reason:      req.Reason,
		Metadata:    req.Metadata,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	r.programs[p.ProgramID] = p
	r.armLocked(p)
	if err := r.persistLocked(); err != nil {
		delete(r.programs, p.ProgramID)
		return Program{}, err
	}
	r.emitLifecycleLocked("created", p)
	return p.clone(), nil
}

// Update patches a program and re-arms its timer.
func (r *Registry) Update(req UpdateRequest) (Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return Program{}, err
	}
	p, ok := r.programs[req.ProgramID]
	if !ok {
		return Program{}, fault.New(fault.NotFound, "program_not_found", "cron program %s not found", req.ProgramID)
	}
	if req.Schedule != nil {
		if err := req.Schedule.Validate(); err != nil {
			return Program{}, err
		}
		p.Schedule = *req.Schedule
	}
	if req.Title != nil {
		p.Title = *req.Title
	}
	if req.Prompt != nil {
		p.Prompt = *req.Prompt
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
	r.armLocked(p)
	if err := r.persistLocked(); err != nil {
		return Program{}, err
	}
	r.emitLifecycleLocked("updated", p)
	return p.clone(), nil
}

// Remove deletes a program and cancels its timer.
func (r *Registry) Remove(programID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	p, ok := r.programs[programID]
	if !ok {
		return fault.New(fault.NotFound, "program_not_found", "cron program %s not found", programID)
	}
	if slot, ok := r.timers[programID]; ok {
		slot.handle.Stop()
		delete(r.timers, programID)
	}
	delete(r.programs, programID)
	if err := r.persistLocked(); err != nil {
		return err
	}
	r.emitLifecycleLocked("removed", p)
	return nil
}

// Trigger dispatches one tick immediately. Disabled programs conflict.
func (r *Registry) Trigger(ctx context.Context, programID, reason string) (Program, string, error) {
	r.mu.Lock()
	if err := r.loadLocked(); err != nil {
		r.mu.Unlock()
		return Program{}, "", err
	}
	p, ok := r.programs[programID]
	if !ok {
		r.mu.Unlock()
		return Program{}, "", fault.New(fault.NotFound, "program_not_found", "cron program %s not found", programID)
	}
	if !p.Enabled {
		r.mu.Unlock()
		return Program{}, "", fault.New(fault.Conflict, "program_disabled", "cron program %s is disabled", programID).
			WithRecovery("mu cron enable " + programID)
	}
	r.mu.Unlock()

	if reason == "" {
		reason = "manual"
	}
	status := r.tickProgram(ctx, programID, reason, false)

	updated, err := r.Get(programID)
	if err != nil {
		return Program{}, "", err
	}
	if status == ResultFailed {
		return updated, status, fault.New(fault.Precondition, "wake_dispatch_failed", "cron trigger failed: %s", updated.LastError)
	}
	return updated, status, nil
}

// Stop cancels all timers. Programs stay on disk.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, slot := range r.timers {
		slot.handle.Stop()
		delete(r.timers, id)
	}
}

// tick services one timer firing.
func (r *Registry) tick(programID string, token uint64) {
	r.mu.Lock()
	slot, ok := r.timers[programID]
	if !ok || slot.token != token {
		r.mu.Unlock()
		return
	}
	delete(r.timers, programID)
	r.mu.Unlock()

	r.tickProgram(context.Background(), programID, "interval", true)
}

// tickProgram dispatches one wake for the program. When scheduled is true
// the call came from the armed timer and the next instant is recomputed
// before dispatch.
func (r *Registry) tickProgram(ctx context.Context, programID, reason string, scheduled bool) string {
	r.mu.Lock()
	p, ok := r.programs[programID]
	if !ok || !p.Enabled {
		r.mu.Unlock()
		return ResultFailed
	}

	isOneShot := p.Schedule.Kind == KindAt
	if scheduled && !isOneShot {
		// Recompute next before dispatch so slow handlers cannot drift.
		r.armLocked(p)
	}
	ev := wake.Event{
		Source:    wake.SourceCron,
		ProgramID: p.ProgramID,
		Title:     p.Title,
		Prompt:    p.Prompt,
		Reason:    firstNonEmpty(reason, p.Reason),
		Metadata:  p.Metadata,
		Program:   p.snapshot(),
	}
	r.mu.Unlock()

	res := r.dispatcher.DispatchWake(ctx, ev)

	r.mu.Lock()
	p, ok = r.programs[programID]
	status := ResultFailed
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
		status = p.LastResult
		if scheduled && isOneShot {
			// `at` fires at most once.
			p.Enabled = false
			p.NextRunAtMS = 0
			if slot, ok := r.timers[programID]; ok {
				slot.handle.Stop()
				delete(r.timers, programID)
			}
		}
		if err := r.persistLocked(); err != nil {
			p.LastError = err.Error()
		}
		snap := p.snapshot()
		r.mu.Unlock()
		r.emitTick(programID, status, reason, res.Reason, snap)
		return status
	}
	r.mu.Unlock()
	return status
}

func (r *Registry) emitTick(programID, status, reason, message string, snapshot map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit("cron_program.tick", event.Meta{Source: "cron"}, map[string]any{
		"program_id": programID,
		"status":     status,
		"reason":     reason,
		"message":    message,
		"program":    snapshot,
	})
}

// emitLifecycleLocked emits cron_program.lifecycle. Caller holds r.mu.
func (r *Registry) emitLifecycleLocked(action string, p *Program) {
	if r.events == nil {
		return
	}
	r.events.Emit("cron_program.lifecycle", event.Meta{Source: "cron"}, map[string]any{
		"action":     action,
		"program_id": p.ProgramID,
		"program":    p.snapshot(),
		"message":    fmt.Sprintf("cron program %s %s", p.ProgramID, action),
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
