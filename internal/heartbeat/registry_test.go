package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/femtomc/mu-sub002/internal/adapter/fake"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/scheduler"
	"github.com/femtomc/mu-sub002/internal/wake"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []wake.Event
	result wake.DispatchResult
}

func (d *fakeDispatcher) DispatchWake(_ context.Context, ev wake.Event) wake.DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	if d.result.Status == "" {
		return wake.DispatchResult{Status: wake.StatusOK}
	}
	return d.result
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type harness struct {
	registry   *Registry
	clock      *fake.Clock
	sched      *scheduler.Scheduler
	dispatcher *fakeDispatcher
	events     *event.Log
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := fake.NewClock(time.Unix(1_700_000_000, 0))
	sched := scheduler.New(clk, scheduler.Options{})
	t.Cleanup(sched.Stop)
	dispatcher := &fakeDispatcher{}
	log, err := event.Open(t.TempDir(), clk)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRegistry(t.TempDir(), clk, sched, dispatcher, log)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{registry: r, clock: clk, sched: sched, dispatcher: dispatcher, events: log}
}

func TestCreateBindsSchedule(t *testing.T) {
	h := newHarness(t)

	p, err := h.registry.Create(CreateRequest{Title: "standup", EveryMS: 60_000})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Enabled {
		t.Error("programs default to enabled")
	}
	if !h.sched.Has(ScheduleID(p.ProgramID)) {
		t.Error("enabled periodic program should register a scheduler activity")
	}

	// A program with every_ms=0 is manual-only: no activity.
	manual, err := h.registry.Create(CreateRequest{Title: "manual", EveryMS: 0})
	if err != nil {
		t.Fatal(err)
	}
	if h.sched.Has(ScheduleID(manual.ProgramID)) {
		t.Error("every_ms=0 program must not bind a schedule")
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.registry.Create(CreateRequest{EveryMS: 1000}); fault.ReasonOf(err) != "title_required" {
		t.Errorf("missing title: %v", err)
	}
	if _, err := h.registry.Create(CreateRequest{Title: "x", EveryMS: -1}); fault.ReasonOf(err) != "invalid_every_ms" {
		t.Errorf("negative interval: %v", err)
	}
}

func TestPeriodicTickDispatchesWake(t *testing.T) {
	h := newHarness(t)
	p, err := h.registry.Create(CreateRequest{Title: "standup", Prompt: "post the standup", EveryMS: 60_000})
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(60 * time.Second)
	h.clock.Advance(scheduler.DefaultCoalesce)

	if h.dispatcher.count() != 1 {
		t.Fatalf("dispatched %d wakes, want 1", h.dispatcher.count())
	}
	ev := h.dispatcher.events[0]
	if ev.Source != wake.SourceHeartbeat || ev.ProgramID != p.ProgramID {
		t.Errorf("wake event = %+v", ev)
	}
	if ev.Prompt != "post the standup" {
		t.Errorf("prompt = %q", ev.Prompt)
	}

	got, err := h.registry.Get(p.ProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastResult != ResultOK {
		t.Errorf("last result = %q, want ok", got.LastResult)
	}
	if got.LastTriggeredAtMS == 0 {
		t.Error("last triggered timestamp not persisted")
	}
}

func TestTriggerManual(t *testing.T) {
	h := newHarness(t)
	p, err := h.registry.Create(CreateRequest{Title: "manual", EveryMS: 0})
	if err != nil {
		t.Fatal(err)
	}

	updated, result, err := h.registry.Trigger(context.Background(), p.ProgramID, "")
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultOK {
		t.Errorf("trigger result = %q", result)
	}
	if updated.LastTriggeredAtMS == 0 {
		t.Error("trigger should stamp last_triggered_at_ms")
	}
	if h.dispatcher.events[0].Reason != "manual" {
		t.Errorf("default reason = %q, want manual", h.dispatcher.events[0].Reason)
	}
}

func TestTriggerDisabledConflicts(t *testing.T) {
	h := newHarness(t)
	disabled := false
	p, err := h.registry.Create(CreateRequest{Title: "off", EveryMS: 1000, Enabled: &disabled})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = h.registry.Trigger(context.Background(), p.ProgramID, "")
	if fault.KindOf(err) != fault.Conflict {
		t.Errorf("trigger on disabled: %v", err)
	}
}

func TestTriggerCoalesced(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.result = wake.DispatchResult{Status: wake.StatusCoalesced, Reason: "coalesced"}
	p, err := h.registry.Create(CreateRequest{Title: "busy", EveryMS: 0})
	if err != nil {
		t.Fatal(err)
	}
	_, result, err := h.registry.Trigger(context.Background(), p.ProgramID, "")
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultCoalesced {
		t.Errorf("result = %q, want coalesced", result)
	}
}

func TestUpdateRebindsSchedule(t *testing.T) {
	h := newHarness(t)
	p, err := h.registry.Create(CreateRequest{Title: "standup", EveryMS: 60_000})
	if err != nil {
		t.Fatal(err)
	}

	off := false
	if _, err := h.registry.Update(UpdateRequest{ProgramID: p.ProgramID, Enabled: &off}); err != nil {
		t.Fatal(err)
	}
	if h.sched.Has(ScheduleID(p.ProgramID)) {
		t.Error("disabling should unbind the schedule")
	}

	on := true
	if _, err := h.registry.Update(UpdateRequest{ProgramID: p.ProgramID, Enabled: &on}); err != nil {
		t.Fatal(err)
	}
	if !h.sched.Has(ScheduleID(p.ProgramID)) {
		t.Error("re-enabling should rebind the schedule")
	}
}

func TestRemoveUnbinds(t *testing.T) {
	h := newHarness(t)
	p, err := h.registry.Create(CreateRequest{Title: "gone", EveryMS: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.registry.Remove(p.ProgramID); err != nil {
		t.Fatal(err)
	}
	if h.sched.Has(ScheduleID(p.ProgramID)) {
		t.Error("remove should unbind the schedule")
	}
	if _, err := h.registry.Get(p.ProgramID); fault.KindOf(err) != fault.NotFound {
		t.Errorf("get after remove: %v", err)
	}
}

func TestRegistryReloadsFromDisk(t *testing.T) {
	clk := fake.NewClock(time.Unix(1_700_000_000, 0))
	dir := t.TempDir()
	evDir := t.TempDir()

	sched1 := scheduler.New(clk, scheduler.Options{})
	log, err := event.Open(evDir, clk)
	if err != nil {
		t.Fatal(err)
	}
	r1, err := NewRegistry(dir, clk, sched1, &fakeDispatcher{}, log)
	if err != nil {
		t.Fatal(err)
	}
	p, err := r1.Create(CreateRequest{Title: "durable", EveryMS: 30_000})
	if err != nil {
		t.Fatal(err)
	}
	sched1.Stop()

	sched2 := scheduler.New(clk, scheduler.Options{})
	defer sched2.Stop()
	r2, err := NewRegistry(dir, clk, sched2, &fakeDispatcher{}, log)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r2.Get(p.ProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "durable" || got.EveryMS != 30_000 {
		t.Errorf("reloaded program = %+v", got)
	}
	if !sched2.Has(ScheduleID(p.ProgramID)) {
		t.Error("enabled program should re-arm on reload")
	}
}
