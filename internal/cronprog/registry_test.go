package cronprog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/femtomc/mu-sub002/internal/adapter/fake"
	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/fault"
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

func (d *fakeDispatcher) last() wake.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events[len(d.events)-1]
}

type harness struct {
	registry   *Registry
	clock      *fake.Clock
	dispatcher *fakeDispatcher
	events     *event.Log
	dir        string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := fake.NewClock(time.Unix(1_700_000_000, 0))
	dispatcher := &fakeDispatcher{}
	log, err := event.Open(t.TempDir(), clk)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	r, err := NewRegistry(dir, clk, dispatcher, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)
	return &harness{registry: r, clock: clk, dispatcher: dispatcher, events: log, dir: dir}
}

func (h *harness) nowMS() int64 { return clock.MS(h.clock.Now()) }

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)

	if _, err := h.registry.Create(CreateRequest{Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}}); fault.ReasonOf(err) != "title_required" {
		t.Errorf("missing title: %v", err)
	}
	if _, err := h.registry.Create(CreateRequest{Title: "x", Schedule: Schedule{Kind: KindCron, Expr: "bogus"}}); fault.ReasonOf(err) != "invalid_cron_expr" {
		t.Errorf("bad expr: %v", err)
	}
	if _, err := h.registry.Create(CreateRequest{Title: "x", Schedule: Schedule{Kind: "hourly"}}); fault.ReasonOf(err) != "invalid_schedule_kind" {
		t.Errorf("bad kind: %v", err)
	}
}

func TestEveryProgramFiresOnGrid(t *testing.T) {
	h := newHarness(t)
	start := h.nowMS()

	p, err := h.registry.Create(CreateRequest{Title: "sync", Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	if p.NextRunAtMS != start+1000 {
		t.Fatalf("next_run_at_ms = %d, want %d", p.NextRunAtMS, start+1000)
	}

	h.clock.Advance(time.Second)
	if h.dispatcher.count() != 1 {
		t.Fatalf("dispatch count = %d, want 1", h.dispatcher.count())
	}

	// The next instant is recomputed before the dispatch, so the snapshot
	// handed to the wake orchestrator already carries the new slot.
	ev := h.dispatcher.last()
	if ev.Source != wake.SourceCron {
		t.Errorf("source = %s", ev.Source)
	}
	if next, _ := ev.Program["next_run_at_ms"].(int64); next != start+2000 {
		t.Errorf("snapshot next_run_at_ms = %v, want %d", ev.Program["next_run_at_ms"], start+2000)
	}

	got, err := h.registry.Get(p.ProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastResult != ResultOK {
		t.Errorf("last_result = %q", got.LastResult)
	}
	if got.LastTriggeredAtMS != start+1000 {
		t.Errorf("last_triggered_at_ms = %d", got.LastTriggeredAtMS)
	}
	if got.NextRunAtMS != start+2000 {
		t.Errorf("next_run_at_ms = %d, want %d", got.NextRunAtMS, start+2000)
	}

	// Ticks keep walking the grid.
	h.clock.Advance(3 * time.Second)
	if h.dispatcher.count() != 4 {
		t.Errorf("dispatch count = %d, want 4", h.dispatcher.count())
	}
}

func TestCreatePastAtAutoDisables(t *testing.T) {
	h := newHarness(t)

	p, err := h.registry.Create(CreateRequest{Title: "late", Schedule: Schedule{Kind: KindAt, AtMS: h.nowMS() - 5000}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("past at instants must auto-disable on create")
	}
	if p.NextRunAtMS != 0 {
		t.Errorf("next_run_at_ms = %d, want 0", p.NextRunAtMS)
	}

	h.clock.Advance(time.Minute)
	if h.dispatcher.count() != 0 {
		t.Errorf("disabled program dispatched %d times", h.dispatcher.count())
	}
}

func TestAtFiresOnceThenDisables(t *testing.T) {
	h := newHarness(t)

	p, err := h.registry.Create(CreateRequest{Title: "once", Schedule: Schedule{Kind: KindAt, AtMS: h.nowMS() + 500}})
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(500 * time.Millisecond)
	if h.dispatcher.count() != 1 {
		t.Fatalf("dispatch count = %d, want 1", h.dispatcher.count())
	}

	got, err := h.registry.Get(p.ProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("at program should disable after firing")
	}
	if got.NextRunAtMS != 0 {
		t.Errorf("next_run_at_ms = %d, want 0", got.NextRunAtMS)
	}
	if got.LastResult != ResultOK {
		t.Errorf("last_result = %q", got.LastResult)
	}

	h.clock.Advance(time.Hour)
	if h.dispatcher.count() != 1 {
		t.Errorf("one-shot fired again: count = %d", h.dispatcher.count())
	}
}

func TestTriggerManual(t *testing.T) {
	h := newHarness(t)

	p, err := h.registry.Create(CreateRequest{Title: "report", Schedule: Schedule{Kind: KindEvery, EveryMS: 60_000}})
	if err != nil {
		t.Fatal(err)
	}

	updated, status, err := h.registry.Trigger(context.Background(), p.ProgramID, "")
	if err != nil {
		t.Fatal(err)
	}
	if status != ResultOK {
		t.Errorf("status = %q", status)
	}
	if updated.LastResult != ResultOK || updated.LastTriggeredAtMS == 0 {
		t.Errorf("program = %+v", updated)
	}
	if reason := h.dispatcher.last().Reason; reason != "manual" {
		t.Errorf("empty reason should default to manual, got %q", reason)
	}

	// A manual trigger does not consume the scheduled slot.
	h.clock.Advance(time.Minute)
	if h.dispatcher.count() != 2 {
		t.Errorf("dispatch count = %d, want 2", h.dispatcher.count())
	}
}

func TestTriggerDisabledConflicts(t *testing.T) {
	h := newHarness(t)

	disabled := false
	p, err := h.registry.Create(CreateRequest{Title: "off", Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}, Enabled: &disabled})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = h.registry.Trigger(context.Background(), p.ProgramID, "manual")
	if fault.KindOf(err) != fault.Conflict || fault.ReasonOf(err) != "program_disabled" {
		t.Errorf("trigger disabled: %v", err)
	}
	if h.dispatcher.count() != 0 {
		t.Errorf("disabled trigger dispatched")
	}
}

func TestTriggerDispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.result = wake.DispatchResult{Status: wake.StatusFailed, Reason: "control_plane_unavailable"}

	p, err := h.registry.Create(CreateRequest{Title: "fail", Schedule: Schedule{Kind: KindEvery, EveryMS: 60_000}})
	if err != nil {
		t.Fatal(err)
	}

	updated, status, err := h.registry.Trigger(context.Background(), p.ProgramID, "manual")
	if fault.KindOf(err) != fault.Precondition || fault.ReasonOf(err) != "wake_dispatch_failed" {
		t.Fatalf("trigger failure: %v", err)
	}
	if status != ResultFailed {
		t.Errorf("status = %q", status)
	}
	if updated.LastResult != ResultFailed || updated.LastError != "control_plane_unavailable" {
		t.Errorf("program = %+v", updated)
	}
}

func TestTriggerCoalesced(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.result = wake.DispatchResult{Status: wake.StatusCoalesced, Reason: "coalesced"}

	p, err := h.registry.Create(CreateRequest{Title: "dup", Schedule: Schedule{Kind: KindEvery, EveryMS: 60_000}})
	if err != nil {
		t.Fatal(err)
	}

	_, status, err := h.registry.Trigger(context.Background(), p.ProgramID, "manual")
	if err != nil {
		t.Fatal(err)
	}
	if status != ResultCoalesced {
		t.Errorf("status = %q", status)
	}
}

func TestUpdateReschedules(t *testing.T) {
	h := newHarness(t)
	start := h.nowMS()

	p, err := h.registry.Create(CreateRequest{Title: "tune", Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}})
	if err != nil {
		t.Fatal(err)
	}

	wider := Schedule{Kind: KindEvery, EveryMS: 5000, AnchorMS: start}
	updated, err := h.registry.Update(UpdateRequest{ProgramID: p.ProgramID, Schedule: &wider})
	if err != nil {
		t.Fatal(err)
	}
	if updated.NextRunAtMS != start+5000 {
		t.Errorf("next_run_at_ms = %d, want %d", updated.NextRunAtMS, start+5000)
	}

	// The old 1s timer must be gone.
	h.clock.Advance(time.Second)
	if h.dispatcher.count() != 0 {
		t.Fatalf("stale timer fired")
	}
	h.clock.Advance(4 * time.Second)
	if h.dispatcher.count() != 1 {
		t.Errorf("dispatch count = %d, want 1", h.dispatcher.count())
	}

	// Disabling cancels the timer without removing the program.
	off := false
	if _, err := h.registry.Update(UpdateRequest{ProgramID: p.ProgramID, Enabled: &off}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)
	if h.dispatcher.count() != 1 {
		t.Errorf("disabled program kept firing: count = %d", h.dispatcher.count())
	}
}

func TestRemoveCancelsTimer(t *testing.T) {
	h := newHarness(t)

	p, err := h.registry.Create(CreateRequest{Title: "gone", Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.registry.Remove(p.ProgramID); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(5 * time.Second)
	if h.dispatcher.count() != 0 {
		t.Errorf("removed program dispatched %d times", h.dispatcher.count())
	}
	if _, err := h.registry.Get(p.ProgramID); fault.KindOf(err) != fault.NotFound {
		t.Errorf("get removed: %v", err)
	}
	if err := h.registry.Remove(p.ProgramID); fault.KindOf(err) != fault.NotFound {
		t.Errorf("double remove: %v", err)
	}
}

func TestListFiltersEnabled(t *testing.T) {
	h := newHarness(t)

	if _, err := h.registry.Create(CreateRequest{Title: "a", Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}}); err != nil {
		t.Fatal(err)
	}
	off := false
	if _, err := h.registry.Create(CreateRequest{Title: "b", Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}, Enabled: &off}); err != nil {
		t.Fatal(err)
	}

	all, err := h.registry.List(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("list all = %d entries", len(all))
	}

	on := true
	enabled, err := h.registry.List(ListOptions{Enabled: &on})
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 || enabled[0].Title != "a" {
		t.Errorf("enabled filter = %+v", enabled)
	}
}

func TestReloadReArmsFromDisk(t *testing.T) {
	h := newHarness(t)

	p, err := h.registry.Create(CreateRequest{Title: "persist", Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	h.registry.Stop()

	second := &fakeDispatcher{}
	reloaded, err := NewRegistry(h.dir, h.clock, second, h.events)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reloaded.Stop)

	got, err := reloaded.Get(p.ProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "persist" || !got.Enabled {
		t.Fatalf("reloaded program = %+v", got)
	}

	h.clock.Advance(time.Second)
	if second.count() != 1 {
		t.Errorf("reloaded registry dispatch count = %d, want 1", second.count())
	}
}

func TestReloadDisablesExpiredAt(t *testing.T) {
	h := newHarness(t)

	p, err := h.registry.Create(CreateRequest{Title: "missed", Schedule: Schedule{Kind: KindAt, AtMS: h.nowMS() + 500}})
	if err != nil {
		t.Fatal(err)
	}
	// Stop before the instant, then let it pass while nothing is armed.
	h.registry.Stop()
	h.clock.Advance(time.Minute)

	second := &fakeDispatcher{}
	reloaded, err := NewRegistry(h.dir, h.clock, second, h.events)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reloaded.Stop)

	got, err := reloaded.Get(p.ProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("expired at program should disable on reload")
	}
	if second.count() != 0 {
		t.Errorf("expired at dispatched on reload")
	}
}

func TestTickEventsEmitted(t *testing.T) {
	h := newHarness(t)

	p, err := h.registry.Create(CreateRequest{Title: "observed", Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Second)

	lifecycle, err := h.events.List(event.Filter{Type: "cron_program.lifecycle"})
	if err != nil {
		t.Fatal(err)
	}
	if len(lifecycle) != 1 || lifecycle[0].Payload["action"] != "created" {
		t.Errorf("lifecycle events = %+v", lifecycle)
	}

	ticks, err := h.events.List(event.Filter{Type: "cron_program.tick"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ticks) != 1 {
		t.Fatalf("tick events = %d", len(ticks))
	}
	if ticks[0].Payload["program_id"] != p.ProgramID || ticks[0].Payload["status"] != ResultOK {
		t.Errorf("tick payload = %+v", ticks[0].Payload)
	}
}
