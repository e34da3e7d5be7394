package runs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/femtomc/mu-sub002/internal/adapter/fake"
	"github.com/femtomc/mu-sub002/internal/dag"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/forum"
	"github.com/femtomc/mu-sub002/internal/heartbeat"
	"github.com/femtomc/mu-sub002/internal/issue"
	"github.com/femtomc/mu-sub002/internal/scheduler"
	"github.com/femtomc/mu-sub002/internal/wake"
)

type nullDispatcher struct{}

func (nullDispatcher) DispatchWake(context.Context, wake.Event) wake.DispatchResult {
	return wake.DispatchResult{Status: wake.StatusOK}
}

type runHarness struct {
	registry   *Registry
	issues     *issue.Store
	heartbeats *heartbeat.Registry
	events     *event.Log
	clock      *fake.Clock
	executor   *scriptedExecutor
}

// scriptedExecutor closes the issue it is handed and optionally blocks so a
// test can act while the run is mid-step.
type scriptedExecutor struct {
	issues  *issue.Store
	outcome string
	started chan struct{}
	release chan struct{}
}

func (e *scriptedExecutor) ExecuteStep(_ context.Context, req dag.StepRequest) (dag.StepResult, error) {
	if e.started != nil {
		close(e.started)
		e.started = nil
		<-e.release
	}
	if e.outcome != "" {
		if _, err := e.issues.Close(req.IssueID, e.outcome); err != nil {
			return dag.StepResult{}, err
		}
	}
	return dag.StepResult{}, nil
}

func newRunHarness(t *testing.T) *runHarness {
	t.Helper()
	clk := fake.NewClock(time.Unix(1_700_000_000, 0))
	dir := t.TempDir()
	issues, err := issue.NewStore(dir, clk)
	if err != nil {
		t.Fatal(err)
	}
	posts, err := forum.NewLog(dir, clk)
	if err != nil {
		t.Fatal(err)
	}
	log, err := event.Open(dir, clk)
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New(clk, scheduler.Options{})
	t.Cleanup(sched.Stop)
	hb, err := heartbeat.NewRegistry(dir, clk, sched, nullDispatcher{}, log)
	if err != nil {
		t.Fatal(err)
	}
	executor := &scriptedExecutor{issues: issues, outcome: issue.OutcomeSuccess}
	runner := &dag.Runner{
		Issues:   issues,
		Forum:    posts,
		Events:   log,
		Clock:    clk,
		Executor: executor,
		RepoRoot: dir,
	}
	reg := NewRegistry(context.Background(), clk, log, runner, hb)
	return &runHarness{registry: reg, issues: issues, heartbeats: hb, events: log, clock: clk, executor: executor}
}

func (h *runHarness) agentRoot(t *testing.T) issue.Issue {
	t.Helper()
	root, err := h.issues.Create(issue.CreateRequest{Title: "work", Tags: []string{dag.AgentTag}})
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestStartValidation(t *testing.T) {
	h := newRunHarness(t)
	if _, err := h.registry.Start(StartRequest{}); fault.ReasonOf(err) != "root_issue_required" {
		t.Errorf("missing root: %v", err)
	}
	if _, err := h.registry.Start(StartRequest{RootIssueID: "is-1", Mode: "sideways"}); fault.ReasonOf(err) != "invalid_mode" {
		t.Errorf("bad mode: %v", err)
	}
}

func TestRunLifecycleToSucceeded(t *testing.T) {
	h := newRunHarness(t)
	root := h.agentRoot(t)

	run, err := h.registry.Start(StartRequest{RootIssueID: root.ID, MaxSteps: 5})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusQueued || run.JobID == "" || run.Mode != ModeStart {
		t.Fatalf("queued run = %+v", run)
	}
	h.registry.Wait()

	final, err := h.registry.Get(run.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("final = %+v", final)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v", final.ExitCode)
	}
	if final.FinishedAtMS == 0 {
		t.Error("finished_at_ms not set")
	}
	if !strings.Contains(final.LastProgress, dag.RunRootFinal) {
		t.Errorf("last_progress = %q", final.LastProgress)
	}

	trace, err := h.registry.Trace(run.JobID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trace) == 0 {
		t.Fatal("empty trace")
	}
	for _, rec := range trace {
		if rec.RunID != run.JobID {
			t.Errorf("trace leaked record %+v", rec)
		}
	}
}

func TestRunFailsWhenStepsRunOut(t *testing.T) {
	h := newRunHarness(t)
	h.executor.outcome = "" // never closes anything; every step force-closes and reopens
	root := h.agentRoot(t)

	run, err := h.registry.Start(StartRequest{RootIssueID: root.ID, MaxSteps: 1})
	if err != nil {
		t.Fatal(err)
	}
	h.registry.Wait()

	final, err := h.registry.Get(run.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusFailed {
		t.Errorf("final = %+v", final)
	}
	if final.ExitCode == nil || *final.ExitCode != 1 {
		t.Errorf("exit code = %v", final.ExitCode)
	}
}

func TestInterruptRunningRun(t *testing.T) {
	h := newRunHarness(t)
	h.executor.outcome = ""
	h.executor.started = make(chan struct{})
	h.executor.release = make(chan struct{})
	started := h.executor.started
	root := h.agentRoot(t)

	run, err := h.registry.Start(StartRequest{RootIssueID: root.ID, MaxSteps: 10})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if _, err := h.registry.Interrupt(run.JobID); err != nil {
		t.Fatal(err)
	}
	close(h.executor.release)
	h.registry.Wait()

	final, err := h.registry.Get(run.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusInterrupted {
		t.Fatalf("final = %+v", final)
	}

	// A second interrupt on a terminal run conflicts.
	_, err = h.registry.Interrupt(run.JobID)
	if fault.KindOf(err) != fault.Conflict || fault.ReasonOf(err) != "run_terminal" {
		t.Errorf("terminal interrupt: %v", err)
	}
}

func TestInterruptUnknownRun(t *testing.T) {
	h := newRunHarness(t)
	if _, err := h.registry.Interrupt("nope"); fault.KindOf(err) != fault.NotFound {
		t.Errorf("unknown run: %v", err)
	}
}

func TestAPIRunsCarryAutoHeartbeat(t *testing.T) {
	h := newRunHarness(t)
	h.executor.started = make(chan struct{})
	h.executor.release = make(chan struct{})
	started := h.executor.started
	root := h.agentRoot(t)

	run, err := h.registry.Start(StartRequest{RootIssueID: root.ID, Source: SourceAPI})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	programs, err := h.heartbeats.List(heartbeat.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(programs) != 1 {
		t.Fatalf("heartbeat programs = %d", len(programs))
	}
	p := programs[0]
	if !p.Enabled || p.EveryMS != DefaultAutoHeartbeatEvery.Milliseconds() {
		t.Errorf("program = %+v", p)
	}
	if id, _ := p.Metadata["auto_run_job_id"].(string); id != run.JobID {
		t.Errorf("metadata = %+v", p.Metadata)
	}

	close(h.executor.release)
	h.registry.Wait()

	programs, err = h.heartbeats.List(heartbeat.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(programs) != 1 {
		t.Fatalf("heartbeat programs after run = %d", len(programs))
	}
	p = programs[0]
	if p.Enabled || p.EveryMS != 0 {
		t.Errorf("program should be disabled and manual-only: %+v", p)
	}
	if status, _ := p.Metadata["auto_disabled_from_status"].(string); status != StatusSucceeded {
		t.Errorf("disable metadata = %+v", p.Metadata)
	}

	lifecycle, err := h.events.List(event.Filter{Type: "run.auto_heartbeat.lifecycle", RunID: run.JobID})
	if err != nil {
		t.Fatal(err)
	}
	actions := make([]string, 0, len(lifecycle))
	for _, rec := range lifecycle {
		actions = append(actions, rec.Payload["action"].(string))
	}
	if len(actions) != 2 || actions[0] != "registered" || actions[1] != "disabled" {
		t.Errorf("lifecycle actions = %v", actions)
	}
}

func TestCommandRunsDoNotRegisterHeartbeat(t *testing.T) {
	h := newRunHarness(t)
	root := h.agentRoot(t)

	if _, err := h.registry.Start(StartRequest{RootIssueID: root.ID}); err != nil {
		t.Fatal(err)
	}
	h.registry.Wait()

	programs, err := h.heartbeats.List(heartbeat.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(programs) != 0 {
		t.Errorf("command-sourced run registered a heartbeat: %+v", programs)
	}
}

func TestListNewestFirst(t *testing.T) {
	h := newRunHarness(t)
	root := h.agentRoot(t)

	first, err := h.registry.Start(StartRequest{RootIssueID: root.ID})
	if err != nil {
		t.Fatal(err)
	}
	h.registry.Wait()
	h.clock.Set(h.clock.Now().Add(time.Second))

	second, err := h.registry.Start(StartRequest{RootIssueID: root.ID})
	if err != nil {
		t.Fatal(err)
	}
	h.registry.Wait()

	runs := h.registry.List()
	if len(runs) != 2 || runs[0].JobID != second.JobID || runs[1].JobID != first.JobID {
		t.Errorf("list order = %+v", runs)
	}
}
