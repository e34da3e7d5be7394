package dag

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/femtomc/mu-sub002/internal/adapter/fake"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/forum"
	"github.com/femtomc/mu-sub002/internal/issue"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls []StepRequest
	fn    func(req StepRequest) (StepResult, error)
}

func (e *stubExecutor) ExecuteStep(_ context.Context, req StepRequest) (StepResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.mu.Unlock()
	if e.fn == nil {
		return StepResult{}, nil
	}
	return e.fn(req)
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type runnerHarness struct {
	runner   *Runner
	issues   *issue.Store
	forum    *forum.Log
	events   *event.Log
	executor *stubExecutor
}

func newRunnerHarness(t *testing.T) *runnerHarness {
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
	executor := &stubExecutor{}
	r := &Runner{
		Issues:   issues,
		Forum:    posts,
		Events:   log,
		Clock:    clk,
		Executor: executor,
		RepoRoot: dir,
	}
	return &runnerHarness{runner: r, issues: issues, forum: posts, events: log, executor: executor}
}

func (h *runnerHarness) agentRoot(t *testing.T, title string) issue.Issue {
	t.Helper()
	root, err := h.issues.Create(issue.CreateRequest{Title: title, Tags: []string{AgentTag}})
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRunFinishesWhenExecutorClosesRoot(t *testing.T) {
	h := newRunnerHarness(t)
	root := h.agentRoot(t, "ship feature")
	h.executor.fn = func(req StepRequest) (StepResult, error) {
		if _, err := h.issues.Close(req.IssueID, issue.OutcomeSuccess); err != nil {
			t.Fatal(err)
		}
		return StepResult{ExitCode: 0, ElapsedSeconds: 1.5}, nil
	}

	res, err := h.runner.Run(context.Background(), root.ID, "run-1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != RunRootFinal {
		t.Fatalf("result = %+v", res)
	}
	if h.executor.callCount() != 1 {
		t.Errorf("executor called %d times", h.executor.callCount())
	}

	// The step record lands on the issue's forum thread as JSON.
	posts, err := h.forum.List(forum.IssueTopic(root.ID))
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 {
		t.Fatalf("forum posts = %d", len(posts))
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(posts[0].Body), &record); err != nil {
		t.Fatalf("step record is not JSON: %v", err)
	}
	if record["issue_id"] != root.ID || record["exit_code"].(float64) != 0 {
		t.Errorf("step record = %+v", record)
	}

	ends, err := h.events.List(event.Filter{Type: "dag.run.end", RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ends) != 1 || ends[0].Payload["outcome"] != RunRootFinal {
		t.Errorf("run end events = %+v", ends)
	}
}

func TestOpenIssueAfterStepIsForceClosed(t *testing.T) {
	h := newRunnerHarness(t)
	root := h.agentRoot(t, "flaky step")
	// The executor neither closes the issue nor errors.

	res, err := h.runner.Run(context.Background(), root.ID, "run-1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != RunMaxSteps || res.Steps != 1 {
		t.Fatalf("result = %+v", res)
	}

	got, err := h.issues.Get(root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != issue.StatusClosed || got.Outcome != issue.OutcomeFailure {
		t.Errorf("issue after force close = %+v", got)
	}
	forced, err := h.events.List(event.Filter{Type: "dag.step.force_close"})
	if err != nil {
		t.Fatal(err)
	}
	if len(forced) != 1 {
		t.Errorf("force_close events = %d", len(forced))
	}
}

func TestFailingIssueTripsCircuitBreaker(t *testing.T) {
	h := newRunnerHarness(t)
	root := h.agentRoot(t, "doomed")
	h.executor.fn = func(req StepRequest) (StepResult, error) {
		if _, err := h.issues.Close(req.IssueID, issue.OutcomeFailure); err != nil {
			t.Fatal(err)
		}
		return StepResult{ExitCode: 1}, nil
	}

	res, err := h.runner.Run(context.Background(), root.ID, "run-1", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Three attempts, two unstick reopens between them, then the breaker
	// holds the issue closed and the root reads final.
	if res.Kind != RunRootFinal {
		t.Fatalf("result = %+v", res)
	}
	if h.executor.callCount() != 3 {
		t.Errorf("executor called %d times, want 3", h.executor.callCount())
	}

	breaker, err := h.events.List(event.Filter{Type: "dag.circuit_breaker", IssueID: root.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(breaker) != 1 || breaker[0].Payload["attempts"].(float64) != 3 {
		t.Errorf("circuit breaker events = %+v", breaker)
	}

	got, err := h.issues.Get(root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != issue.StatusClosed || got.Outcome != issue.OutcomeFailure {
		t.Errorf("issue = %+v", got)
	}

	// Reopens leave the re-orchestration trail on the forum.
	posts, err := h.forum.List(forum.IssueTopic(root.ID))
	if err != nil {
		t.Fatal(err)
	}
	reopens := 0
	for _, p := range posts {
		if strings.HasPrefix(p.Body, "reorchestrate:") {
			reopens++
		}
	}
	if reopens != 2 {
		t.Errorf("reorchestrate posts = %d, want 2", reopens)
	}
}

func TestRepairPassWhenNoReadyLeaves(t *testing.T) {
	h := newRunnerHarness(t)
	// The root carries no agent tag, so nothing is ready for the executor.
	root, err := h.issues.Create(issue.CreateRequest{Title: "orphan root"})
	if err != nil {
		t.Fatal(err)
	}
	h.executor.fn = func(req StepRequest) (StepResult, error) {
		// The orchestrator wraps up the whole graph.
		if _, err := h.issues.Close(req.IssueID, issue.OutcomeSuccess); err != nil {
			t.Fatal(err)
		}
		if _, err := h.issues.Close(root.ID, issue.OutcomeSuccess); err != nil {
			t.Fatal(err)
		}
		return StepResult{}, nil
	}

	res, err := h.runner.Run(context.Background(), root.ID, "run-1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != RunRootFinal {
		t.Fatalf("result = %+v", res)
	}

	call := h.executor.calls[0]
	repair, err := h.issues.Get(call.IssueID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(repair.Title, "Repair stuck DAG") || !repair.HasTag("role:orchestrator") {
		t.Errorf("repair issue = %+v", repair)
	}
	if repair.ParentID() != root.ID {
		t.Errorf("repair parent = %q, want %s", repair.ParentID(), root.ID)
	}
	if !strings.Contains(call.SystemPrompt, "orchestrator") {
		t.Errorf("system prompt = %q", call.SystemPrompt)
	}
}

func TestInterruptStopsBetweenSteps(t *testing.T) {
	h := newRunnerHarness(t)
	root := h.agentRoot(t, "long haul")

	polls := 0
	interrupted := func() bool {
		polls++
		return polls > 1
	}
	res, err := h.runner.Run(context.Background(), root.ID, "run-1", 5, interrupted)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != RunInterrupted || res.Steps != 1 {
		t.Errorf("result = %+v", res)
	}
	if h.executor.callCount() != 1 {
		t.Errorf("executor called %d times", h.executor.callCount())
	}
}

func TestCancelledContextInterrupts(t *testing.T) {
	h := newRunnerHarness(t)
	root := h.agentRoot(t, "cancelled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.runner.Run(ctx, root.ID, "run-1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != RunInterrupted || res.Steps != 0 {
		t.Errorf("result = %+v", res)
	}
	if h.executor.callCount() != 0 {
		t.Errorf("executor ran after cancellation")
	}
}

func TestRetryPromptCarriesAttemptContext(t *testing.T) {
	h := newRunnerHarness(t)
	root := h.agentRoot(t, "retry me")
	h.executor.fn = func(req StepRequest) (StepResult, error) {
		if req.Attempt >= 2 {
			if _, err := h.issues.Close(req.IssueID, issue.OutcomeSuccess); err != nil {
				t.Fatal(err)
			}
			return StepResult{}, nil
		}
		if _, err := h.issues.Close(req.IssueID, issue.OutcomeNeedsWork); err != nil {
			t.Fatal(err)
		}
		return StepResult{ExitCode: 1}, nil
	}

	res, err := h.runner.Run(context.Background(), root.ID, "run-1", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != RunRootFinal {
		t.Fatalf("result = %+v", res)
	}
	if h.executor.callCount() != 2 {
		t.Fatalf("executor called %d times", h.executor.callCount())
	}
	second := h.executor.calls[1]
	if second.Attempt != 2 {
		t.Errorf("second attempt = %d", second.Attempt)
	}
	if !strings.Contains(second.UserPrompt, "Prior attempts failed") {
		t.Errorf("retry prompt missing attempt context:\n%s", second.UserPrompt)
	}
	if !strings.Contains(second.LogPath, "attempt-2") {
		t.Errorf("log path = %q", second.LogPath)
	}
}
