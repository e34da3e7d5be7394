// Package dag drives one run over an issue subtree: unstick, select a
// ready leaf, claim it, hand it to the executor, enforce postconditions,
// and re-orchestrate failures until the root closes or steps run out.
package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/forum"
	"github.com/femtomc/mu-sub002/internal/issue"
	"github.com/femtomc/mu-sub002/internal/store/jsonl"
)

// DefaultMaxSteps bounds a run when the caller does not say otherwise.
const DefaultMaxSteps = 20

// maxAttempts is the per-issue circuit breaker. Counters are process-local;
// a restart resets them.
const maxAttempts = 3

// AgentTag selects leaves the executor can work on.
const AgentTag = "node:agent"

// StepRequest is one executor invocation.
type StepRequest struct {
	RootID       string
	IssueID      string
	RunID        string
	Step         int
	Attempt      int
	SystemPrompt string
	UserPrompt   string
	LogPath      string
}

// StepResult is what the executor reports back.
type StepResult struct {
	ExitCode       int
	ElapsedSeconds float64
}

// Executor runs one agent step against an issue. The runner imposes no
// per-step timeout; the executor signals exhaustion through the exit code.
type Executor interface {
	ExecuteStep(ctx context.Context, req StepRequest) (StepResult, error)
}

// Outcome kinds for a finished run.
const (
	RunRootFinal   = "root_final"
	RunMaxSteps    = "max_steps_exhausted"
	RunInterrupted = "interrupted"
	RunError       = "error"
)

// Result summarizes a finished run.
type Result struct {
	Kind    string
	Steps   int
	Message string
}

// Runner executes runs. Safe for concurrent runs over different roots;
// attempt counters are shared process-wide.
type Runner struct {
	Issues   *issue.Store
	Forum    *forum.Log
	Events   *event.Log
	Clock    clock.Clock
	Executor Executor
	RepoRoot string
	Model    string // advertised in the run context block

	mu       sync.Mutex
	attempts map[string]int
}

func (r *Runner) attempt(issueID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[issueID]
}

func (r *Runner) bumpAttempt(issueID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == nil {
		r.attempts = make(map[string]int)
	}
	r.attempts[issueID]++
	return r.attempts[issueID]
}

// Run drives the loop for one root. Interrupted is polled at the top of
// every step; nil means never interrupted.
func (r *Runner) Run(ctx context.Context, rootID, runID string, maxSteps int, interrupted func() bool) (result Result, err error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	meta := event.Meta{Source: "dag", IssueID: rootID, RunID: runID}
	r.Events.Emit("dag.run.start", meta, map[string]any{
		"root_id":   rootID,
		"max_steps": maxSteps,
	})
	defer func() {
		if p := recover(); p != nil {
			result = Result{Kind: RunError, Message: fmt.Sprint(p)}
			err = fmt.Errorf("dag run panicked: %v", p)
		}
		r.Events.Emit("dag.run.end", meta, map[string]any{
			"root_id": rootID,
			"outcome": result.Kind,
			"steps":   result.Steps,
			"message": result.Message,
		})
	}()

	for step := 1; step <= maxSteps; step++ {
		if interrupted != nil && interrupted() {
			return Result{Kind: RunInterrupted, Steps: step - 1}, nil
		}
		if err := ctx.Err(); err != nil {
			return Result{Kind: RunInterrupted, Steps: step - 1, Message: err.Error()}, nil
		}

		reopened, err := r.unstick(rootID, runID)
		if err != nil {
			return Result{Kind: RunError, Steps: step, Message: err.Error()}, err
		}
		if reopened {
			continue
		}

		final, err := r.Issues.Validate(rootID)
		if err != nil {
			return Result{Kind: RunError, Steps: step, Message: err.Error()}, err
		}
		if final {
			return Result{Kind: RunRootFinal, Steps: step}, nil
		}

		ready, err := r.Issues.Ready(rootID, []string{AgentTag})
		if err != nil {
			return Result{Kind: RunError, Steps: step, Message: err.Error()}, err
		}
		if len(ready) == 0 {
			if err := r.repairPass(ctx, rootID, runID, step); err != nil {
				return Result{Kind: RunError, Steps: step, Message: err.Error()}, err
			}
			continue
		}

		if err := r.executeLeaf(ctx, rootID, runID, ready[0].ID, step); err != nil {
			return Result{Kind: RunError, Steps: step, Message: err.Error()}, err
		}
	}
	return Result{Kind: RunMaxSteps, Steps: maxSteps}, nil
}

// unstick reopens at most one stuck closed issue per step.
func (r *Runner) unstick(rootID, runID string) (bool, error) {
	candidates, err := r.Issues.UnstickCandidates(rootID)
	if err != nil {
		return false, err
	}
	var eligible []issue.Issue
	for _, c := range candidates {
		if r.attempt(c.ID) >= maxAttempts {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return false, nil
	}
	sort.Slice(eligible, func(a, b int) bool { return eligible[a].Priority < eligible[b].Priority })
	target := eligible[0]

	prior := target.Outcome
	if _, err := r.Issues.Reopen(target.ID); err != nil {
		return false, err
	}
	if _, err := r.Forum.Post(forum.IssueTopic(target.ID), "orchestrator",
		fmt.Sprintf("reorchestrate: reopened after outcome=%s (attempt %d)", prior, r.attempt(target.ID))); err != nil {
		return false, err
	}
	r.Events.Emit("dag.unstick.reopen", event.Meta{Source: "dag", IssueID: target.ID, RunID: runID}, map[string]any{
		"root_id":       rootID,
		"prior_outcome": prior,
		"attempt":       r.attempt(target.ID),
	})
	return true, nil
}

// repairPass runs one orchestration step against a synthetic issue when the
// graph has an open root but no ready agent leaves.
func (r *Runner) repairPass(ctx context.Context, rootID, runID string, step int) error {
	subtree, err := r.Issues.Subtree(rootID)
	if err != nil {
		return err
	}
	diag := fmt.Sprintf("Repair stuck DAG: root %s has no ready %s leaves.\n\nSubtree:\n", rootID, AgentTag)
	for _, i := range subtree {
		diag += fmt.Sprintf("- %s [%s", i.ID, i.Status)
		if i.Outcome != "" {
			diag += "/" + i.Outcome
		}
		diag += "] " + i.Title + "\n"
	}
	repair, err := r.Issues.Create(issue.CreateRequest{
		Title:    fmt.Sprintf("Repair stuck DAG: %s", rootID),
		Body:     diag,
		Tags:     []string{"role:orchestrator"},
		Deps:     []issue.Dep{{Type: issue.DepParent, Target: rootID}},
		Priority: 1,
	})
	if err != nil {
		return err
	}
	attempt := r.bumpAttempt(repair.ID)
	res, execErr := r.executeStep(ctx, rootID, runID, repair, step, attempt, "unstick")
	r.postStepRecord(rootID, runID, repair.ID, step, attempt, res, execErr)
	return nil
}

// executeLeaf performs steps 3..7 of the loop for one ready leaf.
func (r *Runner) executeLeaf(ctx context.Context, rootID, runID, issueID string, step int) error {
	claimed, err := r.Issues.Claim(issueID)
	if err != nil {
		return err
	}
	attempt := r.bumpAttempt(issueID)
	r.Events.Emit("dag.claim", event.Meta{Source: "dag", IssueID: issueID, RunID: runID}, map[string]any{
		"root_id": rootID,
		"step":    step,
		"attempt": attempt,
	})

	suffix := ""
	if attempt > 1 {
		suffix = fmt.Sprintf("attempt-%d", attempt)
	}
	res, execErr := r.executeStep(ctx, rootID, runID, claimed, step, attempt, suffix)

	// Postconditions: the executor is expected to close the issue itself.
	reloaded, err := r.Issues.Get(issueID)
	if err != nil {
		return err
	}
	if reloaded.Status != issue.StatusClosed {
		if _, err := r.Issues.Close(issueID, issue.OutcomeFailure); err != nil {
			return err
		}
		reloaded.Status = issue.StatusClosed
		reloaded.Outcome = issue.OutcomeFailure
		r.Events.Emit("dag.step.force_close", event.Meta{Source: "dag", IssueID: issueID, RunID: runID}, map[string]any{
			"root_id": rootID,
			"step":    step,
		})
	}

	r.postStepRecord(rootID, runID, issueID, step, attempt, res, execErr)

	if reloaded.Outcome == issue.OutcomeFailure || reloaded.Outcome == issue.OutcomeNeedsWork {
		if attempt >= maxAttempts {
			r.Events.Emit("dag.circuit_breaker", event.Meta{Source: "dag", IssueID: issueID, RunID: runID}, map[string]any{
				"root_id":  rootID,
				"attempts": attempt,
				"outcome":  reloaded.Outcome,
			})
		}
		// Under the cap the next iteration's unstick pass reopens it.
	}
	return nil
}

func (r *Runner) executeStep(ctx context.Context, rootID, runID string, iss issue.Issue, step, attempt int, logSuffix string) (StepResult, error) {
	meta := event.Meta{Source: "dag", IssueID: iss.ID, RunID: runID}
	r.Events.Emit("dag.step.start", meta, map[string]any{
		"root_id": rootID,
		"step":    step,
		"attempt": attempt,
	})

	req := StepRequest{
		RootID:       rootID,
		IssueID:      iss.ID,
		RunID:        runID,
		Step:         step,
		Attempt:      attempt,
		SystemPrompt: systemPrompt(iss),
		UserPrompt:   r.userPrompt(rootID, runID, iss, step, attempt),
		LogPath:      r.logPath(rootID, iss.ID, logSuffix),
	}
	r.Events.Emit("backend.run.start", meta, map[string]any{"log_path": req.LogPath})
	start := r.Clock.Now()
	res, err := r.Executor.ExecuteStep(ctx, req)
	if res.ElapsedSeconds == 0 {
		res.ElapsedSeconds = r.Clock.Now().Sub(start).Seconds()
	}
	payload := map[string]any{
		"exit_code":       res.ExitCode,
		"elapsed_seconds": res.ElapsedSeconds,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.Events.Emit("backend.run.end", meta, payload)
	return res, err
}

// postStepRecord writes the JSON step record to the issue's forum thread
// and emits dag.step.end.
func (r *Runner) postStepRecord(rootID, runID, issueID string, step, attempt int, res StepResult, execErr error) {
	record := map[string]any{
		"root_id":         rootID,
		"issue_id":        issueID,
		"run_id":          runID,
		"step":            step,
		"attempt":         attempt,
		"exit_code":       res.ExitCode,
		"elapsed_seconds": res.ElapsedSeconds,
	}
	if execErr != nil {
		record["error"] = execErr.Error()
	}
	body, _ := json.Marshal(record)
	if _, err := r.Forum.Post(forum.IssueTopic(issueID), "runner", string(body)); err != nil {
		r.Events.Emit("dag.step.forum_error", event.Meta{Source: "dag", IssueID: issueID, RunID: runID}, map[string]any{
			"error": err.Error(),
		})
	}
	r.Events.Emit("dag.step.end", event.Meta{Source: "dag", IssueID: issueID, RunID: runID}, record)
}

func (r *Runner) logPath(rootID, issueID, suffix string) string {
	name := issueID
	if suffix != "" {
		name += "." + suffix
	}
	return filepath.Join(jsonl.Path(r.RepoRoot, "logs", rootID), name+".jsonl")
}

func systemPrompt(iss issue.Issue) string {
	if iss.HasTag("role:orchestrator") {
		return "You are the orchestrator. Inspect the issue graph, repair structure, and close or expand issues so agent leaves become ready."
	}
	return "You are an agent working one issue. Complete the task it describes, then close the issue with an outcome."
}

func (r *Runner) userPrompt(rootID, runID string, iss issue.Issue, step, attempt int) string {
	model := r.Model
	if model == "" {
		model = "default"
	}
	prompt := iss.Title
	if iss.Body != "" {
		prompt += "\n\n" + iss.Body
	}
	prompt += fmt.Sprintf("\n\n--- Mu Run Context ---\nroot: %s\nissue: %s\nstep: %d\nrun_id: %s\nmodel: %s\nnow: %s\n",
		rootID, iss.ID, step, runID, model, r.Clock.Now().UTC().Format(time.RFC3339))
	if attempt > 1 {
		prompt += fmt.Sprintf("attempt: %d\nPrior attempts failed; read forum topic %s for the step records before retrying.\n",
			attempt, forum.IssueTopic(iss.ID))
	}
	return prompt
}
