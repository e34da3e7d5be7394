package dag

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/femtomc/mu-sub002/internal/fault"
)

// CommandExecutor runs each step as a child process. The step context
// arrives through environment variables; the user prompt is piped to
// stdin; stdout/stderr lines are teed to the step's JSONL log.
type CommandExecutor struct {
	Command string   // agent binary; empty makes every step fail cleanly
	Args    []string // fixed arguments before the system prompt
}

func (c *CommandExecutor) ExecuteStep(ctx context.Context, req StepRequest) (StepResult, error) {
	if c.Command == "" {
		return StepResult{ExitCode: 1}, fault.New(fault.Precondition, "executor_not_configured",
			"no agent command configured for step execution")
	}

	logFile, err := openTeeLog(req.LogPath)
	if err != nil {
		return StepResult{ExitCode: 1}, err
	}
	defer logFile.Close()

	args := append(append([]string(nil), c.Args...), req.SystemPrompt)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Env = append(os.Environ(),
		"MU_ROOT_ID="+req.RootID,
		"MU_ISSUE_ID="+req.IssueID,
		"MU_RUN_ID="+req.RunID,
		"MU_STEP="+strconv.Itoa(req.Step),
		"MU_ATTEMPT="+strconv.Itoa(req.Attempt),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return StepResult{ExitCode: 1}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StepResult{ExitCode: 1}, err
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return StepResult{ExitCode: 1}, fault.Wrap(fault.Transient, "executor_spawn_failed", err)
	}
	go func() {
		_, _ = stdin.Write([]byte(req.UserPrompt))
		stdin.Close()
	}()

	tee(stdout, logFile)
	err = cmd.Wait()
	elapsed := time.Since(start).Seconds()

	exit := 0
	if err != nil {
		exit = 1
		if ee, ok := err.(*exec.ExitError); ok {
			exit = ee.ExitCode()
			err = nil // a nonzero exit is a reported result, not an executor failure
		}
	}
	return StepResult{ExitCode: exit, ElapsedSeconds: elapsed}, err
}

func openTeeLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

type teeLine struct {
	TSMS int64  `json:"ts_ms"`
	Line string `json:"line"`
}

func tee(r io.Reader, f *os.File) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	w := bufio.NewWriter(f)
	defer w.Flush()
	enc := json.NewEncoder(w)
	for scanner.Scan() {
		_ = enc.Encode(teeLine{TSMS: time.Now().UnixMilli(), Line: scanner.Text()})
	}
}
