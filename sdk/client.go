package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
)

// Discover resolves the daemon URL from the repo root's server.json.
func Discover(repoRoot string) (string, error) {
	path := filepath.Join(repoRoot, ".mu", "control-plane", "server.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("no running daemon for %s (start one with `mud`): %w", repoRoot, err)
	}
	var disc struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &disc); err != nil || disc.URL == "" {
		return "", fmt.Errorf("malformed server.json at %s", path)
	}
	return disc.URL, nil
}

// Healthz checks daemon liveness.
func (c *Client) Healthz(ctx context.Context) error {
	var out string
	return c.get(ctx, "/healthz", &out)
}

// Status returns the daemon status document.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.get(ctx, "/api/status", &out)
	return out, err
}

// Config reads the server config.
func (c *Client) Config(ctx context.Context) (Config, error) {
	var out Config
	err := c.get(ctx, "/api/config", &out)
	return out, err
}

// PatchConfig applies a config patch and returns the updated document.
func (c *Client) PatchConfig(ctx context.Context, patch ConfigPatch) (Config, error) {
	var out Config
	err := c.post(ctx, "/api/config", patch, &out)
	return out, err
}

// Channels lists channel capabilities.
func (c *Client) Channels(ctx context.Context) ([]ChannelCapability, error) {
	var out struct {
		Channels []ChannelCapability `json:"channels"`
	}
	err := c.get(ctx, "/api/control-plane/channels", &out)
	return out.Channels, err
}

// Reload swaps in a new adapter generation.
func (c *Client) Reload(ctx context.Context) (GenerationInfo, error) {
	var out struct {
		Generation GenerationInfo `json:"generation"`
	}
	err := c.post(ctx, "/api/control-plane/reload", nil, &out)
	return out.Generation, err
}

// Rollback restores the previous adapter generation.
func (c *Client) Rollback(ctx context.Context) (GenerationInfo, error) {
	var out struct {
		Generation GenerationInfo `json:"generation"`
	}
	err := c.post(ctx, "/api/control-plane/rollback", nil, &out)
	return out.Generation, err
}

// Heartbeats lists heartbeat programs.
func (c *Client) Heartbeats(ctx context.Context) ([]HeartbeatProgram, error) {
	var out struct {
		Programs []HeartbeatProgram `json:"programs"`
	}
	err := c.get(ctx, "/api/heartbeats", &out)
	return out.Programs, err
}

// CreateHeartbeat creates a heartbeat program.
func (c *Client) CreateHeartbeat(ctx context.Context, patch ProgramPatch) (HeartbeatProgram, error) {
	var out HeartbeatProgram
	err := c.post(ctx, "/api/heartbeats", patch, &out)
	return out, err
}

// Heartbeat fetches one program.
func (c *Client) Heartbeat(ctx context.Context, id string) (HeartbeatProgram, error) {
	var out HeartbeatProgram
	err := c.get(ctx, "/api/heartbeats/"+url.PathEscape(id), &out)
	return out, err
}

// UpdateHeartbeat patches one program.
func (c *Client) UpdateHeartbeat(ctx context.Context, id string, patch ProgramPatch) (HeartbeatProgram, error) {
	var out HeartbeatProgram
	err := c.post(ctx, "/api/heartbeats/"+url.PathEscape(id), patch, &out)
	return out, err
}

// RemoveHeartbeat deletes one program.
func (c *Client) RemoveHeartbeat(ctx context.Context, id string) error {
	return c.delete(ctx, "/api/heartbeats/"+url.PathEscape(id), nil)
}

// TriggerHeartbeat fires one program immediately.
func (c *Client) TriggerHeartbeat(ctx context.Context, id, reason string) (TriggerResult, error) {
	var out TriggerResult
	body := map[string]string{"reason": reason}
	err := c.post(ctx, "/api/heartbeats/"+url.PathEscape(id)+"/trigger", body, &out)
	return out, err
}

// EnableHeartbeat flips a program on or off.
func (c *Client) EnableHeartbeat(ctx context.Context, id string, enabled bool) (HeartbeatProgram, error) {
	action := "enable"
	if !enabled {
		action = "disable"
	}
	var out HeartbeatProgram
	err := c.post(ctx, "/api/heartbeats/"+url.PathEscape(id)+"/"+action, nil, &out)
	return out, err
}

// CronPrograms lists cron programs.
func (c *Client) CronPrograms(ctx context.Context) ([]CronProgram, error) {
	var out struct {
		Programs []CronProgram `json:"programs"`
	}
	err := c.get(ctx, "/api/cron", &out)
	return out.Programs, err
}

// CreateCron creates a cron program.
func (c *Client) CreateCron(ctx context.Context, patch ProgramPatch) (CronProgram, error) {
	var out CronProgram
	err := c.post(ctx, "/api/cron", patch, &out)
	return out, err
}

// Cron fetches one cron program.
func (c *Client) Cron(ctx context.Context, id string) (CronProgram, error) {
	var out CronProgram
	err := c.get(ctx, "/api/cron/"+url.PathEscape(id), &out)
	return out, err
}

// UpdateCron patches one cron program.
func (c *Client) UpdateCron(ctx context.Context, id string, patch ProgramPatch) (CronProgram, error) {
	var out CronProgram
	err := c.post(ctx, "/api/cron/"+url.PathEscape(id), patch, &out)
	return out, err
}

// RemoveCron deletes one cron program.
func (c *Client) RemoveCron(ctx context.Context, id string) error {
	return c.delete(ctx, "/api/cron/"+url.PathEscape(id), nil)
}

// TriggerCron fires one cron program immediately.
func (c *Client) TriggerCron(ctx context.Context, id, reason string) (CronTriggerResult, error) {
	var out CronTriggerResult
	body := map[string]string{"reason": reason}
	err := c.post(ctx, "/api/cron/"+url.PathEscape(id)+"/trigger", body, &out)
	return out, err
}

// EnableCron flips a cron program on or off.
func (c *Client) EnableCron(ctx context.Context, id string, enabled bool) (CronProgram, error) {
	action := "enable"
	if !enabled {
		action = "disable"
	}
	var out CronProgram
	err := c.post(ctx, "/api/cron/"+url.PathEscape(id)+"/"+action, nil, &out)
	return out, err
}

// StartRun starts a DAG run.
func (c *Client) StartRun(ctx context.Context, rootIssueID string, maxSteps int, prompt string) (Run, error) {
	var out Run
	body := map[string]any{"root_issue_id": rootIssueID, "max_steps": maxSteps, "prompt": prompt}
	err := c.post(ctx, "/api/control-plane/runs/start", body, &out)
	return out, err
}

// ResumeRun resumes a DAG run against a root issue.
func (c *Client) ResumeRun(ctx context.Context, rootIssueID string, maxSteps int) (Run, error) {
	var out Run
	body := map[string]any{"root_issue_id": rootIssueID, "max_steps": maxSteps}
	err := c.post(ctx, "/api/control-plane/runs/resume", body, &out)
	return out, err
}

// InterruptRun flags a run for interruption.
func (c *Client) InterruptRun(ctx context.Context, jobID string) (Run, error) {
	var out Run
	err := c.post(ctx, "/api/control-plane/runs/interrupt", map[string]string{"job_id": jobID}, &out)
	return out, err
}

// Runs lists runs, newest first.
func (c *Client) Runs(ctx context.Context) ([]Run, error) {
	var out struct {
		Runs []Run `json:"runs"`
	}
	err := c.get(ctx, "/api/control-plane/runs", &out)
	return out.Runs, err
}

// Run fetches one run.
func (c *Client) Run(ctx context.Context, jobID string) (Run, error) {
	var out Run
	err := c.get(ctx, "/api/control-plane/runs/"+url.PathEscape(jobID), &out)
	return out, err
}

// RunTrace fetches the event trail for a run.
func (c *Client) RunTrace(ctx context.Context, jobID string, limit int) ([]EventRecord, error) {
	var out struct {
		Events []EventRecord `json:"events"`
	}
	path := "/api/control-plane/runs/" + url.PathEscape(jobID) + "/trace"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.get(ctx, path, &out)
	return out.Events, err
}

func eventQuery(filter EventFilter) string {
	q := url.Values{}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	if filter.IssueID != "" {
		q.Set("issue_id", filter.IssueID)
	}
	if filter.RunID != "" {
		q.Set("run_id", filter.RunID)
	}
	if filter.Contains != "" {
		q.Set("contains", filter.Contains)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Events lists telemetry records.
func (c *Client) Events(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	var out struct {
		Events []EventRecord `json:"events"`
	}
	err := c.get(ctx, "/api/events"+eventQuery(filter), &out)
	return out.Events, err
}

// TailEvents returns the last n matching records.
func (c *Client) TailEvents(ctx context.Context, filter EventFilter, n int) ([]EventRecord, error) {
	var out struct {
		Events []EventRecord `json:"events"`
	}
	q := eventQuery(filter)
	if n > 0 {
		if q == "" {
			q = "?n=" + strconv.Itoa(n)
		} else {
			q += "&n=" + strconv.Itoa(n)
		}
	}
	err := c.get(ctx, "/api/events/tail"+q, &out)
	return out.Events, err
}

// Outbox lists outbox envelopes.
func (c *Client) Outbox(ctx context.Context, state, channel string, limit int) ([]OutboxEnvelope, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if channel != "" {
		q.Set("channel", channel)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/control-plane/outbox"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Envelopes []OutboxEnvelope `json:"envelopes"`
	}
	err := c.get(ctx, path, &out)
	return out.Envelopes, err
}

// Identities lists identity bindings.
func (c *Client) Identities(ctx context.Context, channel string) ([]Binding, error) {
	path := "/api/control-plane/identities"
	if channel != "" {
		path += "?channel=" + url.QueryEscape(channel)
	}
	var out struct {
		Bindings []Binding `json:"bindings"`
	}
	err := c.get(ctx, path, &out)
	return out.Bindings, err
}

// LinkIdentity creates an identity binding.
func (c *Client) LinkIdentity(ctx context.Context, b Binding) (Binding, error) {
	var out Binding
	err := c.post(ctx, "/api/control-plane/identities", b, &out)
	return out, err
}

// RevokeIdentity revokes a binding.
func (c *Client) RevokeIdentity(ctx context.Context, bindingID string) (Binding, error) {
	var out Binding
	err := c.post(ctx, "/api/control-plane/identities/"+url.PathEscape(bindingID)+"/revoke", nil, &out)
	return out, err
}
