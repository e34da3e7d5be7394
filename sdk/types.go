package sdk

// Wire types mirror the daemon's JSON responses.

// HeartbeatProgram is one heartbeat schedule.
type HeartbeatProgram struct {
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

// CronSchedule is an at/every/cron schedule spec.
type CronSchedule struct {
	Kind     string `json:"kind"`
	AtMS     int64  `json:"at_ms,omitempty"`
	EveryMS  int64  `json:"every_ms,omitempty"`
	AnchorMS int64  `json:"anchor_ms,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"`
}

// CronProgram is one cron schedule.
type CronProgram struct {
	ProgramID         string         `json:"program_id"`
	Title             string         `json:"title"`
	Prompt            string         `json:"prompt,omitempty"`
	Enabled           bool           `json:"enabled"`
	Schedule          CronSchedule   `json:"schedule"`
	NextRunAtMS       int64          `json:"next_run_at_ms,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAtMS       int64          `json:"created_at_ms"`
	UpdatedAtMS       int64          `json:"updated_at_ms"`
	LastTriggeredAtMS int64          `json:"last_triggered_at_ms,omitempty"`
	LastResult        string         `json:"last_result,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
}

// ProgramPatch carries optional fields for create and update calls.
type ProgramPatch struct {
	Title    *string        `json:"title,omitempty"`
	Prompt   *string        `json:"prompt,omitempty"`
	EveryMS  *int64         `json:"every_ms,omitempty"`
	Schedule *CronSchedule  `json:"schedule,omitempty"`
	Reason   *string        `json:"reason,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TriggerResult is the trigger endpoint's response.
type TriggerResult struct {
	Result  string           `json:"result"`
	Program HeartbeatProgram `json:"program"`
}

// CronTriggerResult is the cron trigger endpoint's response.
type CronTriggerResult struct {
	Result  string      `json:"result"`
	Program CronProgram `json:"program"`
}

// Run is one DAG run.
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

// EventRecord is one telemetry log line.
type EventRecord struct {
	V       int            `json:"v"`
	TSMS    int64          `json:"ts_ms"`
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	IssueID string         `json:"issue_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventFilter selects events for List and Tail.
type EventFilter struct {
	Type     string
	IssueID  string
	RunID    string
	Contains string
	Limit    int
}

// Binding is one identity link.
type Binding struct {
	BindingID       string   `json:"binding_id"`
	OperatorID      string   `json:"operator_id,omitempty"`
	Channel         string   `json:"channel"`
	ChannelTenantID string   `json:"channel_tenant_id,omitempty"`
	ChannelActorID  string   `json:"channel_actor_id"`
	Scopes          []string `json:"scopes,omitempty"`
	Active          bool     `json:"active"`
	CreatedAtMS     int64    `json:"created_at_ms"`
	RevokedAtMS     int64    `json:"revoked_at_ms,omitempty"`
}

// OutboxEnvelope is one queued outbound message.
type OutboxEnvelope struct {
	OutboxID        string         `json:"outbox_id"`
	Channel         string         `json:"channel"`
	BindingID       string         `json:"binding_id,omitempty"`
	Kind            string         `json:"kind"`
	Body            map[string]any `json:"body,omitempty"`
	DedupeKey       string         `json:"dedupe_key"`
	State           string         `json:"state"`
	AttemptCount    int            `json:"attempt_count"`
	MaxAttempts     int            `json:"max_attempts"`
	NextAttemptAtMS int64          `json:"next_attempt_at_ms"`
	LastError       string         `json:"last_error,omitempty"`
	WakeID          string         `json:"wake_id,omitempty"`
}

// ChannelCapability is one row of the channels listing.
type ChannelCapability struct {
	Channel      string `json:"channel"`
	Route        string `json:"route"`
	Configured   bool   `json:"configured"`
	Active       bool   `json:"active"`
	Frontend     string `json:"frontend,omitempty"`
	Verification struct {
		Kind         string `json:"kind"`
		SecretHeader string `json:"secret_header"`
	} `json:"verification"`
}

// Status is the /api/status response.
type Status struct {
	RepoRoot     string         `json:"repo_root"`
	ControlPlane map[string]any `json:"control_plane"`
	NTP          map[string]any `json:"ntp,omitempty"`
}

// Config mirrors the server config document.
type Config struct {
	ControlPlane struct {
		Operator struct {
			WakeTurnMode string `json:"wake_turn_mode"`
		} `json:"operator"`
		AutoRunHeartbeatEveryMS int64          `json:"auto_run_heartbeat_every_ms,omitempty"`
		Channels                map[string]any `json:"channels,omitempty"`
	} `json:"control_plane"`
}

// ConfigPatch patches the server config.
type ConfigPatch struct {
	WakeTurnMode            *string        `json:"wake_turn_mode,omitempty"`
	AutoRunHeartbeatEveryMS *int64         `json:"auto_run_heartbeat_every_ms,omitempty"`
	Channels                map[string]any `json:"channels,omitempty"`
}

// GenerationInfo reports a reload or rollback.
type GenerationInfo struct {
	Outcome string `json:"outcome"`
	From    int    `json:"from"`
	To      int    `json:"to"`
	Active  int    `json:"active"`
}
