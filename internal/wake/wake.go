// Package wake implements the wake orchestrator: the single funnel through
// which heartbeat and cron program ticks become autonomous turns or
// notification fan-outs.
package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/ids"
)

// Source identifies which registry produced a wake.
type Source string

const (
	SourceHeartbeat Source = "heartbeat_program"
	SourceCron      Source = "cron_program"
)

// Event is one transient wake produced by a program tick.
type Event struct {
	WakeID        string // assigned by the orchestrator
	DedupeKey     string // assigned by the orchestrator: "<source>:<program_id>"
	Source        Source
	ProgramID     string
	Title         string
	Prompt        string
	Reason        string
	Metadata      map[string]any
	TriggeredAtMS int64
	Program       map[string]any // full program snapshot for telemetry
}

// DispatchStatus summarizes a wake for the calling registry.
type DispatchStatus string

const (
	StatusOK        DispatchStatus = "ok"
	StatusCoalesced DispatchStatus = "coalesced"
	StatusFailed    DispatchStatus = "failed"
)

// DispatchResult is returned to the registry, which maps it onto the
// scheduler result (ok→ran, coalesced→skipped, failed→failed).
type DispatchResult struct {
	Status DispatchStatus
	Reason string
}

// TurnMode selects what a wake does.
type TurnMode string

const (
	ModePassive TurnMode = "passive"
	ModeActive  TurnMode = "active"
)

// TurnRequest is a command submission to the pipeline seam.
type TurnRequest struct {
	RequestID   string
	CommandText string
	RepoRoot    string
	Correlation map[string]any
}

// TurnResult is the pipeline's answer.
type TurnResult struct {
	Kind      string // completed | operator_response | rejected | deferred
	Message   string
	CommandID string
}

// TurnSubmitter is the command pipeline seam the orchestrator talks to.
type TurnSubmitter interface {
	SubmitTerminalCommand(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// FanoutDecision is the per-binding outcome of the notify fan-out.
type FanoutDecision struct {
	State           string // queued | duplicate | skipped
	ReasonCode      string
	Channel         string
	BindingID       string
	OutboxID        string
	OutboxDedupeKey string
}

// Notifier fans a wake out to linked identities through the outbox.
type Notifier interface {
	FanOut(ctx context.Context, ev Event, meta map[string]any) []FanoutDecision
}

// Decision is the recorded outcome of one wake.
type Decision struct {
	WakeID         string
	DedupeKey      string
	Mode           TurnMode
	Outcome        string // triggered | coalesced | fallback | skipped
	Reason         string
	TurnRequestID  string
	TurnResultKind string
}

// DefaultCoalesceWindow is 60s: repeated program ticks inside it collapse
// to a single wake effect.
const DefaultCoalesceWindow = time.Minute

// Orchestrator deduplicates wakes, decides passive vs active, submits
// autonomous turns, and hands notifications to the outbox fan-out.
type Orchestrator struct {
	Clock          clock.Clock
	Events         *event.Log
	RepoRoot       string
	Mode           func() TurnMode // config provider; nil means passive
	Submitter      TurnSubmitter   // nil means the control plane is unavailable
	Notifier       Notifier        // nil disables fan-out
	CoalesceWindow time.Duration   // 0 means DefaultCoalesceWindow

	mu       sync.Mutex
	lastWake map[string]time.Time
}

func (o *Orchestrator) window() time.Duration {
	if o.CoalesceWindow > 0 {
		return o.CoalesceWindow
	}
	return DefaultCoalesceWindow
}

func (o *Orchestrator) mode() TurnMode {
	if o.Mode == nil {
		return ModePassive
	}
	if m := o.Mode(); m == ModeActive {
		return ModeActive
	}
	return ModePassive
}

// DispatchWake processes one wake from a registry tick. At most one active
// turn is submitted per dedupe key per coalesce window, no matter how many
// ticks arrive.
func (o *Orchestrator) DispatchWake(ctx context.Context, ev Event) DispatchResult {
	ev.WakeID = ids.Hex(16)
	ev.DedupeKey = fmt.Sprintf("%s:%s", ev.Source, ev.ProgramID)
	now := o.Clock.Now()
	if ev.TriggeredAtMS == 0 {
		ev.TriggeredAtMS = clock.MS(now)
	}

	o.mu.Lock()
	if o.lastWake == nil {
		o.lastWake = make(map[string]time.Time)
	}
	if last, ok := o.lastWake[ev.DedupeKey]; ok && now.Sub(last) < o.window() {
		o.mu.Unlock()
		return DispatchResult{Status: StatusCoalesced, Reason: "coalesced"}
	}
	o.lastWake[ev.DedupeKey] = now
	o.mu.Unlock()

	mode := o.mode()
	decision := Decision{WakeID: ev.WakeID, DedupeKey: ev.DedupeKey, Mode: mode}

	var result DispatchResult
	notify := false
	switch {
	case mode == ModeActive && o.Submitter != nil:
		req := TurnRequest{
			RequestID:   "wake-turn-" + ev.WakeID,
			CommandText: turnCommandText(ev),
			RepoRoot:    o.RepoRoot,
			Correlation: map[string]any{
				"wake_id":    ev.WakeID,
				"dedupe_key": ev.DedupeKey,
				"program_id": ev.ProgramID,
			},
		}
		decision.TurnRequestID = req.RequestID
		turn, err := o.Submitter.SubmitTerminalCommand(ctx, req)
		if err != nil {
			decision.Outcome = "skipped"
			decision.Reason = "turn_submit_failed"
			result = DispatchResult{Status: StatusFailed, Reason: err.Error()}
		} else {
			decision.Outcome = "triggered"
			decision.Reason = "turn_invoked"
			decision.TurnResultKind = turn.Kind
			result = DispatchResult{Status: StatusOK}
			notify = true
		}
	case mode == ModeActive:
		// Active requested but no pipeline: surface a precondition failure
		// and do not notify.
		decision.Outcome = "fallback"
		decision.Reason = "control_plane_unavailable"
		result = DispatchResult{Status: StatusFailed, Reason: "control_plane_unavailable"}
	default:
		decision.Outcome = "triggered"
		decision.Reason = "turn_invoked"
		result = DispatchResult{Status: StatusOK}
		notify = true
	}

	var decisions []FanoutDecision
	if notify && o.Notifier != nil {
		decisions = o.Notifier.FanOut(ctx, ev, map[string]any{
			"wake_delivery_reason": "heartbeat_cron_wake",
			"wake_turn_outcome":    decision.Outcome,
			"wake_turn_reason":     decision.Reason,
		})
	}

	o.emitDecision(ev, decision)
	o.emitWake(ev, decision, decisions)
	return result
}

func turnCommandText(ev Event) string {
	text := fmt.Sprintf(
		"Autonomous wake turn triggered by heartbeat/cron scheduler.\n  wake_id=%s\n  wake_source=%s\n  program_id=%s\n  title=%s\n  reason=%s",
		ev.WakeID, ev.Source, ev.ProgramID, ev.Title, ev.Reason,
	)
	if ev.Prompt != "" {
		text += "\n  prompt=" + ev.Prompt
	}
	return text
}

func (o *Orchestrator) emitDecision(ev Event, d Decision) {
	if o.Events == nil {
		return
	}
	o.Events.Emit("operator.wake.decision", event.Meta{Source: "wake"}, decisionPayload(ev, d))
}

func (o *Orchestrator) emitWake(ev Event, d Decision, decisions []FanoutDecision) {
	if o.Events == nil {
		return
	}
	payload := decisionPayload(ev, d)
	queued, duplicate, skipped := 0, 0, 0
	for _, dec := range decisions {
		switch dec.State {
		case "queued":
			queued++
		case "duplicate":
			duplicate++
		case "skipped":
			skipped++
		}
	}
	payload["delivery"] = map[string]any{
		"queued":    queued,
		"duplicate": duplicate,
		"skipped":   skipped,
	}
	payload["delivery_summary_v2"] = map[string]any{
		"queued":    queued,
		"duplicate": duplicate,
		"skipped":   skipped,
		"total":     len(decisions),
	}
	o.Events.Emit("operator.wake", event.Meta{Source: "wake"}, payload)
}

func decisionPayload(ev Event, d Decision) map[string]any {
	payload := map[string]any{
		"wake_id":                   d.WakeID,
		"program_id":                ev.ProgramID,
		"dedupe_key":                d.DedupeKey,
		"source":                    string(ev.Source),
		"wake_turn_mode":            string(d.Mode),
		"wake_turn_feature_enabled": d.Mode == ModeActive,
		"wake_turn_outcome":         d.Outcome,
		"wake_turn_reason":          d.Reason,
		"program":                   ev.Program,
	}
	if d.TurnRequestID != "" {
		payload["turn_request_id"] = d.TurnRequestID
	}
	if d.TurnResultKind != "" {
		payload["turn_result_kind"] = d.TurnResultKind
	}
	return payload
}
