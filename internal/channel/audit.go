package channel

import (
	"log/slog"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/store/jsonl"
)

// Audit appends adapter activity to control-plane/adapter_audit.jsonl.
// Like the event log, it never fails its caller.
type Audit struct {
	clock clock.Clock
	file  *jsonl.File
}

type auditRecord struct {
	TSMS    int64          `json:"ts_ms"`
	Action  string         `json:"action"`
	Channel string         `json:"channel,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// NewAudit opens the audit file under the repo root.
func NewAudit(repoRoot string, clk clock.Clock) (*Audit, error) {
	f, err := jsonl.Open(jsonl.Path(repoRoot, "control-plane", "adapter_audit.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Audit{clock: clk, file: f}, nil
}

// Record appends one audit line.
func (a *Audit) Record(action, channelName string, detail map[string]any) {
	if a == nil {
		return
	}
	rec := auditRecord{
		TSMS:    clock.MS(a.clock.Now()),
		Action:  action,
		Channel: channelName,
		Detail:  detail,
	}
	if err := a.file.Append(rec); err != nil {
		slog.Warn("adapter audit append failed", "action", action, "err", err)
	}
}
