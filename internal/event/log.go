// Package event implements the append-only telemetry log at
// <repo_root>/.mu/events.jsonl.
//
// The log is the single audit of wake, delivery, and DAG step decisions.
// It is never read back for control flow; filtered reads exist only for
// /api/events and tests.
package event

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/store/jsonl"
)

// Record is one JSONL line in the event log.
type Record struct {
	V       int            `json:"v"`
	TSMS    int64          `json:"ts_ms"`
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	IssueID string         `json:"issue_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Meta addresses the record to an issue or run.
type Meta struct {
	Source  string
	IssueID string
	RunID   string
}

// Filter selects records for List.
type Filter struct {
	Type     string
	IssueID  string
	RunID    string
	Contains string
	Limit    int
}

const defaultListLimit = 200

// Log is the single-writer event sink.
type Log struct {
	mu    sync.Mutex
	file  *jsonl.File
	clock clock.Clock
}

// Open creates the event log for the given repo root.
func Open(repoRoot string, clk clock.Clock) (*Log, error) {
	f, err := jsonl.Open(jsonl.Path(repoRoot, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Log{file: f, clock: clk}, nil
}

// Emit appends one record. Emit never fails the caller: a write error is
// logged and dropped, because telemetry must not abort wake or delivery
// decisions.
func (l *Log) Emit(eventType string, meta Meta, payload map[string]any) {
	rec := Record{
		V:       1,
		TSMS:    clock.MS(l.clock.Now()),
		Type:    eventType,
		Source:  meta.Source,
		IssueID: meta.IssueID,
		RunID:   meta.RunID,
		Payload: payload,
	}
	l.mu.Lock()
	err := l.file.Append(rec)
	l.mu.Unlock()
	if err != nil {
		slog.Warn("event emit failed", "type", eventType, "err", err)
	}
}

// List returns records matching the filter, oldest first, capped at
// filter.Limit (default 200, max 500).
func (l *Log) List(filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > 500 {
		limit = 500
	}

	var out []Record
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.file.Read(func(line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		if !matches(rec, filter, line) {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Tail returns the last n matching records.
func (l *Log) Tail(filter Filter, n int) ([]Record, error) {
	if n <= 0 {
		n = 20
	}
	filter.Limit = n
	return l.List(filter)
}

func matches(rec Record, filter Filter, line []byte) bool {
	if filter.Type != "" && rec.Type != filter.Type {
		return false
	}
	if filter.IssueID != "" && rec.IssueID != filter.IssueID {
		return false
	}
	if filter.RunID != "" && rec.RunID != filter.RunID {
		return false
	}
	if filter.Contains != "" && !strings.Contains(string(line), filter.Contains) {
		return false
	}
	return true
}
