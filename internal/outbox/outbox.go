// Package outbox implements the per-binding delivery queue at
// <repo_root>/.mu/control-plane/outbox.jsonl.
//
// Envelopes move pending → delivering → {delivered | pending (retry) |
// dead}. Dedup is by dedupe_key: while an envelope with the same key is
// pending, delivering, or delivered, a re-enqueue returns duplicate. Only
// dead envelopes free the key.
//
// The file is append-only: every state transition appends the full record
// and the last record per outbox_id wins on load; loading compacts.
package outbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/ids"
	"github.com/femtomc/mu-sub002/internal/store/jsonl"
)

// Envelope states.
const (
	StatePending    = "pending"
	StateDelivering = "delivering"
	StateDelivered  = "delivered"
	StateDead       = "dead"
)

// DefaultMaxAttempts is 6 tries before dead-lettering.
const DefaultMaxAttempts = 6

const maxListLimit = 500

// Envelope is one queued outbound message.
type Envelope struct {
	OutboxID              string         `json:"outbox_id"`
	Channel               string         `json:"channel"`
	ChannelTenantID       string         `json:"channel_tenant_id,omitempty"`
	ChannelConversationID string         `json:"channel_conversation_id,omitempty"`
	BindingID             string         `json:"binding_id,omitempty"`
	Kind                  string         `json:"kind"`
	Body                  map[string]any `json:"body,omitempty"`
	DedupeKey             string         `json:"dedupe_key"`
	State                 string         `json:"state"`
	AttemptCount          int            `json:"attempt_count"`
	MaxAttempts           int            `json:"max_attempts"`
	NextAttemptAtMS       int64          `json:"next_attempt_at_ms"`
	CreatedAtMS           int64          `json:"created_at_ms"`
	UpdatedAtMS           int64          `json:"updated_at_ms"`
	LastError             string         `json:"last_error,omitempty"`

	// Wake correlation, carried for delivery telemetry.
	WakeID        string `json:"wake_id,omitempty"`
	WakeDedupeKey string `json:"wake_dedupe_key,omitempty"`
}

func (e *Envelope) clone() Envelope {
	out := *e
	if e.Body != nil {
		out.Body = make(map[string]any, len(e.Body))
		for k, v := range e.Body {
			out.Body[k] = v
		}
	}
	return out
}

// EnqueueResult reports whether an envelope was queued or absorbed.
type EnqueueResult struct {
	State    string // queued | duplicate
	OutboxID string // the winning envelope's id in both cases
}

// ListOptions filter List.
type ListOptions struct {
	State   string
	Channel string
	Limit   int
}

// Store owns the outbox file.
type Store struct {
	clock clock.Clock

	mu        sync.Mutex
	file      *jsonl.File
	loaded    bool
	envelopes map[string]*Envelope
}

// NewStore creates the store. Envelopes load (and the file compacts)
// lazily on first use.
func NewStore(repoRoot string, clk clock.Clock) (*Store, error) {
	f, err := jsonl.Open(jsonl.Path(repoRoot, "control-plane", "outbox.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Store{clock: clk, file: f, envelopes: make(map[string]*Envelope)}, nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	err := s.file.Read(func(line []byte) error {
		var e Envelope
		if err := json.Unmarshal(line, &e); err != nil || e.OutboxID == "" {
			return nil
		}
		s.envelopes[e.OutboxID] = &e
		return nil
	})
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	s.loaded = true
	return s.compactLocked()
}

// compactLocked rewrites the file to one line per envelope.
func (s *Store) compactLocked() error {
	out := make([]*Envelope, 0, len(s.envelopes))
	for _, e := range s.envelopes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS < out[j].CreatedAtMS
		}
		return out[i].OutboxID < out[j].OutboxID
	})
	records := make([]any, len(out))
	for i, e := range out {
		records[i] = e
	}
	return s.file.Rewrite(records)
}

func (s *Store) appendLocked(e *Envelope) error {
	e.UpdatedAtMS = clock.MS(s.clock.Now())
	return s.file.Append(e)
}

// Enqueue adds an envelope unless its dedupe key is already held by a
// non-dead envelope, in which case the existing outbox id is returned
// with state duplicate.
func (s *Store) Enqueue(e Envelope) (EnqueueResult, error) {
	if e.Channel == "" || e.DedupeKey == "" {
		return EnqueueResult{}, fault.New(fault.Validation, "envelope_fields_required", "channel and dedupe_key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return EnqueueResult{}, err
	}

	for _, existing := range s.envelopes {
		if existing.DedupeKey == e.DedupeKey && existing.State != StateDead {
			return EnqueueResult{State: "duplicate", OutboxID: existing.OutboxID}, nil
		}
	}

	now := clock.MS(s.clock.Now())
	e.OutboxID = ids.WithPrefix("ob")
	e.State = StatePending
	e.AttemptCount = 0
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	e.NextAttemptAtMS = now
	e.CreatedAtMS = now
	stored := e.clone()
	s.envelopes[e.OutboxID] = &stored
	if err := s.appendLocked(&stored); err != nil {
		delete(s.envelopes, e.OutboxID)
		return EnqueueResult{}, err
	}
	return EnqueueResult{State: "queued", OutboxID: e.OutboxID}, nil
}

// Get returns a copy of one envelope.
func (s *Store) Get(outboxID string) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Envelope{}, err
	}
	e, ok := s.envelopes[outboxID]
	if !ok {
		return Envelope{}, fault.New(fault.NotFound, "envelope_not_found", "outbox envelope %s not found", outboxID)
	}
	return e.clone(), nil
}

// MarkDelivering transitions pending → delivering.
func (s *Store) MarkDelivering(outboxID string) (Envelope, error) {
	return s.transition(outboxID, func(e *Envelope) error {
		if e.State != StatePending {
			return fault.New(fault.Conflict, "not_pending", "envelope %s is %s, not pending", e.OutboxID, e.State)
		}
		e.State = StateDelivering
		e.AttemptCount++
		return nil
	})
}

// MarkDelivered transitions delivering → delivered (terminal).
func (s *Store) MarkDelivered(outboxID, deliveryID string) (Envelope, error) {
	return s.transition(outboxID, func(e *Envelope) error {
		if e.State != StateDelivering {
			return fault.New(fault.Conflict, "not_delivering", "envelope %s is %s, not delivering", e.OutboxID, e.State)
		}
		e.State = StateDelivered
		e.LastError = ""
		if deliveryID != "" {
			if e.Body == nil {
				e.Body = map[string]any{}
			}
			e.Body["delivery_id"] = deliveryID
		}
		return nil
	})
}

// MarkFailed records a failed attempt. Transient failures under the
// attempt budget go back to pending with backoff; everything else
// dead-letters.
func (s *Store) MarkFailed(outboxID, reason string, transient bool, nextAttemptAtMS int64) (Envelope, error) {
	return s.transition(outboxID, func(e *Envelope) error {
		if e.State != StateDelivering {
			return fault.New(fault.Conflict, "not_delivering", "envelope %s is %s, not delivering", e.OutboxID, e.State)
		}
		e.LastError = reason
		if transient && e.AttemptCount < e.MaxAttempts {
			e.State = StatePending
			e.NextAttemptAtMS = nextAttemptAtMS
			return nil
		}
		e.State = StateDead
		return nil
	})
}

func (s *Store) transition(outboxID string, apply func(*Envelope) error) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Envelope{}, err
	}
	e, ok := s.envelopes[outboxID]
	if !ok {
		return Envelope{}, fault.New(fault.NotFound, "envelope_not_found", "outbox envelope %s not found", outboxID)
	}
	if err := apply(e); err != nil {
		return Envelope{}, err
	}
	if err := s.appendLocked(e); err != nil {
		return Envelope{}, err
	}
	return e.clone(), nil
}

// List returns envelope copies sorted by (created_at_ms, outbox_id).
func (s *Store) List(opts ListOptions) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	out := make([]Envelope, 0, len(s.envelopes))
	for _, e := range s.envelopes {
		if opts.State != "" && e.State != opts.State {
			continue
		}
		if opts.Channel != "" && e.Channel != opts.Channel {
			continue
		}
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS < out[j].CreatedAtMS
		}
		return out[i].OutboxID < out[j].OutboxID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RetryDue returns pending envelopes whose next attempt is due, ordered by
// (next_attempt_at_ms, created_at_ms).
func (s *Store) RetryDue(nowMS int64) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	var out []Envelope
	for _, e := range s.envelopes {
		if e.State == StatePending && e.NextAttemptAtMS <= nowMS {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAtMS != out[j].NextAttemptAtMS {
			return out[i].NextAttemptAtMS < out[j].NextAttemptAtMS
		}
		return out[i].CreatedAtMS < out[j].CreatedAtMS
	})
	return out, nil
}
