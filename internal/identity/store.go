// Package identity stores channel identity bindings at
// <repo_root>/.mu/control-plane/identities.jsonl.
//
// A binding links an operator to one (channel, tenant, actor) triple; the
// outbox fan-out targets active bindings. At most one active binding may
// exist per triple.
package identity

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

// Binding is one identity link.
type Binding struct {
	BindingID       string   `json:"binding_id"`
	OperatorID      string   `json:"operator_id"`
	Channel         string   `json:"channel"`
	ChannelTenantID string   `json:"channel_tenant_id"`
	ChannelActorID  string   `json:"channel_actor_id"`
	Scopes          []string `json:"scopes,omitempty"`
	Active          bool     `json:"active"`
	CreatedAtMS     int64    `json:"created_at_ms"`
	RevokedAtMS     int64    `json:"revoked_at_ms,omitempty"`
}

// LinkRequest creates a binding.
type LinkRequest struct {
	OperatorID      string
	Channel         string
	ChannelTenantID string
	ChannelActorID  string
	Scopes          []string
}

// ListOptions filter List.
type ListOptions struct {
	Channel string
	Active  *bool
}

// Store owns the identities file.
type Store struct {
	clock clock.Clock

	mu       sync.Mutex
	file     *jsonl.File
	loaded   bool
	bindings map[string]*Binding
}

// NewStore creates the store. Bindings load lazily on first use.
func NewStore(repoRoot string, clk clock.Clock) (*Store, error) {
	f, err := jsonl.Open(jsonl.Path(repoRoot, "control-plane", "identities.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Store{clock: clk, file: f, bindings: make(map[string]*Binding)}, nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	err := s.file.Read(func(line []byte) error {
		var b Binding
		if err := json.Unmarshal(line, &b); err != nil || b.BindingID == "" {
			return nil
		}
		s.bindings[b.BindingID] = &b
		return nil
	})
	if err != nil {
		return fmt.Errorf("load identity bindings: %w", err)
	}
	s.loaded = true
	return nil
}

func (s *Store) persistLocked() error {
	out := make([]*Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS < out[j].CreatedAtMS
		}
		return out[i].BindingID < out[j].BindingID
	})
	records := make([]any, len(out))
	for i, b := range out {
		records[i] = b
	}
	return s.file.Rewrite(records)
}

// Link creates an active binding. A second active binding for the same
// (channel, tenant, actor) triple is a conflict.
func (s *Store) Link(req LinkRequest) (Binding, error) {
	if req.Channel == "" || req.ChannelActorID == "" {
		return Binding{}, fault.New(fault.Validation, "binding_fields_required", "channel and channel_actor_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Binding{}, err
	}
	for _, b := range s.bindings {
		if b.Active && b.Channel == req.Channel &&
			b.ChannelTenantID == req.ChannelTenantID &&
			b.ChannelActorID == req.ChannelActorID {
			return Binding{}, fault.New(fault.Conflict, "duplicate_binding",
				"active binding already exists for %s/%s/%s", req.Channel, req.ChannelTenantID, req.ChannelActorID)
		}
	}

	b := &Binding{
		BindingID:       ids.WithPrefix("bind"),
		OperatorID:      req.OperatorID,
		Channel:         req.Channel,
		ChannelTenantID: req.ChannelTenantID,
		ChannelActorID:  req.ChannelActorID,
		Scopes:          append([]string(nil), req.Scopes...),
		Active:          true,
		CreatedAtMS:     clock.MS(s.clock.Now()),
	}
	s.bindings[b.BindingID] = b
	if err := s.persistLocked(); err != nil {
		delete(s.bindings, b.BindingID)
		return Binding{}, err
	}
	return *b, nil
}

// Revoke deactivates a binding. Binding ids are immutable; revocation is
// the only mutation.
func (s *Store) Revoke(bindingID string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Binding{}, err
	}
	b, ok := s.bindings[bindingID]
	if !ok {
		return Binding{}, fault.New(fault.NotFound, "binding_not_found", "binding %s not found", bindingID)
	}
	if b.Active {
		b.Active = false
		b.RevokedAtMS = clock.MS(s.clock.Now())
		if err := s.persistLocked(); err != nil {
			return Binding{}, err
		}
	}
	return *b, nil
}

// List returns binding copies, sorted by (created_at_ms, binding_id).
func (s *Store) List(opts ListOptions) ([]Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		if opts.Channel != "" && b.Channel != opts.Channel {
			continue
		}
		if opts.Active != nil && b.Active != *opts.Active {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS != out[j].CreatedAtMS {
			return out[i].CreatedAtMS < out[j].CreatedAtMS
		}
		return out[i].BindingID < out[j].BindingID
	})
	return out, nil
}
