// Package issue implements the issue-graph surface the DAG runner drives:
// claim, close, reopen, dependency readiness, and subtree scans over
// <repo_root>/.mu/issues.jsonl.
package issue

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

// Statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// Outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeNeedsWork = "needs_work"
	OutcomeExpanded  = "expanded"
)

// Dep types.
const (
	DepParent    = "parent"
	DepBlockedBy = "blocked_by"
)

// Dep is one typed edge to another issue.
type Dep struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// Issue is one node in the graph.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Body        string   `json:"body,omitempty"`
	Status      string   `json:"status"`
	Outcome     string   `json:"outcome,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Deps        []Dep    `json:"deps,omitempty"`
	Priority    int      `json:"priority"`
	CreatedAtMS int64    `json:"created_at_ms"`
	UpdatedAtMS int64    `json:"updated_at_ms"`
}

func (i *Issue) clone() Issue {
	out := *i
	out.Tags = append([]string(nil), i.Tags...)
	out.Deps = append([]Dep(nil), i.Deps...)
	return out
}

// HasTag reports whether the issue carries the tag.
func (i *Issue) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ParentID returns the parent edge target, or "".
func (i *Issue) ParentID() string {
	for _, d := range i.Deps {
		if d.Type == DepParent {
			return d.Target
		}
	}
	return ""
}

// CreateRequest creates an issue.
type CreateRequest struct {
	Title    string
	Body     string
	Tags     []string
	Deps     []Dep
	Priority int // 1..5; 0 defaults to 3
}

// Store owns the issues file. Mutations append the full record; the last
// record per id wins on load.
type Store struct {
	clock clock.Clock

	mu     sync.Mutex
	file   *jsonl.File
	loaded bool
	issues map[string]*Issue
}

// NewStore creates the store.
func NewStore(repoRoot string, clk clock.Clock) (*Store, error) {
	f, err := jsonl.Open(jsonl.Path(repoRoot, "issues.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Store{clock: clk, file: f, issues: make(map[string]*Issue)}, nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	err := s.file.Read(func(line []byte) error {
		var i Issue
		if err := json.Unmarshal(line, &i); err != nil || i.ID == "" {
			return nil
		}
		s.issues[i.ID] = &i
		return nil
	})
	if err != nil {
		return fmt.Errorf("load issues: %w", err)
	}
	s.loaded = true
	return nil
}

func (s *Store) appendLocked(i *Issue) error {
	i.UpdatedAtMS = clock.MS(s.clock.Now())
	return s.file.Append(i)
}

// Create adds an issue.
func (s *Store) Create(req CreateRequest) (Issue, error) {
	if req.Title == "" {
		return Issue{}, fault.New(fault.Validation, "title_required", "issue title is required")
	}
	priority := req.Priority
	if priority == 0 {
		priority = 3
	}
	if priority < 1 || priority > 5 {
		return Issue{}, fault.New(fault.Validation, "invalid_priority", "priority must be 1..5")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Issue{}, err
	}
	now := clock.MS(s.clock.Now())
	i := &Issue{
		ID:          ids.WithPrefix("is"),
		Title:       req.Title,
		Body:        req.Body,
		Status:      StatusOpen,
		Tags:        append([]string(nil), req.Tags...),
		Deps:        append([]Dep(nil), req.Deps...),
		Priority:    priority,
		CreatedAtMS: now,
	}
	s.issues[i.ID] = i
	if err := s.appendLocked(i); err != nil {
		delete(s.issues, i.ID)
		return Issue{}, err
	}
	return i.clone(), nil
}

// Get returns a copy of one issue.
func (s *Store) Get(id string) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Issue{}, err
	}
	i, ok := s.issues[id]
	if !ok {
		return Issue{}, fault.New(fault.NotFound, "issue_not_found", "issue %s not found", id)
	}
	return i.clone(), nil
}

// Claim marks an open issue in_progress.
func (s *Store) Claim(id string) (Issue, error) {
	return s.mutate(id, func(i *Issue) error {
		if i.Status != StatusOpen {
			return fault.New(fault.Conflict, "not_open", "issue %s is %s, not open", i.ID, i.Status)
		}
		i.Status = StatusInProgress
		return nil
	})
}

// Close closes an issue with the given outcome.
func (s *Store) Close(id, outcome string) (Issue, error) {
	return s.mutate(id, func(i *Issue) error {
		i.Status = StatusClosed
		i.Outcome = outcome
		return nil
	})
}

// Reopen reopens a closed issue for re-orchestration: outcome clears and
// the orchestrator role tag is added.
func (s *Store) Reopen(id string) (Issue, error) {
	return s.mutate(id, func(i *Issue) error {
		i.Status = StatusOpen
		i.Outcome = ""
		if !i.HasTag("role:orchestrator") {
			i.Tags = append(i.Tags, "role:orchestrator")
		}
		return nil
	})
}

func (s *Store) mutate(id string, apply func(*Issue) error) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Issue{}, err
	}
	i, ok := s.issues[id]
	if !ok {
		return Issue{}, fault.New(fault.NotFound, "issue_not_found", "issue %s not found", id)
	}
	if err := apply(i); err != nil {
		return Issue{}, err
	}
	if err := s.appendLocked(i); err != nil {
		return Issue{}, err
	}
	return i.clone(), nil
}

// Subtree returns the root and every transitive child, root first.
func (s *Store) Subtree(rootID string) ([]Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if _, ok := s.issues[rootID]; !ok {
		return nil, fault.New(fault.NotFound, "issue_not_found", "issue %s not found", rootID)
	}

	children := make(map[string][]string)
	for _, i := range s.issues {
		if p := i.ParentID(); p != "" {
			children[p] = append(children[p], i.ID)
		}
	}
	var out []Issue
	queue := []string{rootID}
	seen := map[string]bool{rootID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, s.issues[id].clone())
		kids := children[id]
		sort.Strings(kids)
		for _, kid := range kids {
			if !seen[kid] {
				seen[kid] = true
				queue = append(queue, kid)
			}
		}
	}
	return out, nil
}

// Children returns direct children of an issue.
func (s *Store) Children(id string) ([]Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	var out []Issue
	for _, i := range s.issues {
		if i.ParentID() == id {
			out = append(out, i.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// Ready returns open issues in the subtree carrying all the given tags
// whose blocked_by deps are satisfied (targets closed). Ties break by
// priority ascending, then updated_at ascending.
func (s *Store) Ready(rootID string, tags []string) ([]Issue, error) {
	subtree, err := s.Subtree(rootID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Issue
	for _, i := range subtree {
		if i.Status != StatusOpen {
			continue
		}
		hasAll := true
		for _, tag := range tags {
			if !i.HasTag(tag) {
				hasAll = false
				break
			}
		}
		if !hasAll {
			continue
		}
		satisfied := true
		for _, d := range i.Deps {
			if d.Type != DepBlockedBy {
				continue
			}
			dep, ok := s.issues[d.Target]
			if !ok || dep.Status != StatusClosed {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority < out[b].Priority
		}
		return out[a].UpdatedAtMS < out[b].UpdatedAtMS
	})
	return out, nil
}

// Validate reports whether the DAG rooted at rootID is final: the root
// itself is closed. Closed children with an open root still need an
// orchestration pass to wrap up the root.
func (s *Store) Validate(rootID string) (bool, error) {
	root, err := s.Get(rootID)
	if err != nil {
		return false, err
	}
	return root.Status == StatusClosed, nil
}

// UnstickCandidates returns closed issues in the subtree that block
// progress: outcome failure or needs_work with no open children, or
// outcome expanded with no children at all.
func (s *Store) UnstickCandidates(rootID string) ([]Issue, error) {
	subtree, err := s.Subtree(rootID)
	if err != nil {
		return nil, err
	}
	openChildren := make(map[string]int)
	childCount := make(map[string]int)
	for _, i := range subtree {
		p := i.ParentID()
		if p == "" {
			continue
		}
		childCount[p]++
		if i.Status != StatusClosed {
			openChildren[p]++
		}
	}
	var out []Issue
	for _, i := range subtree {
		if i.Status != StatusClosed {
			continue
		}
		switch i.Outcome {
		case OutcomeFailure, OutcomeNeedsWork:
			if openChildren[i.ID] == 0 {
				out = append(out, i)
			}
		case OutcomeExpanded:
			if childCount[i.ID] == 0 {
				out = append(out, i)
			}
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority < out[b].Priority
		}
		return out[a].UpdatedAtMS < out[b].UpdatedAtMS
	})
	return out, nil
}
