// Package forum is the append-only discussion log the runner and agents
// share, one post per line in <repo_root>/.mu/forum.jsonl. Topics follow
// the "issue:<issue_id>" convention.
package forum

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/ids"
	"github.com/femtomc/mu-sub002/internal/store/jsonl"
)

// Post is one forum entry.
type Post struct {
	PostID      string `json:"post_id"`
	TopicID     string `json:"topic_id"`
	AuthorRole  string `json:"author_role"`
	Body        string `json:"body"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// IssueTopic returns the topic id for an issue's thread.
func IssueTopic(issueID string) string {
	return fmt.Sprintf("issue:%s", issueID)
}

// Log appends and lists posts.
type Log struct {
	clock clock.Clock

	mu   sync.Mutex
	file *jsonl.File
}

// NewLog opens the forum file under the repo root.
func NewLog(repoRoot string, clk clock.Clock) (*Log, error) {
	f, err := jsonl.Open(jsonl.Path(repoRoot, "forum.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Log{clock: clk, file: f}, nil
}

// Post appends one entry to a topic.
func (l *Log) Post(topicID, authorRole, body string) (Post, error) {
	if topicID == "" {
		return Post{}, fault.New(fault.Validation, "topic_required", "forum topic id is required")
	}
	p := Post{
		PostID:      ids.WithPrefix("post"),
		TopicID:     topicID,
		AuthorRole:  authorRole,
		Body:        body,
		CreatedAtMS: clock.MS(l.clock.Now()),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Append(p); err != nil {
		return Post{}, fmt.Errorf("append forum post: %w", err)
	}
	return p, nil
}

// List returns all posts for a topic in append order.
func (l *Log) List(topicID string) ([]Post, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Post
	err := l.file.Read(func(line []byte) error {
		var p Post
		if err := json.Unmarshal(line, &p); err != nil || p.PostID == "" {
			return nil
		}
		if topicID == "" || p.TopicID == topicID {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read forum: %w", err)
	}
	return out, nil
}
