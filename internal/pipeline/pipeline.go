// Package pipeline implements the single-writer command seam. Every
// mutation of the workspace flows through SubmitTerminalCommand, which
// serializes execution per repo root and deduplicates by request id so
// repeated wake turns collapse to one execution.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/wake"
)

// DefaultDedupeWindow is 5m: a reused request id inside it returns the
// cached result instead of re-executing.
const DefaultDedupeWindow = 5 * time.Minute

// Runner executes one terminal command. Production wiring points this at
// the operator backend; tests inject a recorder.
type Runner func(ctx context.Context, req wake.TurnRequest) (wake.TurnResult, error)

type cachedResult struct {
	result   wake.TurnResult
	err      error
	cachedAt time.Time
}

// Pipeline is the single-writer mutator. It implements wake.TurnSubmitter.
type Pipeline struct {
	Clock        clock.Clock
	Runner       Runner
	DedupeWindow time.Duration // 0 means DefaultDedupeWindow
	Deadline     time.Duration // optional per-submission deadline

	mu     sync.Mutex // serializes execution: one mutation at a time
	seen   map[string]cachedResult
	inited bool
}

var _ wake.TurnSubmitter = (*Pipeline)(nil)

func (p *Pipeline) window() time.Duration {
	if p.DedupeWindow > 0 {
		return p.DedupeWindow
	}
	return DefaultDedupeWindow
}

// SubmitTerminalCommand executes one command. Commands for the same
// pipeline serialize; a request id reused within the dedupe window returns
// the cached result. A breached deadline returns kind "rejected" with
// reason timeout.
func (p *Pipeline) SubmitTerminalCommand(ctx context.Context, req wake.TurnRequest) (wake.TurnResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inited {
		p.seen = make(map[string]cachedResult)
		p.inited = true
	}

	now := p.Clock.Now()
	if req.RequestID != "" {
		if cached, ok := p.seen[req.RequestID]; ok && now.Sub(cached.cachedAt) < p.window() {
			return cached.result, cached.err
		}
	}

	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	result, err := p.Runner(ctx, req)
	if ctx.Err() != nil {
		result = wake.TurnResult{Kind: "rejected", Message: "timeout"}
		err = nil
	}

	if req.RequestID != "" {
		p.evictLocked(now)
		p.seen[req.RequestID] = cachedResult{result: result, err: err, cachedAt: now}
	}
	return result, err
}

// evictLocked drops cache entries older than the dedupe window.
func (p *Pipeline) evictLocked(now time.Time) {
	for id, cached := range p.seen {
		if now.Sub(cached.cachedAt) >= p.window() {
			delete(p.seen, id)
		}
	}
}
