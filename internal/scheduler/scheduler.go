// Package scheduler implements the per-activity coalescing wake queue that
// drives heartbeat and cron program ticks.
//
// Each registered activity owns a small state machine: at most one pending
// wake (highest-priority reason wins), at most one armed wake timer, and a
// running flag that guarantees ticks for one activity never overlap. Handler
// failures re-queue a low-priority retry after a cooldown; any higher-priority
// request overtakes a queued retry, which is the only backpressure needed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/femtomc/mu-sub002/internal/clock"
)

const (
	// DefaultCoalesce is 250ms: long enough to absorb bursts from chained
	// mutations, short enough to feel immediate on manual triggers.
	DefaultCoalesce = 250 * time.Millisecond
	// DefaultRetryCooldown is 1s: failed handlers back off before the next try.
	DefaultRetryCooldown = time.Second
	// MinRetryCooldown is 100ms: the floor for configured cooldowns.
	MinRetryCooldown = 100 * time.Millisecond
	// DefaultMinInterval is 2s: periodic ticks clamp here to protect handlers.
	DefaultMinInterval = 2 * time.Second
)

// Reason priorities. Higher wins when coalescing a pending wake.
const (
	priorityRetry    = 0
	priorityInterval = 1
	priorityDefault  = 2
	priorityAction   = 3
)

// ReasonPriority classifies a wake reason. Action reasons are manual,
// exec-event, and anything prefixed hook:.
func ReasonPriority(reason string) int {
	switch {
	case reason == "manual" || reason == "exec-event" || strings.HasPrefix(reason, "hook:"):
		return priorityAction
	case reason == "interval":
		return priorityInterval
	case reason == "retry":
		return priorityRetry
	default:
		return priorityDefault
	}
}

// Tick is passed to an activity handler on each flush.
type Tick struct {
	ActivityID string
	Reason     string
}

// ResultKind classifies a handler outcome.
type ResultKind string

const (
	ResultRan     ResultKind = "ran"
	ResultSkipped ResultKind = "skipped"
	ResultFailed  ResultKind = "failed"
)

// Result is the handler's report for one tick.
type Result struct {
	Kind     ResultKind
	Duration time.Duration // ran
	Reason   string        // skipped / failed
}

func Ran(d time.Duration) Result   { return Result{Kind: ResultRan, Duration: d} }
func Skipped(reason string) Result { return Result{Kind: ResultSkipped, Reason: reason} }
func Failed(reason string) Result  { return Result{Kind: ResultFailed, Reason: reason} }

// SkipRequestsInFlight is the skip reason that, like a failure, re-queues a
// retry wake.
const SkipRequestsInFlight = "requests-in-flight"

// Handler services one tick for an activity.
type Handler func(ctx context.Context, tick Tick) Result

// Config registers one activity.
type Config struct {
	ActivityID string
	Every      time.Duration // 0 disables periodic ticks
	Coalesce   time.Duration // 0 means DefaultCoalesce
	Handler    Handler
}

// Options tune the scheduler. Zero values take the defaults above.
type Options struct {
	Coalesce      time.Duration
	RetryCooldown time.Duration
	MinInterval   time.Duration
}

// RequestOptions tune one RequestNow call.
type RequestOptions struct {
	Reason   string
	Coalesce *time.Duration // nil means the activity's coalesce
}

type wakeKind int

const (
	wakeNormal wakeKind = iota
	wakeRetry
)

type pendingWake struct {
	reason      string
	priority    int
	requestedAt time.Time
}

type wakeTimer struct {
	dueAt  time.Time
	kind   wakeKind
	token  uint64
	handle clock.Handle
}

type activity struct {
	id        string
	every     time.Duration
	coalesce  time.Duration
	handler   Handler
	pending   *pendingWake
	scheduled bool
	running   bool
	interval  clock.Handle
	wake      *wakeTimer
	disposed  bool
}

// Scheduler owns all activities. All methods are safe for concurrent use.
type Scheduler struct {
	mu         sync.Mutex
	clock      clock.Clock
	opts       Options
	activities map[string]*activity
	nextToken  uint64
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a Scheduler with the given clock and options.
func New(clk clock.Clock, opts Options) *Scheduler {
	if opts.Coalesce <= 0 {
		opts.Coalesce = DefaultCoalesce
	}
	if opts.RetryCooldown <= 0 {
		opts.RetryCooldown = DefaultRetryCooldown
	}
	if opts.RetryCooldown < MinRetryCooldown {
		opts.RetryCooldown = MinRetryCooldown
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:      clk,
		opts:       opts,
		activities: make(map[string]*activity),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register installs an activity. Re-registering an existing id replaces it.
func (s *Scheduler) Register(cfg Config) error {
	if cfg.ActivityID == "" {
		return fmt.Errorf("register: activity id is required")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("register %s: handler is required", cfg.ActivityID)
	}
	if cfg.Every < 0 {
		return fmt.Errorf("register %s: every must be >= 0", cfg.ActivityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("register %s: scheduler stopped", cfg.ActivityID)
	}
	if old, ok := s.activities[cfg.ActivityID]; ok {
		s.disposeLocked(old)
	}

	coalesce := cfg.Coalesce
	if coalesce <= 0 {
		coalesce = s.opts.Coalesce
	}
	act := &activity{
		id:       cfg.ActivityID,
		every:    cfg.Every,
		coalesce: coalesce,
		handler:  cfg.Handler,
	}
	if act.every > 0 {
		if act.every < s.opts.MinInterval {
			act.every = s.opts.MinInterval
		}
		id := act.id
		act.interval = s.clock.Interval(act.every, func() {
			zero := time.Duration(0)
			s.RequestNow(id, RequestOptions{Reason: "interval", Coalesce: &zero})
		})
	}
	s.activities[act.id] = act
	return nil
}

// RequestNow queues a tick for the activity. Returns false when the
// activity is not registered.
func (s *Scheduler) RequestNow(activityID string, opts RequestOptions) bool {
	reason := opts.Reason
	if reason == "" {
		reason = "default"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	act, ok := s.activities[activityID]
	if !ok || act.disposed || s.stopped {
		return false
	}

	now := s.clock.Now()
	prio := ReasonPriority(reason)
	if act.pending == nil || prio >= act.pending.priority {
		act.pending = &pendingWake{reason: reason, priority: prio, requestedAt: now}
	}

	coalesce := act.coalesce
	if opts.Coalesce != nil {
		coalesce = *opts.Coalesce
	}
	due := now.Add(coalesce)

	switch {
	case act.wake == nil:
		s.armLocked(act, due, wakeNormal)
	case act.wake.kind == wakeRetry:
		// Cooldown is authoritative: a retry timer is never pre-empted.
	case !act.wake.dueAt.After(due):
		// Absorbed: the armed timer already fires soon enough.
	default:
		act.wake.handle.Stop()
		s.armLocked(act, due, wakeNormal)
	}
	return true
}

// Unregister removes an activity and cancels its timers.
func (s *Scheduler) Unregister(activityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if act, ok := s.activities[activityID]; ok {
		s.disposeLocked(act)
		delete(s.activities, activityID)
	}
}

// Has reports whether an activity is registered.
func (s *Scheduler) Has(activityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.activities[activityID]
	return ok
}

// List returns registered activity ids, sorted.
func (s *Scheduler) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.activities))
	for id := range s.activities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels all timers and rejects further requests.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	for id, act := range s.activities {
		s.disposeLocked(act)
		delete(s.activities, id)
	}
}

// disposeLocked cancels an activity's timers. Caller holds s.mu.
func (s *Scheduler) disposeLocked(act *activity) {
	act.disposed = true
	if act.interval != nil {
		act.interval.Stop()
		act.interval = nil
	}
	if act.wake != nil {
		act.wake.handle.Stop()
		act.wake = nil
	}
	act.pending = nil
}

// armLocked arms the wake timer. Caller holds s.mu.
func (s *Scheduler) armLocked(act *activity, due time.Time, kind wakeKind) {
	s.nextToken++
	token := s.nextToken
	delay := due.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	act.wake = &wakeTimer{dueAt: due, kind: kind, token: token}
	id := act.id
	act.wake.handle = s.clock.AfterFunc(delay, func() {
		s.flush(id, token)
	})
}

// flush services one wake timer firing.
func (s *Scheduler) flush(activityID string, token uint64) {
	s.mu.Lock()
	act, ok := s.activities[activityID]
	if !ok || act.disposed || act.wake == nil || act.wake.token != token {
		s.mu.Unlock()
		return
	}
	kind := act.wake.kind
	act.wake = nil

	if act.running {
		// A tick is still in flight: defer and re-arm with the same kind.
		act.scheduled = true
		delay := act.coalesce
		if kind == wakeRetry {
			delay = s.opts.RetryCooldown
		}
		s.armLocked(act, s.clock.Now().Add(delay), kind)
		s.mu.Unlock()
		return
	}

	reason := "default"
	if act.pending != nil {
		reason = act.pending.reason
		act.pending = nil
	}
	act.running = true
	handler := act.handler
	ctx := s.ctx
	s.mu.Unlock()

	result := invoke(ctx, handler, Tick{ActivityID: activityID, Reason: reason})

	s.mu.Lock()
	defer s.mu.Unlock()
	act.running = false
	if act.disposed {
		return
	}

	needsRetry := result.Kind == ResultFailed ||
		(result.Kind == ResultSkipped && result.Reason == SkipRequestsInFlight)
	if needsRetry {
		if act.pending == nil {
			act.pending = &pendingWake{reason: "retry", priority: priorityRetry, requestedAt: s.clock.Now()}
		}
		if act.wake == nil {
			s.armLocked(act, s.clock.Now().Add(s.opts.RetryCooldown), wakeRetry)
		}
	}
	if (act.pending != nil || act.scheduled) && act.wake == nil {
		act.scheduled = false
		s.armLocked(act, s.clock.Now().Add(act.coalesce), wakeNormal)
	} else {
		act.scheduled = false
	}
}

// invoke runs the handler, converting a panic into a failed result so
// handler errors never escape the scheduler.
func invoke(ctx context.Context, handler Handler, tick Tick) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("scheduler handler panic", "activity", tick.ActivityID, "panic", r)
			result = Failed(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler(ctx, tick)
}
