package fake

import (
	"sort"
	"sync"
	"time"

	"github.com/femtomc/mu-sub002/internal/clock"
)

var _ clock.Clock = (*Clock)(nil)

// Clock is a deterministic clock for testing. Advance moves time forward
// and fires every timer whose deadline has been reached, in deadline order,
// on the calling goroutine.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	timers map[uint64]*fakeTimer
}

type fakeTimer struct {
	id       uint64
	deadline time.Time
	period   time.Duration // zero for single-fire
	fn       func()
}

// NewClock creates a Clock starting at the given time.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start, timers: make(map[uint64]*fakeTimer)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc arms a single-fire timer.
func (c *Clock) AfterFunc(d time.Duration, fn func()) clock.Handle {
	return c.arm(d, 0, fn)
}

// Interval arms a repeating timer.
func (c *Clock) Interval(d time.Duration, fn func()) clock.Handle {
	return c.arm(d, d, fn)
}

func (c *Clock) arm(d, period time.Duration, fn func()) clock.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &fakeTimer{id: c.nextID, deadline: c.now.Add(d), period: period, fn: fn}
	c.timers[t.id] = t
	return &fakeHandle{c: c, id: t.id}
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Callbacks run synchronously; a callback that arms a new timer within the
// advanced window will see it fire in the same call.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// popDue removes and returns the earliest timer due at or before target,
// moving the clock to its deadline. Returns nil when none are due.
func (c *Clock) popDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})

	t := due[0]
	if t.deadline.After(c.now) {
		c.now = t.deadline
	}
	if t.period > 0 {
		t.deadline = t.deadline.Add(t.period)
	} else {
		delete(c.timers, t.id)
	}
	return t
}

// Set sets the clock to an exact time without firing timers.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeHandle struct {
	c  *Clock
	id uint64
}

func (h *fakeHandle) Stop() bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if _, ok := h.c.timers[h.id]; !ok {
		return false
	}
	delete(h.c.timers, h.id)
	return true
}
