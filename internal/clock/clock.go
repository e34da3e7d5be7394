// Package clock abstracts time for the scheduling core.
//
// Every component that arms timers takes a Clock by injection so tests can
// drive time deterministically with the fake in internal/adapter/fake.
package clock

import (
	"sync"
	"time"
)

// Handle is a cancellable timer. Stop is idempotent and reports whether the
// timer was still armed.
type Handle interface {
	Stop() bool
}

// Clock provides wall time and cancellable timers.
type Clock interface {
	Now() time.Time

	// AfterFunc arms a single-fire timer that calls fn after d.
	AfterFunc(d time.Duration, fn func()) Handle

	// Interval arms a repeating timer that calls fn every d. The first
	// call happens one full period after arming.
	Interval(d time.Duration, fn func()) Handle
}

// MS converts a time to epoch milliseconds.
func MS(t time.Time) int64 { return t.UnixMilli() }

// FromMS converts epoch milliseconds to a UTC time.
func FromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Real is the production Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Handle {
	return realHandle{t: time.AfterFunc(d, fn)}
}

func (Real) Interval(d time.Duration, fn func()) Handle {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return &intervalHandle{ticker: ticker, done: done}
}

type realHandle struct{ t *time.Timer }

func (h realHandle) Stop() bool { return h.t.Stop() }

type intervalHandle struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *intervalHandle) Stop() bool {
	stopped := false
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
		stopped = true
	})
	return stopped
}
