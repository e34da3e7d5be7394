// Package ntpcheck watches wall-clock sanity. Schedules, coalesce windows,
// and outbox backoff all assume a roughly correct clock; /api/status
// surfaces this checker so a drifting host is visible before programs
// misfire.
package ntpcheck

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/femtomc/mu-sub002/internal/check"
	"github.com/femtomc/mu-sub002/internal/clock"
)

const (
	defaultPool      = "pool.ntp.org"
	defaultInterval  = 60 * time.Second
	defaultThreshold = 500 * time.Millisecond
)

type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unchecked:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Healthy:
		ok = to == UnhealthyOffset || to == Error
	case UnhealthyOffset:
		ok = to == Healthy || to == Error
	case Error:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	}
	check.Assertf(ok, "ntp transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type Status struct {
	Offset    time.Duration `json:"-"`
	OffsetMS  int64         `json:"offset_ms"`
	Phase     Phase         `json:"-"`
	PhaseName string        `json:"phase"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     clock.Clock

	CheckFunc func() Status
}

func NewChecker(clk clock.Clock) *Checker {
	check.Assert(clk != nil, "ntpcheck.NewChecker: clock must not be nil")
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		status: Status{
			Phase:     Unchecked,
			PhaseName: Unchecked.String(),
		},
		clock: clk,
	}
}

func (n *Checker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *Checker) check() {
	if n.CheckFunc != nil {
		n.mu.Lock()
		n.status = n.CheckFunc()
		n.status.PhaseName = n.status.Phase.String()
		n.mu.Unlock()
		return
	}

	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		phase := n.advance(Error)
		n.status = Status{Error: err.Error(), Phase: phase, PhaseName: phase.String(), CheckedAt: now}
		return
	}

	phase := UnhealthyOffset
	if resp.ClockOffset.Abs() < n.threshold {
		phase = Healthy
	}
	phase = n.advance(phase)
	n.status = Status{
		Offset:    resp.ClockOffset,
		OffsetMS:  resp.ClockOffset.Milliseconds(),
		Phase:     phase,
		PhaseName: phase.String(),
		CheckedAt: now,
	}
}

func (n *Checker) advance(to Phase) Phase {
	if n.status.Phase == to {
		return to
	}
	return n.status.Phase.Transition(to)
}

func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
