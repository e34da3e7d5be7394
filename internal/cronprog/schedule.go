package cronprog

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/fault"
)

// Schedule kinds.
const (
	KindAt    = "at"
	KindEvery = "every"
	KindCron  = "cron"
)

// Schedule is the tagged union of cron program schedules.
type Schedule struct {
	Kind string `json:"kind"`

	// at: fire once at epoch-ms, then auto-disable.
	AtMS int64 `json:"at_ms,omitempty"`

	// every: grid anchored at anchor_ms (defaults to created_at_ms).
	EveryMS  int64 `json:"every_ms,omitempty"`
	AnchorMS int64 `json:"anchor_ms,omitempty"`

	// cron: standard 5-field expression in an IANA zone (default UTC).
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Validate checks the schedule at create/update time.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMS < 0 {
			return fault.New(fault.Validation, "invalid_at_ms", "at_ms must be >= 0")
		}
	case KindEvery:
		if s.EveryMS < 1 {
			return fault.New(fault.Validation, "invalid_every_ms", "every_ms must be >= 1")
		}
	case KindCron:
		if _, err := parseCron(s.Expr, s.TZ); err != nil {
			return fault.New(fault.Validation, "invalid_cron_expr", "parse cron expression %q: %v", s.Expr, err)
		}
	default:
		return fault.New(fault.Validation, "invalid_schedule_kind", "schedule kind must be at, every, or cron")
	}
	return nil
}

// parseCron compiles a 5-field expression in the given zone. An unknown or
// empty zone falls back to UTC.
func parseCron(expr, tz string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	loc := time.UTC
	if tz != "" {
		if parsed, err := time.LoadLocation(tz); err == nil {
			loc = parsed
		}
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return locSchedule{sched: sched, loc: loc}, nil
}

// locSchedule evaluates a cron schedule in a fixed zone. cron's Next
// advances past the current second, which gives the ">= now+1s" arming rule
// and skips spring-forward gaps; fall-back repeats cannot double-fire
// because Next always returns an instant strictly after the one already
// scheduled.
type locSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (l locSchedule) Next(t time.Time) time.Time {
	return l.sched.Next(t.In(l.loc))
}

// nextRun computes the next fire instant in epoch-ms. A negative result
// means the program must auto-disable (an `at` instant already in the past).
func nextRun(s Schedule, createdAtMS, nowMS int64) (int64, error) {
	switch s.Kind {
	case KindAt:
		if s.AtMS >= nowMS {
			return s.AtMS, nil
		}
		return -1, nil
	case KindEvery:
		anchor := s.AnchorMS
		if anchor == 0 {
			anchor = createdAtMS
		}
		if anchor == 0 {
			return nowMS + s.EveryMS, nil
		}
		if nowMS < anchor {
			return anchor, nil
		}
		k := (nowMS-anchor)/s.EveryMS + 1
		return anchor + k*s.EveryMS, nil
	case KindCron:
		sched, err := parseCron(s.Expr, s.TZ)
		if err != nil {
			return 0, err
		}
		next := sched.Next(clock.FromMS(nowMS))
		if next.IsZero() {
			return -1, nil
		}
		return clock.MS(next), nil
	default:
		return 0, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
