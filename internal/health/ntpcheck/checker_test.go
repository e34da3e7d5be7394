package ntpcheck

import (
	"context"
	"testing"
	"time"

	"github.com/femtomc/mu-sub002/internal/adapter/fake"
)

func TestPhaseNames(t *testing.T) {
	cases := []struct {
		phase Phase
		want  string
	}{
		{Unchecked, "unchecked"},
		{Healthy, "healthy"},
		{UnhealthyOffset, "unhealthy_offset"},
		{Error, "error"},
		{Phase(0), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.phase.String(); got != tc.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tc.phase, got, tc.want)
		}
	}
}

func TestTransitionRules(t *testing.T) {
	cases := []struct {
		name string
		from Phase
		to   Phase
		want Phase
	}{
		{"unchecked to healthy", Unchecked, Healthy, Healthy},
		{"unchecked to error", Unchecked, Error, Error},
		{"healthy to unhealthy", Healthy, UnhealthyOffset, UnhealthyOffset},
		{"healthy to error", Healthy, Error, Error},
		{"unhealthy recovers", UnhealthyOffset, Healthy, Healthy},
		{"error recovers", Error, Healthy, Healthy},
		{"error repeats", Error, Error, Error},
		// Release builds swallow the assertion and hold the current phase.
		{"healthy cannot become unchecked", Healthy, Unchecked, Healthy},
		{"unhealthy cannot become unchecked", UnhealthyOffset, Unchecked, UnhealthyOffset},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.from.Transition(tc.to); got != tc.want {
				t.Errorf("%s -> %s = %s, want %s", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestNewCheckerStartsUnchecked(t *testing.T) {
	n := NewChecker(fake.NewClock(time.Unix(1_700_000_000, 0)))
	st := n.Status()
	if st.Phase != Unchecked || st.PhaseName != "unchecked" {
		t.Errorf("initial status = %+v", st)
	}
	if st.OffsetMS != 0 || st.Error != "" {
		t.Errorf("initial status carries data: %+v", st)
	}
}

func TestCheckFuncDrivesStatus(t *testing.T) {
	clk := fake.NewClock(time.Unix(1_700_000_000, 0))
	n := NewChecker(clk)

	next := Status{Phase: Healthy, OffsetMS: 12, CheckedAt: clk.Now()}
	n.CheckFunc = func() Status { return next }

	n.check()
	st := n.Status()
	if st.PhaseName != "healthy" || st.OffsetMS != 12 {
		t.Errorf("after healthy check: %+v", st)
	}

	next = Status{Phase: UnhealthyOffset, OffsetMS: 900}
	n.check()
	st = n.Status()
	if st.PhaseName != "unhealthy_offset" || st.OffsetMS != 900 {
		t.Errorf("after drift check: %+v", st)
	}

	next = Status{Phase: Error, Error: "no route to host"}
	n.check()
	st = n.Status()
	if st.PhaseName != "error" || st.Error != "no route to host" {
		t.Errorf("after error check: %+v", st)
	}
}

func TestRunChecksOnceThenHonorsCancel(t *testing.T) {
	n := NewChecker(fake.NewClock(time.Unix(1_700_000_000, 0)))
	calls := 0
	n.CheckFunc = func() Status {
		calls++
		return Status{Phase: Healthy}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx)

	if calls != 1 {
		t.Errorf("check calls = %d, want 1", calls)
	}
	if n.Status().PhaseName != "healthy" {
		t.Errorf("status = %+v", n.Status())
	}
}
