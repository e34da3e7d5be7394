package event

import (
	"testing"
	"time"

	"github.com/femtomc/mu-sub002/internal/adapter/fake"
)

func newTestLog(t *testing.T) (*Log, *fake.Clock) {
	t.Helper()
	clk := fake.NewClock(time.Unix(1_700_000_000, 0))
	l, err := Open(t.TempDir(), clk)
	if err != nil {
		t.Fatal(err)
	}
	return l, clk
}

func TestEmitAndList(t *testing.T) {
	l, clk := newTestLog(t)

	l.Emit("wake.dispatch", Meta{Source: "heartbeat", IssueID: "is-1"}, map[string]any{"reason": "beat"})
	clk.Advance(time.Second)
	l.Emit("outbox.enqueued", Meta{Source: "fanout"}, nil)

	got, err := l.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("listed %d records, want 2", len(got))
	}
	if got[0].Type != "wake.dispatch" || got[1].Type != "outbox.enqueued" {
		t.Errorf("order = [%s %s]", got[0].Type, got[1].Type)
	}
	if got[0].V != 1 {
		t.Errorf("schema version = %d, want 1", got[0].V)
	}
	if got[1].TSMS-got[0].TSMS != 1000 {
		t.Errorf("timestamps %d and %d should be 1000ms apart", got[0].TSMS, got[1].TSMS)
	}
}

func TestListFilters(t *testing.T) {
	l, _ := newTestLog(t)
	l.Emit("dag.claim", Meta{Source: "runner", IssueID: "is-a", RunID: "run-1"}, nil)
	l.Emit("dag.claim", Meta{Source: "runner", IssueID: "is-b", RunID: "run-2"}, nil)
	l.Emit("wake.dispatch", Meta{Source: "cron"}, map[string]any{"program_id": "cron-7"})

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by type", Filter{Type: "dag.claim"}, 2},
		{"by issue", Filter{IssueID: "is-a"}, 1},
		{"by run", Filter{RunID: "run-2"}, 1},
		{"by substring", Filter{Contains: "cron-7"}, 1},
		{"no match", Filter{Type: "absent"}, 0},
	}
	for _, tt := range tests {
		got, err := l.List(tt.filter)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: got %d records, want %d", tt.name, len(got), tt.want)
		}
	}
}

func TestTailReturnsNewest(t *testing.T) {
	l, clk := newTestLog(t)
	for i := 0; i < 5; i++ {
		l.Emit("tick", Meta{Source: "test"}, map[string]any{"n": i})
		clk.Advance(time.Millisecond)
	}

	got, err := l.Tail(Filter{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("tail returned %d records, want 2", len(got))
	}
	if got[1].Payload["n"].(float64) != 4 {
		t.Errorf("last record n = %v, want 4", got[1].Payload["n"])
	}
}
