package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/femtomc/mu-sub002/internal/adapter/fake"
	"github.com/femtomc/mu-sub002/internal/identity"
	"github.com/femtomc/mu-sub002/internal/wake"
)

type fanoutHarness struct {
	fanout     *Fanout
	store      *Store
	identities *identity.Store
}

func newFanoutHarness(t *testing.T) *fanoutHarness {
	t.Helper()
	clk := fake.NewClock(time.Unix(1_700_000_000, 0))
	store, err := NewStore(t.TempDir(), clk)
	if err != nil {
		t.Fatal(err)
	}
	identities, err := identity.NewStore(t.TempDir(), clk)
	if err != nil {
		t.Fatal(err)
	}
	return &fanoutHarness{
		fanout:     &Fanout{Store: store, Identities: identities},
		store:      store,
		identities: identities,
	}
}

func wakeEvent(wakeID string) wake.Event {
	return wake.Event{
		Source:    wake.SourceHeartbeat,
		ProgramID: "hb-1",
		Title:     "standup",
		Reason:    "interval",
		WakeID:    wakeID,
		DedupeKey: "heartbeat_program:hb-1",
	}
}

func TestFanOutEnqueuesPerActiveBinding(t *testing.T) {
	h := newFanoutHarness(t)

	if _, err := h.identities.Link(identity.LinkRequest{Channel: "slack", ChannelActorID: "U1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.identities.Link(identity.LinkRequest{Channel: "webhook", ChannelActorID: "hook-1"}); err != nil {
		t.Fatal(err)
	}
	revoked, err := h.identities.Link(identity.LinkRequest{Channel: "slack", ChannelActorID: "U2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.identities.Revoke(revoked.BindingID); err != nil {
		t.Fatal(err)
	}

	decisions := h.fanout.FanOut(context.Background(), wakeEvent("w1"), map[string]any{"extra": "v"})
	if len(decisions) != 2 {
		t.Fatalf("decisions = %+v, want the two active bindings", decisions)
	}
	for _, d := range decisions {
		if d.State != "queued" || d.OutboxID == "" {
			t.Errorf("decision = %+v", d)
		}
	}

	queued, err := h.store.List(ListOptions{State: StatePending})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("pending envelopes = %d", len(queued))
	}
	for _, e := range queued {
		if e.WakeID != "w1" || e.Kind != "wake" {
			t.Errorf("envelope = %+v", e)
		}
		if e.Body["title"] != "standup" || e.Body["extra"] != "v" {
			t.Errorf("body = %+v", e.Body)
		}
	}
}

func TestFanOutSameWakeIsDuplicatePerBinding(t *testing.T) {
	h := newFanoutHarness(t)
	if _, err := h.identities.Link(identity.LinkRequest{Channel: "slack", ChannelActorID: "U1"}); err != nil {
		t.Fatal(err)
	}

	first := h.fanout.FanOut(context.Background(), wakeEvent("w1"), nil)
	second := h.fanout.FanOut(context.Background(), wakeEvent("w1"), nil)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("decisions = %d/%d", len(first), len(second))
	}
	if second[0].State != "duplicate" || second[0].ReasonCode != "dedupe_key_held" {
		t.Errorf("replay decision = %+v", second[0])
	}
	if second[0].OutboxID != first[0].OutboxID {
		t.Errorf("duplicate should point at the original envelope")
	}

	// A new wake id is a new envelope even for the same program.
	third := h.fanout.FanOut(context.Background(), wakeEvent("w2"), nil)
	if third[0].State != "queued" {
		t.Errorf("new wake decision = %+v", third[0])
	}
}

func TestFanOutSkipsIncapableChannels(t *testing.T) {
	h := newFanoutHarness(t)
	h.fanout.Capable = func(channel string) bool { return channel == "slack" }

	if _, err := h.identities.Link(identity.LinkRequest{Channel: "slack", ChannelActorID: "U1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.identities.Link(identity.LinkRequest{Channel: "pager", ChannelActorID: "p1"}); err != nil {
		t.Fatal(err)
	}

	decisions := h.fanout.FanOut(context.Background(), wakeEvent("w1"), nil)
	byChannel := map[string]wake.FanoutDecision{}
	for _, d := range decisions {
		byChannel[d.Channel] = d
	}
	if byChannel["slack"].State != "queued" {
		t.Errorf("slack = %+v", byChannel["slack"])
	}
	if byChannel["pager"].State != "skipped" || byChannel["pager"].ReasonCode != "channel_delivery_unsupported" {
		t.Errorf("pager = %+v", byChannel["pager"])
	}

	queued, err := h.store.List(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 {
		t.Errorf("skipped channel still enqueued: %+v", queued)
	}
}

func TestFanOutNoBindings(t *testing.T) {
	h := newFanoutHarness(t)
	if decisions := h.fanout.FanOut(context.Background(), wakeEvent("w1"), nil); len(decisions) != 0 {
		t.Errorf("decisions = %+v", decisions)
	}
}
