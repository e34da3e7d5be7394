package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/identity"
	"github.com/femtomc/mu-sub002/internal/wake"
)

// Fanout turns one wake into per-binding envelopes. It implements
// wake.Notifier.
type Fanout struct {
	Store      *Store
	Identities *identity.Store
	Events     *event.Log

	// Capable reports whether a channel can deliver wakes right now
	// (configured and active). nil means every channel is capable.
	Capable func(channel string) bool
}

var _ wake.Notifier = (*Fanout)(nil)

// FanOut enqueues one wake envelope per active binding. Bindings on
// unsupported channels yield skipped decisions; dedup inside the outbox
// yields duplicate decisions. Every decision is emitted as
// operator.wake.delivery telemetry.
func (f *Fanout) FanOut(ctx context.Context, ev wake.Event, meta map[string]any) []wake.FanoutDecision {
	bindings, err := f.Identities.List(identity.ListOptions{Active: boolPtr(true)})
	if err != nil {
		slog.Warn("wake fan-out: list bindings failed", "err", err)
		return nil
	}

	decisions := make([]wake.FanoutDecision, 0, len(bindings))
	for _, b := range bindings {
		decision := wake.FanoutDecision{Channel: b.Channel, BindingID: b.BindingID}

		if f.Capable != nil && !f.Capable(b.Channel) {
			decision.State = "skipped"
			decision.ReasonCode = "channel_delivery_unsupported"
			decisions = append(decisions, decision)
			f.emitDecision(ev, decision)
			continue
		}

		dedupeKey := fmt.Sprintf("%s:wake:%s:%s:%s", ev.DedupeKey, ev.WakeID, b.Channel, b.BindingID)
		body := map[string]any{
			"title":      ev.Title,
			"reason":     ev.Reason,
			"program_id": ev.ProgramID,
			"source":     string(ev.Source),
		}
		if ev.Prompt != "" {
			body["prompt"] = ev.Prompt
		}
		for k, v := range meta {
			body[k] = v
		}

		result, err := f.Store.Enqueue(Envelope{
			Channel:         b.Channel,
			ChannelTenantID: b.ChannelTenantID,
			BindingID:       b.BindingID,
			Kind:            "wake",
			Body:            body,
			DedupeKey:       dedupeKey,
			WakeID:          ev.WakeID,
			WakeDedupeKey:   ev.DedupeKey,
		})
		if err != nil {
			decision.State = "skipped"
			decision.ReasonCode = "enqueue_failed"
			decisions = append(decisions, decision)
			f.emitDecision(ev, decision)
			continue
		}
		decision.State = result.State
		decision.OutboxID = result.OutboxID
		decision.OutboxDedupeKey = dedupeKey
		if result.State == "duplicate" {
			decision.ReasonCode = "dedupe_key_held"
		}
		decisions = append(decisions, decision)
		f.emitDecision(ev, decision)
	}
	return decisions
}

func (f *Fanout) emitDecision(ev wake.Event, d wake.FanoutDecision) {
	if f.Events == nil {
		return
	}
	payload := map[string]any{
		"state":             d.State,
		"wake_id":           ev.WakeID,
		"dedupe_key":        ev.DedupeKey,
		"binding_id":        d.BindingID,
		"channel":           d.Channel,
		"outbox_dedupe_key": d.OutboxDedupeKey,
	}
	if d.OutboxID != "" {
		payload["outbox_id"] = d.OutboxID
	}
	if d.ReasonCode != "" {
		payload["reason_code"] = d.ReasonCode
	}
	f.Events.Emit("operator.wake.delivery", event.Meta{Source: "outbox"}, payload)
}

func boolPtr(v bool) *bool { return &v }
