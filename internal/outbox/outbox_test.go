package outbox

import (
	"testing"
	"time"

	"github.com/femtomc/mu-sub002/internal/adapter/fake"
	"github.com/femtomc/mu-sub002/internal/fault"
)

func newTestStore(t *testing.T) (*Store, *fake.Clock, string) {
	t.Helper()
	clk := fake.NewClock(time.Unix(1_700_000_000, 0))
	dir := t.TempDir()
	s, err := NewStore(dir, clk)
	if err != nil {
		t.Fatal(err)
	}
	return s, clk, dir
}

func TestEnqueueValidation(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Enqueue(Envelope{Channel: "slack"}); fault.ReasonOf(err) != "envelope_fields_required" {
		t.Errorf("missing dedupe key: %v", err)
	}
	if _, err := s.Enqueue(Envelope{DedupeKey: "k"}); fault.ReasonOf(err) != "envelope_fields_required" {
		t.Errorf("missing channel: %v", err)
	}
}

func TestEnqueueDedupesNonDead(t *testing.T) {
	s, _, _ := newTestStore(t)

	first, err := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.State != "queued" {
		t.Fatalf("first enqueue state = %q", first.State)
	}

	dup, err := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if dup.State != "duplicate" || dup.OutboxID != first.OutboxID {
		t.Errorf("re-enqueue = %+v, want duplicate of %s", dup, first.OutboxID)
	}

	// Delivered still holds the key.
	if _, err := s.MarkDelivering(first.OutboxID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDelivered(first.OutboxID, "d-1"); err != nil {
		t.Fatal(err)
	}
	dup, err = s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if dup.State != "duplicate" {
		t.Errorf("delivered envelope should still absorb: %+v", dup)
	}
}

func TestDeadEnvelopeFreesDedupeKey(t *testing.T) {
	s, _, _ := newTestStore(t)

	first, err := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDelivering(first.OutboxID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkFailed(first.OutboxID, "bad request", false, 0); err != nil {
		t.Fatal(err)
	}

	second, err := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if second.State != "queued" || second.OutboxID == first.OutboxID {
		t.Errorf("dead key should be reusable: %+v", second)
	}
}

func TestTransitionGuards(t *testing.T) {
	s, _, _ := newTestStore(t)

	res, err := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}

	// pending → delivered is illegal.
	if _, err := s.MarkDelivered(res.OutboxID, ""); fault.ReasonOf(err) != "not_delivering" {
		t.Errorf("deliver from pending: %v", err)
	}

	e, err := s.MarkDelivering(res.OutboxID)
	if err != nil {
		t.Fatal(err)
	}
	if e.AttemptCount != 1 {
		t.Errorf("attempt_count = %d after first claim", e.AttemptCount)
	}
	// delivering → delivering is illegal.
	if _, err := s.MarkDelivering(res.OutboxID); fault.ReasonOf(err) != "not_pending" {
		t.Errorf("double claim: %v", err)
	}

	e, err = s.MarkDelivered(res.OutboxID, "msg-42")
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StateDelivered || e.Body["delivery_id"] != "msg-42" {
		t.Errorf("delivered envelope = %+v", e)
	}
	if _, err := s.MarkFailed(res.OutboxID, "late", true, 0); fault.KindOf(err) != fault.Conflict {
		t.Errorf("fail after delivered: %v", err)
	}
}

func TestMarkFailedRetriesUntilBudgetExhausted(t *testing.T) {
	s, clk, _ := newTestStore(t)

	res, err := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "k1", MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.MarkDelivering(res.OutboxID); err != nil {
		t.Fatal(err)
	}
	nextMS := clk.Now().UnixMilli() + 500
	e, err := s.MarkFailed(res.OutboxID, "http 503", true, nextMS)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StatePending || e.NextAttemptAtMS != nextMS || e.LastError != "http 503" {
		t.Errorf("first failure = %+v", e)
	}

	// Second transient failure hits max_attempts=2 and dead-letters.
	if _, err := s.MarkDelivering(res.OutboxID); err != nil {
		t.Fatal(err)
	}
	e, err = s.MarkFailed(res.OutboxID, "http 503", true, nextMS+500)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StateDead {
		t.Errorf("state = %q after exhausting attempts", e.State)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	s, _, _ := newTestStore(t)

	res, err := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDelivering(res.OutboxID); err != nil {
		t.Fatal(err)
	}
	e, err := s.MarkFailed(res.OutboxID, "http 400", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StateDead || e.AttemptCount != 1 {
		t.Errorf("envelope = %+v, want dead on first permanent failure", e)
	}
}

func TestRetryDueOrdering(t *testing.T) {
	s, clk, _ := newTestStore(t)
	base := clk.Now().UnixMilli()

	late, _ := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "late"})
	soon, _ := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "soon"})

	// Push "late" out with a retry; "soon" stays due now.
	if _, err := s.MarkDelivering(late.OutboxID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkFailed(late.OutboxID, "busy", true, base+5000); err != nil {
		t.Fatal(err)
	}

	due, err := s.RetryDue(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].OutboxID != soon.OutboxID {
		t.Fatalf("due now = %+v", due)
	}

	due, err = s.RetryDue(base + 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].OutboxID != soon.OutboxID || due[1].OutboxID != late.OutboxID {
		t.Errorf("due later = %+v, want soon before late", due)
	}
}

func TestListFiltersAndCompaction(t *testing.T) {
	s, clk, dir := newTestStore(t)

	a, _ := s.Enqueue(Envelope{Channel: "slack", Kind: "wake", DedupeKey: "a"})
	if _, err := s.Enqueue(Envelope{Channel: "webhook", Kind: "wake", DedupeKey: "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDelivering(a.OutboxID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDelivered(a.OutboxID, ""); err != nil {
		t.Fatal(err)
	}

	delivered, err := s.List(ListOptions{State: StateDelivered})
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 || delivered[0].OutboxID != a.OutboxID {
		t.Errorf("delivered filter = %+v", delivered)
	}
	byChannel, err := s.List(ListOptions{Channel: "webhook"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byChannel) != 1 || byChannel[0].Channel != "webhook" {
		t.Errorf("channel filter = %+v", byChannel)
	}

	// The append-only log holds four records; a fresh store compacts to the
	// last state per envelope.
	reloaded, err := NewStore(dir, clk)
	if err != nil {
		t.Fatal(err)
	}
	all, err := reloaded.List(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("reloaded = %d envelopes", len(all))
	}
	got, err := reloaded.Get(a.OutboxID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateDelivered {
		t.Errorf("reloaded state = %q, want last record to win", got.State)
	}
}
