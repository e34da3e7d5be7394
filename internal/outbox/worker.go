package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/fault"
)

const (
	// backoffBase is 500ms: the first retry lands about half a second out.
	backoffBase = 500 * time.Millisecond
	// backoffMax is 60s: retries cap at a minute regardless of attempt count.
	backoffMax = 60 * time.Second
	// defaultPollInterval is 1s: due envelopes are picked up within a second.
	defaultPollInterval = time.Second
	// defaultAttemptTimeout is 10s per delivery attempt.
	defaultAttemptTimeout = 10 * time.Second
	// defaultWallCeiling is 1h: an envelope older than this dead-letters.
	defaultWallCeiling = time.Hour
)

// Driver delivers one envelope to a channel. Errors classified
// fault.Transient are retried with backoff; everything else dead-letters.
type Driver interface {
	Deliver(ctx context.Context, e Envelope) (deliveryID string, err error)
}

// Worker drains the outbox. A single worker polls all channels fairly;
// per-envelope ordering holds because an envelope is only attempted while
// it owns the delivering state.
type Worker struct {
	Store          *Store
	Drivers        map[string]Driver // by channel
	Clock          clock.Clock
	Events         *event.Log
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	WallCeiling    time.Duration
	Jitter         func() float64 // uniform(0.8, 1.2); nil uses math/rand
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick processes every due envelope once and reports how many were
// attempted.
func (w *Worker) Tick(ctx context.Context) int {
	due, err := w.Store.RetryDue(clock.MS(w.Clock.Now()))
	if err != nil {
		slog.Warn("outbox poll failed", "err", err)
		return 0
	}
	attempted := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return attempted
		}
		w.deliverOne(ctx, e)
		attempted++
	}
	return attempted
}

func (w *Worker) deliverOne(ctx context.Context, e Envelope) {
	// Envelopes past the wall-clock ceiling dead-letter without an attempt.
	ceiling := w.WallCeiling
	if ceiling <= 0 {
		ceiling = defaultWallCeiling
	}
	now := w.Clock.Now()
	if now.Sub(clock.FromMS(e.CreatedAtMS)) > ceiling {
		marked, err := w.Store.MarkDelivering(e.OutboxID)
		if err != nil {
			return
		}
		dead, err := w.Store.MarkFailed(marked.OutboxID, "wall_clock_ceiling_exceeded", false, 0)
		if err == nil {
			w.emitDelivery(dead, "dead_letter", "wall_clock_ceiling_exceeded")
		}
		return
	}

	marked, err := w.Store.MarkDelivering(e.OutboxID)
	if err != nil {
		// Lost the race with another transition; skip.
		return
	}
	w.emitDelivery(marked, "delivering", "")

	driver, ok := w.Drivers[marked.Channel]
	if !ok {
		dead, err := w.Store.MarkFailed(marked.OutboxID, "channel_driver_missing", false, 0)
		if err == nil {
			w.emitDelivery(dead, "dead_letter", "channel_driver_missing")
		}
		return
	}

	timeout := w.AttemptTimeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	deliveryID, deliverErr := driver.Deliver(attemptCtx, marked)
	cancel()

	if deliverErr == nil {
		delivered, err := w.Store.MarkDelivered(marked.OutboxID, deliveryID)
		if err == nil {
			w.emitDelivery(delivered, "delivered", "")
		}
		return
	}

	transient := fault.IsRetryable(deliverErr) || attemptCtx.Err() != nil
	reason := deliverErr.Error()
	next := clock.MS(w.Clock.Now()) + w.backoff(marked.AttemptCount).Milliseconds()
	updated, err := w.Store.MarkFailed(marked.OutboxID, reason, transient, next)
	if err != nil {
		slog.Warn("outbox state transition failed", "outbox_id", marked.OutboxID, "err", err)
		return
	}
	if updated.State == StateDead {
		w.emitDelivery(updated, "dead_letter", fault.ReasonOf(deliverErr))
		return
	}
	w.emitDelivery(updated, "retried", fault.ReasonOf(deliverErr))
}

// backoff is exponential with jitter: min(60s, 500ms·2^(n-1)) · uniform(0.8, 1.2).
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << (attempt - 1)
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	jitter := w.Jitter
	if jitter == nil {
		jitter = func() float64 { return 0.8 + 0.4*rand.Float64() }
	}
	return time.Duration(float64(d) * jitter())
}

func (w *Worker) emitDelivery(e Envelope, state, reasonCode string) {
	if w.Events == nil {
		return
	}
	payload := map[string]any{
		"state":             state,
		"wake_id":           e.WakeID,
		"dedupe_key":        e.WakeDedupeKey,
		"binding_id":        e.BindingID,
		"channel":           e.Channel,
		"outbox_id":         e.OutboxID,
		"outbox_dedupe_key": e.DedupeKey,
		"attempt_count":     e.AttemptCount,
	}
	if reasonCode != "" {
		payload["reason_code"] = reasonCode
	}
	w.Events.Emit("operator.wake.delivery", event.Meta{Source: "outbox"}, payload)
	w.Events.Emit("outbox.state", event.Meta{Source: "outbox"}, map[string]any{
		"outbox_id": e.OutboxID,
		"channel":   e.Channel,
		"state":     e.State,
		"attempts":  e.AttemptCount,
		"message":   fmt.Sprintf("envelope %s %s", e.OutboxID, state),
	})
}
