package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/outbox"
)

// HTTPDriver delivers envelopes to one channel's webhook URL. It satisfies
// the outbox worker's Driver port and classifies responses for its retry
// policy: 2xx delivered, 429 and 5xx transient, other 4xx permanent.
type HTTPDriver struct {
	Channel    string
	WebhookURL string
	Secret     string
	Client     *http.Client // nil means a 10s-timeout default
}

func (d *HTTPDriver) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Deliver posts the envelope body and returns the remote delivery id when
// the channel reports one.
func (d *HTTPDriver) Deliver(ctx context.Context, e outbox.Envelope) (string, error) {
	if d.WebhookURL == "" {
		return "", fault.New(fault.Permanent, "channel_not_configured", "channel %s has no webhook url", d.Channel)
	}
	payload := map[string]any{
		"channel":         e.Channel,
		"kind":            e.Kind,
		"outbox_id":       e.OutboxID,
		"dedupe_key":      e.DedupeKey,
		"binding_id":      e.BindingID,
		"tenant_id":       e.ChannelTenantID,
		"conversation_id": e.ChannelConversationID,
		"body":            e.Body,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", fault.Wrap(fault.Permanent, "encode_failed", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(buf))
	if err != nil {
		return "", fault.Wrap(fault.Permanent, "bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Secret != "" {
		req.Header.Set(SecretHeader, d.Secret)
	}

	resp, err := d.client().Do(req)
	if err != nil {
		return "", fault.Wrap(fault.Transient, "channel_unreachable", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return deliveryID(body), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fault.New(fault.Transient, "channel_unavailable",
			"channel %s responded %d", d.Channel, resp.StatusCode)
	default:
		return "", fault.New(fault.Permanent, "channel_rejected",
			"channel %s responded %d: %s", d.Channel, resp.StatusCode, truncate(string(body), 200))
	}
}

func deliveryID(body []byte) string {
	var parsed struct {
		DeliveryID string `json:"delivery_id"`
		TS         string `json:"ts"`
		MessageID  string `json:"message_id"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return ""
	}
	switch {
	case parsed.DeliveryID != "":
		return parsed.DeliveryID
	case parsed.MessageID != "":
		return parsed.MessageID
	default:
		return parsed.TS
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s…", s[:n])
}
