package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/outbox"
)

func TestDeliverUnconfiguredChannelIsPermanent(t *testing.T) {
	d := &HTTPDriver{Channel: Slack}
	_, err := d.Deliver(context.Background(), outbox.Envelope{Channel: Slack})
	if fault.KindOf(err) != fault.Permanent || fault.ReasonOf(err) != "channel_not_configured" {
		t.Errorf("deliver without url: %v", err)
	}
}

func TestDeliverSuccessReturnsDeliveryID(t *testing.T) {
	var gotSecret string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(SecretHeader)
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"delivery_id":"msg-77"}`))
	}))
	defer srv.Close()

	d := &HTTPDriver{Channel: Slack, WebhookURL: srv.URL, Secret: "s3cret"}
	id, err := d.Deliver(context.Background(), outbox.Envelope{
		Channel:   Slack,
		Kind:      "wake",
		OutboxID:  "ob-1",
		DedupeKey: "k",
		Body:      map[string]any{"title": "standup"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "msg-77" {
		t.Errorf("delivery id = %q", id)
	}
	if gotSecret != "s3cret" {
		t.Errorf("secret header = %q", gotSecret)
	}
	if gotBody["outbox_id"] != "ob-1" || gotBody["kind"] != "wake" {
		t.Errorf("posted payload = %+v", gotBody)
	}
}

func TestDeliverStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   fault.Kind
		reason string
	}{
		{http.StatusTooManyRequests, fault.Transient, "channel_unavailable"},
		{http.StatusBadGateway, fault.Transient, "channel_unavailable"},
		{http.StatusInternalServerError, fault.Transient, "channel_unavailable"},
		{http.StatusBadRequest, fault.Permanent, "channel_rejected"},
		{http.StatusForbidden, fault.Permanent, "channel_rejected"},
		{http.StatusNotFound, fault.Permanent, "channel_rejected"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		d := &HTTPDriver{Channel: Slack, WebhookURL: srv.URL}
		_, err := d.Deliver(context.Background(), outbox.Envelope{Channel: Slack})
		srv.Close()
		if fault.KindOf(err) != tt.kind || fault.ReasonOf(err) != tt.reason {
			t.Errorf("status %d: got %v, want %s/%s", tt.status, err, tt.kind, tt.reason)
		}
	}
}

func TestDeliverNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refused from here on

	d := &HTTPDriver{Channel: Slack, WebhookURL: srv.URL}
	_, err := d.Deliver(context.Background(), outbox.Envelope{Channel: Slack})
	if fault.KindOf(err) != fault.Transient || fault.ReasonOf(err) != "channel_unreachable" {
		t.Errorf("refused connection: %v", err)
	}
	if !fault.IsRetryable(err) {
		t.Error("network errors must be retryable")
	}
}

func TestDeliveryIDFallbacks(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"delivery_id":"d1","message_id":"m1","ts":"t1"}`, "d1"},
		{`{"message_id":"m1","ts":"t1"}`, "m1"},
		{`{"ts":"1726000000.12"}`, "1726000000.12"},
		{`not json`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		if got := deliveryID([]byte(tt.body)); got != tt.want {
			t.Errorf("deliveryID(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
