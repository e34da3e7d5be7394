package channel

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/wake"
)

// IngressEnvelope is a channel adapter's normalized webhook post. Channel
// wire decoding happens upstream; the server only sees this shape.
type IngressEnvelope struct {
	RequestID      string         `json:"request_id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Text           string         `json:"text"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IngressResult is returned to the webhook caller on accept.
type IngressResult struct {
	Accepted   bool   `json:"accepted"`
	RequestID  string `json:"request_id"`
	ResultKind string `json:"result_kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Ingress verifies webhook posts and hands accepted commands to the
// pipeline seam.
type Ingress struct {
	Manager   *Manager
	Submitter wake.TurnSubmitter
	RepoRoot  string
}

// Accept verifies the shared secret and submits the command. The secret
// comparison is constant-time.
func (i *Ingress) Accept(ctx context.Context, channelName, secret string, env IngressEnvelope) (IngressResult, error) {
	configured, active := i.Manager.Secret(channelName)
	if !active {
		i.Manager.countIngress(false)
		return IngressResult{}, fault.New(fault.NotFound, "channel_inactive", "channel %s is not active", channelName)
	}
	if configured == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(configured)) != 1 {
		i.Manager.countIngress(false)
		i.Manager.Audit.Record("ingress.rejected", channelName, map[string]any{"reason": "bad_secret"})
		return IngressResult{}, fault.New(fault.Validation, "bad_webhook_secret", "webhook secret mismatch for %s", channelName)
	}
	if env.Text == "" {
		i.Manager.countIngress(false)
		return IngressResult{}, fault.New(fault.Validation, "empty_command", "ingress envelope has no text")
	}
	if env.RequestID == "" {
		env.RequestID = fmt.Sprintf("%s:%s:%s", channelName, env.ConversationID, env.ActorID)
	}

	i.Manager.countIngress(true)
	i.Manager.Audit.Record("ingress.accepted", channelName, map[string]any{
		"request_id":      env.RequestID,
		"tenant_id":       env.TenantID,
		"actor_id":        env.ActorID,
		"conversation_id": env.ConversationID,
	})

	res, err := i.Submitter.SubmitTerminalCommand(ctx, wake.TurnRequest{
		RequestID:   env.RequestID,
		CommandText: env.Text,
		RepoRoot:    i.RepoRoot,
		Correlation: map[string]any{
			"channel":         channelName,
			"tenant_id":       env.TenantID,
			"actor_id":        env.ActorID,
			"conversation_id": env.ConversationID,
		},
	})
	if err != nil {
		return IngressResult{}, err
	}
	return IngressResult{
		Accepted:   true,
		RequestID:  env.RequestID,
		ResultKind: res.Kind,
		Message:    res.Message,
	}, nil
}
