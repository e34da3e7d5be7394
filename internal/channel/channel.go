// Package channel hosts the webhook adapter set: outbound drivers for the
// outbox worker, shared-secret ingress verification, and the generation
// manager that swaps adapter configurations in-process.
package channel

import "github.com/femtomc/mu-sub002/internal/serverconfig"

// Known channels.
const (
	Slack    = "slack"
	Discord  = "discord"
	Telegram = "telegram"
	Neovim   = "neovim"
	VSCode   = "vscode"
)

// Known lists every channel a route exists for, in route order.
var Known = []string{Slack, Discord, Telegram, Neovim, VSCode}

// SecretHeader is the shared-secret header ingress webhooks must carry.
const SecretHeader = "X-Mu-Webhook-Secret"

// Verification describes how a channel's ingress is authenticated.
type Verification struct {
	Kind         string `json:"kind"`
	SecretHeader string `json:"secret_header"`
}

// Capability is the per-channel row of /api/control-plane/channels.
type Capability struct {
	Channel      string       `json:"channel"`
	Route        string       `json:"route"`
	Configured   bool         `json:"configured"`
	Active       bool         `json:"active"`
	Frontend     string       `json:"frontend,omitempty"`
	Verification Verification `json:"verification"`
}

// Route returns the ingress route for a channel.
func Route(name string) string { return "/webhooks/" + name }

func capabilityFor(name string, cfg serverconfig.ChannelConfig, active bool) Capability {
	return Capability{
		Channel:    name,
		Route:      Route(name),
		Configured: cfg.WebhookURL != "" || cfg.Secret != "",
		Active:     active,
		Frontend:   cfg.Frontend,
		Verification: Verification{
			Kind:         "shared_secret",
			SecretHeader: SecretHeader,
		},
	}
}
