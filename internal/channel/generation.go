package channel

import (
	"sync"

	"github.com/femtomc/mu-sub002/internal/clock"
	"github.com/femtomc/mu-sub002/internal/event"
	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/outbox"
	"github.com/femtomc/mu-sub002/internal/serverconfig"
)

// adapter is one channel's live configuration within a generation.
type adapter struct {
	name   string
	cfg    serverconfig.ChannelConfig
	driver *HTTPDriver
}

// GenerationInfo snapshots a reload or rollback outcome.
type GenerationInfo struct {
	Outcome string `json:"outcome"` // reloaded | rolled_back | noop
	From    int    `json:"from"`
	To      int    `json:"to"`
	Active  int    `json:"active"`
}

// Counters are the observability counts /api/status reports.
type Counters struct {
	Reloads    int `json:"reloads"`
	Rollbacks  int `json:"rollbacks"`
	Ingress    int `json:"ingress_accepted"`
	IngressBad int `json:"ingress_rejected"`
}

// Manager owns the active adapter generation. Reload builds a new
// generation from config; rollback restores the previous one.
type Manager struct {
	Config *serverconfig.Store
	Clock  clock.Clock
	Events *event.Log
	Audit  *Audit

	mu         sync.Mutex
	generation int
	adapters   map[string]*adapter
	previous   map[string]*adapter
	prevGen    int
	lastSwap   GenerationInfo
	counters   Counters
}

// NewManager builds the manager and activates generation 1 from config.
func NewManager(cfg *serverconfig.Store, clk clock.Clock, events *event.Log, audit *Audit) *Manager {
	m := &Manager{Config: cfg, Clock: clk, Events: events, Audit: audit}
	m.adapters = m.build()
	m.generation = 1
	m.lastSwap = GenerationInfo{Outcome: "reloaded", From: 0, To: 1, Active: 1}
	return m
}

func (m *Manager) build() map[string]*adapter {
	out := make(map[string]*adapter)
	channels := m.Config.Get().ControlPlane.Channels
	for _, name := range Known {
		cfg := channels[name]
		if !cfg.Enabled {
			continue
		}
		out[name] = &adapter{
			name: name,
			cfg:  cfg,
			driver: &HTTPDriver{
				Channel:    name,
				WebhookURL: cfg.WebhookURL,
				Secret:     cfg.Secret,
			},
		}
	}
	return out
}

// Reload swaps in a fresh generation built from current config.
func (m *Manager) Reload() GenerationInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.previous = m.adapters
	m.prevGen = m.generation
	m.adapters = m.build()
	m.generation++
	m.counters.Reloads++
	m.lastSwap = GenerationInfo{Outcome: "reloaded", From: m.prevGen, To: m.generation, Active: m.generation}
	m.Events.Emit("control_plane.generation", event.Meta{Source: "channel"}, map[string]any{
		"outcome": m.lastSwap.Outcome,
		"from":    m.lastSwap.From,
		"to":      m.lastSwap.To,
		"active":  m.lastSwap.Active,
	})
	m.Audit.Record("generation.reload", "", map[string]any{"from": m.lastSwap.From, "to": m.lastSwap.To})
	return m.lastSwap
}

// Rollback restores the previous generation. Only one step of history is
// kept.
func (m *Manager) Rollback() (GenerationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.previous == nil {
		return GenerationInfo{}, fault.New(fault.Conflict, "no_previous_generation", "no generation to roll back to")
	}
	from := m.generation
	m.adapters = m.previous
	m.generation = m.prevGen
	m.previous = nil
	m.counters.Rollbacks++
	m.lastSwap = GenerationInfo{Outcome: "rolled_back", From: from, To: m.generation, Active: m.generation}
	m.Events.Emit("control_plane.generation", event.Meta{Source: "channel"}, map[string]any{
		"outcome": m.lastSwap.Outcome,
		"from":    m.lastSwap.From,
		"to":      m.lastSwap.To,
		"active":  m.lastSwap.Active,
	})
	m.Audit.Record("generation.rollback", "", map[string]any{"from": from, "to": m.generation})
	return m.lastSwap, nil
}

// Drivers returns the outbox driver set for the active generation.
func (m *Manager) Drivers() map[string]outbox.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]outbox.Driver, len(m.adapters))
	for name, a := range m.adapters {
		out[name] = a.driver
	}
	return out
}

// Capable reports whether the active generation can deliver to a channel.
// The fan-out uses it to mark unsupported channels skipped.
func (m *Manager) Capable(channelName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[channelName]
	return ok && a.cfg.WebhookURL != ""
}

// Secret returns the ingress shared secret for a channel, or "" when the
// channel is not active.
func (m *Manager) Secret(channelName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[channelName]
	if !ok {
		return "", false
	}
	return a.cfg.Secret, true
}

// Capabilities returns the /api/control-plane/channels rows.
func (m *Manager) Capabilities() []Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := m.Config.Get().ControlPlane.Channels
	out := make([]Capability, 0, len(Known))
	for _, name := range Known {
		_, active := m.adapters[name]
		out = append(out, capabilityFor(name, channels[name], active))
	}
	return out
}

// Status returns the control-plane section of /api/status.
func (m *Manager) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	adapters := make([]string, 0, len(m.adapters))
	routes := make([]string, 0, len(m.adapters))
	for _, name := range Known {
		if _, ok := m.adapters[name]; ok {
			adapters = append(adapters, name)
			routes = append(routes, Route(name))
		}
	}
	return map[string]any{
		"active":   len(m.adapters) > 0,
		"adapters": adapters,
		"routes":   routes,
		"generation": map[string]any{
			"outcome": m.lastSwap.Outcome,
			"from":    m.lastSwap.From,
			"to":      m.lastSwap.To,
			"active":  m.lastSwap.Active,
		},
		"observability": map[string]any{
			"counters": m.counters,
		},
	}
}

func (m *Manager) countIngress(accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accepted {
		m.counters.Ingress++
	} else {
		m.counters.IngressBad++
	}
}
