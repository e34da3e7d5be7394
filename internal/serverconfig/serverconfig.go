// Package serverconfig reads and patches <repo_root>/.mu/config.yaml, the
// operator-editable server configuration.
package serverconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/femtomc/mu-sub002/internal/fault"
	"github.com/femtomc/mu-sub002/internal/store/jsonl"
	"github.com/femtomc/mu-sub002/internal/wake"
)

// ChannelConfig configures one webhook adapter.
type ChannelConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	WebhookURL string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	Secret     string `yaml:"secret,omitempty" json:"secret,omitempty"`
	Frontend   string `yaml:"frontend,omitempty" json:"frontend,omitempty"`
}

// OperatorConfig holds the wake behavior switches.
type OperatorConfig struct {
	WakeTurnMode string `yaml:"wake_turn_mode" json:"wake_turn_mode"`
}

// ControlPlaneConfig is the control_plane section.
type ControlPlaneConfig struct {
	Operator                OperatorConfig           `yaml:"operator" json:"operator"`
	AutoRunHeartbeatEveryMS int64                    `yaml:"auto_run_heartbeat_every_ms,omitempty" json:"auto_run_heartbeat_every_ms,omitempty"`
	Channels                map[string]ChannelConfig `yaml:"channels,omitempty" json:"channels,omitempty"`
}

// Config is the whole file.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane" json:"control_plane"`
}

// Patch carries the fields a config POST may change; nil leaves a field
// untouched.
type Patch struct {
	WakeTurnMode            *string                  `json:"wake_turn_mode,omitempty"`
	AutoRunHeartbeatEveryMS *int64                   `json:"auto_run_heartbeat_every_ms,omitempty"`
	Channels                map[string]ChannelConfig `json:"channels,omitempty"`
}

func defaults() Config {
	return Config{
		ControlPlane: ControlPlaneConfig{
			Operator:                OperatorConfig{WakeTurnMode: string(wake.ModePassive)},
			AutoRunHeartbeatEveryMS: 30_000,
		},
	}
}

// Store owns the config file.
type Store struct {
	path string

	mu  sync.Mutex
	cfg Config
}

// Load reads the file, or seeds defaults when it does not exist.
func Load(repoRoot string) (*Store, error) {
	s := &Store{path: jsonl.Path(repoRoot, "config.yaml"), cfg: defaults()}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if s.cfg.ControlPlane.Operator.WakeTurnMode == "" {
		s.cfg.ControlPlane.Operator.WakeTurnMode = string(wake.ModePassive)
	}
	if s.cfg.ControlPlane.AutoRunHeartbeatEveryMS == 0 {
		s.cfg.ControlPlane.AutoRunHeartbeatEveryMS = 30_000
	}
	return s, nil
}

// Get returns a snapshot.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cfg
	if s.cfg.ControlPlane.Channels != nil {
		out.ControlPlane.Channels = make(map[string]ChannelConfig, len(s.cfg.ControlPlane.Channels))
		for k, v := range s.cfg.ControlPlane.Channels {
			out.ControlPlane.Channels[k] = v
		}
	}
	return out
}

// Mode returns the wake turn mode as the orchestrator consumes it.
func (s *Store) Mode() wake.TurnMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.ControlPlane.Operator.WakeTurnMode == string(wake.ModeActive) {
		return wake.ModeActive
	}
	return wake.ModePassive
}

// Apply patches and persists the config.
func (s *Store) Apply(p Patch) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.WakeTurnMode != nil {
		mode := *p.WakeTurnMode
		if mode != string(wake.ModePassive) && mode != string(wake.ModeActive) {
			return Config{}, fault.New(fault.Validation, "invalid_wake_turn_mode",
				"wake_turn_mode must be %q or %q", wake.ModePassive, wake.ModeActive)
		}
		s.cfg.ControlPlane.Operator.WakeTurnMode = mode
	}
	if p.AutoRunHeartbeatEveryMS != nil {
		if *p.AutoRunHeartbeatEveryMS < 0 {
			return Config{}, fault.New(fault.Validation, "invalid_every_ms", "auto_run_heartbeat_every_ms must be >= 0")
		}
		s.cfg.ControlPlane.AutoRunHeartbeatEveryMS = *p.AutoRunHeartbeatEveryMS
	}
	for name, cc := range p.Channels {
		if s.cfg.ControlPlane.Channels == nil {
			s.cfg.ControlPlane.Channels = make(map[string]ChannelConfig)
		}
		s.cfg.ControlPlane.Channels[name] = cc
	}
	if err := s.persistLocked(); err != nil {
		return Config{}, err
	}
	return s.cfg, nil
}

func (s *Store) persistLocked() error {
	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
