// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Channel types, matching the bridge adapter implementations.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelSlack    = "slack"
)

// Config is the top-level Switchboard configuration, loaded from
// ~/.switchboard/config.yaml.
type Config struct {
	StateDir string          `yaml:"state_dir,omitempty"`
	Channels []ChannelConfig `yaml:"channels"`
	Batch    BatchConfig     `yaml:"batch,omitempty"`
	Daemon   DaemonConfig    `yaml:"daemon,omitempty"`
}

// ChannelConfig holds one chat platform connection and its owner.
type ChannelConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"` // telegram, discord, or slack
	Token       string `yaml:"token"`
	AppToken    string `yaml:"app_token,omitempty"` // slack socket mode only
	OwnerChatID string `yaml:"owner_chat_id"`
	OwnerUserID string `yaml:"owner_user_id"`
}

// BatchConfig tunes the output batching engine.
type BatchConfig struct {
	MinIntervalMs int `yaml:"min_interval_ms,omitempty"`
	MaxIntervalMs int `yaml:"max_interval_ms,omitempty"`
	MaxChars      int `yaml:"max_chars,omitempty"`
}

// DaemonConfig tunes daemon housekeeping.
type DaemonConfig struct {
	ReapMaxAgeSec   int `yaml:"reap_max_age_sec,omitempty"`
	ReapIntervalSec int `yaml:"reap_interval_sec,omitempty"`
}

// DefaultStateDir returns ~/.switchboard.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".switchboard"
	}
	return filepath.Join(home, ".switchboard")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// Load reads a YAML config file from path and returns a validated
// Config. A missing file yields an empty but valid configuration, so
// the CLI works before any channel has been added.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration to path, creating the directory if
// needed. The file carries token material, hence the tight mode.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate applies defaults and checks the configuration, for callers
// that mutate a Config in memory before saving it.
func (c *Config) Validate() error {
	c.applyDefaults()
	return c.validate()
}

// Channel returns the channel with the given name, or nil.
func (c *Config) Channel(name string) *ChannelConfig {
	for i := range c.Channels {
		if c.Channels[i].Name == name {
			return &c.Channels[i]
		}
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.Batch.MinIntervalMs == 0 {
		c.Batch.MinIntervalMs = 1000
	}
	if c.Batch.MaxIntervalMs == 0 {
		c.Batch.MaxIntervalMs = 5000
	}
	if c.Batch.MaxChars == 0 {
		c.Batch.MaxChars = 3500
	}
	if c.Daemon.ReapMaxAgeSec == 0 {
		c.Daemon.ReapMaxAgeSec = 90
	}
	if c.Daemon.ReapIntervalSec == 0 {
		c.Daemon.ReapIntervalSec = 30
	}
	for i := range c.Channels {
		if c.Channels[i].Name == "" {
			c.Channels[i].Name = c.Channels[i].Type
		}
	}
}

// validate checks that all channels are complete and consistent.
func (c *Config) validate() error {
	var errs []string
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if seen[ch.Name] {
			errs = append(errs, fmt.Sprintf("channels[%d]: duplicate name %q", i, ch.Name))
		}
		seen[ch.Name] = true
		if strings.Contains(ch.Name, ":") {
			errs = append(errs, fmt.Sprintf("channels[%d]: name must not contain ':'", i))
		}
		switch ch.Type {
		case ChannelTelegram, ChannelDiscord:
			if ch.Token == "" {
				errs = append(errs, fmt.Sprintf("channels[%d] (%s): token is required", i, ch.Name))
			}
		case ChannelSlack:
			if ch.Token == "" {
				errs = append(errs, fmt.Sprintf("channels[%d] (%s): token is required", i, ch.Name))
			}
			if ch.AppToken == "" {
				errs = append(errs, fmt.Sprintf("channels[%d] (%s): app_token is required for socket mode", i, ch.Name))
			}
		default:
			errs = append(errs, fmt.Sprintf("channels[%d]: unknown type %q", i, ch.Type))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
