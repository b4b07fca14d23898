package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models opsline.yml.
type Config struct {
	Timezone   string `yaml:"timezone"`
	Escalation struct {
		InitialDelayMinutes   int `yaml:"initial_delay_minutes"`
		RepeatIntervalMinutes int `yaml:"repeat_interval_minutes"`
	} `yaml:"escalation"`
	Notify struct {
		WebhookURL            string `yaml:"webhook_url"`
		Secret                string `yaml:"secret"`
		TimeoutSeconds        int    `yaml:"timeout_seconds"`
		SuppressWindowMinutes int    `yaml:"suppress_window_minutes"`
	} `yaml:"notify"`
	Scheduler struct {
		Sweep          string `yaml:"sweep"`
		RedundantSweep string `yaml:"redundant_sweep"`
		Materialize    string `yaml:"materialize"`
		Rollup         string `yaml:"rollup"`
		Cleanup        string `yaml:"cleanup"`
		LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
		RetentionDays  int    `yaml:"retention_days"`
	} `yaml:"scheduler"`
	Server struct {
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Location resolves the configured business timezone. Every run-date and
// due-time computation must go through the returned location; nothing reads
// the ambient process timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Timezone == "" {
		return fmt.Errorf("config.timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config.timezone %q: %w", c.Timezone, err)
	}
	if c.Escalation.InitialDelayMinutes <= 0 {
		return fmt.Errorf("config.escalation.initial_delay_minutes must be positive")
	}
	if c.Escalation.RepeatIntervalMinutes <= 0 {
		return fmt.Errorf("config.escalation.repeat_interval_minutes must be positive")
	}
	if c.Notify.SuppressWindowMinutes < 0 {
		return fmt.Errorf("config.notify.suppress_window_minutes must not be negative")
	}
	for name, spec := range map[string]string{
		"sweep":           c.Scheduler.Sweep,
		"redundant_sweep": c.Scheduler.RedundantSweep,
		"materialize":     c.Scheduler.Materialize,
		"rollup":          c.Scheduler.Rollup,
		"cleanup":         c.Scheduler.Cleanup,
	} {
		if spec == "" {
			return fmt.Errorf("config.scheduler.%s is required", name)
		}
	}
	if c.Scheduler.LockTTLSeconds <= 0 {
		return fmt.Errorf("config.scheduler.lock_ttl_seconds must be positive")
	}
	if c.Scheduler.RetentionDays <= 0 {
		return fmt.Errorf("config.scheduler.retention_days must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `timezone: UTC

escalation:
  initial_delay_minutes: 15
  repeat_interval_minutes: 15

notify:
  webhook_url: ""
  secret: ""
  timeout_seconds: 5
  suppress_window_minutes: 10

scheduler:
  sweep: "* * * * *"
  redundant_sweep: "*/10 * * * *"
  materialize: "5 0 * * *"
  rollup: "*/5 * * * *"
  cleanup: "30 2 * * *"
  lock_ttl_seconds: 55
  retention_days: 90

server:
  base_path: /v0
  jwt_secret: ""
  allow_legacy_actor_header: true

log:
  level: info
  format: text
`
