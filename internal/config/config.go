package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cookline/internal/domain"
)

// Config models the per-team policy file (cookline.yml).
type Config struct {
	Team struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"team" json:"team"`
	Cook          CookConfig          `yaml:"cook" json:"cook"`
	Governance    GovernanceConfig    `yaml:"governance" json:"governance"`
	Sync          SyncConfig          `yaml:"sync" json:"sync"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" json:"telemetry"`
}

type CookConfig struct {
	// Cap bounds the COOK counted towards governance weight; nil means uncapped.
	Cap *float64 `yaml:"cap,omitempty" json:"cap,omitempty"`
	// DecayRate is the per-month exponential decay rate; nil disables decay.
	DecayRate *float64 `yaml:"decay_rate,omitempty" json:"decay_rate,omitempty"`
	AllowZero bool     `yaml:"allow_zero" json:"allow_zero"`
}

type GovernanceConfig struct {
	ObjectionThreshold        float64 `yaml:"objection_threshold" json:"objection_threshold"`
	ObjectionWindowHours      int     `yaml:"objection_window_hours" json:"objection_window_hours"`
	VotingHours               int     `yaml:"voting_hours" json:"voting_hours"`
	ConstitutionalApprovalPct float64 `yaml:"constitutional_approval_pct" json:"constitutional_approval_pct"`
}

type SyncConfig struct {
	Enabled          bool              `yaml:"enabled" json:"enabled"`
	BaseURL          string            `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	ProjectID        string            `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	FailureThreshold int               `yaml:"failure_threshold" json:"failure_threshold"`
	CooldownSeconds  int               `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	MaxRetries       int               `yaml:"max_retries" json:"max_retries"`
	Columns          map[string]string `yaml:"columns,omitempty" json:"columns,omitempty"`
}

type NotificationsConfig struct {
	WebhookURL     string   `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	// Events limits webhook delivery to these notification types; empty means all.
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Stdout  bool `yaml:"stdout" json:"stdout"`
}

// ObjectionWindow returns the configured objection window duration.
func (g GovernanceConfig) ObjectionWindow() time.Duration {
	return time.Duration(g.ObjectionWindowHours) * time.Hour
}

// VotingPeriod returns the configured voting duration.
func (g GovernanceConfig) VotingPeriod() time.Duration {
	return time.Duration(g.VotingHours) * time.Hour
}

// Cooldown returns how long an open breaker waits before a probe.
func (s SyncConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Team.ID == "" {
		return fmt.Errorf("config.team.id is required")
	}
	if c.Cook.Cap != nil && *c.Cook.Cap <= 0 {
		return fmt.Errorf("config.cook.cap must be positive when set")
	}
	if c.Cook.DecayRate != nil && (*c.Cook.DecayRate < 0 || *c.Cook.DecayRate >= 1) {
		return fmt.Errorf("config.cook.decay_rate must be in [0,1)")
	}
	if c.Governance.ObjectionThreshold <= 0 {
		return fmt.Errorf("config.governance.objection_threshold must be positive")
	}
	if c.Governance.ObjectionWindowHours <= 0 {
		return fmt.Errorf("config.governance.objection_window_hours must be positive")
	}
	if c.Governance.VotingHours <= 0 {
		return fmt.Errorf("config.governance.voting_hours must be positive")
	}
	if c.Governance.ConstitutionalApprovalPct <= 0 || c.Governance.ConstitutionalApprovalPct > 100 {
		return fmt.Errorf("config.governance.constitutional_approval_pct must be in (0,100]")
	}
	if c.Sync.FailureThreshold <= 0 {
		return fmt.Errorf("config.sync.failure_threshold must be positive")
	}
	if c.Sync.CooldownSeconds <= 0 {
		return fmt.Errorf("config.sync.cooldown_seconds must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("config.sync.max_retries must not be negative")
	}
	if c.Sync.Enabled && c.Sync.ProjectID == "" {
		return fmt.Errorf("config.sync.project_id is required when sync is enabled")
	}
	for column, state := range c.Sync.Columns {
		if strings.TrimSpace(column) == "" {
			return fmt.Errorf("config.sync.columns has empty column name")
		}
		if !domain.TaskState(state).Valid() {
			return fmt.Errorf("config.sync.columns[%s] maps to unknown state %s", column, state)
		}
	}
	return nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault(teamID string) string {
	return fmt.Sprintf(defaultTemplate, teamID, teamID)
}

// Default returns the default Config struct for a team.
func Default(teamID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(teamID))).Decode(&cfg)
	cfg.Team.ID = teamID
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

const defaultTemplate = `team:
  id: %s
  name: %s

cook:
  allow_zero: false

governance:
  objection_threshold: 10
  objection_window_hours: 72
  voting_hours: 168
  constitutional_approval_pct: 66.67

sync:
  enabled: false
  failure_threshold: 5
  cooldown_seconds: 60
  max_retries: 8
  columns:
    Backlog: backlog
    Ready: ready
    In Progress: in_progress
    Review: review
    Done: done

telemetry:
  enabled: false
  stdout: false
`
