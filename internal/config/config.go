package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models coordline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Scheduler struct {
		CandidateWindow int `yaml:"candidate_window"`
		ClaimAttempts   int `yaml:"claim_attempts"`
		LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
	} `yaml:"scheduler"`
	Priority struct {
		SeverityWeights     map[string]int `yaml:"severity_weights"`
		CustomerImpactBonus int            `yaml:"customer_impact_bonus"`
		BlockedPenalty      int            `yaml:"blocked_penalty"`
	} `yaml:"priority"`
	Dependencies struct {
		MaxDepth int `yaml:"max_depth"`
	} `yaml:"dependencies"`
	SLA struct {
		SweepIntervalSeconds int                `yaml:"sweep_interval_seconds"`
		FailureRetryBudget   int                `yaml:"failure_retry_budget"`
		Tiers                map[string]SLATier `yaml:"tiers"`
	} `yaml:"sla"`
	Governance struct {
		Namespace string `yaml:"namespace"`
	} `yaml:"governance"`
	Projection struct {
		RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
	} `yaml:"projection"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// SLATier bounds one severity level. CriticalMultiplier scales the limit
// past which a breach escalates.
type SLATier struct {
	MaxStatusSeconds   int64   `yaml:"max_status_seconds"`
	MaxAgeSeconds      int64   `yaml:"max_age_seconds"`
	CriticalMultiplier float64 `yaml:"critical_multiplier"`
}

// WebhookConfig describes one downstream event consumer.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cdl init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Scheduler.CandidateWindow <= 0 {
		return fmt.Errorf("config.scheduler.candidate_window must be positive")
	}
	if c.Scheduler.ClaimAttempts <= 0 {
		return fmt.Errorf("config.scheduler.claim_attempts must be positive")
	}
	if c.Scheduler.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("config.scheduler.lease_ttl_seconds must be positive")
	}
	if c.Dependencies.MaxDepth <= 0 {
		return fmt.Errorf("config.dependencies.max_depth must be positive")
	}
	if c.Governance.Namespace == "" {
		return fmt.Errorf("config.governance.namespace is required")
	}
	if len(c.SLA.Tiers) == 0 {
		return fmt.Errorf("config.sla.tiers is required")
	}
	for severity, tier := range c.SLA.Tiers {
		if severity == "" {
			return fmt.Errorf("config.sla.tiers contains empty severity")
		}
		if tier.MaxStatusSeconds <= 0 || tier.MaxAgeSeconds <= 0 {
			return fmt.Errorf("sla tier %s must have positive limits", severity)
		}
		if tier.CriticalMultiplier < 1 {
			return fmt.Errorf("sla tier %s critical_multiplier must be >= 1", severity)
		}
	}
	for severity, weight := range c.Priority.SeverityWeights {
		if severity == "" {
			return fmt.Errorf("config.priority.severity_weights contains empty severity")
		}
		if weight < 0 {
			return fmt.Errorf("severity weight for %s must not be negative", severity)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "coordline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
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

const defaultTemplate = `project:
  id: %s

scheduler:
  candidate_window: 5
  claim_attempts: 3
  lease_ttl_seconds: 3600

priority:
  severity_weights:
    p1: 40
    p2: 30
    p3: 20
    p4: 10
  customer_impact_bonus: 15
  blocked_penalty: 25

dependencies:
  max_depth: 32

sla:
  sweep_interval_seconds: 300
  failure_retry_budget: 3
  tiers:
    p1:
      max_status_seconds: 14400
      max_age_seconds: 86400
      critical_multiplier: 2
    p2:
      max_status_seconds: 86400
      max_age_seconds: 259200
      critical_multiplier: 2
    p3:
      max_status_seconds: 259200
      max_age_seconds: 604800
      critical_multiplier: 3
    p4:
      max_status_seconds: 604800
      max_age_seconds: 1209600
      critical_multiplier: 4

governance:
  namespace: governed

projection:
  refresh_interval_seconds: 5
`
