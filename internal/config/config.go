package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// BaselineRuleVersion is recorded on decisions when the project carries no
// rule_version of its own.
const BaselineRuleVersion = "v1.0"

// Config models the per-project policy document (escrowline.yml).
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Rules    RuleSettings    `yaml:"rules"`
	Release  ReleasePolicy   `yaml:"release"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// RuleSettings are the thresholds consumed by the pure rule evaluator.
type RuleSettings struct {
	Version         string  `yaml:"version"`
	MinSentiment    int     `yaml:"min_sentiment"`
	AutoReleaseDays float64 `yaml:"auto_release_days"`
}

// ReleasePolicy holds the orchestrator thresholds. Defaults match the
// production rule set; changing them changes which decisions auto-release.
type ReleasePolicy struct {
	DeliveryMin        int     `yaml:"delivery_min"`
	BehaviorMin        int     `yaml:"behavior_min"`
	RiskMax            int     `yaml:"risk_max"`
	HoldRiskMin        int     `yaml:"hold_risk_min"`
	DisputeDeliveryMax int     `yaml:"dispute_delivery_max"`
	HighValueAmount    float64 `yaml:"high_value_amount"`
	LatePenaltyPerDay  int     `yaml:"late_penalty_per_day"`
	LowTrustThreshold  int     `yaml:"low_trust_threshold"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Default returns the baseline policy for a project.
func Default(projectID string) *Config {
	c := &Config{}
	c.Project.ID = projectID
	c.Rules = RuleSettings{
		Version:         BaselineRuleVersion,
		MinSentiment:    50,
		AutoReleaseDays: 7,
	}
	c.Release = ReleasePolicy{
		DeliveryMin:        75,
		BehaviorMin:        70,
		RiskMax:            40,
		HoldRiskMin:        70,
		DisputeDeliveryMax: 50,
		HighValueAmount:    1000,
		LatePenaltyPerDay:  5,
		LowTrustThreshold:  80,
	}
	return c
}

// FromYAML parses and validates a policy document.
func FromYAML(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToYAML serializes the config for storage.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the document describes a usable policy.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Rules.Version == "" {
		return fmt.Errorf("config.rules.version is required")
	}
	if c.Rules.MinSentiment < 0 || c.Rules.MinSentiment > 100 {
		return fmt.Errorf("config.rules.min_sentiment must be within 0-100")
	}
	if c.Rules.AutoReleaseDays <= 0 {
		return fmt.Errorf("config.rules.auto_release_days must be positive")
	}
	if c.Release.DeliveryMin <= 0 || c.Release.BehaviorMin <= 0 {
		return fmt.Errorf("config.release thresholds must be positive")
	}
	if c.Release.HoldRiskMin <= c.Release.RiskMax {
		return fmt.Errorf("config.release.hold_risk_min must exceed risk_max")
	}
	if c.Release.HighValueAmount <= 0 {
		return fmt.Errorf("config.release.high_value_amount must be positive")
	}
	if c.Release.LatePenaltyPerDay < 0 {
		return fmt.Errorf("config.release.late_penalty_per_day must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}
