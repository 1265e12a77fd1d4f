package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models flowline.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Flow struct {
		// DeviationToleranceMinutes is the band inside which a late
		// completion is still treated as on time.
		DeviationToleranceMinutes float64 `yaml:"deviation_tolerance_minutes"`
		// WarningRatio derives the effective WIP warning threshold
		// (floor(limit*ratio)) when a cell has no explicit threshold.
		WarningRatio float64 `yaml:"warning_ratio"`
	} `yaml:"flow"`
	Expectations struct {
		Sources map[string]SourceSpec `yaml:"sources"`
	} `yaml:"expectations"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type SourceSpec struct {
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Flow.DeviationToleranceMinutes < 0 {
		return fmt.Errorf("config.flow.deviation_tolerance_minutes must not be negative")
	}
	if c.Flow.WarningRatio < 0 || c.Flow.WarningRatio > 1 {
		return fmt.Errorf("config.flow.warning_ratio must be between 0 and 1")
	}
	if len(c.Expectations.Sources) == 0 {
		return fmt.Errorf("config.expectations.sources is required")
	}
	for src := range c.Expectations.Sources {
		if src == "" {
			return fmt.Errorf("config.expectations.sources contains empty source id")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// SourceAllowed reports whether src is a recognized expectation origin.
func (c *Config) SourceAllowed(src string) bool {
	_, ok := c.Expectations.Sources[src]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID, tenantID)
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

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
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

const defaultTemplate = `tenant:
  id: %s
  name: %s

flow:
  deviation_tolerance_minutes: 1
  warning_ratio: 0.8

expectations:
  sources:
    manual:
      description: "Asserted by an operator or planner by hand"
    scheduler:
      description: "Output of a scheduling run"
    auto_replan:
      description: "Automatic replan after an upstream change"
    system:
      description: "System default belief"
    backfill:
      description: "Backfill import of historical beliefs"
    job_create:
      description: "Seeded when a job was created"
    job_update:
      description: "Reasserted when a job was updated"
    operation_create:
      description: "Seeded when an operation was created"
    operation_update:
      description: "Reasserted when an operation was updated"
    due_date_change:
      description: "Reasserted after a due date change"
`
