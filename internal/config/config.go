package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"groveline/internal/domain"
)

// Config models groveline.yml.
type Config struct {
	Server struct {
		BasePath          string `yaml:"base_path"`
		JWTSecret         string `yaml:"jwt_secret"`
		AllowWalletHeader bool   `yaml:"allow_wallet_header"`
	} `yaml:"server"`
	StageTemplates []domain.StageTaskTemplate `yaml:"stage_templates"`
	GateRules      []domain.StageGateRule     `yaml:"gate_rules"`
	Webhooks       []WebhookConfig            `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run grove init or pass --workspace", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, tpl := range c.StageTemplates {
		if tpl.ID == "" {
			return fmt.Errorf("stage template with empty id")
		}
		if seen[tpl.ID] {
			return fmt.Errorf("duplicate stage template id %s", tpl.ID)
		}
		seen[tpl.ID] = true
		if !domain.KnownStage(tpl.Stage) {
			return fmt.Errorf("stage template %s has unknown stage %q", tpl.ID, tpl.Stage)
		}
		if tpl.Title == "" {
			return fmt.Errorf("stage template %s has empty title", tpl.ID)
		}
		if tpl.DueOffsetDays < 0 {
			return fmt.Errorf("stage template %s has negative due_offset_days", tpl.ID)
		}
	}
	for i, rule := range c.GateRules {
		if !domain.KnownStage(rule.TargetStage) {
			return fmt.Errorf("gate rule %d has unknown target stage %q", i, rule.TargetStage)
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
	return filepath.Join(workspace, "groveline.yml")
}

// Default returns the built-in config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML for grove init.
func GenerateDefault() string {
	return defaultTemplate
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
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/v0"
	}
	return &cfg, nil
}

const defaultTemplate = `server:
  base_path: /v0
  allow_wallet_header: true

stage_templates:
  - id: prepare-soil
    stage: planted
    title: "Prepare soil and drainage"
    description: "Check drainage channels and loosen topsoil around seedlings"
    due_offset_days: 3
    assignee_role: agronomist
    enabled: true
  - id: install-irrigation
    stage: planted
    title: "Install drip irrigation"
    due_offset_days: 7
    enabled: true
  - id: first-fertilizer
    stage: growing
    title: "Apply first fertilizer round"
    description: "NPK application per hectare plan"
    due_offset_days: 5
    assignee_role: agronomist
    enabled: true
  - id: pest-inspection
    stage: growing
    title: "Pest and disease inspection"
    due_offset_days: 10
    assignee_role: field scout
    enabled: true
  - id: yield-audit
    stage: harvested
    title: "Record final yield audit"
    due_offset_days: 2
    enabled: true

gate_rules:
  - target_stage: growing
    required_tasks_completed: 1
    minimum_days_in_current_stage: 7
    enabled: true
  - target_stage: harvested
    required_tasks_completed: 2
    minimum_yield_checkpoints: 1
    enabled: true
  - target_stage: harvested
    require_coordinates: true
    advisory: true
    enabled: true
`
