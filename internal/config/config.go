package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models tradejunco.yml.
type Config struct {
	Admins []string `yaml:"admins"`

	Rules struct {
		DayRate     float64 `yaml:"day_rate"`
		MaxDays     int     `yaml:"max_days"`
		MinLeadDays int     `yaml:"min_lead_days"`
		VolumeFloor float64 `yaml:"volume_floor"`
	} `yaml:"rules"`

	Evidence struct {
		UploadURL string `yaml:"upload_url"`
		APIKey    string `yaml:"api_key"`
	} `yaml:"evidence"`

	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

// IsAdmin checks an email against the administrator allow-list,
// case-insensitively.
func (c *Config) IsAdmin(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, a := range c.Admins {
		if strings.ToLower(strings.TrimSpace(a)) == email {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Admins) == 0 {
		return fmt.Errorf("config.admins requires at least one administrator email")
	}
	for _, a := range c.Admins {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("config.admins contains an empty email")
		}
	}
	if c.Rules.DayRate < 0 {
		return fmt.Errorf("config.rules.day_rate must be non-negative")
	}
	if c.Rules.MaxDays < 1 {
		return fmt.Errorf("config.rules.max_days must be at least 1")
	}
	if c.Rules.MinLeadDays < 0 {
		return fmt.Errorf("config.rules.min_lead_days must be non-negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tradejunco.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
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

// WriteDefault writes the built-in template to the workspace config
// path. Refuses to overwrite an existing file.
func WriteDefault(workspace string) (string, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

const defaultTemplate = `admins:
  - mateus.silva@junco.com.br
  - cissia.souza@junco.com.br

rules:
  day_rate: 150
  max_days: 5
  min_lead_days: 5
  volume_floor: 5000

evidence:
  upload_url: https://api.imgbb.com/1/upload
  api_key: ""

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true
`
