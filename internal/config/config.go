package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models teamplan.yml.
type Config struct {
	Bot struct {
		Token         string `yaml:"token"`
		WebhookURL    string `yaml:"webhook_url"`
		WebhookSecret string `yaml:"webhook_secret"`
		Hardened      bool   `yaml:"hardened"`
		APIURL        string `yaml:"api_url"`
	} `yaml:"bot"`
	Tasks struct {
		CodePrefix string `yaml:"code_prefix"`
		CodeWidth  int    `yaml:"code_width"`
		ListLimit  int    `yaml:"list_limit"`
	} `yaml:"tasks"`
	Files struct {
		Dir          string `yaml:"dir"`
		MaxSizeBytes int64  `yaml:"max_size_bytes"`
	} `yaml:"files"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tasks.CodePrefix == "" {
		return fmt.Errorf("config.tasks.code_prefix is required")
	}
	if c.Tasks.CodeWidth <= 0 {
		return fmt.Errorf("config.tasks.code_width must be positive")
	}
	if c.Tasks.ListLimit <= 0 {
		return fmt.Errorf("config.tasks.list_limit must be positive")
	}
	if c.Files.Dir == "" {
		return fmt.Errorf("config.files.dir is required")
	}
	if c.Files.MaxSizeBytes <= 0 {
		return fmt.Errorf("config.files.max_size_bytes must be positive")
	}
	if c.Bot.Hardened && c.Bot.WebhookSecret == "" {
		return fmt.Errorf("config.bot.webhook_secret is required when hardened")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "teamplan.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with tp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault writes the default config file into the workspace and
// returns its path. An existing file is left untouched.
func GenerateDefault(workspace string) (string, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

const defaultTemplate = `bot:
  # Bot API token for the messaging platform.
  token: ""
  # Public URL registered with the platform via serve --register-webhook.
  webhook_url: ""
  # Shared secret compared against the X-Signature-Secret webhook header.
  webhook_secret: ""
  # When true, webhook deliveries without a matching secret are rejected.
  hardened: false
  # Override for the platform API base URL (leave empty for the default).
  api_url: ""

tasks:
  code_prefix: TA
  code_width: 3
  list_limit: 10

files:
  dir: uploads
  max_size_bytes: 10485760

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
`
