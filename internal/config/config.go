package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models datameta.yml.
type Config struct {
	Schema struct {
		Dialect string `yaml:"dialect"`
		ID      string `yaml:"id"`
	} `yaml:"schema"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Travelling struct {
		// Source names this system of record in travelling events.
		Source string `yaml:"source"`
	} `yaml:"travelling"`
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Schema.Dialect == "" {
		return fmt.Errorf("config.schema.dialect is required")
	}
	if c.Schema.ID == "" {
		return fmt.Errorf("config.schema.id is required")
	}
	if _, err := url.Parse(c.Schema.ID); err != nil {
		return fmt.Errorf("config.schema.id is not a valid URI: %w", err)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if !logLevels[c.Log.Level] {
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	if c.Travelling.Source == "" {
		return fmt.Errorf("config.travelling.source is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "datameta.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Write stores cfg as datameta.yml in workspace.
func Write(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

const defaultTemplate = `schema:
  dialect: "http://json-schema.org/draft/2019-09/schema#"
  id: "https://example.com/product.schema.json"

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  development: false

travelling:
  source: data-tier
`
