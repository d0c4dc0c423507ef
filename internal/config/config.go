package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/switchboard-ai/switchboard/internal/obs"
)

// Config is the root of the gateway configuration file (YAML or JSON).
type Config struct {
	Server              ServerConfig      `yaml:"server" json:"server"`
	Models              []ModelConfig     `yaml:"models" json:"models"`
	Plugins             []PluginConfig    `yaml:"plugins" json:"plugins"`
	AvailableExtensions []ExtensionConfig `yaml:"availableExtensions" json:"availableExtensions"`
	Logging             obs.LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig is the server.* section.
type ServerConfig struct {
	Host           string     `yaml:"host" json:"host"`
	Port           int        `yaml:"port" json:"port"`
	CORS           CORSConfig `yaml:"cors" json:"cors"`
	RequestTimeout int        `yaml:"request_timeout" json:"request_timeout"`
}

// CORSConfig is the server.cors.* section.
type CORSConfig struct {
	Origins []string `yaml:"origins" json:"origins"`
}

// ModelConfig declares one routable model backed by a provider.
type ModelConfig struct {
	Name        string         `yaml:"name" json:"name"`
	IsDefault   bool           `yaml:"isDefault" json:"isDefault"`
	Description string         `yaml:"description" json:"description"`
	Provider    ProviderConfig `yaml:"provider" json:"provider"`
	ModelConfig map[string]any `yaml:"modelConfig" json:"modelConfig"`
	Metadata    map[string]any `yaml:"metadata" json:"metadata"`
}

// ProviderConfig selects and parameterizes a provider client.
type ProviderConfig struct {
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config" json:"config"`
}

// PluginConfig declares one pipeline plugin instance.
type PluginConfig struct {
	Name       string           `yaml:"name" json:"name"`
	Type       string           `yaml:"type" json:"type"`
	Enabled    *bool            `yaml:"enabled" json:"enabled"`
	Priority   *int             `yaml:"priority" json:"priority"`
	Config     map[string]any   `yaml:"config" json:"config"`
	Conditions ConditionsConfig `yaml:"conditions" json:"conditions"`
}

// IsEnabled applies the enabled default (true).
func (p *PluginConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// GetPriority applies the priority default (1000).
func (p *PluginConfig) GetPriority() int {
	if p.Priority == nil {
		return 1000
	}
	return *p.Priority
}

// ConditionsConfig restricts a plugin to matching requests. Values are
// prefix strings or regular expressions; Expression is an expr-lang
// program evaluated against the request context.
type ConditionsConfig struct {
	Paths      []string          `yaml:"paths" json:"paths"`
	Methods    []string          `yaml:"methods" json:"methods"`
	Headers    map[string]string `yaml:"headers" json:"headers"`
	UserIDs    []string          `yaml:"user_ids" json:"user_ids"`
	Models     []string          `yaml:"models" json:"models"`
	Expression string            `yaml:"expression" json:"expression"`
}

// ExtensionConfig points at a dynamically loadable module.
type ExtensionConfig struct {
	Path   string `yaml:"path" json:"path"`
	Module string `yaml:"module" json:"module"`
}

// Load reads, env-expands, parses and validates a config file. The
// format is chosen by extension: .json is JSON, everything else YAML.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := ExpandEnv(string(raw))

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural requirements before registries are built.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within [0, 65535]")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("models[%d]: duplicate model name %q", i, m.Name)
		}
		seen[m.Name] = true
		if m.Provider.Type == "" {
			return fmt.Errorf("models[%d] (%s): provider.type is required", i, m.Name)
		}
	}
	for i, p := range c.Plugins {
		if p.Type == "" {
			return fmt.Errorf("plugins[%d]: type is required", i)
		}
		if p.Priority != nil && (*p.Priority < 0 || *p.Priority > 1000) {
			return fmt.Errorf("plugins[%d] (%s): priority must be within [0, 1000]", i, p.Type)
		}
	}
	for i, e := range c.AvailableExtensions {
		if e.Path == "" && e.Module == "" {
			return fmt.Errorf("availableExtensions[%d]: either path or module is required", i)
		}
	}
	return nil
}

// Addr returns the listen address with defaults applied.
func (c *Config) Addr() string {
	host := c.Server.Host
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
