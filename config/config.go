// Package config loads Relay's bot configuration from config.yaml.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/relay-core/paths"
)

// Duration is a wrapper around time.Duration that implements YAML unmarshaling
// from human-readable strings like "300ms", "2s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// PermissionConfig describes the external permission-approval endpoint.
// Relay passes these values through to the subprocess verbatim and does not
// interpret them.
type PermissionConfig struct {
	Type string `yaml:"type,omitempty"`
	URL  string `yaml:"url,omitempty"`
	Tool string `yaml:"tool,omitempty"`
}

// Enabled reports whether a permission endpoint is configured.
func (p PermissionConfig) Enabled() bool {
	return p.URL != "" && p.Tool != ""
}

// MCPConfig renders the permission endpoint as an MCP server definition the
// subprocess can load via --mcp-config. The server name is derived from the
// tool name's "mcp__<server>__<tool>" convention.
func (p PermissionConfig) MCPConfig() ([]byte, error) {
	serverType := p.Type
	if serverType == "" {
		serverType = "http"
	}
	server := map[string]string{
		"type": serverType,
		"url":  p.URL,
	}
	cfg := map[string]any{
		"mcpServers": map[string]any{
			p.ServerName(): server,
		},
	}
	return json.MarshalIndent(cfg, "", "  ")
}

// ServerName extracts the MCP server name from the tool name, following
// the "mcp__<server>__<tool>" convention. Falls back to "relay".
func (p PermissionConfig) ServerName() string {
	parts := strings.Split(p.Tool, "__")
	if len(parts) >= 3 && parts[0] == "mcp" && parts[1] != "" {
		return parts[1]
	}
	return "relay"
}

// Config is the top-level Relay configuration.
type Config struct {
	// DefaultWorkingDir is the working directory for new sessions when the
	// caller does not supply one. Defaults to the user's home directory.
	DefaultWorkingDir string `yaml:"default_working_dir,omitempty"`

	// ClaudeBinary overrides the subprocess binary name. Defaults to "claude".
	ClaudeBinary string `yaml:"claude_binary,omitempty"`

	// SystemContext is appended to the subprocess system prompt when set.
	SystemContext string `yaml:"system_context,omitempty"`

	// Permission configures the optional permission-approval endpoint.
	Permission PermissionConfig `yaml:"permission,omitempty"`

	// DebounceInterval is the minimum gap between chat post edits while
	// streaming. Defaults to 300ms.
	DebounceInterval Duration `yaml:"debounce_interval,omitempty"`

	// ShutdownGrace is how long Stop waits after an interrupt before
	// escalating to a kill. Defaults to 2s.
	ShutdownGrace Duration `yaml:"shutdown_grace,omitempty"`

	// MaxQueuedMessages bounds the per-thread message queue. Messages past
	// the bound are rejected rather than dropped silently. Defaults to 25.
	MaxQueuedMessages int `yaml:"max_queued_messages,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DefaultWorkingDir: home,
		ClaudeBinary:      "claude",
		DebounceInterval:  Duration{300 * time.Millisecond},
		ShutdownGrace:     Duration{2 * time.Second},
		MaxQueuedMessages: 25,
	}
}

// Load reads config.yaml from the config directory and merges it over
// defaults. A missing file is not an error; defaults are returned.
func Load() (*Config, error) {
	fp, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(fp)
}

// LoadFrom reads configuration from an explicit path, merging over defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.ClaudeBinary == "" {
		return fmt.Errorf("claude_binary must not be empty")
	}
	if c.DebounceInterval.Duration < 0 {
		return fmt.Errorf("debounce_interval must not be negative")
	}
	if c.ShutdownGrace.Duration <= 0 {
		return fmt.Errorf("shutdown_grace must be positive")
	}
	if c.MaxQueuedMessages < 1 {
		return fmt.Errorf("max_queued_messages must be at least 1")
	}
	if c.DefaultWorkingDir != "" {
		if !filepath.IsAbs(c.DefaultWorkingDir) {
			return fmt.Errorf("default_working_dir must be an absolute path, got %q", c.DefaultWorkingDir)
		}
	}
	if (c.Permission.URL == "") != (c.Permission.Tool == "") {
		return fmt.Errorf("permission config requires both url and tool")
	}
	return nil
}

// Save writes the configuration to config.yaml in the config directory.
func (c *Config) Save() error {
	fp, err := paths.ConfigFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(fp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
