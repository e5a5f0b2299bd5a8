package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.ClaudeBinary != "claude" {
		t.Errorf("ClaudeBinary = %q, want %q", cfg.ClaudeBinary, "claude")
	}
	if cfg.DebounceInterval.Duration != 300*time.Millisecond {
		t.Errorf("DebounceInterval = %v, want 300ms", cfg.DebounceInterval.Duration)
	}
	if cfg.ShutdownGrace.Duration != 2*time.Second {
		t.Errorf("ShutdownGrace = %v, want 2s", cfg.ShutdownGrace.Duration)
	}
	if cfg.MaxQueuedMessages != 25 {
		t.Errorf("MaxQueuedMessages = %d, want 25", cfg.MaxQueuedMessages)
	}
}

func TestLoadFromMergesOverDefaults(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "config.yaml")
	content := `
default_working_dir: /srv/projects
debounce_interval: 500ms
permission:
  type: http
  url: http://localhost:8080/approve
  tool: mcp__approver__approve
`
	if err := os.WriteFile(fp, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(fp)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.DefaultWorkingDir != "/srv/projects" {
		t.Errorf("DefaultWorkingDir = %q, want /srv/projects", cfg.DefaultWorkingDir)
	}
	if cfg.DebounceInterval.Duration != 500*time.Millisecond {
		t.Errorf("DebounceInterval = %v, want 500ms", cfg.DebounceInterval.Duration)
	}
	// Unset fields keep defaults
	if cfg.ClaudeBinary != "claude" {
		t.Errorf("ClaudeBinary = %q, want default", cfg.ClaudeBinary)
	}
	if !cfg.Permission.Enabled() {
		t.Error("Permission.Enabled() = false, want true")
	}
}

func TestLoadFromInvalidYAML(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(fp, []byte("debounce_interval: [not, a, duration]"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(fp); err == nil {
		t.Error("LoadFrom() error = nil, want parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"empty binary", func(c *Config) { c.ClaudeBinary = "" }, true},
		{"negative debounce", func(c *Config) { c.DebounceInterval.Duration = -time.Second }, true},
		{"zero debounce is allowed", func(c *Config) { c.DebounceInterval.Duration = 0 }, false},
		{"zero shutdown grace", func(c *Config) { c.ShutdownGrace.Duration = 0 }, true},
		{"zero queue bound", func(c *Config) { c.MaxQueuedMessages = 0 }, true},
		{"relative working dir", func(c *Config) { c.DefaultWorkingDir = "projects" }, true},
		{"permission url without tool", func(c *Config) { c.Permission.URL = "http://x" }, true},
		{"permission tool without url", func(c *Config) { c.Permission.Tool = "approve" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{450 * time.Millisecond}
	v, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML() error = %v", err)
	}
	if v != "450ms" {
		t.Errorf("MarshalYAML() = %v, want 450ms", v)
	}
}
