package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/multirole/internal/security"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Links.Max != 3 {
		t.Errorf("Links.Max = %d, want 3", cfg.Links.Max)
	}
	if cfg.Discovery.Delay != time.Second {
		t.Errorf("Discovery.Delay = %v, want 1s", cfg.Discovery.Delay)
	}
	if cfg.Discovery.LegacyFailureReset {
		t.Error("Discovery.LegacyFailureReset should default to false")
	}
	if cfg.Scan.TargetService != 0xAA80 {
		t.Errorf("Scan.TargetService = %#04x, want 0xaa80", cfg.Scan.TargetService)
	}
	if !cfg.Scan.FilterByService || !cfg.Scan.Active || cfg.Scan.Whitelist {
		t.Errorf("Scan = %+v, want active, filtered, no whitelist", cfg.Scan)
	}
	if cfg.Advertising.LocalName != "Multi Role:)" {
		t.Errorf("Advertising.LocalName = %q", cfg.Advertising.LocalName)
	}
	if cfg.Security.Passcode != 123456 {
		t.Errorf("Security.Passcode = %d, want 123456", cfg.Security.Passcode)
	}
	if len(cfg.Keys.Left) != 3 || len(cfg.Keys.Right) != 3 {
		t.Errorf("Keys = %+v, want three-key combos", cfg.Keys)
	}
	if cfg.Journal.Path != "" {
		t.Errorf("Journal.Path = %q, want empty", cfg.Journal.Path)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
links:
  max: 2
discovery:
  delay: 250ms
  legacy_failure_reset: true
scan:
  duration: 10s
  target_service: 0xFFE0
  max_results: 4
advertising:
  enabled: false
  local_name: Bench
security:
  pairing_mode: wait
  io_capabilities: keyboard_display
  passcode: 654321
  passcode_secret: s3cret
keys:
  left: ["alt", "1"]
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Links.Max != 2 {
		t.Errorf("Links.Max = %d, want 2", cfg.Links.Max)
	}
	if cfg.Discovery.Delay != 250*time.Millisecond || !cfg.Discovery.LegacyFailureReset {
		t.Errorf("Discovery = %+v", cfg.Discovery)
	}
	if cfg.Scan.Duration != 10*time.Second || cfg.Scan.TargetService != 0xFFE0 || cfg.Scan.MaxResults != 4 {
		t.Errorf("Scan = %+v", cfg.Scan)
	}
	// Fields missing from the file keep their defaults.
	if !cfg.Scan.Active || !cfg.Scan.FilterByService {
		t.Errorf("Scan defaults lost: %+v", cfg.Scan)
	}
	if cfg.Advertising.Enabled || cfg.Advertising.LocalName != "Bench" {
		t.Errorf("Advertising = %+v", cfg.Advertising)
	}
	if cfg.Advertising.ServiceUUID != 0xFFF0 {
		t.Errorf("Advertising.ServiceUUID = %#04x, want default 0xfff0", cfg.Advertising.ServiceUUID)
	}
	if len(cfg.Keys.Left) != 2 || cfg.Keys.Left[0] != "alt" || cfg.Keys.Left[1] != "1" {
		t.Errorf("Keys.Left = %v, want [alt 1]", cfg.Keys.Left)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}

	params, err := cfg.SecurityParams()
	if err != nil {
		t.Fatalf("SecurityParams() error = %v", err)
	}
	if params.Mode != security.PairingWaitForRequest || params.IOCaps != security.IOCapKeyboardDisplay {
		t.Errorf("SecurityParams() = %+v", params)
	}
	if params.Passcode != 654321 || params.Secret != "s3cret" || !params.MITM {
		t.Errorf("SecurityParams() = %+v", params)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
journal:
  path: ~/logs/multirole.jsonl
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "logs/multirole.jsonl")
	if cfg.Journal.Path != expected {
		t.Errorf("Journal.Path = %q, want %q", cfg.Journal.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("links: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero links",
			modify:  func(c *Config) { c.Links.Max = 0 },
			wantErr: true,
		},
		{
			name:    "negative discovery delay",
			modify:  func(c *Config) { c.Discovery.Delay = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero discovery delay",
			modify:  func(c *Config) { c.Discovery.Delay = 0 },
			wantErr: false,
		},
		{
			name:    "zero scan duration",
			modify:  func(c *Config) { c.Scan.Duration = 0 },
			wantErr: true,
		},
		{
			name:    "zero scan results",
			modify:  func(c *Config) { c.Scan.MaxResults = 0 },
			wantErr: true,
		},
		{
			name:    "filter without target",
			modify:  func(c *Config) { c.Scan.TargetService = 0 },
			wantErr: true,
		},
		{
			name: "no filter without target",
			modify: func(c *Config) {
				c.Scan.FilterByService = false
				c.Scan.TargetService = 0
			},
			wantErr: false,
		},
		{
			name:    "zero advertising interval",
			modify:  func(c *Config) { c.Advertising.Interval = 0 },
			wantErr: true,
		},
		{
			name:    "local name too long",
			modify:  func(c *Config) { c.Advertising.LocalName = strings.Repeat("x", 27) },
			wantErr: true,
		},
		{
			name:    "invalid pairing mode",
			modify:  func(c *Config) { c.Security.PairingMode = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid io capabilities",
			modify:  func(c *Config) { c.Security.IOCapabilities = "invalid" },
			wantErr: true,
		},
		{
			name:    "seven digit passcode",
			modify:  func(c *Config) { c.Security.Passcode = 1000000 },
			wantErr: true,
		},
		{
			name:    "empty left keys",
			modify:  func(c *Config) { c.Keys.Left = nil },
			wantErr: true,
		},
		{
			name:    "empty right keys",
			modify:  func(c *Config) { c.Keys.Right = nil },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "multirole", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# multirole") {
		t.Error("written config should start with header comment")
	}

	// Should be valid YAML that parses into a Config
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Links.Max != 3 {
		t.Errorf("written config Links.Max = %d, want 3", cfg.Links.Max)
	}
	if cfg.Discovery.Delay != time.Second {
		t.Errorf("written config Discovery.Delay = %v, want 1s", cfg.Discovery.Delay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "multirole")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("links:\n  max: 1\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
