package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/multirole/internal/security"
)

// Config holds all application configuration.
type Config struct {
	Links       LinksConfig       `yaml:"links"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Scan        ScanConfig        `yaml:"scan"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Security    SecurityConfig    `yaml:"security"`
	Keys        KeysConfig        `yaml:"keys"`
	Journal     JournalConfig     `yaml:"journal"`
	LogLevel    string            `yaml:"log_level"`
}

// LinksConfig bounds the number of simultaneous links.
type LinksConfig struct {
	Max int `yaml:"max"`
}

// DiscoveryConfig holds GATT discovery settings.
type DiscoveryConfig struct {
	Delay time.Duration `yaml:"delay"`
	// LegacyFailureReset restores the reset of the discovery state on a
	// failed connection attempt.
	LegacyFailureReset bool `yaml:"legacy_failure_reset"`
}

// ScanConfig holds central role scan settings.
type ScanConfig struct {
	Duration        time.Duration `yaml:"duration"`
	Active          bool          `yaml:"active"`
	Whitelist       bool          `yaml:"whitelist"`
	FilterByService bool          `yaml:"filter_by_service"`
	TargetService   uint16        `yaml:"target_service"`
	MaxResults      int           `yaml:"max_results"`
}

// AdvertisingConfig holds peripheral role advertising settings.
type AdvertisingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	LocalName   string        `yaml:"local_name"`
	ServiceUUID uint16        `yaml:"service_uuid"`
}

// SecurityConfig holds bond manager settings.
type SecurityConfig struct {
	PairingMode    string `yaml:"pairing_mode"`    // "none", "wait" or "initiate"
	MITM           bool   `yaml:"mitm"`
	IOCapabilities string `yaml:"io_capabilities"` // e.g. "display_only"
	Bonding        bool   `yaml:"bonding"`
	Passcode       uint32 `yaml:"passcode"`
	PasscodeSecret string `yaml:"passcode_secret"`
}

// KeysConfig holds the key combinations standing in for the board keys.
type KeysConfig struct {
	Left  []string `yaml:"left"`
	Right []string `yaml:"right"`
}

// JournalConfig holds the event journal settings.
type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

// maxLocalName is the longest name fitting the scan response next to the
// TX power field.
const maxLocalName = 26

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "multirole")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Links: LinksConfig{Max: 3},
		Discovery: DiscoveryConfig{
			Delay: time.Second,
		},
		Scan: ScanConfig{
			Duration:        5 * time.Second,
			Active:          true,
			FilterByService: true,
			TargetService:   0xAA80,
			MaxResults:      8,
		},
		Advertising: AdvertisingConfig{
			Enabled:     true,
			Interval:    200 * time.Millisecond,
			LocalName:   "Multi Role:)",
			ServiceUUID: 0xFFF0,
		},
		Security: SecurityConfig{
			PairingMode:    "initiate",
			MITM:           true,
			IOCapabilities: "display_only",
			Passcode:       security.DefaultPasscode,
		},
		Keys: KeysConfig{
			Left:  []string{"ctrl", "shift", "l"},
			Right: []string{"ctrl", "shift", "r"},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in journal.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Journal.Path = expandTilde(cfg.Journal.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := append([]byte("# multirole configuration\n"), data...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Links.Max <= 0 {
		return fmt.Errorf("links.max must be > 0")
	}

	if c.Discovery.Delay < 0 {
		return fmt.Errorf("discovery.delay must not be negative")
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}
	if c.Scan.MaxResults <= 0 {
		return fmt.Errorf("scan.max_results must be > 0")
	}
	if c.Scan.FilterByService && c.Scan.TargetService == 0 {
		return fmt.Errorf("scan.target_service must be set when filter_by_service is on")
	}

	if c.Advertising.Interval <= 0 {
		return fmt.Errorf("advertising.interval must be > 0")
	}
	if len(c.Advertising.LocalName) > maxLocalName {
		return fmt.Errorf("advertising.local_name must be at most %d bytes, got %d", maxLocalName, len(c.Advertising.LocalName))
	}

	if _, err := security.ParsePairingMode(c.Security.PairingMode); err != nil {
		return fmt.Errorf("security.pairing_mode: %w", err)
	}
	if _, err := security.ParseIOCapabilities(c.Security.IOCapabilities); err != nil {
		return fmt.Errorf("security.io_capabilities: %w", err)
	}
	if c.Security.Passcode > security.MaxPasscode {
		return fmt.Errorf("security.passcode must have at most six digits, got %d", c.Security.Passcode)
	}

	if len(c.Keys.Left) == 0 {
		return fmt.Errorf("keys.left must not be empty")
	}
	if len(c.Keys.Right) == 0 {
		return fmt.Errorf("keys.right must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SecurityParams converts the security section for the passcode responder.
func (c *Config) SecurityParams() (security.Params, error) {
	mode, err := security.ParsePairingMode(c.Security.PairingMode)
	if err != nil {
		return security.Params{}, err
	}
	caps, err := security.ParseIOCapabilities(c.Security.IOCapabilities)
	if err != nil {
		return security.Params{}, err
	}
	return security.Params{
		Mode:     mode,
		MITM:     c.Security.MITM,
		IOCaps:   caps,
		Bonding:  c.Security.Bonding,
		Passcode: c.Security.Passcode,
		Secret:   c.Security.PasscodeSecret,
	}, nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// yield info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
