package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the whatschat client.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Feed    FeedConfig    `json:"feed" yaml:"feed"`
	Send    SendConfig    `json:"send" yaml:"send"`
	Profile ProfileConfig `json:"profile" yaml:"profile"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
}

// ServerConfig points the client at the backend.
type ServerConfig struct {
	BaseURL string `json:"baseUrl" yaml:"baseUrl"`
}

type FeedConfig struct {
	// ChannelPath is the feed path of the single shared room.
	ChannelPath string `json:"channelPath" yaml:"channelPath"`
	// ResubscribeBackoffSeconds is the initial delay before reattaching a
	// dropped subscription; it doubles up to a cap.
	ResubscribeBackoffSeconds int `json:"resubscribeBackoffSeconds" yaml:"resubscribeBackoffSeconds"`
	// ToleranceMillis is the timestamp slack for matching an optimistic
	// echo with its committed remote copy.
	ToleranceMillis int `json:"toleranceMillis" yaml:"toleranceMillis"`
}

type SendConfig struct {
	// TimeoutSeconds promotes an unresolved send to failed.
	TimeoutSeconds int `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type ProfileConfig struct {
	CachePath string `json:"cachePath" yaml:"cachePath"`
	TTLHours  int    `json:"ttlHours" yaml:"ttlHours"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".whatschat"
	}
	return filepath.Join(home, ".whatschat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file on top of Defaults. The format follows the file
// extension: .yaml/.yml parse as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	path = expandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg.Profile.CachePath = expandPath(cfg.Profile.CachePath)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Server.BaseURL == "" {
		errs = append(errs, "server.baseUrl is required")
	}
	if cfg.Feed.ChannelPath == "" {
		errs = append(errs, "feed.channelPath is required")
	}
	if cfg.Feed.ToleranceMillis < 0 {
		errs = append(errs, "feed.toleranceMillis must not be negative")
	}
	if cfg.Send.TimeoutSeconds < 0 {
		errs = append(errs, "send.timeoutSeconds must not be negative")
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be a valid port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
