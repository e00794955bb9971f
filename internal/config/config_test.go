package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Server.BaseURL == "" || cfg.Feed.ChannelPath == "" {
		t.Fatal("defaults must carry a usable endpoint and channel")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Defaults()
	cfg.Server.BaseURL = "http://chat.internal:9000"
	cfg.Feed.ToleranceMillis = 500
	cfg.Send.TimeoutSeconds = 10
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9100

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.BaseURL != cfg.Server.BaseURL {
		t.Errorf("baseUrl: expected %q, got %q", cfg.Server.BaseURL, loaded.Server.BaseURL)
	}
	if loaded.Feed.ToleranceMillis != 500 || loaded.Send.TimeoutSeconds != 10 {
		t.Errorf("timing knobs lost in round trip: %+v", loaded)
	}
	if !loaded.Metrics.Enabled || loaded.Metrics.Port != 9100 {
		t.Errorf("metrics section lost in round trip: %+v", loaded.Metrics)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  baseUrl: http://yaml.example:8080
feed:
  channelPath: rooms/general
  toleranceMillis: 750
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BaseURL != "http://yaml.example:8080" {
		t.Errorf("unexpected baseUrl: %q", cfg.Server.BaseURL)
	}
	if cfg.Feed.ChannelPath != "rooms/general" || cfg.Feed.ToleranceMillis != 750 {
		t.Errorf("yaml feed section not applied: %+v", cfg.Feed)
	}
	// Untouched sections keep their defaults.
	if cfg.Send.TimeoutSeconds != Defaults().Send.TimeoutSeconds {
		t.Errorf("expected default send timeout, got %d", cfg.Send.TimeoutSeconds)
	}
}

func TestLoadPartialJSONKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"general":{"logLevel":"debug"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Errorf("expected debug log level, got %q", cfg.General.LogLevel)
	}
	if cfg.Server.BaseURL != Defaults().Server.BaseURL {
		t.Errorf("expected default baseUrl, got %q", cfg.Server.BaseURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.General.LogLevel = "verbose" }, "logLevel"},
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }, "baseUrl"},
		{"missing channel", func(c *Config) { c.Feed.ChannelPath = "" }, "channelPath"},
		{"negative tolerance", func(c *Config) { c.Feed.ToleranceMillis = -1 }, "toleranceMillis"},
		{"negative timeout", func(c *Config) { c.Send.TimeoutSeconds = -5 }, "timeoutSeconds"},
		{"bad metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }, "port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation to fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error to mention %q, got %v", tc.want, err)
			}
		})
	}
}
