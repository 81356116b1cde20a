// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Relay.UpstreamPath != "/extension" || cfg.Relay.DownstreamPath != "/cdp" {
		t.Errorf("unexpected surface paths %q %q", cfg.Relay.UpstreamPath, cfg.Relay.DownstreamPath)
	}
	if cfg.Relay.HandshakeTimeout.Std() != 5*time.Second {
		t.Errorf("expected handshake_timeout=5s, got %s", cfg.Relay.HandshakeTimeout)
	}
	if cfg.Upstream.ReconnectAttempts != 5 {
		t.Errorf("expected reconnect_attempts=5, got %d", cfg.Upstream.ReconnectAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CDPRELAY_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "CDPRELAY_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	cfg, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve without a source: %v", err)
	}
	if cfg.Relay.ControlSocket != "/run/user/1000/cdprelay.sock" {
		t.Errorf("default control socket not expanded: %q", cfg.Relay.ControlSocket)
	}

	configPath := filepath.Join(t.TempDir(), "cdprelay.yaml")
	if err := os.WriteFile(configPath, []byte("upstream:\n  reconnect_attempts: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvironmentVariable, configPath)
	cfg, err = Resolve("")
	if err != nil {
		t.Fatalf("Resolve from %s: %v", EnvironmentVariable, err)
	}
	if cfg.Upstream.ReconnectAttempts != 9 {
		t.Errorf("reconnect_attempts = %d, want 9 from the environment's file", cfg.Upstream.ReconnectAttempts)
	}

	if _, err := Resolve(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Resolve accepted a missing explicit path")
	}
}

func TestLoad_YAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "cdprelay.yaml")
	content := `
relay:
  downstream_listen: 0.0.0.0:9400
  handshake_timeout: 250ms
upstream:
  reconnect_attempts: 2
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv(EnvironmentVariable, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Relay.DownstreamListen != "0.0.0.0:9400" {
		t.Errorf("downstream_listen = %q", cfg.Relay.DownstreamListen)
	}
	if cfg.Relay.HandshakeTimeout.Std() != 250*time.Millisecond {
		t.Errorf("handshake_timeout = %s", cfg.Relay.HandshakeTimeout)
	}
	// Unset keys keep defaults.
	if cfg.Relay.UpstreamListen != "127.0.0.1:9331" {
		t.Errorf("upstream_listen = %q, expected default", cfg.Relay.UpstreamListen)
	}
	if cfg.Upstream.ReconnectAttempts != 2 {
		t.Errorf("reconnect_attempts = %d", cfg.Upstream.ReconnectAttempts)
	}
	level, err := cfg.Logging.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, %v", level, err)
	}
}

func TestLoad_JSONC(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "cdprelay.jsonc")
	content := `{
  // Hub settings.
  "relay": {
    "browser_product": "HeadlessRelay/2.0",
    "send_queue_size": 16, // small for tests
  },
}`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.Relay.BrowserProduct != "HeadlessRelay/2.0" {
		t.Errorf("browser_product = %q", cfg.Relay.BrowserProduct)
	}
	if cfg.Relay.SendQueueSize != 16 {
		t.Errorf("send_queue_size = %d", cfg.Relay.SendQueueSize)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	content := `
environment: production
relay:
  upstream_listen: 10.0.0.1:9331
  handshake_timeout: 5s
production:
  relay:
    handshake_timeout: 2s
  logging:
    format: json
development:
  relay:
    handshake_timeout: 30s
`
	cfg, err := Parse([]byte(content), "yaml")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if cfg.Relay.HandshakeTimeout.Std() != 2*time.Second {
		t.Errorf("handshake_timeout = %s, expected production override 2s", cfg.Relay.HandshakeTimeout)
	}
	if cfg.Relay.UpstreamListen != "10.0.0.1:9331" {
		t.Errorf("upstream_listen = %q, base value should survive the override", cfg.Relay.UpstreamListen)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q", cfg.Logging.Format)
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	cfg, err := Parse([]byte(`upstream: {control_socket: "${HOME}/tab.sock"}`), "yaml")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Relay.ControlSocket != "/run/user/1000/cdprelay.sock" {
		t.Errorf("relay.control_socket = %q", cfg.Relay.ControlSocket)
	}
	if want := os.Getenv("HOME") + "/tab.sock"; cfg.Upstream.ControlSocket != want {
		t.Errorf("upstream.control_socket = %q, want %q", cfg.Upstream.ControlSocket, want)
	}
}

func TestExpandVars_Default(t *testing.T) {
	t.Setenv("CDPRELAY_TEST_UNSET", "")
	got := expandVars("${CDPRELAY_TEST_UNSET:-/tmp}/x.sock", map[string]string{})
	if got != "/tmp/x.sock" {
		t.Errorf("expandVars = %q", got)
	}
}

func TestDuration_Invalid(t *testing.T) {
	_, err := Parse([]byte("relay:\n  handshake_timeout: soon\n"), "yaml")
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad environment", func(c *Config) { c.Environment = "staging" }, "invalid environment"},
		{"same surface", func(c *Config) {
			c.Relay.DownstreamListen = c.Relay.UpstreamListen
			c.Relay.DownstreamPath = c.Relay.UpstreamPath
		}, "must differ"},
		{"zero handshake", func(c *Config) { c.Relay.HandshakeTimeout = 0 }, "handshake_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"relative path", func(c *Config) { c.Relay.DownstreamPath = "cdp" }, "downstream_path"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not mention %q", err, test.want)
			}
		})
	}
}
