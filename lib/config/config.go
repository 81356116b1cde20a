// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable [Load] reads the config path
// from.
const EnvironmentVariable = "CDPRELAY_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration shared by the cdprelay binaries.
type Config struct {
	// Environment selects which override section is applied.
	Environment Environment `yaml:"environment"`

	// Relay configures the hub.
	Relay RelayConfig `yaml:"relay"`

	// Upstream configures the upstream adapter (cdprelay-tab).
	Upstream UpstreamConfig `yaml:"upstream"`

	// Logging configures the slog handler the binaries build.
	Logging LoggingConfig `yaml:"logging"`

	// Per-environment override sections. They hold the raw YAML so
	// that only the keys actually present are layered over the base.
	Development yaml.Node `yaml:"development,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// RelayConfig configures the hub's two listen surfaces.
type RelayConfig struct {
	// UpstreamListen is the TCP address the upstream (browser-side)
	// surface listens on.
	UpstreamListen string `yaml:"upstream_listen"`

	// DownstreamListen is the TCP address automation clients connect to.
	DownstreamListen string `yaml:"downstream_listen"`

	// UpstreamPath is the WebSocket path on the upstream surface.
	// Default: /extension
	UpstreamPath string `yaml:"upstream_path"`

	// DownstreamPath is the WebSocket path on the downstream surface.
	// Default: /cdp
	DownstreamPath string `yaml:"downstream_path"`

	// HandshakeTimeout is the grace period for an upstream to send
	// connection_info before it is closed.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int `yaml:"send_queue_size"`

	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// BrowserProduct is reported by Browser.getVersion and
	// /json/version.
	BrowserProduct string `yaml:"browser_product"`

	// ControlSocket is the hub's operator socket. Empty disables it.
	ControlSocket string `yaml:"control_socket"`

	// KeepaliveInterval is how often each connection is pinged; a peer
	// silent for two intervals is dropped. Zero disables keepalive.
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
}

// UpstreamConfig configures the upstream adapter.
type UpstreamConfig struct {
	// RelayURL is the hub's upstream WebSocket URL.
	RelayURL string `yaml:"relay_url"`

	// DevToolsURL is the browser's DevTools endpoint: an http URL
	// (resolved through /json/version) or a ws URL.
	DevToolsURL string `yaml:"devtools_url"`

	// ReconnectAttempts bounds consecutive reconnect attempts after an
	// abnormal close.
	ReconnectAttempts int `yaml:"reconnect_attempts"`

	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay Duration `yaml:"reconnect_delay"`

	// AckTimeout bounds the wait for connection_ack.
	AckTimeout Duration `yaml:"ack_timeout"`

	// EventBuffer bounds events held while the relay connection is
	// being (re)established.
	EventBuffer int `yaml:"event_buffer"`

	// ControlSocket is the adapter's operator socket. Empty disables it.
	ControlSocket string `yaml:"control_socket"`

	// KeepaliveInterval pings the relay connection. Zero disables it.
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
}

// LoggingConfig configures the log handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json". Empty means text on a terminal and
	// JSON otherwise.
	Format string `yaml:"format"`
}

// Default returns a Config with development defaults.
func Default() *Config {
	return &Config{
		Environment: Development,
		Relay: RelayConfig{
			UpstreamListen:   "127.0.0.1:9331",
			DownstreamListen: "127.0.0.1:9332",
			UpstreamPath:     "/extension",
			DownstreamPath:   "/cdp",
			HandshakeTimeout: Duration(5 * time.Second),
			SendQueueSize:    256,
			MaxMessageBytes:  64 << 20,
			BrowserProduct:   "CDPRelay/1.0",
			ControlSocket:    "${XDG_RUNTIME_DIR:-/tmp}/cdprelay.sock",

			KeepaliveInterval: Duration(30 * time.Second),
		},
		Upstream: UpstreamConfig{
			RelayURL:          "ws://127.0.0.1:9331/extension",
			DevToolsURL:       "http://127.0.0.1:9222",
			ReconnectAttempts: 5,
			ReconnectDelay:    Duration(time.Second),
			AckTimeout:        Duration(5 * time.Second),
			EventBuffer:       256,
			ControlSocket:     "${XDG_RUNTIME_DIR:-/tmp}/cdprelay-tab.sock",
			KeepaliveInterval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the CDPRELAY_CONFIG environment
// variable. There is no fallback: if the variable is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your cdprelay config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// Resolve picks a binary's configuration source: path when given, then
// the CDPRELAY_CONFIG variable, then the built-in defaults.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv(EnvironmentVariable) != "" {
		return Load()
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from a specific file path, layered over
// [Default].
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("applying %s overrides from %s: %w", cfg.Environment, path, err)
	}
	cfg.expandVariables()

	return cfg, nil
}

// Parse decodes configuration bytes in the given format ("yaml" or
// "jsonc") over [Default].
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data, format); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	format := "yaml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		format = "jsonc"
	}
	return c.decode(data, format)
}

func (c *Config) decode(data []byte, format string) error {
	switch format {
	case "yaml":
	case "jsonc":
		// Plain JSON is valid YAML, so once comments and trailing
		// commas are stripped the same decoder handles both.
		data = jsonc.ToJSON(data)
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides decodes the matching environment section
// over the already-loaded values. yaml.v3 only assigns keys present in
// the node, so absent keys keep their base values.
func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Production:
		section = &c.Production
	default:
		return nil
	}
	if section.Kind == 0 {
		return nil
	}

	var overrides struct {
		Relay    *RelayConfig    `yaml:"relay"`
		Upstream *UpstreamConfig `yaml:"upstream"`
		Logging  *LoggingConfig  `yaml:"logging"`
	}
	overrides.Relay = &c.Relay
	overrides.Upstream = &c.Upstream
	overrides.Logging = &c.Logging
	return section.Decode(&overrides)
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Relay.ControlSocket = expandVars(c.Relay.ControlSocket, vars)
	c.Upstream.ControlSocket = expandVars(c.Upstream.ControlSocket, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Relay.UpstreamListen == "" {
		errs = append(errs, errors.New("relay.upstream_listen is required"))
	}
	if c.Relay.DownstreamListen == "" {
		errs = append(errs, errors.New("relay.downstream_listen is required"))
	}
	if !strings.HasPrefix(c.Relay.UpstreamPath, "/") {
		errs = append(errs, fmt.Errorf("relay.upstream_path must start with /: %q", c.Relay.UpstreamPath))
	}
	if !strings.HasPrefix(c.Relay.DownstreamPath, "/") {
		errs = append(errs, fmt.Errorf("relay.downstream_path must start with /: %q", c.Relay.DownstreamPath))
	}
	if c.Relay.UpstreamListen == c.Relay.DownstreamListen && c.Relay.UpstreamPath == c.Relay.DownstreamPath {
		errs = append(errs, errors.New("relay upstream and downstream surfaces must differ in address or path"))
	}
	if c.Relay.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("relay.handshake_timeout must be positive"))
	}
	if c.Relay.SendQueueSize <= 0 {
		errs = append(errs, errors.New("relay.send_queue_size must be positive"))
	}
	if c.Relay.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("relay.max_message_bytes must be positive"))
	}
	if c.Relay.KeepaliveInterval < 0 || c.Upstream.KeepaliveInterval < 0 {
		errs = append(errs, errors.New("keepalive_interval must not be negative"))
	}

	if c.Upstream.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("upstream.reconnect_attempts must not be negative"))
	}
	if c.Upstream.ReconnectDelay < 0 {
		errs = append(errs, errors.New("upstream.reconnect_delay must not be negative"))
	}
	if c.Upstream.AckTimeout <= 0 {
		errs = append(errs, errors.New("upstream.ack_timeout must be positive"))
	}
	if c.Upstream.EventBuffer <= 0 {
		errs = append(errs, errors.New("upstream.event_buffer must be positive"))
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel parses Level. An empty level means Info.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
