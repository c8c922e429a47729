// ABOUTME: Configuration loading and parsing for tether-gateway.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tether-gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Devices   DevicesConfig   `yaml:"devices"`
	LLM       LLMConfig       `yaml:"llm"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	DeviceAddr string `yaml:"device_addr"` // TCP address for device connections
	HTTPAddr   string `yaml:"http_addr"`   // HTTP address for health checks
}

// TailscaleConfig holds Tailscale tsnet configuration.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds the device directory database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds device token signing configuration.
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// DevicesConfig holds device timing configuration.
type DevicesConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	HandshakeTimeout  time.Duration `yaml:"-"`
	CallTimeout       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout"`
	CallTimeoutRaw       string `yaml:"call_timeout"`
}

// LLMConfig holds chat-completion gateway configuration.
type LLMConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	MaxIterations int    `yaml:"max_iterations"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file leaves timings unset.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultCallTimeout       = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables are replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.DeviceAddr == "" {
		return fmt.Errorf("server.device_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.Devices.HeartbeatTimeout <= c.Devices.HeartbeatInterval {
		return fmt.Errorf("devices.heartbeat_timeout must exceed devices.heartbeat_interval")
	}
	return nil
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Devices.HeartbeatIntervalRaw, "heartbeat_interval", &cfg.Devices.HeartbeatInterval},
		{cfg.Devices.HeartbeatTimeoutRaw, "heartbeat_timeout", &cfg.Devices.HeartbeatTimeout},
		{cfg.Devices.HandshakeTimeoutRaw, "handshake_timeout", &cfg.Devices.HandshakeTimeout},
		{cfg.Devices.CallTimeoutRaw, "call_timeout", &cfg.Devices.CallTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Devices.HeartbeatInterval == 0 {
		cfg.Devices.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Devices.HeartbeatTimeout == 0 {
		cfg.Devices.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Devices.HandshakeTimeout == 0 {
		cfg.Devices.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Devices.CallTimeout == 0 {
		cfg.Devices.CallTimeout = DefaultCallTimeout
	}
}
