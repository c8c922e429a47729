// ABOUTME: Tests for YAML config loading, env expansion, durations, and validation.
// ABOUTME: Writes temp config files; no global state beyond t.Setenv.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validConfig = `server:
  device_addr: "127.0.0.1:7070"
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/test-gateway.db"
auth:
  token_secret: "secret"
llm:
  base_url: "http://localhost:8089"
  provider: "openai"
  model: "gpt-4o"
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7070", cfg.Server.DeviceAddr)
	assert.Equal(t, "secret", cfg.Auth.TokenSecret)
	assert.Equal(t, "openai", cfg.LLM.Provider)

	// Timing defaults fill in when the file is silent.
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Devices.HeartbeatInterval)
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.Devices.HeartbeatTimeout)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Devices.HandshakeTimeout)
	assert.Equal(t, DefaultCallTimeout, cfg.Devices.CallTimeout)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig+`devices:
  heartbeat_interval: 10s
  heartbeat_timeout: 45s
  handshake_timeout: 5s
  call_timeout: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Devices.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.Devices.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.Devices.HandshakeTimeout)
	assert.Equal(t, time.Minute, cfg.Devices.CallTimeout)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`devices:
  heartbeat_interval: "soonish"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_TOKEN_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `server:
  device_addr: "127.0.0.1:7070"
database:
  path: "/tmp/test-gateway.db"
auth:
  token_secret: "${TEST_TOKEN_SECRET}"
llm:
  base_url: "http://localhost:8089"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.TokenSecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing device addr",
			mutate:  func(c *Config) { c.Server.DeviceAddr = "" },
			wantErr: "device_addr",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "missing token secret",
			mutate:  func(c *Config) { c.Auth.TokenSecret = "" },
			wantErr: "token_secret",
		},
		{
			name:    "missing llm base url",
			mutate:  func(c *Config) { c.LLM.BaseURL = "" },
			wantErr: "base_url",
		},
		{
			name: "timeout not exceeding interval",
			mutate: func(c *Config) {
				c.Devices.HeartbeatInterval = time.Minute
				c.Devices.HeartbeatTimeout = time.Minute
			},
			wantErr: "heartbeat_timeout",
		},
		{
			name: "tailscale without hostname",
			mutate: func(c *Config) {
				c.Tailscale.Enabled = true
				c.Tailscale.Hostname = ""
			},
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validConfig))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTailscaleReplacesDeviceAddr(t *testing.T) {
	cfg, err := Load(writeConfig(t, `tailscale:
  enabled: true
  hostname: "tether"
database:
  path: "/tmp/test-gateway.db"
auth:
  token_secret: "secret"
llm:
  base_url: "http://localhost:8089"
`))
	require.NoError(t, err)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Empty(t, cfg.Server.DeviceAddr)
}
