package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "wattbar.yaml")

	configContent := `
server:
  listen_addr: "127.0.0.1:9999"

auth:
  client_id: "client-1"
  authorize_url: "https://auth.example.com/authorize"
  token_url: "https://auth.example.com/oauth/token"
  userinfo_url: "https://auth.example.com/userinfo"
  scopes:
    - openid
    - energy_device_data
  refresh_period: 45s
  fresh_start: true

api:
  base_url: "https://energy.example.com"
  timeout: 20s

store:
  path: "/tmp/wattbar/samples.json"
  retention: 1h

logging:
  level: "debug"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	assert.NoError(t, err)

	config, err := Load(configPath)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	assert.Equal(t, "127.0.0.1:9999", config.Server.ListenAddr)
	assert.Equal(t, "client-1", config.Auth.ClientID)
	assert.Equal(t, []string{"openid", "energy_device_data"}, config.Auth.Scopes)
	assert.Equal(t, 45*time.Second, config.Auth.RefreshPeriod)
	assert.True(t, config.Auth.FreshStart)
	assert.Equal(t, "https://energy.example.com", config.API.BaseURL)
	assert.Equal(t, 20*time.Second, config.API.Timeout)
	assert.Equal(t, time.Hour, config.Store.Retention)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")
	assert.NoError(t, err)
	assert.NotNil(t, config)

	assert.Equal(t, "127.0.0.1:7213", config.Server.ListenAddr)
	assert.Equal(t, "http://127.0.0.1:7213/auth/callback", config.Auth.RedirectURI)
	assert.Equal(t, 30*time.Second, config.Auth.RefreshPeriod)
	assert.False(t, config.Auth.FreshStart)
	assert.Equal(t, 15*time.Second, config.API.Timeout)
	assert.Equal(t, 5.0, config.API.RateLimit)
	assert.Equal(t, 10, config.API.RateBurst)
	assert.Equal(t, 30*time.Minute, config.Store.Retention)
	assert.Equal(t, "info", config.Logging.Level)
	assert.NotEmpty(t, config.Store.Path)
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Setenv("WATTBAR_AUTH_CLIENT_ID", "env-client")
	t.Setenv("WATTBAR_AUTH_REFRESH_PERIOD", "10s")
	t.Setenv("WATTBAR_API_BASE_URL", "https://env.example.com")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "wattbar.yaml")

	configContent := `
auth:
  client_id: "file-client"

api:
  base_url: "https://file.example.com"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	assert.NoError(t, err)

	config, err := Load(configPath)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	// Environment variables win over file values.
	assert.Equal(t, "env-client", config.Auth.ClientID)
	assert.Equal(t, 10*time.Second, config.Auth.RefreshPeriod)
	assert.Equal(t, "https://env.example.com", config.API.BaseURL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
