package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the agent.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	API     APIConfig     `mapstructure:"api"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig is the loopback API listener.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// AuthConfig carries the OAuth client registration and endpoints.
type AuthConfig struct {
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	AuthorizeURL  string        `mapstructure:"authorize_url"`
	TokenURL      string        `mapstructure:"token_url"`
	UserInfoURL   string        `mapstructure:"userinfo_url"`
	RedirectURI   string        `mapstructure:"redirect_uri"`
	Scopes        []string      `mapstructure:"scopes"`
	Audience      string        `mapstructure:"audience"`
	RefreshPeriod time.Duration `mapstructure:"refresh_period"`
	FreshStart    bool          `mapstructure:"fresh_start"`
	NoBrowser     bool          `mapstructure:"no_browser"`
}

// APIConfig points at the energy provider.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
}

// StoreConfig is the on-disk sample window.
type StoreConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An
// explicit path must exist; with an empty path the default locations are
// searched and a missing file falls back to defaults. Every key can be
// overridden through WATTBAR_SECTION_KEY environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WATTBAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("wattbar")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "wattbar"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if config.Store.Path == "" {
		config.Store.Path = defaultStorePath()
	}

	return &config, nil
}

// setDefaults also seeds empty values for keys without a natural default
// so AutomaticEnv can bind them during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", "127.0.0.1:7213")

	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.authorize_url", "")
	v.SetDefault("auth.token_url", "")
	v.SetDefault("auth.userinfo_url", "")
	v.SetDefault("auth.redirect_uri", "http://127.0.0.1:7213/auth/callback")
	v.SetDefault("auth.scopes", []string{"openid", "offline_access", "energy_device_data"})
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.refresh_period", "30s")
	v.SetDefault("auth.fresh_start", false)
	v.SetDefault("auth.no_browser", false)

	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("api.rate_limit", 5.0)
	v.SetDefault("api.rate_burst", 10)

	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("store.retention", "30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// defaultStorePath places the sample window under the user config dir,
// falling back to the working directory when that cannot be resolved.
func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "wattbar-samples.json"
	}
	return filepath.Join(dir, "wattbar", "samples.json")
}
