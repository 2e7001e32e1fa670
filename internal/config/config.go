// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML and TOML files with env var expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Keys     KeysConfig     `yaml:"keys" toml:"keys"`
	Provider ProviderConfig `yaml:"provider" toml:"provider"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	Features FeaturesConfig `yaml:"features" toml:"features"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// KeyConfig is one signing key
type KeyConfig struct {
	ID     string `yaml:"id" toml:"id"`
	Secret string `yaml:"secret" toml:"secret"`
}

// KeysConfig holds the signing key ring configuration. Previous keys stay
// verifiable through the rotation grace period.
type KeysConfig struct {
	Active      KeyConfig   `yaml:"active" toml:"active"`
	Previous    []KeyConfig `yaml:"previous" toml:"previous"`
	MaxPrevious int         `yaml:"max_previous" toml:"max_previous"`
}

// ProviderConfig holds the OAuth2 identity provider configuration
type ProviderConfig struct {
	Name         string   `yaml:"name" toml:"name"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	AuthURL      string   `yaml:"auth_url" toml:"auth_url"`
	TokenURL     string   `yaml:"token_url" toml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url" toml:"redirect_url"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
	UserInfoURL  string   `yaml:"userinfo_url" toml:"userinfo_url"`

	StateTTL        time.Duration `yaml:"-" toml:"-"`
	ExchangeTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StateTTLRaw        string `yaml:"state_ttl" toml:"state_ttl"`
	ExchangeTimeoutRaw string `yaml:"exchange_timeout" toml:"exchange_timeout"`
}

// SessionsConfig holds session and token lifetime configuration
type SessionsConfig struct {
	RequireAuthBeforeJoin bool `yaml:"require_auth_before_join" toml:"require_auth_before_join"`
	ConflictRetries       int  `yaml:"conflict_retries" toml:"conflict_retries"`

	TokenTTL      time.Duration `yaml:"-" toml:"-"`
	SessionTTL    time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TokenTTLRaw      string `yaml:"token_ttl" toml:"token_ttl"`
	SessionTTLRaw    string `yaml:"session_ttl" toml:"session_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// FeaturesConfig toggles optional subsystems
type FeaturesConfig struct {
	// PlatformToken enables capability token issuance and validation.
	PlatformToken bool `yaml:"platform_token" toml:"platform_token"`
	// AuthDuringComm enables mid-session authentication via the provider.
	AuthDuringComm bool `yaml:"auth_during_comm" toml:"auth_during_comm"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Features.PlatformToken {
		if c.Keys.Active.ID == "" {
			return fmt.Errorf("keys.active.id is required when platform_token is enabled")
		}
		if c.Keys.Active.Secret == "" {
			return fmt.Errorf("keys.active.secret is required when platform_token is enabled")
		}
		for i, k := range c.Keys.Previous {
			if k.ID == "" || k.Secret == "" {
				return fmt.Errorf("keys.previous[%d] needs both id and secret", i)
			}
		}
	}

	if c.Features.AuthDuringComm {
		if c.Provider.ClientID == "" {
			return fmt.Errorf("provider.client_id is required when auth_during_comm is enabled")
		}
		if c.Provider.AuthURL == "" || c.Provider.TokenURL == "" {
			return fmt.Errorf("provider.auth_url and provider.token_url are required when auth_during_comm is enabled")
		}
		if c.Provider.RedirectURL == "" {
			return fmt.Errorf("provider.redirect_url is required when auth_during_comm is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Provider.StateTTLRaw, &cfg.Provider.StateTTL, "state_ttl"},
		{cfg.Provider.ExchangeTimeoutRaw, &cfg.Provider.ExchangeTimeout, "exchange_timeout"},
		{cfg.Sessions.TokenTTLRaw, &cfg.Sessions.TokenTTL, "token_ttl"},
		{cfg.Sessions.SessionTTLRaw, &cfg.Sessions.SessionTTL, "session_ttl"},
		{cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval, "sweep_interval"},
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
