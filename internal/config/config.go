// Package config loads the agentsocket CLI configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete CLI configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig says where connection parameters come from: a config
// endpoint, or static values.
type GatewayConfig struct {
	// ConfigURL is the JSON endpoint returning gateway_url and a token.
	ConfigURL string `yaml:"config_url"`
	Nonce     string `yaml:"nonce"`

	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	BrandID   string `yaml:"brand_id"`
	AgentType string `yaml:"agent_type"`
	SiteID    string `yaml:"site_id"`
	SiteURL   string `yaml:"site_url"`
}

// SessionConfig holds the session policies.
type SessionConfig struct {
	Namespace       string   `yaml:"namespace"`
	ConsumerType    string   `yaml:"consumer_type"`
	MaxAttempts     int      `yaml:"max_attempts"`
	FallbackMessage string   `yaml:"fallback_message"`
	Placeholders    []string `yaml:"placeholders"`
	ArchiveLimit    int      `yaml:"archive_limit"`

	BaseDelay     time.Duration `yaml:"-"`
	TypingTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BaseDelayRaw     string `yaml:"base_delay"`
	TypingTimeoutRaw string `yaml:"typing_timeout"`
}

// StorageConfig holds the transcript database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Namespace:     "default",
			ConsumerType:  "chat",
			MaxAttempts:   5,
			ArchiveLimit:  3,
			BaseDelay:     time.Second,
			TypingTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			Path: DefaultStoragePath(),
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// DefaultStoragePath is the transcript database under the user config dir.
func DefaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "agentsocket", "state.db")
}

// Load reads a configuration file from the given path over the defaults.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to "".
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.ConfigURL == "" {
		if c.Gateway.URL == "" {
			return errors.New("gateway.config_url or gateway.url is required")
		}
		if c.Gateway.Token == "" {
			return errors.New("gateway.token is required with gateway.url")
		}
	}

	if c.Session.Namespace == "" {
		return errors.New("session.namespace must not be empty")
	}
	if c.Session.MaxAttempts < 0 {
		return fmt.Errorf("session.max_attempts must not be negative, got %d", c.Session.MaxAttempts)
	}
	if c.Session.BaseDelay <= 0 {
		return errors.New("session.base_delay must be positive")
	}
	if c.Session.TypingTimeout <= 0 {
		return errors.New("session.typing_timeout must be positive")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.BaseDelayRaw != "" {
		cfg.Session.BaseDelay, err = time.ParseDuration(cfg.Session.BaseDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing base_delay %q: %w", cfg.Session.BaseDelayRaw, err)
		}
	}

	if cfg.Session.TypingTimeoutRaw != "" {
		cfg.Session.TypingTimeout, err = time.ParseDuration(cfg.Session.TypingTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing typing_timeout %q: %w", cfg.Session.TypingTimeoutRaw, err)
		}
	}

	return nil
}
