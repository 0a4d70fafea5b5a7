// Package config loads the CLI configuration from a TOML file with
// environment variable overrides. Precedence: defaults -> config file
// -> environment, so one-off overrides never require editing the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides.
const (
	EnvConfig       = "DRACOON_CONFIG"
	EnvBaseURL      = "DRACOON_BASE_URL"
	EnvClientID     = "DRACOON_CLIENT_ID"
	EnvClientSecret = "DRACOON_CLIENT_SECRET"
)

// Config is the on-disk CLI configuration.
type Config struct {
	BaseURL       string `toml:"base_url"`
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
	RedirectURI   string `toml:"redirect_uri"`
	TokenRotation int    `toml:"token_rotation"`
	LogLevel      string `toml:"log_level"`
	TokenPath     string `toml:"token_path"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		TokenRotation: 1,
		LogLevel:      "info",
		TokenPath:     DefaultTokenPath(),
	}
}

// DefaultConfigPath returns ~/.config/dracoon/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.toml")
}

// DefaultTokenPath returns ~/.config/dracoon/token.json.
func DefaultTokenPath() string {
	return filepath.Join(configDir(), "token.json")
}

func configDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}

	return filepath.Join(base, "dracoon")
}

// Load reads and parses a TOML config file and validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// the defaults. Users can start from environment variables alone.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads the configuration with the override chain applied.
// cliPath is the --config flag value; empty falls back to the
// environment and then the default location.
func Resolve(cliPath string) (*Config, error) {
	path := DefaultConfigPath()
	if env := os.Getenv(EnvConfig); env != "" {
		path = env
	}

	if cliPath != "" {
		path = cliPath
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}

	if v := os.Getenv(EnvClientID); v != "" {
		cfg.ClientID = v
	}

	if v := os.Getenv(EnvClientSecret); v != "" {
		cfg.ClientSecret = v
	}

	return cfg, nil
}

// Validate checks the values a config file can get wrong. Credential
// presence is checked later by the client builder, so that environment
// overrides still count.
func Validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q (use debug, info, warn or error)", cfg.LogLevel)
	}

	if cfg.TokenRotation < 0 {
		return fmt.Errorf("token_rotation must not be negative, got %d", cfg.TokenRotation)
	}

	return nil
}
