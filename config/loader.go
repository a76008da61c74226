package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var globalConfig *Config

// Load loads configuration from the given path, or from the default
// locations (~/.openclaw, cwd) when path is empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		configDir := filepath.Join(home, ".openclaw")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("json")
	}

	v.SetEnvPrefix("OPENCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file missing: defaults plus environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// setDefaults applies default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("gateway.host", "localhost")
	v.SetDefault("gateway.port", 28789)
	v.SetDefault("gateway.path", "/ws")

	v.SetDefault("acp.enabled", false)
	v.SetDefault("acp.backend", "")
	v.SetDefault("acp.max_concurrent_sessions", 0)
	v.SetDefault("acp.dispatch.enabled", true)
	v.SetDefault("acp.runtime.ttl_minutes", 5.0)
	v.SetDefault("acp.stream.coalesce_idle_ms", 700)
	v.SetDefault("acp.stream.max_chunk_chars", 1600)

	v.SetDefault("commands.use_access_groups", true)
	v.SetDefault("commands.text", true)

	v.SetDefault("session.send_policy.default", "allow")
}

// Save writes the configuration to the given path as indented JSON.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get returns the last loaded global configuration.
func Get() *Config {
	return globalConfig
}

// GetDefaultConfigPath returns the default config file path.
func GetDefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".openclaw", "config.json"), nil
}

// GetDefaultSessionStorePath returns the default session store path,
// honoring session.store_path when set.
func GetDefaultSessionStorePath(cfg *Config) (string, error) {
	if cfg != nil && cfg.Session.StorePath != "" {
		return cfg.Session.StorePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".openclaw", "sessions.json"), nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	return NewValidator(true).Validate(cfg)
}
