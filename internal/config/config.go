package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// .env is optional; secrets usually arrive this way in development
	_ = godotenv.Load()

	config := GetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/veilgate/")
	viper.AddConfigPath("$HOME/.veilgate/")

	// Environment variable overrides
	viper.SetEnvPrefix("VEILGATE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// MissingRequiredKeys lists configuration the proxy cannot serve without.
// The health check reports these so a misdeployed instance explains itself.
func (c *Config) MissingRequiredKeys() []string {
	var missing []string
	if c.Pseudonym.Salt == "" {
		missing = append(missing, "pseudonym.salt")
	}
	if c.Pseudonym.EncryptionSecret == "" {
		missing = append(missing, "pseudonym.encryption_secret")
	}
	if c.Upstream.BaseURL == "" {
		missing = append(missing, "upstream.base_url")
	}
	if c.Rules.Path == "" {
		missing = append(missing, "rules.path")
	}
	return missing
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Pseudonym.Implementation {
	case "", "default", "legacy":
	default:
		return fmt.Errorf("invalid pseudonym implementation: %s (must be default or legacy)", config.Pseudonym.Implementation)
	}

	for _, out := range []OutputConfig{config.Outputs.Raw, config.Outputs.Sanitized} {
		if !out.Enabled {
			continue
		}
		switch out.Kind {
		case "file", "redis", "postgres":
		default:
			return fmt.Errorf("invalid output kind: %s (must be file, redis, or postgres)", out.Kind)
		}
	}

	if config.Async.Enabled && config.Async.RedisURL == "" {
		return fmt.Errorf("async dispatch requires async.redis_url")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes
func Watch(callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		if err := validateConfig(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})

	return nil
}
