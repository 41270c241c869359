package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds ingestion endpoint connection settings.
type ServerConfig struct {
	URL       string        `mapstructure:"url"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// APIKey returns the API key resolved from the environment. Empty when
// no key is configured.
func (s ServerConfig) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(s.APIKeyEnv)
}

// BufferConfig locates the buffer file set written by the upstream
// process. Path is the base path without extension: buffer files match
// "<path>*.json" and the bookmark lives at "<path>.bookmark".
type BufferConfig struct {
	Path string `mapstructure:"path"`
}

// BackoffConfig holds the failure backoff parameters for the shipping
// schedule.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// ShippingConfig holds batching and scheduling configuration.
type ShippingConfig struct {
	Period               time.Duration `mapstructure:"period"`
	BatchLimit           int           `mapstructure:"batch_limit"`
	EventBodyLimitBytes  int64         `mapstructure:"event_body_limit_bytes"`
	LevelRecheckInterval time.Duration `mapstructure:"level_recheck_interval"`
	Compress             bool          `mapstructure:"compress"`
	Backoff              BackoffConfig `mapstructure:"backoff"`
}

// ShipperConfig represents the complete shipper configuration.
type ShipperConfig struct {
	Server       ServerConfig   `mapstructure:"server"`
	Buffer       BufferConfig   `mapstructure:"buffer"`
	Shipping     ShippingConfig `mapstructure:"shipping"`
	MinimumLevel string         `mapstructure:"minimum_level"`
	LogLevel     string         `mapstructure:"log_level"`
	LogFormat    string         `mapstructure:"log_format"`
}

// LoadShipperConfig loads the shipper configuration from a file.
func LoadShipperConfig(configPath string) (*ShipperConfig, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("shipping.period", "2s")
	v.SetDefault("shipping.batch_limit", 1000)
	v.SetDefault("shipping.event_body_limit_bytes", 256*1024)
	v.SetDefault("shipping.level_recheck_interval", "2m")
	v.SetDefault("shipping.compress", false)
	v.SetDefault("shipping.backoff.initial", "1s")
	v.SetDefault("shipping.backoff.max", "60s")
	v.SetDefault("shipping.backoff.multiplier", 2.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config ShipperConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if config.Server.URL == "" {
		return nil, fmt.Errorf("server.url is required")
	}
	if config.Buffer.Path == "" {
		return nil, fmt.Errorf("buffer.path is required")
	}
	if config.Shipping.BatchLimit <= 0 {
		return nil, fmt.Errorf("shipping.batch_limit must be positive")
	}
	if config.Shipping.Period <= 0 {
		return nil, fmt.Errorf("shipping.period must be positive")
	}

	return &config, nil
}
