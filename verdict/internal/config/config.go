// Package config loads the verdict synthesizer configuration.
package config

import (
	"fmt"

	common "github.com/stormglass-sec/stormglass/common/config"
)

// Config holds all configuration for the verdict synthesizer.
type Config struct {
	Server   common.ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	NATS     common.NATSConfig    `mapstructure:"nats"`
	Logging  common.LoggingConfig `mapstructure:"logging"`
}

// DatabaseConfig holds metadata store configuration.
type DatabaseConfig struct {
	Postgres common.PostgresConfig `mapstructure:"postgres"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v, err := common.NewViper(configPath)
	if err != nil {
		return nil, err
	}

	common.SetInfraDefaults(v)
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("nats.name", "stormglass-verdict")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
