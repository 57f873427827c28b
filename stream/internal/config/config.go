// Package config loads the streaming fabric configuration.
package config

import (
	"fmt"
	"time"

	common "github.com/stormglass-sec/stormglass/common/config"
)

// Config holds all configuration for the streaming fabric.
type Config struct {
	Server   common.ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	NATS     common.NATSConfig    `mapstructure:"nats"`
	Redis    common.RedisConfig   `mapstructure:"redis"`
	Logging  common.LoggingConfig `mapstructure:"logging"`
	Stream   StreamConfig         `mapstructure:"stream"`
}

// DatabaseConfig holds metadata store configuration.
type DatabaseConfig struct {
	Postgres common.PostgresConfig `mapstructure:"postgres"`
}

// StreamConfig holds fabric tunables.
type StreamConfig struct {
	// JWTSecret verifies channel bearer tokens minted by the identity
	// provider.
	JWTSecret string `mapstructure:"jwt_secret"`

	// BufferTTL is the side-cache retention for reconnect replay.
	BufferTTL time.Duration `mapstructure:"buffer_ttl"`

	// GCInterval is the background sweep period.
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v, err := common.NewViper(configPath)
	if err != nil {
		return nil, err
	}

	common.SetInfraDefaults(v)
	v.SetDefault("server.port", 8085)
	// Zero read/write timeouts: channels are long-lived; liveness is
	// enforced by the websocket ping/pong deadlines instead.
	v.SetDefault("server.read_timeout", "0s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("nats.name", "stormglass-stream")
	v.SetDefault("stream.buffer_ttl", "5m")
	v.SetDefault("stream.gc_interval", "1m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Stream.JWTSecret == "" {
		return nil, fmt.Errorf("stream.jwt_secret is required")
	}
	return &cfg, nil
}
