// Package config loads the ingest service configuration.
package config

import (
	"fmt"
	"time"

	common "github.com/stormglass-sec/stormglass/common/config"
)

// Config holds all configuration for the ingest service.
type Config struct {
	Server      common.ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig           `mapstructure:"database"`
	NATS        common.NATSConfig        `mapstructure:"nats"`
	ObjectStore common.ObjectStoreConfig `mapstructure:"objectstore"`
	Logging     common.LoggingConfig     `mapstructure:"logging"`
	Ingestion   IngestionConfig          `mapstructure:"ingestion"`
	Outbox      OutboxConfig             `mapstructure:"outbox"`
}

// DatabaseConfig holds metadata store configuration.
type DatabaseConfig struct {
	Postgres common.PostgresConfig `mapstructure:"postgres"`
}

// IngestionConfig holds ingest pipeline tunables.
type IngestionConfig struct {
	SpoolDir   string        `mapstructure:"spool_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit_requests"`
	RateWindow time.Duration `mapstructure:"rate_limit_window"`
}

// OutboxConfig holds reconciler tunables.
type OutboxConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Batch    int           `mapstructure:"batch"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v, err := common.NewViper(configPath)
	if err != nil {
		return nil, err
	}

	common.SetInfraDefaults(v)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", "130s")
	v.SetDefault("server.write_timeout", "130s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("nats.name", "stormglass-ingest")
	v.SetDefault("ingestion.spool_dir", "")
	v.SetDefault("ingestion.timeout", "120s")
	v.SetDefault("ingestion.rate_limit_requests", 120)
	v.SetDefault("ingestion.rate_limit_window", "1m")
	v.SetDefault("outbox.interval", "10s")
	v.SetDefault("outbox.batch", 100)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
