// Package config loads the static engine configuration.
package config

import (
	"fmt"
	"time"

	common "github.com/stormglass-sec/stormglass/common/config"
)

// Config holds all configuration for the static engine.
type Config struct {
	Server      common.ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig           `mapstructure:"database"`
	NATS        common.NATSConfig        `mapstructure:"nats"`
	ObjectStore common.ObjectStoreConfig `mapstructure:"objectstore"`
	Logging     common.LoggingConfig     `mapstructure:"logging"`
	Analysis    AnalysisConfig           `mapstructure:"analysis"`
	Intel       IntelConfig              `mapstructure:"intel"`
}

// DatabaseConfig holds metadata store configuration.
type DatabaseConfig struct {
	Postgres common.PostgresConfig `mapstructure:"postgres"`
}

// AnalysisConfig holds static pipeline tunables.
type AnalysisConfig struct {
	RuleDir string        `mapstructure:"rule_dir"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IntelConfig holds threat-intel feed configuration.
type IntelConfig struct {
	Feeds           []common.IntelFeedConfig `mapstructure:"feeds"`
	RefreshInterval time.Duration            `mapstructure:"refresh_interval"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v, err := common.NewViper(configPath)
	if err != nil {
		return nil, err
	}

	common.SetInfraDefaults(v)
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("nats.name", "stormglass-static")
	v.SetDefault("analysis.rule_dir", "rules")
	v.SetDefault("analysis.timeout", "30s")
	v.SetDefault("intel.refresh_interval", "15m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
