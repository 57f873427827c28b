// Package config holds the shared infrastructure configuration structs
// embedded by every service config, plus viper helpers common to all
// services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// PostgresConfig holds metadata store connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// NATSConfig holds message bus connection settings.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ObjectStoreConfig holds object store connection settings. MasterKey
// feeds the tenant encryption-key provider; empty disables server-side
// encryption.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	MasterKey string `mapstructure:"master_key"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IntelFeedConfig describes one threat-intel feed.
type IntelFeedConfig struct {
	URL             string `mapstructure:"url"`
	Format          string `mapstructure:"format"` // csv, json, or stix
	RefreshInterval int    `mapstructure:"refresh_interval_minutes"`
}

// NewViper builds a viper instance with the conventions shared by all
// services: optional config file, STORMGLASS_* env overrides with nested
// keys mapped through underscores.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("STORMGLASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}
	return v, nil
}

// SetInfraDefaults applies the shared infrastructure defaults.
func SetInfraDefaults(v *viper.Viper) {
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "stormglass")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "stormglass")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("objectstore.endpoint", "localhost:9000")
	v.SetDefault("objectstore.bucket", "stormglass-artifacts")
	v.SetDefault("objectstore.use_ssl", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
