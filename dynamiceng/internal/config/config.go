// Package config loads the dynamic engine configuration.
package config

import (
	"fmt"
	"time"

	common "github.com/stormglass-sec/stormglass/common/config"
)

// Config holds all configuration for the dynamic engine.
type Config struct {
	Server      common.ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig           `mapstructure:"database"`
	NATS        common.NATSConfig        `mapstructure:"nats"`
	ObjectStore common.ObjectStoreConfig `mapstructure:"objectstore"`
	Logging     common.LoggingConfig     `mapstructure:"logging"`
	Sandbox     SandboxConfig            `mapstructure:"sandbox"`
}

// DatabaseConfig holds metadata store configuration.
type DatabaseConfig struct {
	Postgres common.PostgresConfig `mapstructure:"postgres"`
}

// SandboxConfig holds detonation tunables.
type SandboxConfig struct {
	// Backend selects the supervisor implementation: "procjail" or
	// "replay".
	Backend string `mapstructure:"backend"`

	// JailCmd and JailArgs configure the confinement wrapper for the
	// procjail backend.
	JailCmd  string   `mapstructure:"jail_cmd"`
	JailArgs []string `mapstructure:"jail_args"`

	// WorkDir is where scratch regions and artifact drops are staged.
	WorkDir string `mapstructure:"work_dir"`

	// TraceDir names a directory of recorded traces. The service does not
	// read it: the replay backend built by main starts with an empty trace.
	TraceDir string `mapstructure:"trace_dir"`

	VCPUs       int           `mapstructure:"vcpus"`
	MemoryBytes int64         `mapstructure:"memory_bytes"`
	DiskBytes   int64         `mapstructure:"disk_bytes"`
	WallClock   time.Duration `mapstructure:"wall_clock"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v, err := common.NewViper(configPath)
	if err != nil {
		return nil, err
	}

	common.SetInfraDefaults(v)
	v.SetDefault("server.port", 8083)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("nats.name", "stormglass-dynamic")
	v.SetDefault("sandbox.backend", "procjail")
	v.SetDefault("sandbox.work_dir", "")
	v.SetDefault("sandbox.vcpus", 1)
	v.SetDefault("sandbox.memory_bytes", 2<<30)
	v.SetDefault("sandbox.disk_bytes", int64(10)<<30)
	v.SetDefault("sandbox.wall_clock", "300s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Sandbox.Backend != "procjail" && cfg.Sandbox.Backend != "replay" {
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
	return &cfg, nil
}
