package domain

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the complete Shrike configuration.
type Config struct {
	// Server settings
	Server ServerConfig `toml:"server"`

	// Tier determines feature availability
	Tier ProductTier `toml:"tier"`

	// Component configurations
	Repository RepositoryConfig `toml:"repository"`
	Cache      CacheConfig      `toml:"cache"`
	EventBus   EventBusConfig   `toml:"event_bus"`

	// Engine settings
	Engine EngineConfig `toml:"engine"`

	// Observability
	Logging LoggingConfig `toml:"logging"`
	Tracing TracingConfig `toml:"tracing"`
}

// EngineConfig holds detection engine settings.
type EngineConfig struct {
	// RulesDir is watched for ruleset documents; edits publish new versions
	RulesDir string `toml:"rules_dir"`

	// MLProviderURL is the optional external probability source.
	// Empty disables the ML signal (the engine degrades to expert-only).
	MLProviderURL string `toml:"ml_provider_url"`

	// MLTimeoutMs bounds one provider call
	MLTimeoutMs int `toml:"ml_timeout_ms"`

	// VelocityWindowSecs is the sender event-count window
	VelocityWindowSecs int `toml:"velocity_window_secs"`

	// MaxWorkers bounds parallel rule evaluation per call
	MaxWorkers int `toml:"max_workers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`  // seconds
	WriteTimeout int    `toml:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	Endpoint    string `toml:"endpoint"`
}

// ProductTier represents the product tier.
type ProductTier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity ProductTier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro ProductTier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./shrike.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			RulesDir:           "./rules",
			MLTimeoutMs:        500,
			VelocityWindowSecs: 3600,
			MaxWorkers:         100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "shrike",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "shrike",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the effective configuration: defaults, then an
// optional TOML file, then environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if os.Getenv("SHRIKE_TIER") == string(TierPro) {
		cfg = ProConfig()
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies SHRIKE_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SHRIKE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SHRIKE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SHRIKE_RULES_DIR"); v != "" {
		c.Engine.RulesDir = v
	}
	if v := os.Getenv("SHRIKE_ML_URL"); v != "" {
		c.Engine.MLProviderURL = v
	}
	if v := os.Getenv("SHRIKE_DB_PATH"); v != "" {
		c.Repository.SQLitePath = v
	}
	if v := os.Getenv("SHRIKE_POSTGRES_HOST"); v != "" {
		c.Repository.PostgresHost = v
	}
	if v := os.Getenv("SHRIKE_POSTGRES_PASSWORD"); v != "" {
		c.Repository.PostgresPassword = v
	}
	if v := os.Getenv("SHRIKE_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("SHRIKE_NATS_URL"); v != "" {
		c.EventBus.NATSUrl = v
	}
	if v := os.Getenv("SHRIKE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
