// Package config loads service configuration from defaults, an optional
// config file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Identity IdentityConfig `mapstructure:"identity"`
	Fanout   FanoutConfig   `mapstructure:"fanout"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

// ServiceConfig identifies the running service in logs.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// ServerConfig controls the HTTP and gRPC listeners.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

// RedisConfig points at the notification dedupe cache. An empty URL
// disables dedupe.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// NATSConfig points at the push-notification broker. An empty URL disables
// publishing.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// IdentityConfig points at the user directory gRPC service.
type IdentityConfig struct {
	GRPCAddr string        `mapstructure:"grpc_addr"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// FanoutConfig bounds notification delivery.
type FanoutConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	DedupeTTL      time.Duration `mapstructure:"dedupe_ttl"`
}

// SweeperConfig controls the background expiry sweep. Zero disables it.
type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

var defaults = map[string]any{
	"service.name":            "be-expense-approvals",
	"service.version":         "dev",
	"service.environment":     "development",
	"service.log_level":       "info",
	"server.port":             8086,
	"server.grpc_port":        9086,
	"server.read_timeout":     15 * time.Second,
	"server.write_timeout":    30 * time.Second,
	"server.idle_timeout":     60 * time.Second,
	"server.shutdown_timeout": 15 * time.Second,
	"database.host":           "localhost",
	"database.port":           5432,
	"database.user":           "postgres",
	"database.password":       "postgres",
	"database.database":       "expense_approvals",
	"database.sslmode":        "disable",
	"database.max_conns":      10,
	"database.min_conns":      1,
	"database.max_conn_time":  30 * time.Minute,
	"database.max_idle_time":  5 * time.Minute,
	"database.health_check":   time.Minute,
	"redis.url":               "",
	"nats.url":                "",
	"nats.subject_prefix":     "notifications.expense",
	"identity.grpc_addr":      "localhost:9081",
	"identity.timeout":        5 * time.Second,
	"fanout.max_concurrency":  8,
	"fanout.dedupe_ttl":       24 * time.Hour,
	"sweeper.interval":        5 * time.Minute,
}

// Load reads configuration. Environment variables use the upper-cased key
// with dots replaced by underscores (DATABASE_HOST, SERVER_GRPC_PORT). When
// CONFIG_FILE is set, that file is read before the environment is applied.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("config_file", "CONFIG_FILE"); err != nil {
		return nil, fmt.Errorf("bind CONFIG_FILE: %w", err)
	}
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server ports must be positive (http=%d grpc=%d)", c.Server.Port, c.Server.GRPCPort)
	}
	if c.Fanout.MaxConcurrency <= 0 {
		return fmt.Errorf("fanout.max_concurrency must be positive, got %d", c.Fanout.MaxConcurrency)
	}
	if c.Sweeper.Interval < 0 {
		return fmt.Errorf("sweeper.interval must not be negative")
	}
	return nil
}
