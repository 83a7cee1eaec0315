// Package config loads the service configuration from YAML, the environment
// and .env files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Aidin1998/birdtrade/internal/cache"
	"github.com/Aidin1998/birdtrade/internal/database"
	"github.com/Aidin1998/birdtrade/internal/messaging"
	"github.com/Aidin1998/birdtrade/internal/scheduler"
	"github.com/Aidin1998/birdtrade/internal/telemetry"
	"github.com/Aidin1998/birdtrade/internal/trading"
)

// EnvPrefix prefixes every environment override, e.g. BIRDTRADE_SERVER_PORT.
const EnvPrefix = "BIRDTRADE"

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error dpanic panic fatal"`
}

// DatabaseConfig lists the regional endpoints in failover order.
type DatabaseConfig struct {
	Endpoints     []database.EndpointConfig `mapstructure:"endpoints" validate:"min=1,dive"`
	DSNs          []string                  `mapstructure:"dsns"`
	Pool          database.PoolOptions      `mapstructure:"pool"`
	Retry         database.RetryPolicy      `mapstructure:"retry"`
	StatsInterval time.Duration             `mapstructure:"stats_interval"`
}

// Config represents the application configuration
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	Orders    trading.Config   `mapstructure:"orders"`
	Kafka     messaging.Config `mapstructure:"kafka"`
	Redis     cache.Config     `mapstructure:"redis"`
	Tracing   telemetry.Config `mapstructure:"tracing"`
}

// DefaultEndpoints are the three regional load balancers.
func DefaultEndpoints() []database.EndpointConfig {
	regions := []string{"us-west-2", "us-east-1", "eu-west-1"}
	out := make([]database.EndpointConfig, len(regions))
	for i, region := range regions {
		out[i] = database.EndpointConfig{
			Name:            region,
			Host:            "haproxy-" + region,
			Port:            26256,
			Database:        "trade_db",
			User:            "root",
			SSLMode:         "disable",
			ApplicationName: "birdtrade",
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")

	endpoints := make([]map[string]any, 0, 3)
	for _, ep := range DefaultEndpoints() {
		endpoints = append(endpoints, map[string]any{
			"name":             ep.Name,
			"host":             ep.Host,
			"port":             ep.Port,
			"database":         ep.Database,
			"user":             ep.User,
			"sslmode":          ep.SSLMode,
			"application_name": ep.ApplicationName,
		})
	}
	v.SetDefault("database.endpoints", endpoints)
	v.SetDefault("database.dsns", []string{})
	pool := database.DefaultPoolOptions()
	v.SetDefault("database.pool.max_conns", pool.MaxConns)
	v.SetDefault("database.pool.min_conns", pool.MinConns)
	v.SetDefault("database.pool.max_conn_lifetime", pool.MaxConnLifetime)
	v.SetDefault("database.pool.max_conn_idle_time", pool.MaxConnIdleTime)
	v.SetDefault("database.pool.health_check_period", pool.HealthCheckPeriod)
	v.SetDefault("database.pool.connect_timeout", pool.ConnectTimeout)
	retry := database.DefaultRetryPolicy()
	v.SetDefault("database.retry.attempts", retry.Attempts)
	v.SetDefault("database.retry.order", string(retry.Order))
	v.SetDefault("database.retry.backoff", retry.Backoff)
	v.SetDefault("database.stats_interval", 30*time.Second)

	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.delay", sched.Delay)
	v.SetDefault("scheduler.workers", sched.Workers)
	v.SetDefault("scheduler.queue_size", sched.QueueSize)
	v.SetDefault("scheduler.task_timeout", sched.TaskTimeout)
	v.SetDefault("scheduler.journal_path", "")

	orders := trading.DefaultConfig()
	v.SetDefault("orders.account_nbr", orders.AccountNbr)
	v.SetDefault("orders.symbols", orders.Symbols)
	v.SetDefault("orders.cache_ttl", orders.CacheTTL)
	v.SetDefault("orders.incomplete_limit", orders.IncompleteLimit)

	kafka := messaging.DefaultConfig()
	v.SetDefault("kafka.enabled", kafka.Enabled)
	v.SetDefault("kafka.brokers", kafka.Brokers)
	v.SetDefault("kafka.topic", kafka.Topic)
	v.SetDefault("kafka.batch_timeout", kafka.BatchTimeout)
	v.SetDefault("kafka.write_timeout", kafka.WriteTimeout)
	v.SetDefault("kafka.required_acks", kafka.RequiredAcks)

	redis := cache.DefaultConfig()
	v.SetDefault("redis.enabled", redis.Enabled)
	v.SetDefault("redis.address", redis.Address)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", redis.DB)
	v.SetDefault("redis.ttl", redis.TTL)
	v.SetDefault("redis.prefix", redis.Prefix)

	tracing := telemetry.DefaultConfig()
	v.SetDefault("tracing.enabled", tracing.Enabled)
	v.SetDefault("tracing.metrics", tracing.Metrics)
	v.SetDefault("tracing.service_name", tracing.ServiceName)
	v.SetDefault("tracing.metric_interval", tracing.MetricInterval)
}

// Load reads configuration. Files are merged in order; when none are given
// BIRDTRADE_CONFIG, ./config.yaml and ./configs/config.yaml are tried. A
// missing .env file is not an error.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(paths) == 0 {
		if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
			paths = []string{p}
		} else {
			paths = []string{"./config.yaml", "./configs/config.yaml"}
		}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Database.DSNs) > 0 {
		cfg.Database.Endpoints = endpointsFromDSNs(cfg.Database.DSNs)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// endpointsFromDSNs names each DSN after its host so logs stay readable.
func endpointsFromDSNs(dsns []string) []database.EndpointConfig {
	out := make([]database.EndpointConfig, 0, len(dsns))
	for i, dsn := range dsns {
		dsn = strings.TrimSpace(dsn)
		if dsn == "" {
			continue
		}
		name := fmt.Sprintf("endpoint-%d", i+1)
		if u, err := url.Parse(dsn); err == nil && u.Hostname() != "" {
			name = strings.TrimPrefix(u.Hostname(), "haproxy-")
		}
		out = append(out, database.EndpointConfig{Name: name, DSN: dsn})
	}
	return out
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	seen := map[string]bool{}
	for _, ep := range cfg.Database.Endpoints {
		if seen[ep.Name] {
			return fmt.Errorf("configuration validation failed: duplicate endpoint %q", ep.Name)
		}
		seen[ep.Name] = true
	}
	return nil
}
