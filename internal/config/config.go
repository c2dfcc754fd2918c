package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn"`    // overrides host/port/... when set
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP gRPC, e.g. http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"` // 0.0~1.0
	ServiceName string  `mapstructure:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// EngineConfig controls action execution.
type EngineConfig struct {
	ActionTimeout    time.Duration      `mapstructure:"action_timeout"`
	ExecutionTimeout time.Duration      `mapstructure:"execution_timeout"` // 0 disables
	MaxDelay         time.Duration      `mapstructure:"max_delay"`
	QueueSize        int                `mapstructure:"queue_size"`
	Workers          int                `mapstructure:"workers"`
	OrphanAfter      time.Duration      `mapstructure:"orphan_after"`
	Retry            RetryConfig        `mapstructure:"retry"`
	Webhook          OutboundHookConfig `mapstructure:"webhook"`
}

type RetryConfig struct {
	Strategy    string        `mapstructure:"strategy"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OutboundHookConfig configures the call_webhook action's HTTP client.
type OutboundHookConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
	MaxResponseBytes  int64         `mapstructure:"max_response_bytes"`
}

type SchedulerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	CronPollInterval    time.Duration `mapstructure:"cron_poll_interval"`
	CatchUpWindow       time.Duration `mapstructure:"catch_up_window"`
	OverdueHour         int           `mapstructure:"overdue_hour"`
	OrphanSweepInterval time.Duration `mapstructure:"orphan_sweep_interval"`
	StateFlushInterval  time.Duration `mapstructure:"state_flush_interval"`
	StateStore          string        `mapstructure:"state_store"` // memory, database, redis
	Timezone            string        `mapstructure:"timezone"`    // IANA name, "Local" or "UTC"
}

type WebhookConfig struct {
	SignatureHeader string `mapstructure:"signature_header"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
}

// Load unmarshals the global viper state on top of the defaults.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals v on top of the defaults.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := GetDefaultConfig()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Scheduler.OverdueHour < 0 || c.Scheduler.OverdueHour > 23 {
		return fmt.Errorf("scheduler.overdue_hour must be within 0-23, got %d", c.Scheduler.OverdueHour)
	}
	if c.Engine.ExecutionTimeout > 0 && c.Engine.MaxDelay >= c.Engine.ExecutionTimeout {
		return fmt.Errorf("engine.max_delay (%s) must be shorter than engine.execution_timeout (%s)", c.Engine.MaxDelay, c.Engine.ExecutionTimeout)
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	switch c.Scheduler.StateStore {
	case "memory", "database", "redis":
	default:
		return fmt.Errorf("unsupported scheduler.state_store %q", c.Scheduler.StateStore)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	if c.Scheduler.StateStore == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("scheduler.state_store=redis requires redis.enabled")
	}
	return nil
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "autoflow",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/autoflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "autoflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Engine: EngineConfig{
			ActionTimeout:    5 * time.Minute,
			ExecutionTimeout: 30 * time.Minute,
			MaxDelay:         15 * time.Minute,
			QueueSize:        1000,
			Workers:          8,
			OrphanAfter:      time.Hour,
			Retry: RetryConfig{
				Strategy:    "exponential",
				MaxAttempts: 4,
				Delay:       5 * time.Second,
				MaxDelay:    5 * time.Minute,
			},
			Webhook: OutboundHookConfig{
				Timeout:           30 * time.Second,
				RequestsPerSecond: 10,
				Burst:             5,
				BreakerFailures:   5,
				BreakerTimeout:    60 * time.Second,
				MaxResponseBytes:  1 << 20,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			CronPollInterval:    60 * time.Second,
			CatchUpWindow:       60 * time.Second,
			OverdueHour:         9,
			OrphanSweepInterval: time.Hour,
			StateFlushInterval:  3 * time.Hour,
			StateStore:          "database",
			Timezone:            "Local",
		},
		Webhook: WebhookConfig{
			SignatureHeader: "X-Webhook-Signature",
			MaxBodyBytes:    1 << 20,
		},
	}
}
