// Package config loads Tasker's configuration via github.com/spf13/viper:
// a config.yaml file layered under environment variable overrides and
// typed defaults, validated once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MessageQueue  MessageQueueConfig  `mapstructure:"message_queue"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Execution     ExecutionConfig     `mapstructure:"execution"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Identity      IdentityConfig      `mapstructure:"identity"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Health        HealthConfig        `mapstructure:"health"`
	CustomEvents  CustomEventsConfig  `mapstructure:"custom_events"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MessageQueueConfig struct {
	URL      string         `mapstructure:"url"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type QueuesConfig struct {
	Ready string `mapstructure:"ready"`
	Delay string `mapstructure:"delay"`
}

type ConsumerConfig struct {
	Workers       int           `mapstructure:"workers"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// ExecutionConfig holds execution settings. Only MaxConcurrentSteps is read,
// as the executor's (C6) concurrency bound; the other fields are loaded but
// not used by any other package.
type ExecutionConfig struct {
	MaxConcurrentSteps int           `mapstructure:"max_concurrent_steps"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	MaxBackoffSeconds  int           `mapstructure:"max_backoff_seconds"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
	WindowSize        time.Duration `mapstructure:"window_size"`
}

// IdentityConfig holds identity settings. Neither field is read outside this
// package: the dedup window enforced in internal/cache (§3 inv. 7) is the
// fixed cache.DedupWindow, and POST /tasks defaults to models.IdentityDefault.
type IdentityConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
}

// MetricsConfig holds Prometheus settings. Neither field is read outside
// this package: the HTTP server always mounts the handler at /metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// HealthConfig holds health-check settings. Neither field is read outside
// this package: /health, /ready, /live and /status are mounted at fixed
// paths.
type HealthConfig struct {
	Path          string        `mapstructure:"path"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// CustomEventsConfig holds settings for consumer-defined events (§4.3
// "Custom events"). AllowedNamespaces is not read outside this package;
// eventbus.RegisterEvent applies only its own dot and reserved-prefix rules.
type CustomEventsConfig struct {
	AllowedNamespaces []string `mapstructure:"allowed_namespaces"`
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/tasker")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "tasker")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	viper.SetDefault("http.address", ":8080")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("message_queue.queues.ready", "tasker.tasks.ready")
	viper.SetDefault("message_queue.queues.delay", "tasker.tasks.delay")
	viper.SetDefault("message_queue.consumer.workers", 10)
	viper.SetDefault("message_queue.consumer.prefetch_count", 50)
	viper.SetDefault("message_queue.consumer.retry_delay", "5s")

	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "tasker")
	viper.SetDefault("observability.environment", "development")

	viper.SetDefault("execution.max_concurrent_steps", 3)
	viper.SetDefault("execution.default_timeout", "30s")
	viper.SetDefault("execution.max_retries", 3)
	viper.SetDefault("execution.max_backoff_seconds", 30)

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_second", 100)
	viper.SetDefault("rate_limit.burst_size", 200)
	viper.SetDefault("rate_limit.window_size", "1m")

	viper.SetDefault("identity.default_strategy", "default")
	viper.SetDefault("identity.dedup_window", "2m")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("health.path", "/health")
	viper.SetDefault("health.check_interval", "15s")

	viper.SetDefault("custom_events.allowed_namespaces", []string{})
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "TASKER_ENV")

	viper.BindEnv("http.address", "HTTP_ADDR")

	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("message_queue.url", "RABBITMQ_URL")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("execution.max_concurrent_steps", "TASKER_MAX_CONCURRENT_STEPS")
	viper.BindEnv("execution.default_timeout", "STEP_DEFAULT_TIMEOUT_MS")
	viper.BindEnv("execution.max_retries", "RETRY_MAX")

	viper.BindEnv("identity.default_strategy", "TASKER_IDENTITY_STRATEGY")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.MessageQueue.URL == "" {
		return fmt.Errorf("message_queue.url is required")
	}
	if cfg.Execution.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("execution.max_concurrent_steps must be greater than 0")
	}
	return nil
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value.
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value.
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
