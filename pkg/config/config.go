package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Entitlement rules
	Entitlements EntitlementsConfig

	// Background jobs
	Jobs JobsConfig

	// Notification delivery
	Notify NotifyConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds the ops HTTP server configuration (health, metrics)
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// EntitlementsConfig holds the tunable entitlement rules
type EntitlementsConfig struct {
	SlotCostCents    int64
	DefaultGraceDays int
	CandidateOrder   entitlements.CandidateOrder
	// PlanCatalogFile serves plans from YAML instead of the database
	PlanCatalogFile string
	WatchCatalog    bool
}

// JobsConfig holds the delayed task and sweep settings
type JobsConfig struct {
	// GraceSweepSchedule is a standard five-field cron expression
	GraceSweepSchedule string
	SweepWorkers       int
	TaskPollInterval   time.Duration
	TaskBatchSize      int
	TaskMaxAttempts    int
}

// NotifyConfig holds the webhook settings. An empty URL logs notifications
// instead of delivering them.
type NotifyConfig struct {
	WebhookURL        string
	WebhookSecret     string
	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	AnalyticsEnabled  bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Entitlements:  loadEntitlementsConfig(),
		Jobs:          loadJobsConfig(),
		Notify:        loadNotifyConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SLOTKEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("SLOTKEEPER_PORT", "9090"),
		ReadTimeout:     getEnvDuration("SLOTKEEPER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SLOTKEEPER_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getEnvDuration("SLOTKEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("SLOTKEEPER_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = strings.ToLower(storageType)
	}

	// PostgreSQL config
	if pgURL := getEnv("SLOTKEEPER_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("SLOTKEEPER_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("SLOTKEEPER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("SLOTKEEPER_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("SLOTKEEPER_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if lockTimeout := getEnvDuration("SLOTKEEPER_LOCK_TIMEOUT", 0); lockTimeout > 0 {
		cfg.LockTimeout = lockTimeout
	}

	// Redis config
	if redisURL := getEnv("SLOTKEEPER_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("SLOTKEEPER_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("SLOTKEEPER_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("SLOTKEEPER_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("SLOTKEEPER_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadEntitlementsConfig() EntitlementsConfig {
	return EntitlementsConfig{
		SlotCostCents:    getEnvInt64("SLOTKEEPER_SLOT_COST_CENTS", 500),
		DefaultGraceDays: getEnvInt("SLOTKEEPER_DEFAULT_GRACE_DAYS", entitlements.DefaultGracePeriodDays),
		CandidateOrder:   entitlements.CandidateOrder(strings.ToLower(getEnv("SLOTKEEPER_CANDIDATE_ORDER", string(entitlements.OrderAscending)))),
		PlanCatalogFile:  getEnv("SLOTKEEPER_PLAN_CATALOG", ""),
		WatchCatalog:     getEnvBool("SLOTKEEPER_WATCH_CATALOG", true),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		GraceSweepSchedule: getEnv("SLOTKEEPER_GRACE_SWEEP_SCHEDULE", "*/15 * * * *"),
		SweepWorkers:       getEnvInt("SLOTKEEPER_SWEEP_WORKERS", 4),
		TaskPollInterval:   getEnvDuration("SLOTKEEPER_TASK_POLL_INTERVAL", time.Second),
		TaskBatchSize:      getEnvInt("SLOTKEEPER_TASK_BATCH_SIZE", 50),
		TaskMaxAttempts:    getEnvInt("SLOTKEEPER_TASK_MAX_ATTEMPTS", 5),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		WebhookURL:        getEnv("SLOTKEEPER_WEBHOOK_URL", ""),
		WebhookSecret:     getEnv("SLOTKEEPER_WEBHOOK_SECRET", ""),
		WebhookTimeout:    getEnvDuration("SLOTKEEPER_WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookMaxRetries: getEnvInt("SLOTKEEPER_WEBHOOK_MAX_RETRIES", 3),
		AnalyticsEnabled:  getEnvBool("SLOTKEEPER_ANALYTICS_ENABLED", true),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("SLOTKEEPER_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("SLOTKEEPER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SLOTKEEPER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SLOTKEEPER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SLOTKEEPER_OTEL_SERVICE_NAME", "slotkeeper"),
		OTelServiceVersion: getEnv("SLOTKEEPER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("SLOTKEEPER_OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	// Validate entitlement rules
	if c.Entitlements.SlotCostCents <= 0 {
		return fmt.Errorf("slot cost must be positive, got %d", c.Entitlements.SlotCostCents)
	}
	if c.Entitlements.DefaultGraceDays <= 0 {
		return fmt.Errorf("default grace days must be positive, got %d", c.Entitlements.DefaultGraceDays)
	}
	switch c.Entitlements.CandidateOrder {
	case entitlements.OrderAscending, entitlements.OrderDescending:
	default:
		return fmt.Errorf("invalid candidate order: %s (must be ascending or descending)", c.Entitlements.CandidateOrder)
	}

	// Validate jobs
	if _, err := cron.ParseStandard(c.Jobs.GraceSweepSchedule); err != nil {
		return fmt.Errorf("invalid grace sweep schedule %q: %w", c.Jobs.GraceSweepSchedule, err)
	}
	if c.Jobs.TaskPollInterval <= 0 {
		return fmt.Errorf("task poll interval must be positive")
	}

	// Validate notifications
	if c.Notify.WebhookSecret != "" && c.Notify.WebhookURL == "" {
		return fmt.Errorf("webhook secret is set but webhook URL is empty")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	return observability.ParseLogLevel(level)
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
