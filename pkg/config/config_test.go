package config

import (
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

// TestGetEnvHelpers tests the typed environment helpers
func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "custom")
	t.Setenv("TEST_BOOL_TRUE", "true")
	t.Setenv("TEST_BOOL_ONE", "1")
	t.Setenv("TEST_BOOL_OTHER", "yes")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty-two")
	t.Setenv("TEST_INT64", "9000000000")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_DURATION_BAD", "soon")

	if got := getEnv("TEST_STRING", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("TEST_STRING_NOT_SET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if !getEnvBool("TEST_BOOL_TRUE", false) || !getEnvBool("TEST_BOOL_ONE", false) {
		t.Errorf("getEnvBool() should accept true and 1")
	}
	if getEnvBool("TEST_BOOL_OTHER", true) {
		t.Errorf("getEnvBool() should treat yes as false")
	}
	if !getEnvBool("TEST_BOOL_NOT_SET", true) {
		t.Errorf("getEnvBool() should fall back to the default")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("getEnvInt() = %v, want 7 for an unparsable value", got)
	}
	if got := getEnvInt64("TEST_INT64", 0); got != 9000000000 {
		t.Errorf("getEnvInt64() = %v, want 9000000000", got)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvDuration("TEST_DURATION_BAD", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration() = %v, want 1m for an unparsable value", got)
	}
}

// TestParseLogLevel tests the parseLogLevel function
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  observability.LogLevel
	}{
		{level: "debug", want: observability.DebugLevel},
		{level: "DEBUG", want: observability.DebugLevel},
		{level: "info", want: observability.InfoLevel},
		{level: "warn", want: observability.WarnLevel},
		{level: "warning", want: observability.WarnLevel},
		{level: "error", want: observability.ErrorLevel},
		{level: "invalid", want: observability.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := parseLogLevel(tt.level); got != tt.want {
				t.Errorf("parseLogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLoadConfig_Defaults tests that an empty environment yields a valid
// in-memory configuration
func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Port = %v, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %v, want memory", cfg.Storage.Type)
	}
	if cfg.Storage.LockTimeout != 5*time.Second {
		t.Errorf("LockTimeout = %v, want 5s", cfg.Storage.LockTimeout)
	}
	if cfg.Entitlements.SlotCostCents != 500 {
		t.Errorf("SlotCostCents = %v, want 500", cfg.Entitlements.SlotCostCents)
	}
	if cfg.Entitlements.DefaultGraceDays != entitlements.DefaultGracePeriodDays {
		t.Errorf("DefaultGraceDays = %v, want %v", cfg.Entitlements.DefaultGraceDays, entitlements.DefaultGracePeriodDays)
	}
	if cfg.Entitlements.CandidateOrder != entitlements.OrderAscending {
		t.Errorf("CandidateOrder = %v, want ascending", cfg.Entitlements.CandidateOrder)
	}
	if cfg.Jobs.GraceSweepSchedule != "*/15 * * * *" {
		t.Errorf("GraceSweepSchedule = %v", cfg.Jobs.GraceSweepSchedule)
	}
	if cfg.Observability.OTelServiceName != "slotkeeper" {
		t.Errorf("OTelServiceName = %v, want slotkeeper", cfg.Observability.OTelServiceName)
	}
}

// TestLoadConfig_Environment tests that every section reads its variables
func TestLoadConfig_Environment(t *testing.T) {
	env := map[string]string{
		"SLOTKEEPER_PORT":                 "9100",
		"SLOTKEEPER_STORAGE_TYPE":         "POSTGRES",
		"SLOTKEEPER_POSTGRES_URL":         "postgres://localhost/slotkeeper",
		"SLOTKEEPER_POSTGRES_MAX_CONNS":   "40",
		"SLOTKEEPER_LOCK_TIMEOUT":         "2s",
		"SLOTKEEPER_REDIS_URL":            "redis://localhost:6379",
		"SLOTKEEPER_REDIS_DB":             "3",
		"SLOTKEEPER_SLOT_COST_CENTS":      "750",
		"SLOTKEEPER_DEFAULT_GRACE_DAYS":   "10",
		"SLOTKEEPER_CANDIDATE_ORDER":      "Descending",
		"SLOTKEEPER_PLAN_CATALOG":         "/etc/slotkeeper/plans.yaml",
		"SLOTKEEPER_GRACE_SWEEP_SCHEDULE": "@hourly",
		"SLOTKEEPER_TASK_POLL_INTERVAL":   "250ms",
		"SLOTKEEPER_WEBHOOK_URL":          "https://hooks.example.com/slotkeeper",
		"SLOTKEEPER_WEBHOOK_SECRET":       "s3cret",
		"SLOTKEEPER_LOG_LEVEL":            "debug",
		"SLOTKEEPER_OTEL_ENABLED":         "true",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("Port = %v, want 9100", cfg.Server.Port)
	}
	if cfg.Storage.Type != "postgres" || cfg.Storage.PostgresMaxConns != 40 || cfg.Storage.LockTimeout != 2*time.Second {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.RedisURL != "redis://localhost:6379" || cfg.Storage.RedisDB != 3 {
		t.Errorf("Redis = %v db %v", cfg.Storage.RedisURL, cfg.Storage.RedisDB)
	}
	if cfg.Entitlements.SlotCostCents != 750 || cfg.Entitlements.DefaultGraceDays != 10 {
		t.Errorf("Entitlements = %+v", cfg.Entitlements)
	}
	if cfg.Entitlements.CandidateOrder != entitlements.OrderDescending {
		t.Errorf("CandidateOrder = %v, want descending", cfg.Entitlements.CandidateOrder)
	}
	if cfg.Entitlements.PlanCatalogFile != "/etc/slotkeeper/plans.yaml" {
		t.Errorf("PlanCatalogFile = %v", cfg.Entitlements.PlanCatalogFile)
	}
	if cfg.Jobs.TaskPollInterval != 250*time.Millisecond {
		t.Errorf("TaskPollInterval = %v, want 250ms", cfg.Jobs.TaskPollInterval)
	}
	if cfg.Notify.WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %v", cfg.Notify.WebhookSecret)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel || !cfg.Observability.OTelEnabled {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
}

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: "9090"},
		Storage: storage.DefaultConfig(),
		Entitlements: EntitlementsConfig{
			SlotCostCents:    500,
			DefaultGraceDays: 7,
			CandidateOrder:   entitlements.OrderAscending,
		},
		Jobs: JobsConfig{
			GraceSweepSchedule: "*/15 * * * *",
			TaskPollInterval:   time.Second,
		},
	}
}

// TestConfigValidate tests the Validate method
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "filesystem" }, wantErr: "invalid storage type"},
		{name: "postgres without URL", mutate: func(c *Config) { c.Storage.Type = "postgres" }, wantErr: "postgres URL"},
		{name: "postgres with URL", mutate: func(c *Config) {
			c.Storage.Type = "postgres"
			c.Storage.PostgresURL = "postgres://localhost/slotkeeper"
		}},
		{name: "free slots", mutate: func(c *Config) { c.Entitlements.SlotCostCents = 0 }, wantErr: "slot cost"},
		{name: "no grace", mutate: func(c *Config) { c.Entitlements.DefaultGraceDays = 0 }, wantErr: "grace days"},
		{name: "bad order", mutate: func(c *Config) { c.Entitlements.CandidateOrder = "random" }, wantErr: "candidate order"},
		{name: "bad schedule", mutate: func(c *Config) { c.Jobs.GraceSweepSchedule = "every now and then" }, wantErr: "grace sweep schedule"},
		{name: "descriptor schedule", mutate: func(c *Config) { c.Jobs.GraceSweepSchedule = "@every 5m" }},
		{name: "zero poll interval", mutate: func(c *Config) { c.Jobs.TaskPollInterval = 0 }, wantErr: "poll interval"},
		{name: "secret without URL", mutate: func(c *Config) { c.Notify.WebhookSecret = "s3cret" }, wantErr: "webhook"},
		{name: "otel without endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "slotkeeper"
		}, wantErr: "endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoadConfig_Invalid tests that LoadConfig surfaces validation errors
func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("SLOTKEEPER_STORAGE_TYPE", "postgres")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() should fail without a postgres URL")
	}
}
