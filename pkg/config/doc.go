// Package config loads slotkeeper configuration from environment variables.
//
// Every setting has a default, so an empty environment yields a runnable
// in-memory service. LoadConfig validates the result.
//
// Server settings (ops endpoints only: health, readiness and metrics):
//
//	SLOTKEEPER_HOST="0.0.0.0"
//	SLOTKEEPER_PORT="9090"
//	SLOTKEEPER_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	SLOTKEEPER_STORAGE_TYPE="postgres"  # memory, postgres
//	SLOTKEEPER_POSTGRES_URL="postgres://localhost/slotkeeper"
//	SLOTKEEPER_POSTGRES_REPLICA_URLS="postgres://replica-1/slotkeeper"
//	SLOTKEEPER_LOCK_TIMEOUT="5s"
//	SLOTKEEPER_REDIS_URL="redis://localhost:6379"
//
// Entitlement rules:
//
//	SLOTKEEPER_SLOT_COST_CENTS="500"
//	SLOTKEEPER_DEFAULT_GRACE_DAYS="7"
//	SLOTKEEPER_CANDIDATE_ORDER="ascending"  # ascending, descending
//	SLOTKEEPER_PLAN_CATALOG="/etc/slotkeeper/plans.yaml"
//
// Background jobs:
//
//	SLOTKEEPER_GRACE_SWEEP_SCHEDULE="*/15 * * * *"
//	SLOTKEEPER_TASK_POLL_INTERVAL="1s"
//
// Notifications:
//
//	SLOTKEEPER_WEBHOOK_URL="https://hooks.example.com/slotkeeper"
//	SLOTKEEPER_WEBHOOK_SECRET="..."
//
// Observability:
//
//	SLOTKEEPER_LOG_LEVEL="info"
//	SLOTKEEPER_OTEL_ENABLED="true"
//	SLOTKEEPER_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
