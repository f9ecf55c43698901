package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the table layout the store expects. Migrations are managed
// outside slotkeeper; EnsureSchema exists for tests and local bootstrap.
const Schema = `
CREATE TABLE IF NOT EXISTS plans (
	id                  BIGSERIAL PRIMARY KEY,
	slug                TEXT NOT NULL UNIQUE,
	name                TEXT NOT NULL,
	device_limit        INTEGER NOT NULL,
	monthly_price_cents BIGINT NOT NULL DEFAULT 0,
	yearly_price_cents  BIGINT NOT NULL DEFAULT 0,
	grace_period_days   INTEGER NOT NULL DEFAULT 0,
	tier                TEXT NOT NULL DEFAULT 'user'
);

CREATE TABLE IF NOT EXISTS subscribers (
	id         BIGSERIAL PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	role       TEXT NOT NULL DEFAULT 'user',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                      BIGSERIAL PRIMARY KEY,
	subscriber_id           BIGINT NOT NULL UNIQUE REFERENCES subscribers(id),
	plan_id                 BIGINT NOT NULL REFERENCES plans(id),
	status                  TEXT NOT NULL,
	billing_interval        TEXT NOT NULL DEFAULT 'monthly',
	current_period_start    TIMESTAMPTZ,
	current_period_end      TIMESTAMPTZ,
	last_payment_failure_at TIMESTAMPTZ,
	scheduled_plan_id       BIGINT REFERENCES plans(id),
	scheduled_interval      TEXT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);

CREATE TABLE IF NOT EXISTS extra_slots (
	id                 BIGSERIAL PRIMARY KEY,
	subscription_id    BIGINT NOT NULL REFERENCES subscriptions(id),
	status             TEXT NOT NULL,
	monthly_cost_cents BIGINT NOT NULL,
	activated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	cancelled_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_extra_slots_subscription ON extra_slots(subscription_id, status);

CREATE TABLE IF NOT EXISTS devices (
	id                   BIGSERIAL PRIMARY KEY,
	subscriber_id        BIGINT NOT NULL REFERENCES subscribers(id),
	name                 TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	suspended_reason     TEXT,
	suspended_at         TIMESTAMPTZ,
	grace_period_ends_at TIMESTAMPTZ,
	last_connected_at    TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (grace_period_ends_at IS NULL OR status = 'suspended')
);

CREATE INDEX IF NOT EXISTS idx_devices_subscriber ON devices(subscriber_id);

CREATE TABLE IF NOT EXISTS suspension_records (
	id                 BIGSERIAL PRIMARY KEY,
	subscription_id    BIGINT NOT NULL REFERENCES subscriptions(id),
	reason             TEXT NOT NULL,
	devices_suspended  INTEGER NOT NULL,
	notified           BOOLEAN NOT NULL DEFAULT FALSE,
	notification_error TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS analytics_events (
	id            BIGSERIAL PRIMARY KEY,
	subscriber_id BIGINT NOT NULL,
	event_type    TEXT NOT NULL,
	properties    JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates any missing tables
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
