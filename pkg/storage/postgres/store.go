package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

const (
	planColumns         = `id, slug, name, device_limit, monthly_price_cents, yearly_price_cents, grace_period_days, tier`
	subscriberColumns   = `id, email, role, created_at, updated_at`
	subscriptionColumns = `id, subscriber_id, plan_id, status, billing_interval, current_period_start, current_period_end, last_payment_failure_at, scheduled_plan_id, scheduled_interval, created_at, updated_at`
	deviceColumns       = `id, subscriber_id, name, status, suspended_reason, suspended_at, grace_period_ends_at, last_connected_at, created_at, updated_at`
	extraSlotColumns    = `id, subscription_id, status, monthly_cost_cents, activated_at, cancelled_at`
)

// PostgreSQL error codes treated as retryable conflicts
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements storage.Store on PostgreSQL
type Store struct {
	conns       *ConnectionManager
	lockTimeout time.Duration
	logger      *observability.Logger
}

// NewStore opens the connection pools described by config
func NewStore(config storage.Config, logger *observability.Logger) (*Store, error) {
	conns, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL:  config.PostgresURL,
		ReplicaURLs: ParseReplicaURLs(config.PostgresReplicaURLs),
		MaxConns:    config.PostgresMaxConns,
		MinConns:    config.PostgresMinConns,
		Timeout:     config.PostgresTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewStoreWithConnections(conns, config.LockTimeout, logger), nil
}

// NewStoreWithConnections builds a store over existing pools. A zero
// lockTimeout leaves the server default in place.
func NewStoreWithConnections(conns *ConnectionManager, lockTimeout time.Duration, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Store{conns: conns, lockTimeout: lockTimeout, logger: logger}
}

// DB returns the primary pool
func (s *Store) DB() *sql.DB {
	return s.conns.Primary()
}

// Connections returns the pool manager
func (s *Store) Connections() *ConnectionManager {
	return s.conns
}

// InTx runs fn in a transaction that holds the subscriber row lock
func (s *Store) InTx(ctx context.Context, subscriberID int64, fn storage.TxFunc) error {
	return s.run(ctx, subscriberID, nil, true, fn)
}

// View runs fn in a read-only transaction without the row lock
func (s *Store) View(ctx context.Context, subscriberID int64, fn storage.TxFunc) error {
	return s.run(ctx, subscriberID, &sql.TxOptions{ReadOnly: true}, false, fn)
}

func (s *Store) run(ctx context.Context, subscriberID int64, opts *sql.TxOptions, lock bool, fn storage.TxFunc) error {
	sqlTx, err := s.conns.Primary().BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", translate(err))
	}

	if lock && s.lockTimeout > 0 {
		if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("failed to set lock timeout: %w", translate(err))
		}
	}

	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	subscriber, err := scanSubscriber(sqlTx.QueryRowContext(ctx, query, subscriberID))
	if err != nil {
		_ = sqlTx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("subscriber %d: %w", subscriberID, storage.ErrNotFound)
		}
		return fmt.Errorf("failed to lock subscriber: %w", translate(err))
	}

	tx := &pgTx{tx: sqlTx, subscriber: subscriber}
	if err := fn(ctx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).WithField("subscriber_id", subscriberID).Warn("rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translate(err))
	}
	return nil
}

// ListPlans returns the plan catalog
func (s *Store) ListPlans(ctx context.Context) ([]*entitlements.Plan, error) {
	rows, err := s.conns.Replica().QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*entitlements.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// GetPlan returns a plan by ID
func (s *Store) GetPlan(ctx context.Context, planID int64) (*entitlements.Plan, error) {
	return getPlan(ctx, s.conns.Replica(), planID)
}

// UpsertPlan inserts a plan or updates the row with the same ID
func (s *Store) UpsertPlan(ctx context.Context, p *entitlements.Plan) error {
	_, err := s.conns.Primary().ExecContext(ctx, `INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET slug = EXCLUDED.slug, name = EXCLUDED.name,
			device_limit = EXCLUDED.device_limit, monthly_price_cents = EXCLUDED.monthly_price_cents,
			yearly_price_cents = EXCLUDED.yearly_price_cents, grace_period_days = EXCLUDED.grace_period_days,
			tier = EXCLUDED.tier`,
		p.ID, p.Slug, p.Name, p.DeviceLimit, p.MonthlyPriceCents, p.YearlyPriceCents, p.GracePeriodDays, string(p.Tier))
	if err != nil {
		return fmt.Errorf("failed to upsert plan %s: %w", p.Slug, err)
	}
	return nil
}

// ListPastDueSubscriptions returns every past_due subscription
func (s *Store) ListPastDueSubscriptions(ctx context.Context) ([]*entitlements.Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = $1 ORDER BY id`,
		entitlements.SubscriptionStatusPastDue)
}

// ListScheduledChanges returns subscriptions with a scheduled change due by dueBefore
func (s *Store) ListScheduledChanges(ctx context.Context, dueBefore time.Time) ([]*entitlements.Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE scheduled_plan_id IS NOT NULL AND current_period_end <= $1 ORDER BY id`,
		dueBefore)
}

func (s *Store) listSubscriptions(ctx context.Context, query string, args ...any) ([]*entitlements.Subscription, error) {
	rows, err := s.conns.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*entitlements.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// HealthCheck pings the database pools
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conns.HealthCheck(ctx)
}

// Close closes the database pools
func (s *Store) Close() error {
	return s.conns.Close()
}

// translate maps lock and serialization failures onto storage.ErrConflict
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Message)
		}
	}
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getPlan(ctx context.Context, q queryer, planID int64) (*entitlements.Plan, error) {
	p, err := scanPlan(q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, planID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %d: %w", planID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

func scanPlan(row scanner) (*entitlements.Plan, error) {
	var p entitlements.Plan
	var tier string
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.DeviceLimit, &p.MonthlyPriceCents, &p.YearlyPriceCents, &p.GracePeriodDays, &tier)
	if err != nil {
		return nil, err
	}
	p.Tier = entitlements.Role(tier)
	return &p, nil
}

func scanSubscriber(row scanner) (*entitlements.Subscriber, error) {
	var s entitlements.Subscriber
	var role string
	if err := row.Scan(&s.ID, &s.Email, &role, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Role = entitlements.Role(role)
	return &s, nil
}

func scanSubscription(row scanner) (*entitlements.Subscription, error) {
	var s entitlements.Subscription
	var status, interval string
	var scheduledInterval sql.NullString
	err := row.Scan(&s.ID, &s.SubscriberID, &s.PlanID, &status, &interval,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.LastPaymentFailureAt,
		&s.ScheduledPlanID, &scheduledInterval, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = entitlements.SubscriptionStatus(status)
	s.Interval = entitlements.BillingInterval(interval)
	s.ScheduledInterval = entitlements.BillingInterval(scheduledInterval.String)
	return &s, nil
}

func scanDevice(row scanner) (*entitlements.Device, error) {
	var d entitlements.Device
	var status string
	var reason sql.NullString
	err := row.Scan(&d.ID, &d.SubscriberID, &d.Name, &status, &reason,
		&d.SuspendedAt, &d.GracePeriodEndsAt, &d.LastConnectedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = entitlements.DeviceStatus(status)
	d.SuspendedReason = entitlements.SuspendReason(reason.String)
	return &d, nil
}

func scanExtraSlot(row scanner) (*entitlements.ExtraSlot, error) {
	var s entitlements.ExtraSlot
	var status string
	if err := row.Scan(&s.ID, &s.SubscriptionID, &status, &s.MonthlyCostCents, &s.ActivatedAt, &s.CancelledAt); err != nil {
		return nil, err
	}
	s.Status = entitlements.SlotStatus(status)
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
