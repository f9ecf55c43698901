package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

// pgTx is a storage.Tx over one *sql.Tx scoped to the locked subscriber
type pgTx struct {
	tx         *sql.Tx
	subscriber *entitlements.Subscriber
}

func (t *pgTx) SubscriberID() int64 {
	return t.subscriber.ID
}

func (t *pgTx) Snapshot(ctx context.Context) (*entitlements.Snapshot, error) {
	sub := *t.subscriber
	snap := &entitlements.Snapshot{Subscriber: &sub}

	subscription, err := scanSubscription(t.tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscriber_id = $1`, t.subscriber.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load subscription: %w", translate(err))
	default:
		snap.Subscription = subscription
	}

	if snap.Subscription != nil {
		plan, err := getPlan(ctx, t.tx, snap.Subscription.PlanID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		snap.Plan = plan

		err = t.tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM extra_slots WHERE subscription_id = $1 AND status = $2`,
			snap.Subscription.ID, entitlements.SlotStatusActive).Scan(&snap.ActiveExtraSlots)
		if err != nil {
			return nil, fmt.Errorf("failed to count extra slots: %w", translate(err))
		}
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE subscriber_id = $1 ORDER BY id`, t.subscriber.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", translate(err))
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		snap.Devices = append(snap.Devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	return snap, nil
}

func (t *pgTx) GetDevice(ctx context.Context, deviceID int64) (*entitlements.Device, error) {
	d, err := scanDevice(t.tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", deviceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", translate(err))
	}
	return d, nil
}

func (t *pgTx) GetExtraSlot(ctx context.Context, slotID int64) (*entitlements.ExtraSlot, error) {
	s, err := scanExtraSlot(t.tx.QueryRowContext(ctx, `SELECT `+extraSlotColumns+` FROM extra_slots WHERE id = $1`, slotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("extra slot %d: %w", slotID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extra slot: %w", translate(err))
	}
	return s, nil
}

func (t *pgTx) ListExtraSlots(ctx context.Context) ([]*entitlements.ExtraSlot, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+extraSlotColumns+` FROM extra_slots WHERE subscription_id IN (SELECT id FROM subscriptions WHERE subscriber_id = $1) ORDER BY id`,
		t.subscriber.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list extra slots: %w", translate(err))
	}
	defer rows.Close()

	var slots []*entitlements.ExtraSlot
	for rows.Next() {
		s, err := scanExtraSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan extra slot: %w", err)
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func (t *pgTx) GetPlan(ctx context.Context, planID int64) (*entitlements.Plan, error) {
	return getPlan(ctx, t.tx, planID)
}

func (t *pgTx) CreateDevice(ctx context.Context, d *entitlements.Device) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO devices (subscriber_id, name, status, last_connected_at) VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		t.subscriber.ID, d.Name, d.Status, d.LastConnectedAt,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", translate(err))
	}
	d.SubscriberID = t.subscriber.ID
	return nil
}

func (t *pgTx) UpdateDevice(ctx context.Context, d *entitlements.Device) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE devices SET name = $2, status = $3, suspended_reason = $4, suspended_at = $5, grace_period_ends_at = $6, last_connected_at = $7, updated_at = NOW() WHERE id = $1 AND subscriber_id = $8`,
		d.ID, d.Name, d.Status, nullString(string(d.SuspendedReason)), d.SuspendedAt, d.GracePeriodEndsAt, d.LastConnectedAt, t.subscriber.ID,
	)
	return affectedOne(res, err, "device", d.ID)
}

func (t *pgTx) CreateExtraSlot(ctx context.Context, s *entitlements.ExtraSlot) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO extra_slots (subscription_id, status, monthly_cost_cents) VALUES ($1, $2, $3) RETURNING id, activated_at`,
		s.SubscriptionID, s.Status, s.MonthlyCostCents,
	).Scan(&s.ID, &s.ActivatedAt)
	if err != nil {
		return fmt.Errorf("failed to create extra slot: %w", translate(err))
	}
	return nil
}

func (t *pgTx) CancelExtraSlot(ctx context.Context, slotID int64, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE extra_slots SET status = $2, cancelled_at = $3 WHERE id = $1 AND subscription_id IN (SELECT id FROM subscriptions WHERE subscriber_id = $4)`,
		slotID, entitlements.SlotStatusCancelled, at, t.subscriber.ID,
	)
	return affectedOne(res, err, "extra slot", slotID)
}

func (t *pgTx) UpdateSubscription(ctx context.Context, s *entitlements.Subscription) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE subscriptions SET plan_id = $2, status = $3, billing_interval = $4, current_period_start = $5, current_period_end = $6, last_payment_failure_at = $7, scheduled_plan_id = $8, scheduled_interval = $9, updated_at = NOW() WHERE id = $1 AND subscriber_id = $10`,
		s.ID, s.PlanID, s.Status, s.Interval, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.LastPaymentFailureAt,
		s.ScheduledPlanID, nullString(string(s.ScheduledInterval)), t.subscriber.ID,
	)
	return affectedOne(res, err, "subscription", s.ID)
}

func (t *pgTx) UpdateSubscriberRole(ctx context.Context, role entitlements.Role) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE subscribers SET role = $2, updated_at = NOW() WHERE id = $1`, t.subscriber.ID, role)
	if err := affectedOne(res, err, "subscriber", t.subscriber.ID); err != nil {
		return err
	}
	t.subscriber.Role = role
	return nil
}

func (t *pgTx) CreateSuspensionRecord(ctx context.Context, r *entitlements.SuspensionRecord) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO suspension_records (subscription_id, reason, devices_suspended, notified, notification_error) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		r.SubscriptionID, r.Reason, r.DevicesSuspended, r.Notified, nullString(r.NotificationError),
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create suspension record: %w", translate(err))
	}
	return nil
}

func (t *pgTx) UpdateSuspensionRecord(ctx context.Context, r *entitlements.SuspensionRecord) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE suspension_records SET notified = $2, notification_error = $3 WHERE id = $1 AND subscription_id IN (SELECT id FROM subscriptions WHERE subscriber_id = $4)`,
		r.ID, r.Notified, nullString(r.NotificationError), t.subscriber.ID,
	)
	return affectedOne(res, err, "suspension record", r.ID)
}

func affectedOne(res sql.Result, err error, kind string, id int64) error {
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}
