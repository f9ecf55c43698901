package grace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/async"
	"github.com/platinummonkey/slotkeeper/pkg/devices"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/statestore"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
	"github.com/platinummonkey/slotkeeper/pkg/tasks"
)

var tracer = otel.Tracer("github.com/platinummonkey/slotkeeper/pkg/grace")

// TaskCheck is the task ref of a delayed grace check
const TaskCheck = "grace.check"

// Action is what a grace check did
type Action string

const (
	ActionResolved         Action = "resolved"
	ActionRescheduled      Action = "rescheduled"
	ActionSuspended        Action = "suspended"
	ActionAlreadySuspended Action = "already_suspended"
	ActionSkipped          Action = "skipped"
)

// CheckArgs are the arguments of a TaskCheck task
type CheckArgs struct {
	SubscriberID int64 `json:"subscriber_id"`
}

// CheckOutcome reports a grace check
type CheckOutcome struct {
	Action           Action     `json:"action"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	SuspendedDevices []int64    `json:"suspended_devices,omitempty"`
	Notified         bool       `json:"notified,omitempty"`
	// NotificationError is set when the suspension notice could not be
	// delivered; the suspension stands regardless
	NotificationError string               `json:"notification_error,omitempty"`
	Summary           entitlements.Summary `json:"summary"`
}

// Options tune the scheduler
type Options struct {
	// DefaultGraceDays applies to plans without a grace period of their
	// own; zero uses the device manager's default
	DefaultGraceDays int
	// SweepWorkers bounds how many checks a sweep runs at once
	SweepWorkers int
	// CheckTimeout bounds one check during a sweep
	CheckTimeout time.Duration
}

func (o Options) withDefaults(inherited int) Options {
	if o.DefaultGraceDays <= 0 {
		o.DefaultGraceDays = inherited
	}
	if o.SweepWorkers <= 0 {
		o.SweepWorkers = 4
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 30 * time.Second
	}
	return o
}

// Scheduler drives the payment-failure grace state machine:
// payment_failed -> grace_pending -> resolved | suspended.
type Scheduler struct {
	store     storage.Store
	devices   *devices.Manager
	scheduler tasks.Scheduler
	state     statestore.Store
	opts      devices.Options
	config    Options
}

// NewScheduler creates a grace scheduler
func NewScheduler(store storage.Store, deviceManager *devices.Manager, scheduler tasks.Scheduler, state statestore.Store, config Options) *Scheduler {
	return &Scheduler{
		store:     store,
		devices:   deviceManager,
		scheduler: scheduler,
		state:     state,
		opts:      deviceManager.Options(),
		config:    config.withDefaults(deviceManager.Options().DefaultGraceDays),
	}
}

func (s *Scheduler) graceDays(plan *entitlements.Plan) int {
	return plan.GraceDays(s.config.DefaultGraceDays)
}

// deadline returns when the grace period of sub ends. A subscription
// without a recorded failure is measured from its last update.
func (s *Scheduler) deadline(sub *entitlements.Subscription, plan *entitlements.Plan) (time.Time, time.Time) {
	failedAt := sub.UpdatedAt
	if sub.LastPaymentFailureAt != nil {
		failedAt = *sub.LastPaymentFailureAt
	}
	return failedAt, failedAt.AddDate(0, 0, s.graceDays(plan))
}

func (s *Scheduler) start(ctx context.Context, op string, subscriberID int64) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("subscriber_id", subscriberID)))
	return observability.WithSubscriberID(ctx, subscriberID), span, time.Now()
}

func (s *Scheduler) finish(ctx context.Context, op string, subscriberID int64, span trace.Span, started time.Time, err error) *entitlements.Failure {
	defer span.End()
	f := s.devices.Failure(ctx, op, subscriberID, err)
	outcome := ""
	if f != nil {
		outcome = string(f.Code)
		span.SetAttributes(attribute.String("failure", outcome))
	}
	s.opts.Metrics.ObserveOperation(op, outcome, started)
	return f
}

func noSubscription(snap *entitlements.Snapshot) *entitlements.Failure {
	sub := snap.Subscription
	if sub == nil || sub.Status == entitlements.SubscriptionStatusCanceled {
		return entitlements.NewFailure(entitlements.CodeNoActiveSubscription, "subscriber %d has no subscription", snap.Subscriber.ID)
	}
	return nil
}

// HandlePaymentFailure marks the subscription past_due and schedules a
// grace check for the end of the grace period, replacing any check already
// scheduled. A repeated failure moves the deadline.
func (s *Scheduler) HandlePaymentFailure(ctx context.Context, subscriberID int64, failedAt time.Time) entitlements.Result[State] {
	const op = "grace.payment_failed"
	ctx, span, started := s.start(ctx, op, subscriberID)

	var deadline time.Time
	err := s.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		if f := noSubscription(snap); f != nil {
			return f
		}
		sub := snap.Subscription
		if sub.Status == entitlements.SubscriptionStatusSuspended {
			return entitlements.NewFailure(entitlements.CodeAlreadySuspended, "subscription %d is already suspended", sub.ID)
		}
		sub.Status = entitlements.SubscriptionStatusPastDue
		sub.LastPaymentFailureAt = &failedAt
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to mark subscription %d past due: %w", sub.ID, err)
		}
		_, deadline = s.deadline(sub, snap.Plan)
		return nil
	})
	if f := s.finish(ctx, op, subscriberID, span, started, err); f != nil {
		return entitlements.Fail[State](f)
	}

	st := s.arm(ctx, subscriberID, failedAt, deadline)
	s.opts.Notifier.Send(ctx, notify.EventSubscriptionPastDue, notify.Payload{
		SubscriberID: subscriberID,
		Data: map[string]interface{}{
			"failed_at":            failedAt.UTC().Format(time.RFC3339),
			"grace_period_ends_at": deadline.UTC().Format(time.RFC3339),
		},
	})
	s.opts.Tracker.Track(ctx, subscriberID, analytics.EventPaymentFailed, map[string]interface{}{
		"grace_period_ends_at": deadline.UTC().Format(time.RFC3339),
	})
	return entitlements.Succeed(*st)
}

// HandlePaymentRecovered returns the subscription to active and cancels the
// pending grace check. Devices suspended by an expired grace period stay
// suspended until woken. Recovering an active subscription is a no-op.
func (s *Scheduler) HandlePaymentRecovered(ctx context.Context, subscriberID int64) entitlements.Result[entitlements.Summary] {
	const op = "grace.payment_recovered"
	ctx, span, started := s.start(ctx, op, subscriberID)

	var summary entitlements.Summary
	changed := false
	err := s.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		if f := noSubscription(snap); f != nil {
			return f
		}
		sub := snap.Subscription
		if sub.Status != entitlements.SubscriptionStatusActive {
			sub.Status = entitlements.SubscriptionStatusActive
			sub.LastPaymentFailureAt = nil
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("failed to reactivate subscription %d: %w", sub.ID, err)
			}
			changed = true
		}
		summary = entitlements.NewCalculator(snap).Summary()
		return nil
	})
	if f := s.finish(ctx, op, subscriberID, span, started, err); f != nil {
		return entitlements.Fail[entitlements.Summary](f)
	}

	s.settle(ctx, subscriberID, StatusResolved)
	if changed {
		s.opts.Notifier.Send(ctx, notify.EventSubscriptionRecovered, notify.Payload{SubscriberID: subscriberID})
		s.opts.Tracker.Track(ctx, subscriberID, analytics.EventPaymentRecovered, nil)
	}
	return entitlements.Succeed(summary)
}

// Check re-validates the subscription and acts on it. It is safe to run any
// number of times: an active subscription is left alone, a suspended one is
// not suspended again, and a check that fires before the (possibly moved)
// deadline is rescheduled for the remainder.
//
// Past the deadline the subscription is suspended together with every
// operational device in one transaction. The notice is sent at most once per
// payment failure; a delivery failure is recorded but does not roll back.
func (s *Scheduler) Check(ctx context.Context, subscriberID int64) entitlements.Result[CheckOutcome] {
	const op = "grace.check"
	ctx, span, started := s.start(ctx, op, subscriberID)

	var (
		outcome  CheckOutcome
		failedAt time.Time
		halted   []*entitlements.Device
		record   *entitlements.SuspensionRecord
	)
	err := s.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		defer func() { outcome.Summary = entitlements.NewCalculator(snap).Summary() }()

		sub := snap.Subscription
		switch {
		case sub == nil || sub.Status == entitlements.SubscriptionStatusCanceled:
			outcome.Action = ActionSkipped
			return nil
		case sub.Status == entitlements.SubscriptionStatusActive:
			outcome.Action = ActionResolved
			return nil
		case sub.Status == entitlements.SubscriptionStatusSuspended:
			outcome.Action = ActionAlreadySuspended
			return nil
		case sub.Status != entitlements.SubscriptionStatusPastDue:
			outcome.Action = ActionSkipped
			return nil
		}

		var deadline time.Time
		failedAt, deadline = s.deadline(sub, snap.Plan)
		outcome.Deadline = &deadline
		now := s.opts.Now()
		if now.Before(deadline) {
			outcome.Action = ActionRescheduled
			return nil
		}

		sub.Status = entitlements.SubscriptionStatusSuspended
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to suspend subscription %d: %w", sub.ID, err)
		}
		halted, err = s.devices.SuspendAllActiveTx(ctx, tx, snap, entitlements.ReasonGraceExpired, now)
		if err != nil {
			return err
		}
		outcome.Action = ActionSuspended
		outcome.SuspendedDevices = devices.IDs(halted)

		record = &entitlements.SuspensionRecord{
			SubscriptionID:   sub.ID,
			Reason:           entitlements.ReasonGraceExpired,
			DevicesSuspended: len(halted),
			CreatedAt:        now,
		}
		if err := tx.CreateSuspensionRecord(ctx, record); err != nil {
			return fmt.Errorf("failed to record suspension of subscription %d: %w", sub.ID, err)
		}
		return nil
	})
	if f := s.finish(ctx, op, subscriberID, span, started, err); f != nil {
		return entitlements.Fail[CheckOutcome](f)
	}
	s.opts.Metrics.GraceCheck(string(outcome.Action))

	switch outcome.Action {
	case ActionRescheduled:
		s.arm(ctx, subscriberID, failedAt, *outcome.Deadline)
	case ActionSuspended:
		s.notifySuspended(ctx, subscriberID, failedAt, record, &outcome)
		s.settle(ctx, subscriberID, StatusSuspended)
		s.devices.AnnounceSuspended(ctx, subscriberID, halted, entitlements.ReasonGraceExpired)
		s.opts.Tracker.Track(ctx, subscriberID, analytics.EventSubscriptionSuspended, map[string]interface{}{
			"devices_suspended": len(halted),
		})
	case ActionResolved:
		s.settle(ctx, subscriberID, StatusResolved)
	case ActionAlreadySuspended:
		s.settle(ctx, subscriberID, StatusSuspended)
	}
	return entitlements.Succeed(outcome)
}

// notifySuspended sends the suspension notice once the suspension has
// committed and stores the outcome on record. The marker is only written
// after a delivered notice, so a failed send is never reported as sent.
func (s *Scheduler) notifySuspended(ctx context.Context, subscriberID int64, failedAt time.Time,
	record *entitlements.SuspensionRecord, outcome *CheckOutcome) {

	logger := s.opts.Logger.WithField("subscriber_id", subscriberID)
	key := markerKey(subscriberID, failedAt)
	if _, sent, err := s.state.Get(ctx, key); err != nil {
		logger.WithError(err).Warn("failed to read notification marker, sending anyway")
	} else if sent {
		outcome.Notified = true
	}

	if !outcome.Notified {
		result := s.opts.Notifier.Send(ctx, notify.EventSubscriptionSuspended, notify.Payload{
			SubscriberID: subscriberID,
			Data: map[string]interface{}{
				"reason":            string(entitlements.ReasonGraceExpired),
				"devices_suspended": record.DevicesSuspended,
			},
		})
		outcome.Notified = result.Delivered
		if result.Delivered {
			if _, err := s.state.SetNX(ctx, key, s.opts.Now().UTC().Format(time.RFC3339), markerTTL); err != nil {
				logger.WithError(err).Warn("failed to set notification marker")
			}
		} else {
			outcome.NotificationError = result.Error
			logger.WithField("error", result.Error).Warn("suspension notification failed")
		}
	}

	record.Notified = outcome.Notified
	record.NotificationError = outcome.NotificationError
	err := s.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		return tx.UpdateSuspensionRecord(ctx, record)
	})
	if err != nil {
		logger.WithError(err).WithField("record_id", record.ID).Warn("failed to record notification outcome")
	}
}

// HandleCheckTask is the TaskCheck handler. Retryable failures are returned
// so the task is delivered again.
func (s *Scheduler) HandleCheckTask(ctx context.Context, task tasks.Task) error {
	var args CheckArgs
	if err := task.Decode(&args); err != nil {
		return err
	}
	res := s.Check(ctx, args.SubscriberID)
	if f := res.Failure; f != nil && (f.Retryable || f.Code == entitlements.CodeInternal) {
		return f
	}
	return nil
}

// Sweep checks every past-due subscription whose grace period has ended,
// covering checks that were never scheduled or were lost. It returns how
// many subscriptions were suspended.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	pastDue, err := s.store.ListPastDueSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list past due subscriptions: %w", err)
	}

	now := s.opts.Now()
	var due []int64
	for _, sub := range pastDue {
		plan, err := s.devices.Plans().GetPlan(ctx, sub.PlanID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
		}
		if _, deadline := s.deadline(sub, plan); !now.Before(deadline) {
			due = append(due, sub.SubscriberID)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	suspended := make(chan struct{}, len(due))
	errs := async.Batch(ctx, due, s.config.SweepWorkers, "grace sweep", s.config.CheckTimeout, func(ctx context.Context, subscriberID int64) error {
		res := s.Check(ctx, subscriberID)
		if !res.OK() {
			return fmt.Errorf("grace check of subscriber %d: %w", subscriberID, res.Failure)
		}
		if res.Data.Action == ActionSuspended {
			suspended <- struct{}{}
		}
		return nil
	})
	close(suspended)
	for _, err := range errs {
		s.opts.Logger.WithError(err).Warn("grace sweep check failed")
	}
	return len(suspended), errors.Join(errs...)
}
