package plans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/devices"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/extraslots"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
	"github.com/platinummonkey/slotkeeper/pkg/tasks"
)

var tracer = otel.Tracer("github.com/platinummonkey/slotkeeper/pkg/plans")

// TaskApplyScheduled is the task ref of a plan change due at period end
const TaskApplyScheduled = "plans.apply_scheduled"

// ChangeType classifies a plan change
type ChangeType string

const (
	ChangeSamePlan                ChangeType = "same_plan"
	ChangeUpgrade                 ChangeType = "upgrade"
	ChangeDowngradeSafe           ChangeType = "downgrade_safe"
	ChangeDowngradeRequiresAction ChangeType = "downgrade_requires_action"
)

// Preview describes the effect of a plan change without applying it
type Preview struct {
	ChangeType        ChangeType                   `json:"change_type"`
	CurrentPlan       *entitlements.Plan           `json:"current_plan,omitempty"`
	TargetPlan        *entitlements.Plan           `json:"target_plan"`
	CurrentInterval   entitlements.BillingInterval `json:"current_interval"`
	TargetInterval    entitlements.BillingInterval `json:"target_interval"`
	CurrentTotalSlots int                          `json:"current_total_slots"`
	TargetTotalSlots  int                          `json:"target_total_slots"`
	UsedSlots         int                          `json:"used_slots"`
	// SlotDelta is zero when either side is unlimited
	SlotDelta         int   `json:"slot_delta"`
	ExcessCount       int   `json:"excess_count,omitempty"`
	BillingDeltaCents int64 `json:"billing_delta_cents"`
	// WakeableDevices counts suspended devices an upgrade would wake
	WakeableDevices int `json:"wakeable_devices,omitempty"`
	// Actions lists the remedies of a downgrade that requires action
	Actions *entitlements.Menu `json:"actions,omitempty"`
}

// ChangeRequest asks for a plan change
type ChangeRequest struct {
	SubscriberID int64
	PlanID       int64
	// Interval defaults to the current billing interval
	Interval entitlements.BillingInterval
	// Strategy and DeviceIDs resolve a downgrade that requires action
	Strategy  entitlements.StrategyKind
	DeviceIDs []int64
	// AtPeriodEnd records the change and applies it when the current
	// billing period ends
	AtPeriodEnd bool
}

// ChangeResult reports an applied or scheduled plan change
type ChangeResult struct {
	ChangeType       ChangeType                   `json:"change_type"`
	Plan             *entitlements.Plan           `json:"plan"`
	Interval         entitlements.BillingInterval `json:"interval"`
	Summary          entitlements.Summary         `json:"summary"`
	SuspendedDevices []int64                      `json:"suspended_devices,omitempty"`
	WokenDevices     []int64                      `json:"woken_devices,omitempty"`
	SlotsPurchased   int                          `json:"slots_purchased,omitempty"`
	Scheduled        bool                         `json:"scheduled,omitempty"`
	EffectiveAt      *time.Time                   `json:"effective_at,omitempty"`
}

// Remedy resolves the excess of a downgrade inside ApplyTx
type Remedy struct {
	Strategy  entitlements.StrategyKind
	DeviceIDs []int64
}

// Applied is what ApplyTx changed
type Applied struct {
	Preview   Preview
	Previous  *entitlements.Plan
	Suspended []*entitlements.Device
	Woken     []*entitlements.Device
	Slots     []*entitlements.ExtraSlot
}

// ScheduledArgs are the arguments of a TaskApplyScheduled task
type ScheduledArgs struct {
	SubscriberID int64 `json:"subscriber_id"`
	PlanID       int64 `json:"plan_id"`
}

// Orchestrator previews and applies plan changes
type Orchestrator struct {
	store     storage.Store
	catalog   storage.PlanReader
	devices   *devices.Manager
	slots     *extraslots.Manager
	scheduler tasks.Scheduler
	opts      devices.Options
}

// NewOrchestrator creates a plan change orchestrator. Plans are looked up in
// the device manager's catalog. scheduler may be nil, in which case
// scheduled changes are only applied by ApplyDue.
func NewOrchestrator(store storage.Store, deviceManager *devices.Manager, slotManager *extraslots.Manager, scheduler tasks.Scheduler) *Orchestrator {
	return &Orchestrator{
		store:     store,
		catalog:   deviceManager.Plans(),
		devices:   deviceManager,
		slots:     slotManager,
		scheduler: scheduler,
		opts:      deviceManager.Options(),
	}
}

// project returns a copy of snap as it would look once target is applied,
// with the subscriber's role synced to the plan tier. Devices are shared.
func project(snap *entitlements.Snapshot, target *entitlements.Plan, interval entitlements.BillingInterval) *entitlements.Snapshot {
	projected := *snap
	if snap.Subscriber != nil {
		subscriber := *snap.Subscriber
		if !subscriber.IsAdmin() && target.Tier != "" {
			subscriber.Role = target.Tier
		}
		projected.Subscriber = &subscriber
	}
	if snap.Subscription != nil {
		sub := *snap.Subscription
		sub.PlanID = target.ID
		if interval != "" {
			sub.Interval = interval
		}
		projected.Subscription = &sub
	}
	projected.Plan = target
	return &projected
}

func exceeds(used, total int) bool {
	return total != entitlements.Unlimited && used > total
}

func moreSlots(a, b int) bool {
	switch {
	case a == b:
		return false
	case a == entitlements.Unlimited:
		return true
	case b == entitlements.Unlimited:
		return false
	}
	return a > b
}

// Classify computes the preview of moving the snapshot to target. Actions
// are not filled in.
func Classify(snap *entitlements.Snapshot, target *entitlements.Plan, interval entitlements.BillingInterval) Preview {
	calc := entitlements.NewCalculator(snap)
	current := calc.TotalSlots()
	projected := entitlements.NewCalculator(project(snap, target, interval)).TotalSlots()
	used := calc.UsedSlots()

	p := Preview{
		CurrentPlan:       snap.Plan,
		TargetPlan:        target,
		TargetInterval:    interval,
		CurrentTotalSlots: current,
		TargetTotalSlots:  projected,
		UsedSlots:         used,
	}
	if snap.Subscription != nil {
		p.CurrentInterval = snap.Subscription.Interval
	}
	if current != entitlements.Unlimited && projected != entitlements.Unlimited {
		p.SlotDelta = projected - current
	}
	p.BillingDeltaCents = target.PriceCents(interval) - snap.Plan.PriceCents(p.CurrentInterval)

	switch {
	case snap.Plan != nil && snap.Plan.ID == target.ID:
		p.ChangeType = ChangeSamePlan
	case exceeds(used, projected):
		p.ChangeType = ChangeDowngradeRequiresAction
		p.ExcessCount = used - projected
	case moreSlots(projected, current):
		p.ChangeType = ChangeUpgrade
		p.WakeableDevices = wakeable(snap, projected, used)
	default:
		p.ChangeType = ChangeDowngradeSafe
	}
	return p
}

func wakeable(snap *entitlements.Snapshot, total, used int) int {
	n := 0
	for _, d := range snap.Devices {
		if d.Status == entitlements.DeviceStatusSuspended && d.SuspendedReason.AutoWakeable() {
			n++
		}
	}
	if total != entitlements.Unlimited && n > total-used {
		n = total - used
	}
	return n
}

func (o *Orchestrator) preview(snap *entitlements.Snapshot, target *entitlements.Plan, interval entitlements.BillingInterval) Preview {
	p := Classify(snap, target, interval)
	if p.ChangeType != ChangeDowngradeRequiresAction {
		return p
	}
	p.Actions = entitlements.BuildMenu(entitlements.NewCalculator(project(snap, target, interval)), p.ExcessCount, entitlements.MenuOptions{
		SlotCostCents: o.opts.SlotCostCents,
		Order:         o.opts.CandidateOrder,
		Now:           o.opts.Now(),
	})
	return p
}

func resolveInterval(snap *entitlements.Snapshot, interval entitlements.BillingInterval) entitlements.BillingInterval {
	if interval != "" {
		return interval
	}
	if snap.Subscription != nil && snap.Subscription.Interval != "" {
		return snap.Subscription.Interval
	}
	return entitlements.IntervalMonthly
}

func changeable(snap *entitlements.Snapshot) *entitlements.Failure {
	if snap.Subscription == nil || snap.Subscription.Status == entitlements.SubscriptionStatusCanceled {
		return entitlements.NewFailure(entitlements.CodeNoActiveSubscription, "subscriber %d has no subscription to change", snap.Subscriber.ID)
	}
	return nil
}

// ApplyTx applies target inside a running transaction. A downgrade that
// requires action is resolved with remedy, or refused with a
// strategy_required failure carrying the remedies. The remedy and the plan
// change are written in the same transaction.
func (o *Orchestrator) ApplyTx(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, target *entitlements.Plan,
	interval entitlements.BillingInterval, remedy Remedy) (*Applied, error) {

	if f := changeable(snap); f != nil {
		return nil, f
	}
	interval = resolveInterval(snap, interval)
	preview := o.preview(snap, target, interval)
	applied := &Applied{Preview: preview, Previous: snap.Plan}

	if preview.ChangeType == ChangeDowngradeRequiresAction {
		switch remedy.Strategy {
		case "":
			f := entitlements.NewFailure(entitlements.CodeStrategyRequired,
				"changing to %s leaves %d device(s) over the limit; choose %s or %s",
				target.Name, preview.ExcessCount, entitlements.StrategySuspendDevices, entitlements.StrategyBuyExtraSlots)
			f.ExcessCount = preview.ExcessCount
			f.Resolution = preview.Actions
			return nil, f
		case entitlements.StrategySuspendDevices:
			if len(remedy.DeviceIDs) != preview.ExcessCount {
				f := entitlements.NewFailure(entitlements.CodeSelectionMismatch,
					"changing to %s requires suspending exactly %d device(s), %d selected", target.Name, preview.ExcessCount, len(remedy.DeviceIDs))
				f.ExcessCount = preview.ExcessCount
				return nil, f
			}
		case entitlements.StrategyBuyExtraSlots:
		default:
			return nil, entitlements.NewFailure(entitlements.CodeInvalidStrategy, "strategy %s cannot resolve a plan downgrade", remedy.Strategy)
		}
	}

	sub := snap.Subscription
	sub.PlanID = target.ID
	sub.Interval = interval
	sub.ScheduledPlanID = nil
	sub.ScheduledInterval = ""
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription %d: %w", sub.ID, err)
	}
	snap.Plan = target

	var err error
	switch {
	case preview.ChangeType != ChangeDowngradeRequiresAction:
	case remedy.Strategy == entitlements.StrategySuspendDevices:
		applied.Suspended, err = o.devices.SuspendSelectedTx(ctx, tx, snap, remedy.DeviceIDs, entitlements.ReasonPlanDowngrade, o.opts.Now())
	case remedy.Strategy == entitlements.StrategyBuyExtraSlots:
		applied.Slots, err = o.slots.PurchaseTx(ctx, tx, snap, preview.ExcessCount)
	}
	if err != nil {
		return nil, err
	}

	if err := syncRole(ctx, tx, snap, target); err != nil {
		return nil, err
	}
	if preview.ChangeType == ChangeUpgrade {
		if applied.Woken, err = devices.WakeUpToCapacityTx(ctx, tx, snap); err != nil {
			return nil, err
		}
	}
	return applied, nil
}

func syncRole(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, target *entitlements.Plan) error {
	sub := snap.Subscriber
	if sub == nil || sub.IsAdmin() || target.Tier == "" || sub.Role == target.Tier {
		return nil
	}
	if err := tx.UpdateSubscriberRole(ctx, target.Tier); err != nil {
		return fmt.Errorf("failed to sync role of subscriber %d: %w", sub.ID, err)
	}
	sub.Role = target.Tier
	return nil
}

func (o *Orchestrator) target(ctx context.Context, planID int64) (*entitlements.Plan, error) {
	plan, err := o.catalog.GetPlan(ctx, planID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, entitlements.NewFailure(entitlements.CodePlanNotFound, "plan %d not found", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %d: %w", planID, err)
	}
	return plan, nil
}

func (o *Orchestrator) start(ctx context.Context, op string, subscriberID, planID int64) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.Int64("subscriber_id", subscriberID),
		attribute.Int64("plan_id", planID),
	))
	return observability.WithSubscriberID(ctx, subscriberID), span, time.Now()
}

func (o *Orchestrator) finish(ctx context.Context, op string, subscriberID int64, span trace.Span, started time.Time, err error) *entitlements.Failure {
	defer span.End()
	f := o.devices.Failure(ctx, op, subscriberID, err)
	outcome := ""
	if f != nil {
		outcome = string(f.Code)
		span.SetAttributes(attribute.String("failure", outcome))
	}
	o.opts.Metrics.ObserveOperation(op, outcome, started)
	return f
}

// Preview classifies a change to planID without writing anything
func (o *Orchestrator) Preview(ctx context.Context, subscriberID, planID int64, interval entitlements.BillingInterval) entitlements.Result[Preview] {
	ctx, span, started := o.start(ctx, "plans.preview", subscriberID, planID)
	var preview Preview
	target, err := o.target(ctx, planID)
	if err == nil {
		err = o.store.View(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
			snap, err := tx.Snapshot(ctx)
			if err != nil {
				return err
			}
			if f := changeable(snap); f != nil {
				return f
			}
			preview = o.preview(snap, target, resolveInterval(snap, interval))
			return nil
		})
	}
	if f := o.finish(ctx, "plans.preview", subscriberID, span, started, err); f != nil {
		return entitlements.Fail[Preview](f)
	}
	return entitlements.Succeed(preview)
}

// Execute applies a plan change now, or records it for the end of the
// billing period when AtPeriodEnd is set
func (o *Orchestrator) Execute(ctx context.Context, req ChangeRequest) entitlements.Result[ChangeResult] {
	if req.AtPeriodEnd {
		return o.schedule(ctx, req)
	}
	const op = "plans.execute"
	ctx, span, started := o.start(ctx, op, req.SubscriberID, req.PlanID)

	var result ChangeResult
	var applied *Applied
	target, err := o.target(ctx, req.PlanID)
	if err == nil {
		err = o.store.InTx(ctx, req.SubscriberID, func(ctx context.Context, tx storage.Tx) error {
			snap, err := tx.Snapshot(ctx)
			if err != nil {
				return err
			}
			applied, err = o.ApplyTx(ctx, tx, snap, target, req.Interval, Remedy{Strategy: req.Strategy, DeviceIDs: req.DeviceIDs})
			if err != nil {
				return err
			}
			result = resultOf(applied, snap)
			return nil
		})
	}
	if f := o.finish(ctx, op, req.SubscriberID, span, started, err); f != nil {
		return entitlements.Fail[ChangeResult](f)
	}
	o.Announce(ctx, req.SubscriberID, applied, "requested")
	return entitlements.Succeed(result)
}

func resultOf(applied *Applied, snap *entitlements.Snapshot) ChangeResult {
	return ChangeResult{
		ChangeType:       applied.Preview.ChangeType,
		Plan:             applied.Preview.TargetPlan,
		Interval:         applied.Preview.TargetInterval,
		Summary:          entitlements.NewCalculator(snap).Summary(),
		SuspendedDevices: devices.IDs(applied.Suspended),
		WokenDevices:     devices.IDs(applied.Woken),
		SlotsPurchased:   len(applied.Slots),
	}
}

// schedule records the change on the subscription and enqueues a task for
// the end of the period. A period that already ended applies immediately.
func (o *Orchestrator) schedule(ctx context.Context, req ChangeRequest) entitlements.Result[ChangeResult] {
	const op = "plans.schedule"
	ctx, span, started := o.start(ctx, op, req.SubscriberID, req.PlanID)

	var result ChangeResult
	var delay time.Duration
	immediate := false
	target, err := o.target(ctx, req.PlanID)
	if err == nil {
		err = o.store.InTx(ctx, req.SubscriberID, func(ctx context.Context, tx storage.Tx) error {
			snap, err := tx.Snapshot(ctx)
			if err != nil {
				return err
			}
			if f := changeable(snap); f != nil {
				return f
			}
			sub := snap.Subscription
			now := o.opts.Now()
			if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.After(now) {
				immediate = true
				return nil
			}

			interval := resolveInterval(snap, req.Interval)
			planID := target.ID
			sub.ScheduledPlanID = &planID
			sub.ScheduledInterval = interval
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("failed to schedule plan change: %w", err)
			}

			end := *sub.CurrentPeriodEnd
			delay = end.Sub(now)
			result = ChangeResult{
				ChangeType:  Classify(snap, target, interval).ChangeType,
				Plan:        target,
				Interval:    interval,
				Summary:     entitlements.NewCalculator(snap).Summary(),
				Scheduled:   true,
				EffectiveAt: &end,
			}
			return nil
		})
	}
	if f := o.finish(ctx, op, req.SubscriberID, span, started, err); f != nil {
		return entitlements.Fail[ChangeResult](f)
	}
	if immediate {
		req.AtPeriodEnd = false
		return o.Execute(ctx, req)
	}

	if o.scheduler != nil {
		if _, err := o.scheduler.Schedule(ctx, TaskApplyScheduled, ScheduledArgs{SubscriberID: req.SubscriberID, PlanID: target.ID}, delay); err != nil {
			o.opts.Logger.WithError(err).WithField("subscriber_id", req.SubscriberID).
				Warn("failed to enqueue scheduled plan change, the due sweep will apply it")
		}
	}
	o.opts.Notifier.Send(ctx, notify.EventPlanChangeScheduled, notify.Payload{
		SubscriberID: req.SubscriberID,
		Data: map[string]interface{}{
			"plan_id":      target.ID,
			"interval":     string(result.Interval),
			"change_type":  string(result.ChangeType),
			"effective_at": result.EffectiveAt.UTC().Format(time.RFC3339),
		},
	})
	o.opts.Tracker.Track(ctx, req.SubscriberID, analytics.EventPlanChangeScheduled, map[string]interface{}{
		"plan_id":     target.ID,
		"change_type": string(result.ChangeType),
	})
	return entitlements.Succeed(result)
}

// CancelScheduled drops a pending period-end change. A task already
// enqueued for it becomes a no-op.
func (o *Orchestrator) CancelScheduled(ctx context.Context, subscriberID int64) entitlements.Result[entitlements.Summary] {
	const op = "plans.cancel_scheduled"
	ctx, span, started := o.start(ctx, op, subscriberID, 0)
	var summary entitlements.Summary
	err := o.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		if f := changeable(snap); f != nil {
			return f
		}
		sub := snap.Subscription
		if sub.ScheduledPlanID != nil {
			sub.ScheduledPlanID = nil
			sub.ScheduledInterval = ""
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("failed to cancel scheduled plan change: %w", err)
			}
		}
		summary = entitlements.NewCalculator(snap).Summary()
		return nil
	})
	if f := o.finish(ctx, op, subscriberID, span, started, err); f != nil {
		return entitlements.Fail[entitlements.Summary](f)
	}
	return entitlements.Succeed(summary)
}

// ApplyScheduled applies the change recorded for planID. Firings for a
// change that was cancelled, replaced or already applied do nothing; a
// firing before the period ends is re-enqueued for the remainder. A
// downgrade that requires action suspends the most suitable devices.
func (o *Orchestrator) ApplyScheduled(ctx context.Context, subscriberID, planID int64) entitlements.Result[ChangeResult] {
	const op = "plans.apply_scheduled"
	ctx, span, started := o.start(ctx, op, subscriberID, planID)

	var result ChangeResult
	var applied *Applied
	var remaining time.Duration
	target, err := o.target(ctx, planID)
	if err == nil {
		err = o.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
			snap, err := tx.Snapshot(ctx)
			if err != nil {
				return err
			}
			sub := snap.Subscription
			if sub == nil || sub.ScheduledPlanID == nil || *sub.ScheduledPlanID != planID {
				return nil
			}
			now := o.opts.Now()
			if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
				remaining = sub.CurrentPeriodEnd.Sub(now)
				return nil
			}

			interval := sub.ScheduledInterval
			var remedy Remedy
			if p := Classify(snap, target, resolveInterval(snap, interval)); p.ChangeType == ChangeDowngradeRequiresAction {
				remedy = Remedy{
					Strategy:  entitlements.StrategySuspendDevices,
					DeviceIDs: entitlements.MostSuitableToSuspend(snap.OperationalDevices(), now, p.ExcessCount),
				}
			}
			applied, err = o.ApplyTx(ctx, tx, snap, target, interval, remedy)
			if err != nil {
				return err
			}
			result = resultOf(applied, snap)
			return nil
		})
	}
	if f := o.finish(ctx, op, subscriberID, span, started, err); f != nil {
		return entitlements.Fail[ChangeResult](f)
	}

	switch {
	case applied != nil:
		o.Announce(ctx, subscriberID, applied, "scheduled")
	case remaining > 0 && o.scheduler != nil:
		if _, err := o.scheduler.Schedule(ctx, TaskApplyScheduled, ScheduledArgs{SubscriberID: subscriberID, PlanID: planID}, remaining); err != nil {
			o.opts.Logger.WithError(err).WithField("subscriber_id", subscriberID).Warn("failed to re-enqueue scheduled plan change")
		}
	}
	return entitlements.Succeed(result)
}

// HandleApplyScheduled is the TaskApplyScheduled handler. Retryable
// failures are returned so the task is delivered again.
func (o *Orchestrator) HandleApplyScheduled(ctx context.Context, task tasks.Task) error {
	var args ScheduledArgs
	if err := task.Decode(&args); err != nil {
		return err
	}
	res := o.ApplyScheduled(ctx, args.SubscriberID, args.PlanID)
	if f := res.Failure; f != nil && (f.Retryable || f.Code == entitlements.CodeInternal) {
		return f
	}
	return nil
}

// ApplyDue applies every scheduled change whose period has ended and
// returns how many were applied. It covers tasks that were never enqueued
// or were lost.
func (o *Orchestrator) ApplyDue(ctx context.Context) (int, error) {
	due, err := o.store.ListScheduledChanges(ctx, o.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled plan changes: %w", err)
	}
	applied := 0
	for _, sub := range due {
		if sub.ScheduledPlanID == nil {
			continue
		}
		res := o.ApplyScheduled(ctx, sub.SubscriberID, *sub.ScheduledPlanID)
		if !res.OK() {
			o.opts.Logger.WithField("subscriber_id", sub.SubscriberID).WithField("code", string(res.Code())).
				Warn("scheduled plan change failed")
			continue
		}
		if res.Data.Plan != nil {
			applied++
		}
	}
	return applied, nil
}

// Announce emits the notifications, metrics and analytics of an applied
// change
func (o *Orchestrator) Announce(ctx context.Context, subscriberID int64, applied *Applied, trigger string) {
	if applied == nil {
		return
	}
	p := applied.Preview
	o.opts.Metrics.PlanChange(string(p.ChangeType))

	data := map[string]interface{}{
		"plan_id":     p.TargetPlan.ID,
		"plan":        p.TargetPlan.Slug,
		"interval":    string(p.TargetInterval),
		"change_type": string(p.ChangeType),
		"trigger":     trigger,
	}
	if applied.Previous != nil {
		data["previous_plan"] = applied.Previous.Slug
	}
	o.opts.Notifier.Send(ctx, notify.EventPlanChanged, notify.Payload{SubscriberID: subscriberID, Data: data})
	if p.ChangeType != ChangeSamePlan || p.CurrentInterval != p.TargetInterval {
		o.opts.Notifier.Send(ctx, notify.EventBillingPlanChangeCharge, notify.Payload{
			SubscriberID: subscriberID,
			Data: map[string]interface{}{
				"plan_id":             p.TargetPlan.ID,
				"interval":            string(p.TargetInterval),
				"billing_delta_cents": p.BillingDeltaCents,
			},
		})
	}
	o.opts.Tracker.Track(ctx, subscriberID, analytics.EventPlanChanged, map[string]interface{}{
		"plan_id":     p.TargetPlan.ID,
		"change_type": string(p.ChangeType),
		"trigger":     trigger,
	})

	o.devices.AnnounceSuspended(ctx, subscriberID, applied.Suspended, entitlements.ReasonPlanDowngrade)
	o.devices.AnnounceWoken(ctx, subscriberID, applied.Woken, "plan_upgrade")
	o.slots.AnnouncePurchased(ctx, subscriberID, applied.Slots)
}
