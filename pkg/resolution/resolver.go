package resolution

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
	"github.com/platinummonkey/slotkeeper/pkg/plans"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/slotkeeper/pkg/resolution")

// ExecuteOptions parameterise a strategy
type ExecuteOptions struct {
	// DeviceIDs selects the devices for suspend_devices
	DeviceIDs []int64
	// PlanID picks the target of upgrade_plan and hybrid; zero takes the
	// plan offered by the menu
	PlanID int64
	// Interval defaults to the current billing interval
	Interval entitlements.BillingInterval
}

// Outcome reports an executed resolution
type Outcome struct {
	Strategy         entitlements.StrategyKind `json:"strategy"`
	ResolvedExcess   int                       `json:"resolved_excess"`
	SuspendedDevices []int64                   `json:"suspended_devices,omitempty"`
	WokenDevices     []int64                   `json:"woken_devices,omitempty"`
	SlotsPurchased   int                       `json:"slots_purchased,omitempty"`
	Plan             *entitlements.Plan        `json:"plan,omitempty"`
	Summary          entitlements.Summary      `json:"summary"`
}

// Resolver offers and executes the remedies of an over-limit subscriber
type Resolver struct {
	store   storage.Store
	catalog storage.PlanReader
	devices *devices.Manager
	slots   *extraslots.Manager
	plans   *plans.Orchestrator
	opts    devices.Options
}

// NewResolver creates a resolver on top of the entitlement managers
func NewResolver(store storage.Store, deviceManager *devices.Manager, slotManager *extraslots.Manager, orchestrator *plans.Orchestrator) *Resolver {
	return &Resolver{
		store:   store,
		catalog: deviceManager.Plans(),
		devices: deviceManager,
		slots:   slotManager,
		plans:   orchestrator,
		opts:    deviceManager.Options(),
	}
}

func (r *Resolver) start(ctx context.Context, op string, subscriberID int64) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("subscriber_id", subscriberID)))
	return observability.WithSubscriberID(ctx, subscriberID), span, time.Now()
}

func (r *Resolver) finish(ctx context.Context, op string, subscriberID int64, span trace.Span, started time.Time, err error) *entitlements.Failure {
	defer span.End()
	f := r.devices.Failure(ctx, op, subscriberID, err)
	outcome := ""
	if f != nil {
		outcome = string(f.Code)
		span.SetAttributes(attribute.String("failure", outcome))
	}
	r.opts.Metrics.ObserveOperation(op, outcome, started)
	return f
}

func (r *Resolver) menu(calc *entitlements.Calculator, excess int, catalog []*entitlements.Plan) *entitlements.Menu {
	return entitlements.BuildMenu(calc, excess, entitlements.MenuOptions{
		SlotCostCents: r.opts.SlotCostCents,
		Plans:         catalog,
		Order:         r.opts.CandidateOrder,
		Now:           r.opts.Now(),
	})
}

// Options returns the resolution menu for the subscriber's current excess.
// A subscriber within the limit gets an empty menu.
func (r *Resolver) Options(ctx context.Context, subscriberID int64) entitlements.Result[*entitlements.Menu] {
	const op = "resolution.options"
	ctx, span, started := r.start(ctx, op, subscriberID)

	var menu *entitlements.Menu
	catalog, err := r.catalog.ListPlans(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list plans: %w", err)
	} else {
		err = r.store.View(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
			snap, err := tx.Snapshot(ctx)
			if err != nil {
				return err
			}
			calc := entitlements.NewCalculator(snap)
			menu = r.menu(calc, calc.OverLimitCount(), catalog)
			return nil
		})
	}
	if f := r.finish(ctx, op, subscriberID, span, started, err); f != nil {
		return entitlements.Fail[*entitlements.Menu](f)
	}
	return entitlements.Succeed(menu)
}

// Execute runs strategy against the live excess in one transaction. A
// subscriber that is no longer over the limit gets a no-op success, so
// retries after a committed resolution are harmless.
func (r *Resolver) Execute(ctx context.Context, subscriberID int64, strategy entitlements.StrategyKind, opts ExecuteOptions) entitlements.Result[Outcome] {
	const op = "resolution.execute"
	ctx, span, started := r.start(ctx, op, subscriberID)
	span.SetAttributes(attribute.String("strategy", string(strategy)))

	var (
		outcome Outcome
		applied *plans.Applied
		spent   []*entitlements.ExtraSlot
		halted  []*entitlements.Device
	)
	catalog, err := r.validate(ctx, strategy)
	if err == nil {
		err = r.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
			snap, err := tx.Snapshot(ctx)
			if err != nil {
				return err
			}
			calc := entitlements.NewCalculator(snap)
			excess := calc.OverLimitCount()
			outcome = Outcome{Strategy: strategy, ResolvedExcess: excess}
			if excess == 0 {
				outcome.Summary = calc.Summary()
				return nil
			}
			menu := r.menu(calc, excess, catalog)

			switch strategy {
			case entitlements.StrategySuspendDevices:
				halted, err = r.suspendTx(ctx, tx, snap, menu, opts.DeviceIDs)
			case entitlements.StrategyBuyExtraSlots:
				spent, err = r.buyTx(ctx, tx, snap, menu)
			case entitlements.StrategyUpgradePlan, entitlements.StrategyHybrid:
				applied, err = r.changePlanTx(ctx, tx, snap, menu, strategy, opts)
			}
			if err != nil {
				return err
			}

			outcome.SuspendedDevices = devices.IDs(halted)
			outcome.SlotsPurchased = len(spent)
			if applied != nil {
				outcome.Plan = applied.Preview.TargetPlan
				outcome.WokenDevices = devices.IDs(applied.Woken)
				outcome.SlotsPurchased = len(applied.Slots)
			}
			after := entitlements.NewCalculator(snap)
			if left := after.OverLimitCount(); left > 0 {
				f := entitlements.NewFailure(entitlements.CodeOverLimit,
					"%s leaves %d device(s) over the limit", strategy, left)
				f.ExcessCount = left
				return f
			}
			outcome.Summary = after.Summary()
			return nil
		})
	}
	if f := r.finish(ctx, op, subscriberID, span, started, err); f != nil {
		return entitlements.Fail[Outcome](f)
	}
	if outcome.ResolvedExcess > 0 {
		r.announce(ctx, subscriberID, outcome, applied, spent, halted)
	}
	return entitlements.Succeed(outcome)
}

func (r *Resolver) validate(ctx context.Context, strategy entitlements.StrategyKind) ([]*entitlements.Plan, error) {
	if strategy == "" {
		return nil, entitlements.NewFailure(entitlements.CodeStrategyRequired, "a resolution strategy is required")
	}
	if _, ok := entitlements.ParseStrategy(string(strategy)); !ok {
		return nil, entitlements.NewFailure(entitlements.CodeInvalidStrategy, "unknown resolution strategy %q", strategy)
	}
	catalog, err := r.catalog.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return catalog, nil
}

func unavailable(menu *entitlements.Menu, format string, args ...any) *entitlements.Failure {
	f := entitlements.NewFailure(entitlements.CodeStrategyUnavailable, format, args...)
	f.ExcessCount = menu.Excess
	f.Resolution = menu
	return f
}

func (r *Resolver) suspendTx(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, menu *entitlements.Menu, deviceIDs []int64) ([]*entitlements.Device, error) {
	if _, ok := menu.Find(entitlements.StrategySuspendDevices); !ok {
		return nil, unavailable(menu, "fewer active devices than the %d over the limit", menu.Excess)
	}
	if len(deviceIDs) != menu.Excess {
		f := entitlements.NewFailure(entitlements.CodeSelectionMismatch,
			"exactly %d device(s) must be selected, %d given", menu.Excess, len(deviceIDs))
		f.ExcessCount = menu.Excess
		return nil, f
	}
	return r.devices.SuspendSelectedTx(ctx, tx, snap, deviceIDs, entitlements.ReasonOverLimit, r.opts.Now())
}

func (r *Resolver) buyTx(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, menu *entitlements.Menu) ([]*entitlements.ExtraSlot, error) {
	if _, ok := menu.Find(entitlements.StrategyBuyExtraSlots); !ok {
		return nil, unavailable(menu, "extra slots require an active subscription")
	}
	return r.slots.PurchaseTx(ctx, tx, snap, menu.Excess)
}

func (r *Resolver) changePlanTx(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, menu *entitlements.Menu,
	strategy entitlements.StrategyKind, opts ExecuteOptions) (*plans.Applied, error) {

	if !snap.Subscription.IsActive() {
		return nil, unavailable(menu, "%s requires an active subscription", strategy)
	}
	offered, ok := menu.Find(strategy)
	if !ok && opts.PlanID == 0 {
		return nil, unavailable(menu, "no plan is available for %s", strategy)
	}

	var target *entitlements.Plan
	if opts.PlanID != 0 {
		plan, err := r.plan(ctx, opts.PlanID)
		if err != nil {
			return nil, err
		}
		target = plan
	} else {
		target = offered.TargetPlan
	}

	preview := plans.Classify(snap, target, opts.Interval)
	remedy := plans.Remedy{}
	switch {
	case strategy == entitlements.StrategyUpgradePlan && preview.ChangeType != plans.ChangeUpgrade:
		return nil, unavailable(menu, "plan %s does not cover the %d active device(s)", target.Name, preview.UsedSlots)
	case strategy == entitlements.StrategyHybrid:
		if !moreSlots(snap, target) || preview.ChangeType != plans.ChangeDowngradeRequiresAction {
			return nil, unavailable(menu, "plan %s cannot be combined with extra slots for this excess", target.Name)
		}
		remedy.Strategy = entitlements.StrategyBuyExtraSlots
	}
	return r.plans.ApplyTx(ctx, tx, snap, target, opts.Interval, remedy)
}

// moreSlots reports whether target allows more devices than the current plan
func moreSlots(snap *entitlements.Snapshot, target *entitlements.Plan) bool {
	base := entitlements.NewCalculator(snap).BaseSlots()
	if snap.Plan != nil {
		base = snap.Plan.DeviceLimit
	}
	if base == entitlements.Unlimited {
		return false
	}
	return target.DeviceLimit == entitlements.Unlimited || target.DeviceLimit > base
}

func (r *Resolver) plan(ctx context.Context, planID int64) (*entitlements.Plan, error) {
	plan, err := r.catalog.GetPlan(ctx, planID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, entitlements.NewFailure(entitlements.CodePlanNotFound, "plan %d not found", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %d: %w", planID, err)
	}
	return plan, nil
}

func (r *Resolver) announce(ctx context.Context, subscriberID int64, outcome Outcome, applied *plans.Applied,
	spent []*entitlements.ExtraSlot, halted []*entitlements.Device) {

	r.opts.Metrics.Resolution(string(outcome.Strategy))

	data := map[string]interface{}{
		"strategy":        string(outcome.Strategy),
		"resolved_excess": outcome.ResolvedExcess,
	}
	if len(outcome.SuspendedDevices) > 0 {
		data["suspended_devices"] = outcome.SuspendedDevices
	}
	if outcome.SlotsPurchased > 0 {
		data["slots_purchased"] = outcome.SlotsPurchased
	}
	if outcome.Plan != nil {
		data["plan_id"] = outcome.Plan.ID
	}
	result := r.opts.Notifier.Send(ctx, notify.EventOverLimitResolved, notify.Payload{SubscriberID: subscriberID, Data: data})
	if !result.Delivered {
		r.opts.Logger.WithField("subscriber_id", subscriberID).WithField("error", result.Error).Warn("resolution notification failed")
	}
	r.opts.Tracker.Track(ctx, subscriberID, analytics.EventOverLimitResolved, map[string]interface{}{
		"strategy":        string(outcome.Strategy),
		"resolved_excess": outcome.ResolvedExcess,
	})

	r.devices.AnnounceSuspended(ctx, subscriberID, halted, entitlements.ReasonOverLimit)
	r.slots.AnnouncePurchased(ctx, subscriberID, spent)
	r.plans.Announce(ctx, subscriberID, applied, "over_limit_resolution")
}
