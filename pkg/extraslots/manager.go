package extraslots

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/devices"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/slotkeeper/pkg/extraslots")

// PurchaseResult is returned by Purchase
type PurchaseResult struct {
	Slots   []*entitlements.ExtraSlot `json:"slots"`
	Summary entitlements.Summary      `json:"summary"`
}

// CancelResult is returned by Cancel and CancelWithSelection
type CancelResult struct {
	SlotID           int64                `json:"slot_id"`
	SuspendedDevices []int64              `json:"suspended_devices,omitempty"`
	Summary          entitlements.Summary `json:"summary"`
}

// Manager sells and cancels extra device slots
type Manager struct {
	store   storage.Store
	devices *devices.Manager
	opts    devices.Options
}

// NewManager creates an extra slot manager sharing the device manager's
// collaborators
func NewManager(store storage.Store, deviceManager *devices.Manager) *Manager {
	return &Manager{store: store, devices: deviceManager, opts: deviceManager.Options()}
}

// SlotCostCents returns the monthly price of one slot
func (m *Manager) SlotCostCents() int64 {
	return m.opts.SlotCostCents
}

// PurchaseTx creates n active extra slots inside a running transaction and
// updates the snapshot. It requires an active subscription and is never
// capacity gated.
func (m *Manager) PurchaseTx(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, n int) ([]*entitlements.ExtraSlot, error) {
	if !snap.Subscription.IsActive() {
		return nil, entitlements.NewFailure(entitlements.CodeNoActiveSubscription, "an active subscription is required to buy extra slots")
	}
	if n <= 0 {
		return nil, nil
	}
	now := m.opts.Now()
	slots := make([]*entitlements.ExtraSlot, 0, n)
	for i := 0; i < n; i++ {
		slot := &entitlements.ExtraSlot{
			SubscriptionID:   snap.Subscription.ID,
			Status:           entitlements.SlotStatusActive,
			MonthlyCostCents: m.opts.SlotCostCents,
			ActivatedAt:      now,
		}
		if err := tx.CreateExtraSlot(ctx, slot); err != nil {
			return nil, fmt.Errorf("failed to create extra slot: %w", err)
		}
		slots = append(slots, slot)
	}
	snap.ActiveExtraSlots += n
	return slots, nil
}

// Purchase buys one extra slot
func (m *Manager) Purchase(ctx context.Context, subscriberID int64) entitlements.Result[PurchaseResult] {
	return m.PurchaseN(ctx, subscriberID, 1)
}

// PurchaseN buys n extra slots in one transaction
func (m *Manager) PurchaseN(ctx context.Context, subscriberID int64, n int) entitlements.Result[PurchaseResult] {
	if n <= 0 {
		return entitlements.Failf[PurchaseResult](entitlements.CodeInvalidSelection, "slot count must be positive, got %d", n)
	}
	const op = "extraslots.purchase"
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.Int64("subscriber_id", subscriberID), attribute.Int("slots", n))
	ctx = observability.WithSubscriberID(ctx, subscriberID)
	started := time.Now()

	var result PurchaseResult
	err := m.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		result.Slots, err = m.PurchaseTx(ctx, tx, snap, n)
		if err != nil {
			return err
		}
		result.Summary = entitlements.NewCalculator(snap).Summary()
		return nil
	})
	if f := m.devices.Failure(ctx, op, subscriberID, err); f != nil {
		m.opts.Metrics.ObserveOperation(op, string(f.Code), started)
		return entitlements.Fail[PurchaseResult](f)
	}
	m.opts.Metrics.ObserveOperation(op, "", started)
	m.AnnouncePurchased(ctx, subscriberID, result.Slots)
	return entitlements.Succeed(result)
}

// loadCancellable returns the slot if it belongs to the locked subscriber
// and is still active
func loadCancellable(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, slotID int64) (*entitlements.ExtraSlot, error) {
	slot, err := tx.GetExtraSlot(ctx, slotID)
	if err != nil {
		if f := storage.FailureFrom(err); f != nil && f.Code == entitlements.CodeNotFound {
			return nil, entitlements.NewFailure(entitlements.CodeSlotNotFound, "extra slot %d not found", slotID)
		}
		return nil, fmt.Errorf("failed to load extra slot %d: %w", slotID, err)
	}
	if snap.Subscription == nil || slot.SubscriptionID != snap.Subscription.ID {
		return nil, entitlements.NewFailure(entitlements.CodeSlotNotFound, "extra slot %d not found", slotID)
	}
	if slot.Status == entitlements.SlotStatusCancelled {
		return nil, entitlements.NewFailure(entitlements.CodeSlotCancelled, "extra slot %d is already cancelled", slotID)
	}
	return slot, nil
}

// cancelExcess returns how many operational devices would exceed the
// entitlement once one slot is gone
func cancelExcess(calc *entitlements.Calculator) int {
	if calc.Unlimited() {
		return 0
	}
	excess := calc.UsedSlots() - (calc.TotalSlots() - 1)
	if excess < 0 {
		return 0
	}
	return excess
}

// Cancel cancels a slot when the remaining entitlement still covers every
// operational device. Otherwise nothing is written and a
// needs_device_selection failure lists the excess and ranked candidates.
func (m *Manager) Cancel(ctx context.Context, subscriberID, slotID int64) entitlements.Result[CancelResult] {
	return m.cancel(ctx, "extraslots.cancel", subscriberID, slotID, nil)
}

// CancelWithSelection suspends exactly the selected devices and cancels the
// slot in one transaction
func (m *Manager) CancelWithSelection(ctx context.Context, subscriberID, slotID int64, deviceIDs []int64) entitlements.Result[CancelResult] {
	if len(deviceIDs) == 0 {
		return entitlements.Failf[CancelResult](entitlements.CodeInvalidSelection, "no devices selected")
	}
	return m.cancel(ctx, "extraslots.cancel_with_selection", subscriberID, slotID, deviceIDs)
}

func (m *Manager) cancel(ctx context.Context, op string, subscriberID, slotID int64, selection []int64) entitlements.Result[CancelResult] {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.Int64("subscriber_id", subscriberID), attribute.Int64("slot_id", slotID))
	ctx = observability.WithSubscriberID(ctx, subscriberID)
	started := time.Now()

	result := CancelResult{SlotID: slotID}
	var suspended []*entitlements.Device
	err := m.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		if _, err := loadCancellable(ctx, tx, snap, slotID); err != nil {
			return err
		}

		now := m.opts.Now()
		calc := entitlements.NewCalculator(snap)
		excess := cancelExcess(calc)
		switch {
		case excess > 0 && selection == nil:
			f := entitlements.NewFailure(entitlements.CodeNeedsSelection,
				"cancelling slot %d leaves %d device(s) over the limit; select devices to suspend", slotID, excess)
			f.NeedsDeviceSelection = true
			f.ExcessCount = excess
			f.Candidates = entitlements.RankCandidates(snap.OperationalDevices(), now, m.opts.CandidateOrder)
			summary := calc.Summary()
			f.Summary = &summary
			return f
		case selection != nil && len(selection) != excess:
			f := entitlements.NewFailure(entitlements.CodeSelectionMismatch,
				"cancelling slot %d requires exactly %d device(s), %d selected", slotID, excess, len(selection))
			f.ExcessCount = excess
			return f
		case excess > 0:
			suspended, err = m.devices.SuspendSelectedTx(ctx, tx, snap, selection, entitlements.ReasonExtraSlotCancelled, now)
			if err != nil {
				return err
			}
		}

		if err := tx.CancelExtraSlot(ctx, slotID, now); err != nil {
			return fmt.Errorf("failed to cancel extra slot %d: %w", slotID, err)
		}
		snap.ActiveExtraSlots--
		result.Summary = entitlements.NewCalculator(snap).Summary()
		return nil
	})
	if f := m.devices.Failure(ctx, op, subscriberID, err); f != nil {
		m.opts.Metrics.ObserveOperation(op, string(f.Code), started)
		return entitlements.Fail[CancelResult](f)
	}
	m.opts.Metrics.ObserveOperation(op, "", started)

	result.SuspendedDevices = devices.IDs(suspended)
	m.devices.AnnounceSuspended(ctx, subscriberID, suspended, entitlements.ReasonExtraSlotCancelled)
	m.AnnounceCancelled(ctx, subscriberID, slotID)
	return entitlements.Succeed(result)
}

// AnnouncePurchased notifies billing and analytics of new slots
func (m *Manager) AnnouncePurchased(ctx context.Context, subscriberID int64, slots []*entitlements.ExtraSlot) {
	if len(slots) == 0 {
		return
	}
	m.opts.Metrics.ExtraSlots("purchased", len(slots))
	ids := make([]int64, 0, len(slots))
	var monthly int64
	for _, s := range slots {
		ids = append(ids, s.ID)
		monthly += s.MonthlyCostCents
	}
	m.opts.Notifier.Send(ctx, notify.EventBillingSlotPurchased, notify.Payload{
		SubscriberID: subscriberID,
		Data: map[string]interface{}{
			"slot_ids":           ids,
			"monthly_cost_cents": monthly,
		},
	})
	m.opts.Tracker.Track(ctx, subscriberID, analytics.EventExtraSlotPurchased, map[string]interface{}{
		"count":              len(slots),
		"monthly_cost_cents": monthly,
	})
}

// AnnounceCancelled notifies billing and analytics of a cancelled slot
func (m *Manager) AnnounceCancelled(ctx context.Context, subscriberID, slotID int64) {
	m.opts.Metrics.ExtraSlots("cancelled", 1)
	m.opts.Notifier.Send(ctx, notify.EventBillingSlotCancelled, notify.Payload{
		SubscriberID: subscriberID,
		Data:         map[string]interface{}{"slot_id": slotID},
	})
	m.opts.Tracker.Track(ctx, subscriberID, analytics.EventExtraSlotCancelled, map[string]interface{}{"slot_id": slotID})
}
