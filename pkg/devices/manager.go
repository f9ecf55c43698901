package devices

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/slotkeeper/pkg/devices")

// DeviceResult is returned by single-device operations
type DeviceResult struct {
	Device  *entitlements.Device `json:"device"`
	Summary entitlements.Summary `json:"summary"`
	// CanWake is set after a suspension
	CanWake bool `json:"can_wake,omitempty"`
}

// BulkFailure explains why one device of a bulk operation was skipped
type BulkFailure struct {
	DeviceID int64             `json:"device_id"`
	Code     entitlements.Code `json:"code"`
	Message  string            `json:"message"`
}

// BulkResult reports the per-device outcome of a bulk operation
type BulkResult struct {
	Succeeded []int64              `json:"succeeded"`
	Failed    []BulkFailure        `json:"failed"`
	Summary   entitlements.Summary `json:"summary"`
}

// Manager enforces device state transitions against entitlement
type Manager struct {
	store storage.Store
	plans storage.PlanReader
	opts  Options
}

// NewManager creates a device lifecycle manager. plans supplies the catalog
// used to build over-limit resolution menus.
func NewManager(store storage.Store, plans storage.PlanReader, opts Options) *Manager {
	if plans == nil {
		plans = store
	}
	return &Manager{store: store, plans: plans, opts: opts.WithDefaults()}
}

// Options returns the manager's effective options
func (m *Manager) Options() Options {
	return m.opts
}

// Plans returns the plan catalog
func (m *Manager) Plans() storage.PlanReader {
	return m.plans
}

// Summary returns the entitlement summary of a subscriber
func (m *Manager) Summary(ctx context.Context, subscriberID int64) entitlements.Result[entitlements.Summary] {
	var summary entitlements.Summary
	err := m.store.View(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		summary = entitlements.NewCalculator(snap).Summary()
		return nil
	})
	if err != nil {
		return entitlements.Fail[entitlements.Summary](m.Failure(ctx, "devices.summary", subscriberID, err))
	}
	return entitlements.Succeed(summary)
}

// Failure converts a transaction error into a failure, logging unexpected ones
func (m *Manager) Failure(ctx context.Context, op string, subscriberID int64, err error) *entitlements.Failure {
	f := storage.FailureFrom(err)
	if f != nil && (f.Code == entitlements.CodeInternal || f.Code == entitlements.CodeConflict) {
		m.opts.Logger.WithError(err).WithFields(map[string]interface{}{
			"operation":     op,
			"subscriber_id": subscriberID,
		}).Error("operation failed")
	}
	return f
}

// OverLimitFailure builds an over_limit failure carrying the resolution menu
// for the given excess
func (m *Manager) OverLimitFailure(ctx context.Context, calc *entitlements.Calculator, excess int, format string, args ...any) error {
	plans, err := m.plans.ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("failed to list plans: %w", err)
	}
	summary := calc.Summary()
	f := entitlements.NewFailure(entitlements.CodeOverLimit, format, args...)
	f.ExcessCount = excess
	f.Summary = &summary
	f.Resolution = entitlements.BuildMenu(calc, excess, entitlements.MenuOptions{
		SlotCostCents: m.opts.SlotCostCents,
		Plans:         plans,
		Order:         m.opts.CandidateOrder,
		Now:           m.opts.Now(),
	})
	return f
}

func (m *Manager) startSpan(ctx context.Context, op string, subscriberID int64) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("subscriber_id", subscriberID)))
	return observability.WithSubscriberID(ctx, subscriberID), span, time.Now()
}

func (m *Manager) finish(ctx context.Context, op string, subscriberID int64, span trace.Span, started time.Time, err error) *entitlements.Failure {
	defer span.End()
	f := m.Failure(ctx, op, subscriberID, err)
	outcome := ""
	if f != nil {
		outcome = string(f.Code)
		span.SetAttributes(attribute.String("failure", outcome))
	}
	m.opts.Metrics.ObserveOperation(op, outcome, started)
	return f
}

// single runs a transaction that changes one device
func (m *Manager) single(ctx context.Context, op string, subscriberID int64,
	fn func(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot) (*entitlements.Device, error)) (entitlements.Result[DeviceResult], context.Context) {

	ctx, span, started := m.startSpan(ctx, op, subscriberID)
	var result DeviceResult
	err := m.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		d, err := fn(ctx, tx, snap)
		if err != nil {
			return err
		}
		result.Device = d
		result.Summary = entitlements.NewCalculator(snap).Summary()
		return nil
	})
	if f := m.finish(ctx, op, subscriberID, span, started, err); f != nil {
		return entitlements.Fail[DeviceResult](f), ctx
	}
	return entitlements.Succeed(result), ctx
}

// Register creates a pending device for the subscriber
func (m *Manager) Register(ctx context.Context, subscriberID int64, name string) entitlements.Result[DeviceResult] {
	res, ctx := m.single(ctx, "devices.register", subscriberID, func(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot) (*entitlements.Device, error) {
		d := &entitlements.Device{
			SubscriberID: subscriberID,
			Name:         name,
			Status:       entitlements.DeviceStatusPending,
		}
		if err := tx.CreateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
		snap.Devices = append(snap.Devices, d)
		return d, nil
	})
	if res.OK() {
		m.opts.Tracker.Track(ctx, subscriberID, analytics.EventDeviceRegistered, map[string]interface{}{"device_id": res.Data.Device.ID})
	}
	return res
}

// Activate moves a pending or suspended device to active, consuming a slot
func (m *Manager) Activate(ctx context.Context, subscriberID, deviceID int64) entitlements.Result[DeviceResult] {
	res, ctx := m.single(ctx, "devices.activate", subscriberID, func(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot) (*entitlements.Device, error) {
		d, err := Owned(ctx, tx, snap, deviceID)
		if err != nil {
			return nil, err
		}
		switch d.Status {
		case entitlements.DeviceStatusActive:
			return nil, entitlements.NewFailure(entitlements.CodeAlreadyActive, "device %d is already active", deviceID)
		case entitlements.DeviceStatusDisabled:
			return nil, entitlements.NewFailure(entitlements.CodeDeviceDisabled, "device %d is disabled", deviceID)
		}

		calc := entitlements.NewCalculator(snap)
		if !calc.CanActivateDevice() {
			return nil, m.OverLimitFailure(ctx, calc, 1, "no slot available to activate device %d", deviceID)
		}
		d.Status = entitlements.DeviceStatusActive
		d.ClearSuspension()
		if err := tx.UpdateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to activate device %d: %w", deviceID, err)
		}
		return d, nil
	})
	if res.OK() {
		m.AnnounceActivated(ctx, subscriberID, res.Data.Device)
	}
	return res
}

// Suspend releases the slot of an active device and starts its grace deadline
func (m *Manager) Suspend(ctx context.Context, subscriberID, deviceID int64, reason entitlements.SuspendReason) entitlements.Result[DeviceResult] {
	if reason == "" {
		reason = entitlements.ReasonUserRequested
	}
	res, ctx := m.single(ctx, "devices.suspend", subscriberID, func(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot) (*entitlements.Device, error) {
		d, err := Owned(ctx, tx, snap, deviceID)
		if err != nil {
			return nil, err
		}
		if f := suspendable(d); f != nil {
			return nil, f
		}
		markSuspended(d, reason, m.opts.Now(), snap.Plan.GraceDays(m.opts.DefaultGraceDays))
		if err := tx.UpdateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to suspend device %d: %w", deviceID, err)
		}
		return d, nil
	})
	if res.OK() {
		res.Data.CanWake = true
		m.AnnounceSuspended(ctx, subscriberID, []*entitlements.Device{res.Data.Device}, reason)
	}
	return res
}

func suspendable(d *entitlements.Device) *entitlements.Failure {
	switch d.Status {
	case entitlements.DeviceStatusSuspended:
		return entitlements.NewFailure(entitlements.CodeAlreadySuspended, "device %d is already suspended", d.ID)
	case entitlements.DeviceStatusActive:
		return nil
	}
	return entitlements.NewFailure(entitlements.CodeNotActive, "device %d is %s, not active", d.ID, d.Status)
}

// Wake reactivates a suspended device if a slot is available
func (m *Manager) Wake(ctx context.Context, subscriberID, deviceID int64) entitlements.Result[DeviceResult] {
	res, ctx := m.single(ctx, "devices.wake", subscriberID, func(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot) (*entitlements.Device, error) {
		d, err := Owned(ctx, tx, snap, deviceID)
		if err != nil {
			return nil, err
		}
		if d.Status != entitlements.DeviceStatusSuspended {
			return nil, entitlements.NewFailure(entitlements.CodeNotSuspended, "device %d is %s, not suspended", deviceID, d.Status)
		}
		calc := entitlements.NewCalculator(snap)
		if !calc.CanActivateDevice() {
			return nil, m.OverLimitFailure(ctx, calc, 1, "no slot available to wake device %d", deviceID)
		}
		d.Status = entitlements.DeviceStatusActive
		d.ClearSuspension()
		if err := tx.UpdateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to wake device %d: %w", deviceID, err)
		}
		return d, nil
	})
	if res.OK() {
		m.AnnounceWoken(ctx, subscriberID, []*entitlements.Device{res.Data.Device}, "manual")
	}
	return res
}

// Disable administratively disables a device, releasing its slot
func (m *Manager) Disable(ctx context.Context, subscriberID, deviceID int64) entitlements.Result[DeviceResult] {
	res, ctx := m.single(ctx, "devices.disable", subscriberID, func(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot) (*entitlements.Device, error) {
		d, err := Owned(ctx, tx, snap, deviceID)
		if err != nil {
			return nil, err
		}
		if d.Status == entitlements.DeviceStatusDisabled {
			return nil, entitlements.NewFailure(entitlements.CodeAlreadyDisabled, "device %d is already disabled", deviceID)
		}
		d.Status = entitlements.DeviceStatusDisabled
		d.ClearSuspension()
		if err := tx.UpdateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to disable device %d: %w", deviceID, err)
		}
		return d, nil
	})
	if res.OK() {
		m.opts.Notifier.Send(ctx, notify.EventDeviceDisabled, notify.Payload{
			SubscriberID: subscriberID,
			Data:         map[string]interface{}{"device_id": deviceID},
		})
		m.opts.Tracker.Track(ctx, subscriberID, analytics.EventDeviceDisabled, map[string]interface{}{"device_id": deviceID})
	}
	return res
}

func dedup(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func bulkFailure(deviceID int64, err error) (BulkFailure, bool) {
	f, ok := entitlements.AsFailure(err)
	if !ok {
		return BulkFailure{}, false
	}
	return BulkFailure{DeviceID: deviceID, Code: f.Code, Message: f.Message}, true
}

// SuspendMany suspends each device in one transaction. Devices that cannot
// be suspended are reported in Failed; the rest are committed.
func (m *Manager) SuspendMany(ctx context.Context, subscriberID int64, deviceIDs []int64, reason entitlements.SuspendReason) entitlements.Result[BulkResult] {
	if reason == "" {
		reason = entitlements.ReasonUserRequested
	}
	ctx, span, started := m.startSpan(ctx, "devices.suspend_many", subscriberID)

	result := BulkResult{Succeeded: []int64{}, Failed: []BulkFailure{}}
	var suspended []*entitlements.Device
	err := m.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		result.Succeeded, result.Failed, suspended = result.Succeeded[:0], result.Failed[:0], nil

		now, graceDays := m.opts.Now(), snap.Plan.GraceDays(m.opts.DefaultGraceDays)
		for _, id := range dedup(deviceIDs) {
			d, err := Owned(ctx, tx, snap, id)
			if err == nil {
				if f := suspendable(d); f != nil {
					err = f
				}
			}
			if err != nil {
				bf, ok := bulkFailure(id, err)
				if !ok {
					return err
				}
				result.Failed = append(result.Failed, bf)
				continue
			}
			markSuspended(d, reason, now, graceDays)
			if err := tx.UpdateDevice(ctx, d); err != nil {
				return fmt.Errorf("failed to suspend device %d: %w", id, err)
			}
			result.Succeeded = append(result.Succeeded, id)
			suspended = append(suspended, d)
		}
		result.Summary = entitlements.NewCalculator(snap).Summary()
		return nil
	})
	if f := m.finish(ctx, "devices.suspend_many", subscriberID, span, started, err); f != nil {
		return entitlements.Fail[BulkResult](f)
	}
	m.AnnounceSuspended(ctx, subscriberID, suspended, reason)
	return entitlements.Succeed(result)
}

// WakeMany wakes each device in one transaction. The whole batch is refused
// when fewer slots are available than devices requested.
func (m *Manager) WakeMany(ctx context.Context, subscriberID int64, deviceIDs []int64) entitlements.Result[BulkResult] {
	ctx, span, started := m.startSpan(ctx, "devices.wake_many", subscriberID)

	ids := dedup(deviceIDs)
	result := BulkResult{Succeeded: []int64{}, Failed: []BulkFailure{}}
	var woken []*entitlements.Device
	err := m.store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		result.Succeeded, result.Failed, woken = result.Succeeded[:0], result.Failed[:0], nil

		calc := entitlements.NewCalculator(snap)
		if !calc.HasCapacityFor(len(ids)) {
			return m.OverLimitFailure(ctx, calc, len(ids)-calc.AvailableSlots(),
				"%d slot(s) available, %d device(s) requested", calc.AvailableSlots(), len(ids))
		}

		for _, id := range ids {
			d, err := Owned(ctx, tx, snap, id)
			if err == nil && d.Status != entitlements.DeviceStatusSuspended {
				err = entitlements.NewFailure(entitlements.CodeNotSuspended, "device %d is %s, not suspended", id, d.Status)
			}
			if err == nil && !calc.CanActivateDevice() {
				err = entitlements.NewFailure(entitlements.CodeOverLimit, "no slot available to wake device %d", id)
			}
			if err != nil {
				bf, ok := bulkFailure(id, err)
				if !ok {
					return err
				}
				result.Failed = append(result.Failed, bf)
				continue
			}
			d.Status = entitlements.DeviceStatusActive
			d.ClearSuspension()
			if err := tx.UpdateDevice(ctx, d); err != nil {
				return fmt.Errorf("failed to wake device %d: %w", id, err)
			}
			result.Succeeded = append(result.Succeeded, id)
			woken = append(woken, d)
		}
		result.Summary = calc.Summary()
		return nil
	})
	if f := m.finish(ctx, "devices.wake_many", subscriberID, span, started, err); f != nil {
		return entitlements.Fail[BulkResult](f)
	}
	m.AnnounceWoken(ctx, subscriberID, woken, "manual")
	return entitlements.Succeed(result)
}

// AnnounceActivated sends the activation notification and analytics event
func (m *Manager) AnnounceActivated(ctx context.Context, subscriberID int64, d *entitlements.Device) {
	m.opts.Notifier.Send(ctx, notify.EventDeviceActivated, notify.Payload{
		SubscriberID: subscriberID,
		Data:         map[string]interface{}{"device_id": d.ID},
	})
	m.opts.Tracker.Track(ctx, subscriberID, analytics.EventDeviceActivated, map[string]interface{}{"device_id": d.ID})
}

// AnnounceSuspended sends one notification and analytics event per
// suspended device and counts the suspensions
func (m *Manager) AnnounceSuspended(ctx context.Context, subscriberID int64, devices []*entitlements.Device, reason entitlements.SuspendReason) {
	m.opts.Metrics.DevicesSuspended(string(reason), len(devices))
	for _, d := range devices {
		data := map[string]interface{}{
			"device_id": d.ID,
			"reason":    string(reason),
			"can_wake":  true,
		}
		if d.GracePeriodEndsAt != nil {
			data["grace_period_ends_at"] = d.GracePeriodEndsAt.UTC().Format(time.RFC3339)
		}
		result := m.opts.Notifier.Send(ctx, notify.EventDeviceSuspended, notify.Payload{SubscriberID: subscriberID, Data: data})
		if !result.Delivered {
			m.opts.Logger.WithField("device_id", d.ID).WithField("error", result.Error).Warn("suspension notification failed")
		}
		m.opts.Tracker.Track(ctx, subscriberID, analytics.EventDeviceSuspended, map[string]interface{}{
			"device_id": d.ID,
			"reason":    string(reason),
		})
	}
}

// AnnounceWoken sends one notification and analytics event per woken device
func (m *Manager) AnnounceWoken(ctx context.Context, subscriberID int64, devices []*entitlements.Device, trigger string) {
	m.opts.Metrics.DevicesWoken(trigger, len(devices))
	for _, d := range devices {
		m.opts.Notifier.Send(ctx, notify.EventDeviceWoken, notify.Payload{
			SubscriberID: subscriberID,
			Data:         map[string]interface{}{"device_id": d.ID, "trigger": trigger},
		})
		m.opts.Tracker.Track(ctx, subscriberID, analytics.EventDeviceWoken, map[string]interface{}{
			"device_id": d.ID,
			"trigger":   trigger,
		})
	}
}
