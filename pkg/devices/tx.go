package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

// Owned returns the snapshot device with the given ID. A device of another
// subscriber yields not_owned, an unknown ID not_found.
func Owned(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, deviceID int64) (*entitlements.Device, error) {
	if d := snap.Device(deviceID); d != nil {
		return d, nil
	}
	if _, err := tx.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, entitlements.NewFailure(entitlements.CodeNotFound, "device %d not found", deviceID)
		}
		return nil, fmt.Errorf("failed to load device %d: %w", deviceID, err)
	}
	return nil, entitlements.NewFailure(entitlements.CodeNotOwned, "device %d does not belong to subscriber %d", deviceID, tx.SubscriberID())
}

// markSuspended sets the suspension fields, starting the grace deadline
func markSuspended(d *entitlements.Device, reason entitlements.SuspendReason, now time.Time, graceDays int) {
	deadline := now.AddDate(0, 0, graceDays)
	d.Status = entitlements.DeviceStatusSuspended
	d.SuspendedReason = reason
	d.SuspendedAt = &now
	d.GracePeriodEndsAt = &deadline
}

// SuspendSelectedTx suspends exactly the given devices. Every device must
// belong to the subscriber and be operational, otherwise nothing is written
// and an invalid_selection failure is returned.
func (m *Manager) SuspendSelectedTx(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot, deviceIDs []int64,
	reason entitlements.SuspendReason, now time.Time) ([]*entitlements.Device, error) {

	selected := make([]*entitlements.Device, 0, len(deviceIDs))
	seen := make(map[int64]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		if seen[id] {
			return nil, entitlements.NewFailure(entitlements.CodeInvalidSelection, "device %d selected twice", id)
		}
		seen[id] = true

		d, err := Owned(ctx, tx, snap, id)
		if err != nil {
			if f, ok := entitlements.AsFailure(err); ok {
				return nil, entitlements.NewFailure(entitlements.CodeInvalidSelection, "%s", f.Message)
			}
			return nil, err
		}
		if !d.Operational() {
			return nil, entitlements.NewFailure(entitlements.CodeInvalidSelection, "device %d is %s, not active", id, d.Status)
		}
		selected = append(selected, d)
	}

	graceDays := snap.Plan.GraceDays(m.opts.DefaultGraceDays)
	for _, d := range selected {
		markSuspended(d, reason, now, graceDays)
		if err := tx.UpdateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to suspend device %d: %w", d.ID, err)
		}
	}
	return selected, nil
}

// SuspendAllActiveTx suspends every operational device of the subscriber
func (m *Manager) SuspendAllActiveTx(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot,
	reason entitlements.SuspendReason, now time.Time) ([]*entitlements.Device, error) {

	operational := snap.OperationalDevices()
	ids := make([]int64, 0, len(operational))
	for _, d := range operational {
		ids = append(ids, d.ID)
	}
	return m.SuspendSelectedTx(ctx, tx, snap, ids, reason, now)
}

// WakeUpToCapacityTx wakes suspended devices whose reason is auto-wakeable,
// oldest suspension first, until no slot is left.
func WakeUpToCapacityTx(ctx context.Context, tx storage.Tx, snap *entitlements.Snapshot) ([]*entitlements.Device, error) {
	var candidates []*entitlements.Device
	for _, d := range snap.Devices {
		if d.Status == entitlements.DeviceStatusSuspended && d.SuspendedReason.AutoWakeable() {
			candidates = append(candidates, d)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].SuspendedAt, candidates[j].SuspendedAt
		switch {
		case a == nil || b == nil:
			return a == nil && b != nil
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return candidates[i].ID < candidates[j].ID
	})

	calc := entitlements.NewCalculator(snap)
	var woken []*entitlements.Device
	for _, d := range candidates {
		// recomputed every iteration from the mutated snapshot
		if !calc.CanActivateDevice() {
			break
		}
		d.Status = entitlements.DeviceStatusActive
		d.ClearSuspension()
		if err := tx.UpdateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to wake device %d: %w", d.ID, err)
		}
		woken = append(woken, d)
	}
	return woken, nil
}

// IDs returns the IDs of the devices
func IDs(devices []*entitlements.Device) []int64 {
	ids := make([]int64, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}
