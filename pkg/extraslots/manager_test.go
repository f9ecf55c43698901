package extraslots

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/devices"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
	"github.com/platinummonkey/slotkeeper/pkg/storage/storagetest"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, a storagetest.Account) (*Manager, *storage.MemoryStore, storagetest.Seeded, *notify.Recorder) {
	t.Helper()
	store := storagetest.NewStore()
	a.Now = testNow
	seeded := storagetest.SeedAccount(t, store, a)
	recorder := notify.NewRecorder()
	dm := devices.NewManager(store, nil, devices.Options{
		Notifier: recorder,
		Tracker:  analytics.NewRecorder(),
		Now:      func() time.Time { return testNow },
	})
	return NewManager(store, dm), store, seeded, recorder
}

func TestPurchase(t *testing.T) {
	m, store, _, recorder := setup(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 2})

	res := m.Purchase(context.Background(), 1)
	require.True(t, res.OK(), "%v", res.Failure)
	require.Len(t, res.Data.Slots, 1)
	assert.Equal(t, int64(500), res.Data.Slots[0].MonthlyCostCents)
	assert.Equal(t, 3, res.Data.Summary.TotalSlots)
	assert.True(t, res.Data.Summary.CanActivateDevice)

	slots := storagetest.Slots(t, store, 1)
	require.Len(t, slots, 1)
	assert.Equal(t, entitlements.SlotStatusActive, slots[0].Status)
	assert.Equal(t, testNow, slots[0].ActivatedAt)
	assert.Equal(t, 1, recorder.Count(notify.EventBillingSlotPurchased))
}

func TestPurchase_NeverCapacityGated(t *testing.T) {
	m, _, _, _ := setup(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 2})

	res := m.PurchaseN(context.Background(), 1, 3)
	require.True(t, res.OK())
	assert.Len(t, res.Data.Slots, 3)
	assert.Equal(t, 5, res.Data.Summary.TotalSlots)
	assert.Equal(t, 3, res.Data.Summary.AvailableSlots)
}

func TestPurchase_RequiresActiveSubscription(t *testing.T) {
	tests := []struct {
		name    string
		account storagetest.Account
	}{
		{name: "past due", account: storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, Status: entitlements.SubscriptionStatusPastDue}},
		{name: "no subscription", account: storagetest.Account{SubscriberID: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, _, _ := setup(t, tt.account)
			res := m.Purchase(context.Background(), 1)
			assert.Equal(t, entitlements.CodeNoActiveSubscription, res.Code())
			assert.Empty(t, storagetest.Slots(t, store, 1))
		})
	}
	m, _, _, _ := setup(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic})
	assert.Equal(t, entitlements.CodeInvalidSelection, m.PurchaseN(context.Background(), 1, 0).Code())
}

func TestCancel_Immediate(t *testing.T) {
	m, store, s, recorder := setup(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 2, ExtraSlots: 2})
	ctx := context.Background()

	res := m.Cancel(ctx, 1, s.SlotIDs[0])
	require.True(t, res.OK(), "%v", res.Failure)
	assert.Equal(t, 3, res.Data.Summary.TotalSlots)
	assert.Empty(t, res.Data.SuspendedDevices)
	assert.Equal(t, 1, recorder.Count(notify.EventBillingSlotCancelled))

	slot := storagetest.Slots(t, store, 1)[0]
	assert.Equal(t, entitlements.SlotStatusCancelled, slot.Status)
	require.NotNil(t, slot.CancelledAt)
	assert.Equal(t, int64(500), slot.MonthlyCostCents)

	again := m.Cancel(ctx, 1, s.SlotIDs[0])
	assert.Equal(t, entitlements.CodeSlotCancelled, again.Code())
	assert.True(t, again.Failure.Ignorable())
}

func TestCancel_NeedsDeviceSelection(t *testing.T) {
	m, store, s, recorder := setup(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 3, ExtraSlots: 1})

	res := m.Cancel(context.Background(), 1, s.SlotIDs[0])
	require.False(t, res.OK())
	assert.Equal(t, entitlements.CodeNeedsSelection, res.Code())
	assert.True(t, res.Failure.NeedsDeviceSelection)
	assert.Equal(t, 1, res.Failure.ExcessCount)
	assert.Len(t, res.Failure.Candidates, 3)

	assert.Equal(t, entitlements.SlotStatusActive, storagetest.Slots(t, store, 1)[0].Status)
	assert.Equal(t, 3, storagetest.Calculator(t, store, 1).UsedSlots())
	assert.Zero(t, recorder.Count(notify.EventBillingSlotCancelled))
}

func TestCancelWithSelection(t *testing.T) {
	m, store, s, recorder := setup(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 3, PendingDevices: 1, ExtraSlots: 1})
	ctx := context.Background()

	t.Run("wrong count", func(t *testing.T) {
		res := m.CancelWithSelection(ctx, 1, s.SlotIDs[0], s.ActiveIDs[:2])
		assert.Equal(t, entitlements.CodeSelectionMismatch, res.Code())
		assert.Equal(t, 1, res.Failure.ExcessCount)
	})

	t.Run("non operational device", func(t *testing.T) {
		res := m.CancelWithSelection(ctx, 1, s.SlotIDs[0], s.PendingIDs)
		assert.Equal(t, entitlements.CodeInvalidSelection, res.Code())
		assert.Equal(t, entitlements.SlotStatusActive, storagetest.Slots(t, store, 1)[0].Status)
	})

	t.Run("exact selection", func(t *testing.T) {
		res := m.CancelWithSelection(ctx, 1, s.SlotIDs[0], s.ActiveIDs[2:])
		require.True(t, res.OK(), "%v", res.Failure)
		assert.Equal(t, s.ActiveIDs[2:], res.Data.SuspendedDevices)
		assert.Equal(t, 2, res.Data.Summary.UsedSlots)
		assert.Equal(t, 2, res.Data.Summary.TotalSlots)

		d := storagetest.Device(t, store, 1, s.ActiveIDs[2])
		assert.Equal(t, entitlements.DeviceStatusSuspended, d.Status)
		assert.Equal(t, entitlements.ReasonExtraSlotCancelled, d.SuspendedReason)
		assert.Equal(t, entitlements.SlotStatusCancelled, storagetest.Slots(t, store, 1)[0].Status)
		assert.Equal(t, 1, recorder.Count(notify.EventDeviceSuspended))
	})
}

func TestCancel_UnknownSlot(t *testing.T) {
	store := storagetest.NewStore()
	storagetest.SeedAccount(t, store, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, Now: testNow})
	other := storagetest.SeedAccount(t, store, storagetest.Account{SubscriberID: 2, PlanID: storagetest.PlanBasic, ExtraSlots: 1, Now: testNow})
	m := NewManager(store, devices.NewManager(store, nil, devices.Options{}))

	assert.Equal(t, entitlements.CodeSlotNotFound, m.Cancel(context.Background(), 1, 4242).Code())
	assert.Equal(t, entitlements.CodeSlotNotFound, m.Cancel(context.Background(), 1, other.SlotIDs[0]).Code())
	assert.Equal(t, entitlements.SlotStatusActive, storagetest.Slots(t, store, 2)[0].Status)
}
