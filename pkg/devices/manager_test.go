package devices

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
	"github.com/platinummonkey/slotkeeper/pkg/storage/storagetest"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.MemoryStore
	manager  *Manager
	notifier *notify.Recorder
	tracker  *analytics.Recorder
}

func newFixture(t *testing.T, accounts ...storagetest.Account) (*fixture, []storagetest.Seeded) {
	t.Helper()
	store := storagetest.NewStore()
	seeded := make([]storagetest.Seeded, 0, len(accounts))
	for _, a := range accounts {
		a.Now = testNow
		seeded = append(seeded, storagetest.SeedAccount(t, store, a))
	}
	f := &fixture{store: store, notifier: notify.NewRecorder(), tracker: analytics.NewRecorder()}
	f.manager = NewManager(store, nil, Options{
		Notifier: f.notifier,
		Tracker:  f.tracker,
		Now:      func() time.Time { return testNow },
	})
	return f, seeded
}

func TestActivate(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 1, PendingDevices: 2})
	ctx := context.Background()

	res := f.manager.Activate(ctx, 1, s[0].PendingIDs[0])
	require.True(t, res.OK(), "%v", res.Failure)
	assert.Equal(t, entitlements.DeviceStatusActive, res.Data.Device.Status)
	assert.Equal(t, 2, res.Data.Summary.UsedSlots)
	assert.True(t, res.Data.Summary.AtLimit)
	assert.Equal(t, 1, f.notifier.Count(notify.EventDeviceActivated))
	assert.Equal(t, 1, f.tracker.Count(analytics.EventDeviceActivated))

	t.Run("no slot left", func(t *testing.T) {
		res := f.manager.Activate(ctx, 1, s[0].PendingIDs[1])
		require.False(t, res.OK())
		assert.Equal(t, entitlements.CodeOverLimit, res.Code())
		assert.Equal(t, 1, res.Failure.ExcessCount)
		require.NotNil(t, res.Failure.Resolution)
		_, ok := res.Failure.Resolution.Find(entitlements.StrategyBuyExtraSlots)
		assert.True(t, ok)
		upgrade, ok := res.Failure.Resolution.Find(entitlements.StrategyUpgradePlan)
		require.True(t, ok)
		assert.Equal(t, storagetest.PlanPlus, upgrade.TargetPlan.ID)

		d := storagetest.Device(t, f.store, 1, s[0].PendingIDs[1])
		assert.Equal(t, entitlements.DeviceStatusPending, d.Status)
	})

	t.Run("already active", func(t *testing.T) {
		res := f.manager.Activate(ctx, 1, s[0].ActiveIDs[0])
		assert.Equal(t, entitlements.CodeAlreadyActive, res.Code())
		assert.True(t, res.Failure.Ignorable())
	})
}

func TestActivate_Ownership(t *testing.T) {
	f, s := newFixture(t,
		storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, PendingDevices: 1},
		storagetest.Account{SubscriberID: 2, PlanID: storagetest.PlanBasic, PendingDevices: 1},
	)
	ctx := context.Background()

	assert.Equal(t, entitlements.CodeNotOwned, f.manager.Activate(ctx, 1, s[1].PendingIDs[0]).Code())
	assert.Equal(t, entitlements.CodeNotFound, f.manager.Activate(ctx, 1, 999).Code())
	assert.Equal(t, entitlements.CodeNotFound, f.manager.Activate(ctx, 42, 1).Code())
}

func TestActivate_DisabledDevice(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, PendingDevices: 1})
	ctx := context.Background()

	require.True(t, f.manager.Disable(ctx, 1, s[0].PendingIDs[0]).OK())
	assert.Equal(t, entitlements.CodeDeviceDisabled, f.manager.Activate(ctx, 1, s[0].PendingIDs[0]).Code())
	assert.Equal(t, entitlements.CodeAlreadyDisabled, f.manager.Disable(ctx, 1, s[0].PendingIDs[0]).Code())
}

func TestActivate_AdminIsUnlimited(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, Role: entitlements.RoleAdmin, ActiveDevices: 5, PendingDevices: 1})

	res := f.manager.Activate(context.Background(), 1, s[0].PendingIDs[0])
	require.True(t, res.OK())
	assert.True(t, res.Data.Summary.Unlimited)
	assert.True(t, res.Data.Summary.CanActivateDevice)
}

func TestActivate_ConcurrentRequestsRespectLimit(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, PendingDevices: 6})
	ctx := context.Background()

	results := make(chan entitlements.Result[DeviceResult], len(s[0].PendingIDs))
	for _, id := range s[0].PendingIDs {
		go func(id int64) { results <- f.manager.Activate(ctx, 1, id) }(id)
	}
	ok := 0
	for range s[0].PendingIDs {
		if (<-results).OK() {
			ok++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 2, storagetest.Calculator(t, f.store, 1).UsedSlots())
}

func TestSuspendAndWake_RoundTrip(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 2})
	ctx := context.Background()
	id := s[0].ActiveIDs[0]

	res := f.manager.Suspend(ctx, 1, id, "")
	require.True(t, res.OK())
	assert.True(t, res.Data.CanWake)
	assert.Equal(t, 1, res.Data.Summary.UsedSlots)
	d := res.Data.Device
	assert.Equal(t, entitlements.DeviceStatusSuspended, d.Status)
	assert.Equal(t, entitlements.ReasonUserRequested, d.SuspendedReason)
	require.NotNil(t, d.SuspendedAt)
	require.NotNil(t, d.GracePeriodEndsAt)
	assert.Equal(t, testNow.AddDate(0, 0, entitlements.DefaultGracePeriodDays), *d.GracePeriodEndsAt)
	assert.Equal(t, 1, f.notifier.Count(notify.EventDeviceSuspended))

	again := f.manager.Suspend(ctx, 1, id, "")
	assert.Equal(t, entitlements.CodeAlreadySuspended, again.Code())
	assert.True(t, again.Failure.Ignorable())

	woken := f.manager.Wake(ctx, 1, id)
	require.True(t, woken.OK())
	assert.Equal(t, entitlements.DeviceStatusActive, woken.Data.Device.Status)
	assert.Nil(t, woken.Data.Device.SuspendedAt)
	assert.Nil(t, woken.Data.Device.GracePeriodEndsAt)
	assert.Empty(t, woken.Data.Device.SuspendedReason)
	assert.Equal(t, 2, woken.Data.Summary.UsedSlots)
	assert.Equal(t, 1, f.notifier.Count(notify.EventDeviceWoken))

	assert.Equal(t, entitlements.CodeNotSuspended, f.manager.Wake(ctx, 1, id).Code())
}

func TestSuspend_ConfiguredGraceDays(t *testing.T) {
	store := storagetest.NewStore()
	s := storagetest.SeedAccount(t, store, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanPlus, ActiveDevices: 3, Now: testNow})
	m := NewManager(store, nil, Options{DefaultGraceDays: 3, Now: func() time.Time { return testNow }})
	ctx := context.Background()

	res := m.Suspend(ctx, 1, s.ActiveIDs[0], "")
	require.True(t, res.OK(), "%v", res.Failure)
	require.NotNil(t, res.Data.Device.GracePeriodEndsAt)
	assert.Equal(t, testNow.AddDate(0, 0, 3), *res.Data.Device.GracePeriodEndsAt)

	many := m.SuspendMany(ctx, 1, []int64{s.ActiveIDs[1]}, entitlements.ReasonOverLimit)
	require.True(t, many.OK())
	assert.Equal(t, testNow.AddDate(0, 0, 3), *storagetest.Device(t, store, 1, s.ActiveIDs[1]).GracePeriodEndsAt)

	err := store.InTx(ctx, 1, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		_, err = m.SuspendSelectedTx(ctx, tx, snap, []int64{s.ActiveIDs[2]}, entitlements.ReasonOverLimit, testNow)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, 3), *storagetest.Device(t, store, 1, s.ActiveIDs[2]).GracePeriodEndsAt)
}

func TestSuspend_PendingDeviceIsNotActive(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, PendingDevices: 1})
	assert.Equal(t, entitlements.CodeNotActive, f.manager.Suspend(context.Background(), 1, s[0].PendingIDs[0], "").Code())
}

func TestWake_NeedsFreeSlot(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 2, PendingDevices: 1})
	ctx := context.Background()

	require.True(t, f.manager.Suspend(ctx, 1, s[0].ActiveIDs[0], "").OK())
	require.True(t, f.manager.Activate(ctx, 1, s[0].PendingIDs[0]).OK())

	res := f.manager.Wake(ctx, 1, s[0].ActiveIDs[0])
	require.False(t, res.OK())
	assert.Equal(t, entitlements.CodeOverLimit, res.Code())
	assert.Equal(t, entitlements.DeviceStatusSuspended, storagetest.Device(t, f.store, 1, s[0].ActiveIDs[0]).Status)
}

func TestSuspendMany_PartialSuccess(t *testing.T) {
	f, s := newFixture(t,
		storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanPlus, ActiveDevices: 3, PendingDevices: 1},
		storagetest.Account{SubscriberID: 2, PlanID: storagetest.PlanBasic, ActiveDevices: 1},
	)
	ids := []int64{s[0].ActiveIDs[0], s[0].ActiveIDs[1], s[0].ActiveIDs[1], s[0].PendingIDs[0], s[1].ActiveIDs[0], 999}

	res := f.manager.SuspendMany(context.Background(), 1, ids, entitlements.ReasonOverLimit)
	require.True(t, res.OK())
	assert.Equal(t, []int64{s[0].ActiveIDs[0], s[0].ActiveIDs[1]}, res.Data.Succeeded)
	require.Len(t, res.Data.Failed, 3)
	assert.Equal(t, entitlements.CodeNotActive, res.Data.Failed[0].Code)
	assert.Equal(t, entitlements.CodeNotOwned, res.Data.Failed[1].Code)
	assert.Equal(t, entitlements.CodeNotFound, res.Data.Failed[2].Code)
	assert.Equal(t, 1, res.Data.Summary.UsedSlots)

	assert.Equal(t, entitlements.ReasonOverLimit, storagetest.Device(t, f.store, 1, s[0].ActiveIDs[1]).SuspendedReason)
	assert.Equal(t, 2, f.notifier.Count(notify.EventDeviceSuspended))
	assert.Equal(t, entitlements.DeviceStatusActive, storagetest.Device(t, f.store, 2, s[1].ActiveIDs[0]).Status)
}

func TestWakeMany(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanPlus, ActiveDevices: 4})
	ctx := context.Background()
	all := s[0].ActiveIDs
	require.True(t, f.manager.SuspendMany(ctx, 1, all[:3], "").OK())

	res := f.manager.WakeMany(ctx, 1, []int64{all[0], all[0], all[1], all[3]})
	require.True(t, res.OK(), "%v", res.Failure)
	assert.Equal(t, []int64{all[0], all[1]}, res.Data.Succeeded)
	require.Len(t, res.Data.Failed, 1)
	assert.Equal(t, all[3], res.Data.Failed[0].DeviceID)
	assert.Equal(t, entitlements.CodeNotSuspended, res.Data.Failed[0].Code)
	assert.Equal(t, 3, res.Data.Summary.UsedSlots)
	assert.Equal(t, 3, f.notifier.Count(notify.EventDeviceSuspended))
	assert.Equal(t, 2, f.notifier.Count(notify.EventDeviceWoken))
	assert.Equal(t, entitlements.DeviceStatusSuspended, storagetest.Device(t, f.store, 1, all[2]).Status)
}

func TestWakeMany_AllOrNothing(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 2, PendingDevices: 1})
	ctx := context.Background()
	ids := s[0].ActiveIDs

	require.True(t, f.manager.SuspendMany(ctx, 1, ids, "").OK())
	require.True(t, f.manager.Activate(ctx, 1, s[0].PendingIDs[0]).OK())

	res := f.manager.WakeMany(ctx, 1, ids)
	require.False(t, res.OK())
	assert.Equal(t, entitlements.CodeOverLimit, res.Code())
	assert.Equal(t, 1, res.Failure.ExcessCount)
	for _, id := range ids {
		assert.Equal(t, entitlements.DeviceStatusSuspended, storagetest.Device(t, f.store, 1, id).Status)
	}
}

func TestRegisterAndSummary(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ExtraSlots: 1})
	ctx := context.Background()

	res := f.manager.Register(ctx, 1, "living room")
	require.True(t, res.OK())
	assert.Equal(t, entitlements.DeviceStatusPending, res.Data.Device.Status)
	assert.NotZero(t, res.Data.Device.ID)
	assert.Equal(t, 1, res.Data.Summary.PendingDevices)

	summary := f.manager.Summary(ctx, 1)
	require.True(t, summary.OK())
	assert.Equal(t, 3, summary.Data.TotalSlots)
	assert.Equal(t, 2, summary.Data.BaseSlots)
	assert.Equal(t, 1, summary.Data.ExtraSlots)

	assert.Equal(t, entitlements.CodeNotFound, f.manager.Summary(ctx, 77).Code())
}

func TestNotificationFailureDoesNotFailOperation(t *testing.T) {
	f, s := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 1})
	f.notifier.Fail(assert.AnError)

	res := f.manager.Suspend(context.Background(), 1, s[0].ActiveIDs[0], entitlements.ReasonUserRequested)
	require.True(t, res.OK())
	assert.Equal(t, entitlements.DeviceStatusSuspended, storagetest.Device(t, f.store, 1, s[0].ActiveIDs[0]).Status)
}
