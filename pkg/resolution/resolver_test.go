package resolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/devices"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/extraslots"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/plans"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
	"github.com/platinummonkey/slotkeeper/pkg/storage/storagetest"
	"github.com/platinummonkey/slotkeeper/pkg/tasks"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.MemoryStore
	resolver *Resolver
	notifier *notify.Recorder
	tracker  *analytics.Recorder
}

func newFixture(t *testing.T, accounts ...storagetest.Account) (*fixture, []storagetest.Seeded) {
	t.Helper()
	f := &fixture{
		store:    storagetest.NewStore(),
		notifier: notify.NewRecorder(),
		tracker:  analytics.NewRecorder(),
	}
	var seeded []storagetest.Seeded
	for _, a := range accounts {
		a.Now = testNow
		seeded = append(seeded, storagetest.SeedAccount(t, f.store, a))
	}
	dm := devices.NewManager(f.store, nil, devices.Options{
		Notifier: f.notifier,
		Tracker:  f.tracker,
		Now:      func() time.Time { return testNow },
	})
	sm := extraslots.NewManager(f.store, dm)
	orch := plans.NewOrchestrator(f.store, dm, sm, tasks.NewRecorder())
	f.resolver = NewResolver(f.store, dm, sm, orch)
	return f, seeded
}

func TestOptions(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 3})

	res := f.resolver.Options(context.Background(), 1)
	require.True(t, res.OK(), "%v", res.Failure)
	menu := res.Data
	assert.Equal(t, 1, menu.Excess)

	kinds := make([]entitlements.StrategyKind, 0, len(menu.Strategies))
	for _, s := range menu.Strategies {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []entitlements.StrategyKind{
		entitlements.StrategySuspendDevices,
		entitlements.StrategyBuyExtraSlots,
		entitlements.StrategyUpgradePlan,
	}, kinds)

	upgrade, ok := menu.Find(entitlements.StrategyUpgradePlan)
	require.True(t, ok)
	assert.Equal(t, storagetest.PlanPlus, upgrade.TargetPlan.ID)
	assert.Equal(t, entitlements.StrategyBuyExtraSlots, menu.Recommended, "ties keep menu order")
}

func TestOptions_WithinLimit(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanPlus, ActiveDevices: 2})

	res := f.resolver.Options(context.Background(), 1)
	require.True(t, res.OK())
	assert.Equal(t, 0, res.Data.Excess)
	assert.Empty(t, res.Data.Strategies)
}

func TestExecute_SuspendDevices(t *testing.T) {
	f, seeded := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 4})
	ids := seeded[0].ActiveIDs

	t.Run("wrong count", func(t *testing.T) {
		res := f.resolver.Execute(context.Background(), 1, entitlements.StrategySuspendDevices, ExecuteOptions{DeviceIDs: ids[:1]})
		assert.Equal(t, entitlements.CodeSelectionMismatch, res.Code())
		assert.Equal(t, 2, res.Failure.ExcessCount)
		assert.Equal(t, 4, storagetest.Calculator(t, f.store, 1).UsedSlots())
	})

	t.Run("exact selection", func(t *testing.T) {
		res := f.resolver.Execute(context.Background(), 1, entitlements.StrategySuspendDevices, ExecuteOptions{DeviceIDs: ids[:2]})
		require.True(t, res.OK(), "%v", res.Failure)
		assert.Equal(t, 2, res.Data.ResolvedExcess)
		assert.ElementsMatch(t, ids[:2], res.Data.SuspendedDevices)
		assert.Equal(t, 2, res.Data.Summary.UsedSlots)
		assert.Equal(t, 2, res.Data.Summary.TotalSlots)
		assert.False(t, res.Data.Summary.OverLimit)

		d := storagetest.Device(t, f.store, 1, ids[0])
		assert.Equal(t, entitlements.DeviceStatusSuspended, d.Status)
		assert.Equal(t, entitlements.ReasonOverLimit, d.SuspendedReason)
		assert.Equal(t, 1, f.notifier.Count(notify.EventOverLimitResolved))
		assert.Equal(t, 2, f.notifier.Count(notify.EventDeviceSuspended))
		assert.Equal(t, 1, f.tracker.Count(analytics.EventOverLimitResolved))
	})

	t.Run("already resolved", func(t *testing.T) {
		res := f.resolver.Execute(context.Background(), 1, entitlements.StrategySuspendDevices, ExecuteOptions{DeviceIDs: ids[:2]})
		require.True(t, res.OK())
		assert.Equal(t, 0, res.Data.ResolvedExcess)
		assert.Equal(t, 1, f.notifier.Count(notify.EventOverLimitResolved))
	})
}

func TestExecute_SuspendInvalidDeviceRollsBack(t *testing.T) {
	f, seeded := newFixture(t,
		storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 4},
		storagetest.Account{SubscriberID: 2, PlanID: storagetest.PlanBasic, ActiveDevices: 1},
	)
	selection := []int64{seeded[0].ActiveIDs[0], seeded[1].ActiveIDs[0]}

	res := f.resolver.Execute(context.Background(), 1, entitlements.StrategySuspendDevices, ExecuteOptions{DeviceIDs: selection})
	assert.Equal(t, entitlements.CodeInvalidSelection, res.Code())
	assert.Equal(t, entitlements.DeviceStatusActive, storagetest.Device(t, f.store, 1, seeded[0].ActiveIDs[0]).Status)
	assert.Zero(t, f.notifier.Count(notify.EventDeviceSuspended))
}

func TestExecute_BuyExtraSlots(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 4})

	res := f.resolver.Execute(context.Background(), 1, entitlements.StrategyBuyExtraSlots, ExecuteOptions{})
	require.True(t, res.OK(), "%v", res.Failure)
	assert.Equal(t, 2, res.Data.SlotsPurchased)
	assert.Equal(t, 4, res.Data.Summary.TotalSlots)
	assert.Len(t, storagetest.Slots(t, f.store, 1), 2)
	assert.Equal(t, 1, f.notifier.Count(notify.EventBillingSlotPurchased))
}

func TestExecute_BuyNeedsActiveSubscription(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{
		SubscriberID:  1,
		PlanID:        storagetest.PlanBasic,
		Status:        entitlements.SubscriptionStatusPastDue,
		ActiveDevices: 3,
	})

	res := f.resolver.Execute(context.Background(), 1, entitlements.StrategyBuyExtraSlots, ExecuteOptions{})
	require.Equal(t, entitlements.CodeStrategyUnavailable, res.Code())
	require.NotNil(t, res.Failure.Resolution)
	_, ok := res.Failure.Resolution.Find(entitlements.StrategySuspendDevices)
	assert.True(t, ok)
	assert.Empty(t, storagetest.Slots(t, f.store, 1))
}

func TestExecute_InactiveSubscription(t *testing.T) {
	// Max (10) with 5 active devices; the user fallback of 2 applies until
	// the subscription is active again
	statuses := []entitlements.SubscriptionStatus{
		entitlements.SubscriptionStatusPastDue,
		entitlements.SubscriptionStatusSuspended,
		entitlements.SubscriptionStatusPending,
		entitlements.SubscriptionStatusCanceled,
	}
	paid := []struct {
		name     string
		strategy entitlements.StrategyKind
		opts     ExecuteOptions
	}{
		{"upgrade", entitlements.StrategyUpgradePlan, ExecuteOptions{}},
		{"upgrade to a smaller plan", entitlements.StrategyUpgradePlan, ExecuteOptions{PlanID: storagetest.PlanFamily}},
		{"hybrid", entitlements.StrategyHybrid, ExecuteOptions{PlanID: storagetest.PlanFamily}},
		{"buy extra slots", entitlements.StrategyBuyExtraSlots, ExecuteOptions{}},
	}

	for _, status := range statuses {
		account := storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanMax, Status: status, ActiveDevices: 5}

		t.Run(string(status), func(t *testing.T) {
			f, _ := newFixture(t, account)
			res := f.resolver.Options(context.Background(), 1)
			require.True(t, res.OK(), "%v", res.Failure)
			assert.Equal(t, 3, res.Data.Excess)
			require.Len(t, res.Data.Strategies, 1)
			assert.Equal(t, entitlements.StrategySuspendDevices, res.Data.Recommended)

			for _, tt := range paid {
				t.Run(tt.name, func(t *testing.T) {
					res := f.resolver.Execute(context.Background(), 1, tt.strategy, tt.opts)
					assert.Equal(t, entitlements.CodeStrategyUnavailable, res.Code())

					snap := storagetest.Snapshot(t, f.store, 1)
					assert.Equal(t, storagetest.PlanMax, snap.Subscription.PlanID)
					assert.Equal(t, entitlements.RoleUser, snap.Subscriber.Role)
					assert.Empty(t, storagetest.Slots(t, f.store, 1))
					assert.Zero(t, f.notifier.Count(notify.EventPlanChanged))
				})
			}

			t.Run("suspension resolves the excess", func(t *testing.T) {
				f, seeded := newFixture(t, account)
				res := f.resolver.Execute(context.Background(), 1, entitlements.StrategySuspendDevices,
					ExecuteOptions{DeviceIDs: seeded[0].ActiveIDs[:3]})
				require.True(t, res.OK(), "%v", res.Failure)
				assert.Equal(t, 2, res.Data.Summary.UsedSlots)
				assert.Equal(t, 2, res.Data.Summary.TotalSlots)
				assert.False(t, storagetest.Calculator(t, f.store, 1).OverLimit())
			})
		})
	}
}

func TestExecute_UpgradePlan(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 3})

	res := f.resolver.Execute(context.Background(), 1, entitlements.StrategyUpgradePlan, ExecuteOptions{})
	require.True(t, res.OK(), "%v", res.Failure)
	require.NotNil(t, res.Data.Plan)
	assert.Equal(t, storagetest.PlanPlus, res.Data.Plan.ID)
	assert.Equal(t, 4, res.Data.Summary.TotalSlots)

	snap := storagetest.Snapshot(t, f.store, 1)
	assert.Equal(t, storagetest.PlanPlus, snap.Subscription.PlanID)
	assert.Equal(t, entitlements.RolePro, snap.Subscriber.Role)
	assert.Equal(t, 1, f.notifier.Count(notify.EventPlanChanged))
	assert.Equal(t, 1, f.notifier.Count(notify.EventOverLimitResolved))
}

func TestExecute_UpgradeToChosenPlan(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 3})

	res := f.resolver.Execute(context.Background(), 1, entitlements.StrategyUpgradePlan, ExecuteOptions{PlanID: storagetest.PlanMax})
	require.True(t, res.OK(), "%v", res.Failure)
	assert.Equal(t, storagetest.PlanMax, res.Data.Plan.ID)

	t.Run("plan that does not cover usage", func(t *testing.T) {
		f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 5})
		res := f.resolver.Execute(context.Background(), 1, entitlements.StrategyUpgradePlan, ExecuteOptions{PlanID: storagetest.PlanPlus})
		assert.Equal(t, entitlements.CodeStrategyUnavailable, res.Code())
		assert.Equal(t, storagetest.PlanBasic, storagetest.Snapshot(t, f.store, 1).Subscription.PlanID)
	})

	t.Run("unknown plan", func(t *testing.T) {
		res := f.resolver.Execute(context.Background(), 1, entitlements.StrategyUpgradePlan, ExecuteOptions{PlanID: 77})
		assert.Equal(t, entitlements.CodePlanNotFound, res.Code())
	})
}

func TestExecute_Hybrid(t *testing.T) {
	// Basic (2) with 7 active: Family (6) plus one slot beats Max (10)
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 7})

	options := f.resolver.Options(context.Background(), 1)
	require.True(t, options.OK())
	hybrid, ok := options.Data.Find(entitlements.StrategyHybrid)
	require.True(t, ok)
	assert.Equal(t, storagetest.PlanFamily, hybrid.TargetPlan.ID)
	assert.Equal(t, 1, hybrid.SlotsToBuy)
	assert.Equal(t, int64(1500-500+500), hybrid.CostCents)
	assert.Equal(t, entitlements.StrategyHybrid, options.Data.Recommended)

	res := f.resolver.Execute(context.Background(), 1, entitlements.StrategyHybrid, ExecuteOptions{})
	require.True(t, res.OK(), "%v", res.Failure)
	assert.Equal(t, storagetest.PlanFamily, res.Data.Plan.ID)
	assert.Equal(t, 1, res.Data.SlotsPurchased)
	assert.Equal(t, 7, res.Data.Summary.TotalSlots)
	assert.Equal(t, 7, res.Data.Summary.UsedSlots)
	assert.Len(t, storagetest.Slots(t, f.store, 1), 1)
}

func TestExecute_HybridUnavailable(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 3})

	res := f.resolver.Execute(context.Background(), 1, entitlements.StrategyHybrid, ExecuteOptions{})
	assert.Equal(t, entitlements.CodeStrategyUnavailable, res.Code())
}

func TestExecute_StrategyValidation(t *testing.T) {
	f, _ := newFixture(t, storagetest.Account{SubscriberID: 1, PlanID: storagetest.PlanBasic, ActiveDevices: 3})

	res := f.resolver.Execute(context.Background(), 1, "", ExecuteOptions{})
	assert.Equal(t, entitlements.CodeStrategyRequired, res.Code())

	res = f.resolver.Execute(context.Background(), 1, "delete_everything", ExecuteOptions{})
	assert.Equal(t, entitlements.CodeInvalidStrategy, res.Code())
}
