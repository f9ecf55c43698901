// Package storagetest seeds in-memory stores for tests of the entitlement
// managers.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

// Catalog plan IDs
const (
	PlanBasic  int64 = 1 // 2 devices
	PlanPlus   int64 = 2 // 4 devices
	PlanFamily int64 = 3 // 6 devices
	PlanMax    int64 = 4 // 10 devices
)

// Plans is the test catalog
func Plans() []*entitlements.Plan {
	return []*entitlements.Plan{
		{ID: PlanBasic, Slug: "basic", Name: "Basic", DeviceLimit: 2, MonthlyPriceCents: 500, YearlyPriceCents: 5000, Tier: entitlements.RoleUser},
		{ID: PlanPlus, Slug: "plus", Name: "Plus", DeviceLimit: 4, MonthlyPriceCents: 1000, YearlyPriceCents: 10000, Tier: entitlements.RolePro},
		{ID: PlanFamily, Slug: "family", Name: "Family", DeviceLimit: 6, MonthlyPriceCents: 1500, YearlyPriceCents: 15000, GracePeriodDays: 14, Tier: entitlements.RolePro},
		{ID: PlanMax, Slug: "max", Name: "Max", DeviceLimit: 10, MonthlyPriceCents: 3000, YearlyPriceCents: 30000, Tier: entitlements.RoleEnterprise},
	}
}

// NewStore returns a memory store holding the test catalog
func NewStore() *storage.MemoryStore {
	s := storage.NewMemoryStore()
	for _, p := range Plans() {
		s.PutPlan(p)
	}
	return s
}

// Account describes a subscriber to seed
type Account struct {
	SubscriberID int64
	Role         entitlements.Role
	// PlanID of zero seeds no subscription
	PlanID         int64
	Status         entitlements.SubscriptionStatus
	Interval       entitlements.BillingInterval
	ActiveDevices  int
	PendingDevices int
	ExtraSlots     int
	PeriodEnd      *time.Time
	Now            time.Time
}

// Seeded holds the IDs created for an account
type Seeded struct {
	SubscriberID   int64
	SubscriptionID int64
	ActiveIDs      []int64
	PendingIDs     []int64
	SlotIDs        []int64
}

// SeedAccount writes an account into the store. Device i was created i+1
// months before Now and has never connected; slot IDs follow device IDs.
func SeedAccount(t testing.TB, s *storage.MemoryStore, a Account) Seeded {
	t.Helper()
	if a.Role == "" {
		a.Role = entitlements.RoleUser
	}
	if a.Status == "" {
		a.Status = entitlements.SubscriptionStatusActive
	}
	if a.Interval == "" {
		a.Interval = entitlements.IntervalMonthly
	}
	if a.Now.IsZero() {
		a.Now = time.Now()
	}

	out := Seeded{SubscriberID: a.SubscriberID}
	s.PutSubscriber(&entitlements.Subscriber{ID: a.SubscriberID, Email: "owner@example.com", Role: a.Role, CreatedAt: a.Now})

	if a.PlanID != 0 {
		out.SubscriptionID = a.SubscriberID * 10
		start := a.Now.AddDate(0, 0, -10)
		end := start.AddDate(0, 1, 0)
		if a.PeriodEnd != nil {
			end = *a.PeriodEnd
		}
		require.NoError(t, s.PutSubscription(&entitlements.Subscription{
			ID:                 out.SubscriptionID,
			SubscriberID:       a.SubscriberID,
			PlanID:             a.PlanID,
			Status:             a.Status,
			Interval:           a.Interval,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
			CreatedAt:          start,
			UpdatedAt:          start,
		}))
	}

	next := a.SubscriberID * 100
	for i := 0; i < a.ActiveDevices+a.PendingDevices; i++ {
		next++
		status := entitlements.DeviceStatusActive
		if i >= a.ActiveDevices {
			status = entitlements.DeviceStatusPending
		}
		require.NoError(t, s.PutDevice(&entitlements.Device{
			ID:           next,
			SubscriberID: a.SubscriberID,
			Status:       status,
			CreatedAt:    a.Now.AddDate(0, -(i + 1), 0),
			UpdatedAt:    a.Now,
		}))
		if status == entitlements.DeviceStatusActive {
			out.ActiveIDs = append(out.ActiveIDs, next)
		} else {
			out.PendingIDs = append(out.PendingIDs, next)
		}
	}

	for i := 0; i < a.ExtraSlots; i++ {
		next++
		require.NoError(t, s.PutExtraSlot(a.SubscriberID, &entitlements.ExtraSlot{
			ID:               next,
			SubscriptionID:   out.SubscriptionID,
			Status:           entitlements.SlotStatusActive,
			MonthlyCostCents: 500,
			ActivatedAt:      a.Now,
		}))
		out.SlotIDs = append(out.SlotIDs, next)
	}
	return out
}

// Snapshot reads the committed snapshot of a subscriber
func Snapshot(t testing.TB, s storage.Store, subscriberID int64) *entitlements.Snapshot {
	t.Helper()
	var snap *entitlements.Snapshot
	require.NoError(t, s.View(context.Background(), subscriberID, func(ctx context.Context, tx storage.Tx) error {
		var err error
		snap, err = tx.Snapshot(ctx)
		return err
	}))
	return snap
}

// Calculator returns a calculator over the committed snapshot
func Calculator(t testing.TB, s storage.Store, subscriberID int64) *entitlements.Calculator {
	t.Helper()
	return entitlements.NewCalculator(Snapshot(t, s, subscriberID))
}

// Device reads one committed device of a subscriber
func Device(t testing.TB, s storage.Store, subscriberID, deviceID int64) *entitlements.Device {
	t.Helper()
	d := Snapshot(t, s, subscriberID).Device(deviceID)
	require.NotNil(t, d, "device %d of subscriber %d", deviceID, subscriberID)
	return d
}

// Slots reads the extra slots of a subscriber
func Slots(t testing.TB, s storage.Store, subscriberID int64) []*entitlements.ExtraSlot {
	t.Helper()
	var slots []*entitlements.ExtraSlot
	require.NoError(t, s.View(context.Background(), subscriberID, func(ctx context.Context, tx storage.Tx) error {
		var err error
		slots, err = tx.ListExtraSlots(ctx)
		return err
	}))
	return slots
}
