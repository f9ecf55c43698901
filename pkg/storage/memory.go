package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
)

// ErrReadOnly is returned when a write is attempted inside View
var ErrReadOnly = errors.New("read-only transaction")

// subscriberState holds every record owned by one subscriber
type subscriberState struct {
	subscriber   *entitlements.Subscriber
	subscription *entitlements.Subscription
	devices      map[int64]*entitlements.Device
	slots        map[int64]*entitlements.ExtraSlot
	records      []*entitlements.SuspensionRecord
}

func (st *subscriberState) clone() *subscriberState {
	out := &subscriberState{
		subscriber:   cloneSubscriber(st.subscriber),
		subscription: cloneSubscription(st.subscription),
		devices:      make(map[int64]*entitlements.Device, len(st.devices)),
		slots:        make(map[int64]*entitlements.ExtraSlot, len(st.slots)),
		records:      make([]*entitlements.SuspensionRecord, 0, len(st.records)),
	}
	for id, d := range st.devices {
		out.devices[id] = cloneDevice(d)
	}
	for id, s := range st.slots {
		out.slots[id] = cloneSlot(s)
	}
	for _, r := range st.records {
		rc := *r
		out.records = append(out.records, &rc)
	}
	return out
}

// MemoryStore is an in-process Store. Each subscriber has its own lock and
// transactions work on a copy of the subscriber's records that replaces the
// committed copy only when the transaction body succeeds.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[int64]*subscriberState
	plans  map[int64]*entitlements.Plan
	locks  map[int64]chan struct{}
	nextID int64
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[int64]*subscriberState),
		plans:  make(map[int64]*entitlements.Plan),
		locks:  make(map[int64]chan struct{}),
		nextID: 1000,
		now:    time.Now,
	}
}

func (s *MemoryStore) allocID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) lockFor(subscriberID int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[subscriberID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[subscriberID] = l
	}
	return l
}

// PutPlan adds or replaces a plan in the catalog
func (s *MemoryStore) PutPlan(plan *entitlements.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *plan
	s.plans[p.ID] = &p
}

// UpsertPlan implements PlanWriter
func (s *MemoryStore) UpsertPlan(ctx context.Context, plan *entitlements.Plan) error {
	s.PutPlan(plan)
	return nil
}

// PutSubscriber adds or replaces a subscriber
func (s *MemoryStore) PutSubscriber(sub *entitlements.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sub.ID]
	if !ok {
		st = &subscriberState{
			devices: make(map[int64]*entitlements.Device),
			slots:   make(map[int64]*entitlements.ExtraSlot),
		}
		s.states[sub.ID] = st
	}
	st.subscriber = cloneSubscriber(sub)
}

// PutSubscription sets the subscriber's subscription
func (s *MemoryStore) PutSubscription(sub *entitlements.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sub.SubscriberID]
	if !ok {
		return fmt.Errorf("subscriber %d: %w", sub.SubscriberID, ErrNotFound)
	}
	st.subscription = cloneSubscription(sub)
	return nil
}

// PutDevice adds or replaces a device
func (s *MemoryStore) PutDevice(d *entitlements.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[d.SubscriberID]
	if !ok {
		return fmt.Errorf("subscriber %d: %w", d.SubscriberID, ErrNotFound)
	}
	st.devices[d.ID] = cloneDevice(d)
	return nil
}

// PutExtraSlot adds or replaces an extra slot
func (s *MemoryStore) PutExtraSlot(subscriberID int64, slot *entitlements.ExtraSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[subscriberID]
	if !ok {
		return fmt.Errorf("subscriber %d: %w", subscriberID, ErrNotFound)
	}
	st.slots[slot.ID] = cloneSlot(slot)
	return nil
}

// SuspensionRecords returns the committed suspension records of a subscriber
func (s *MemoryStore) SuspensionRecords(subscriberID int64) []*entitlements.SuspensionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[subscriberID]
	if !ok {
		return nil
	}
	return st.clone().records
}

// InTx runs fn while holding the subscriber lock
func (s *MemoryStore) InTx(ctx context.Context, subscriberID int64, fn TxFunc) error {
	lock := s.lockFor(subscriberID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("failed to acquire subscriber lock: %w", ctx.Err())
	}
	defer func() { <-lock }()

	s.mu.RLock()
	committed, ok := s.states[subscriberID]
	var working *subscriberState
	if ok {
		working = committed.clone()
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subscriber %d: %w", subscriberID, ErrNotFound)
	}

	tx := &memoryTx{store: s, subscriberID: subscriberID, state: working}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.states[subscriberID] = working
	s.mu.Unlock()
	return nil
}

// View runs fn against a read-only copy of the committed records
func (s *MemoryStore) View(ctx context.Context, subscriberID int64, fn TxFunc) error {
	s.mu.RLock()
	committed, ok := s.states[subscriberID]
	var working *subscriberState
	if ok {
		working = committed.clone()
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subscriber %d: %w", subscriberID, ErrNotFound)
	}
	return fn(ctx, &memoryTx{store: s, subscriberID: subscriberID, state: working, readOnly: true})
}

// ListPlans returns the catalog ordered by ID
func (s *MemoryStore) ListPlans(ctx context.Context) ([]*entitlements.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans := make([]*entitlements.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		pc := *p
		plans = append(plans, &pc)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

// GetPlan returns a plan by ID
func (s *MemoryStore) GetPlan(ctx context.Context, planID int64) (*entitlements.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %d: %w", planID, ErrNotFound)
	}
	pc := *p
	return &pc, nil
}

// ListPastDueSubscriptions returns every past_due subscription
func (s *MemoryStore) ListPastDueSubscriptions(ctx context.Context) ([]*entitlements.Subscription, error) {
	return s.listSubscriptions(func(sub *entitlements.Subscription) bool {
		return sub.Status == entitlements.SubscriptionStatusPastDue
	}), nil
}

// ListScheduledChanges returns subscriptions whose scheduled change is due
func (s *MemoryStore) ListScheduledChanges(ctx context.Context, dueBefore time.Time) ([]*entitlements.Subscription, error) {
	return s.listSubscriptions(func(sub *entitlements.Subscription) bool {
		return sub.ScheduledPlanID != nil && sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.After(dueBefore)
	}), nil
}

func (s *MemoryStore) listSubscriptions(match func(*entitlements.Subscription) bool) []*entitlements.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entitlements.Subscription
	for _, st := range s.states {
		if st.subscription != nil && match(st.subscription) {
			out = append(out, cloneSubscription(st.subscription))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// findDevice looks a device up across all subscribers. Used to tell a
// missing device apart from one owned by another subscriber.
func (s *MemoryStore) findDevice(deviceID int64) (*entitlements.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.states {
		if d, ok := st.devices[deviceID]; ok {
			return cloneDevice(d), true
		}
	}
	return nil, false
}

func (s *MemoryStore) findSlot(slotID int64) (*entitlements.ExtraSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.states {
		if sl, ok := st.slots[slotID]; ok {
			return cloneSlot(sl), true
		}
	}
	return nil, false
}

type memoryTx struct {
	store        *MemoryStore
	subscriberID int64
	state        *subscriberState
	readOnly     bool
}

func (tx *memoryTx) SubscriberID() int64 {
	return tx.subscriberID
}

func (tx *memoryTx) writable() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *memoryTx) Snapshot(ctx context.Context) (*entitlements.Snapshot, error) {
	snap := &entitlements.Snapshot{
		Subscriber:   cloneSubscriber(tx.state.subscriber),
		Subscription: cloneSubscription(tx.state.subscription),
	}
	if snap.Subscription != nil {
		plan, err := tx.store.GetPlan(ctx, snap.Subscription.PlanID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		snap.Plan = plan
		for _, sl := range tx.state.slots {
			if sl.SubscriptionID == snap.Subscription.ID && sl.Status == entitlements.SlotStatusActive {
				snap.ActiveExtraSlots++
			}
		}
	}

	snap.Devices = make([]*entitlements.Device, 0, len(tx.state.devices))
	for _, d := range tx.state.devices {
		snap.Devices = append(snap.Devices, cloneDevice(d))
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	return snap, nil
}

func (tx *memoryTx) GetDevice(ctx context.Context, deviceID int64) (*entitlements.Device, error) {
	if d, ok := tx.state.devices[deviceID]; ok {
		return cloneDevice(d), nil
	}
	if d, ok := tx.store.findDevice(deviceID); ok {
		return d, nil
	}
	return nil, fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
}

func (tx *memoryTx) GetExtraSlot(ctx context.Context, slotID int64) (*entitlements.ExtraSlot, error) {
	if sl, ok := tx.state.slots[slotID]; ok {
		return cloneSlot(sl), nil
	}
	if sl, ok := tx.store.findSlot(slotID); ok {
		return sl, nil
	}
	return nil, fmt.Errorf("extra slot %d: %w", slotID, ErrNotFound)
}

func (tx *memoryTx) ListExtraSlots(ctx context.Context) ([]*entitlements.ExtraSlot, error) {
	out := make([]*entitlements.ExtraSlot, 0, len(tx.state.slots))
	for _, sl := range tx.state.slots {
		out = append(out, cloneSlot(sl))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memoryTx) GetPlan(ctx context.Context, planID int64) (*entitlements.Plan, error) {
	return tx.store.GetPlan(ctx, planID)
}

func (tx *memoryTx) CreateDevice(ctx context.Context, device *entitlements.Device) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if device.SubscriberID != tx.subscriberID {
		return fmt.Errorf("device belongs to subscriber %d, transaction holds %d", device.SubscriberID, tx.subscriberID)
	}
	now := tx.store.now()
	device.ID = tx.store.allocID()
	device.CreatedAt = now
	device.UpdatedAt = now
	tx.state.devices[device.ID] = cloneDevice(device)
	return nil
}

func (tx *memoryTx) UpdateDevice(ctx context.Context, device *entitlements.Device) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.state.devices[device.ID]; !ok {
		return fmt.Errorf("device %d: %w", device.ID, ErrNotFound)
	}
	device.UpdatedAt = tx.store.now()
	tx.state.devices[device.ID] = cloneDevice(device)
	return nil
}

func (tx *memoryTx) CreateExtraSlot(ctx context.Context, slot *entitlements.ExtraSlot) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if tx.state.subscription == nil || slot.SubscriptionID != tx.state.subscription.ID {
		return fmt.Errorf("subscription %d: %w", slot.SubscriptionID, ErrNotFound)
	}
	slot.ID = tx.store.allocID()
	if slot.ActivatedAt.IsZero() {
		slot.ActivatedAt = tx.store.now()
	}
	tx.state.slots[slot.ID] = cloneSlot(slot)
	return nil
}

func (tx *memoryTx) CancelExtraSlot(ctx context.Context, slotID int64, at time.Time) error {
	if err := tx.writable(); err != nil {
		return err
	}
	sl, ok := tx.state.slots[slotID]
	if !ok {
		return fmt.Errorf("extra slot %d: %w", slotID, ErrNotFound)
	}
	sl.Status = entitlements.SlotStatusCancelled
	sl.CancelledAt = &at
	return nil
}

func (tx *memoryTx) UpdateSubscription(ctx context.Context, sub *entitlements.Subscription) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if tx.state.subscription == nil || tx.state.subscription.ID != sub.ID {
		return fmt.Errorf("subscription %d: %w", sub.ID, ErrNotFound)
	}
	sub.UpdatedAt = tx.store.now()
	tx.state.subscription = cloneSubscription(sub)
	return nil
}

func (tx *memoryTx) UpdateSubscriberRole(ctx context.Context, role entitlements.Role) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.state.subscriber.Role = role
	tx.state.subscriber.UpdatedAt = tx.store.now()
	return nil
}

func (tx *memoryTx) CreateSuspensionRecord(ctx context.Context, record *entitlements.SuspensionRecord) error {
	if err := tx.writable(); err != nil {
		return err
	}
	record.ID = tx.store.allocID()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = tx.store.now()
	}
	rc := *record
	tx.state.records = append(tx.state.records, &rc)
	return nil
}

func (tx *memoryTx) UpdateSuspensionRecord(ctx context.Context, record *entitlements.SuspensionRecord) error {
	if err := tx.writable(); err != nil {
		return err
	}
	for _, rc := range tx.state.records {
		if rc.ID == record.ID {
			rc.Notified = record.Notified
			rc.NotificationError = record.NotificationError
			return nil
		}
	}
	return fmt.Errorf("suspension record %d: %w", record.ID, ErrNotFound)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneSubscriber(s *entitlements.Subscriber) *entitlements.Subscriber {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneSubscription(s *entitlements.Subscription) *entitlements.Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.LastPaymentFailureAt = cloneTime(s.LastPaymentFailureAt)
	if s.ScheduledPlanID != nil {
		id := *s.ScheduledPlanID
		c.ScheduledPlanID = &id
	}
	return &c
}

func cloneDevice(d *entitlements.Device) *entitlements.Device {
	if d == nil {
		return nil
	}
	c := *d
	c.SuspendedAt = cloneTime(d.SuspendedAt)
	c.GracePeriodEndsAt = cloneTime(d.GracePeriodEndsAt)
	c.LastConnectedAt = cloneTime(d.LastConnectedAt)
	return &c
}

func cloneSlot(s *entitlements.ExtraSlot) *entitlements.ExtraSlot {
	if s == nil {
		return nil
	}
	c := *s
	c.CancelledAt = cloneTime(s.CancelledAt)
	return &c
}
