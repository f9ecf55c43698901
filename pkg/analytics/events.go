package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/async"
)

// Event names
const (
	EventDeviceRegistered      = "device_registered"
	EventDeviceActivated       = "device_activated"
	EventDeviceSuspended       = "device_suspended"
	EventDeviceWoken           = "device_woken"
	EventDeviceDisabled        = "device_disabled"
	EventExtraSlotPurchased    = "extra_slot_purchased"
	EventExtraSlotCancelled    = "extra_slot_cancelled"
	EventOverLimitResolved     = "over_limit_resolved"
	EventPlanChanged           = "plan_changed"
	EventPlanChangeScheduled   = "plan_change_scheduled"
	EventPaymentFailed         = "payment_failed"
	EventPaymentRecovered      = "payment_recovered"
	EventSubscriptionSuspended = "subscription_suspended"
)

// trackTimeout bounds a single background insert
const trackTimeout = 5 * time.Second

// Tracker records analytics events. Track never blocks the caller and never
// fails the operation that produced the event.
type Tracker interface {
	Track(ctx context.Context, subscriberID int64, event string, props map[string]interface{})
}

// SQLTracker inserts events into the analytics_events table
type SQLTracker struct {
	db *sql.DB
}

// NewSQLTracker creates a new SQL event tracker
func NewSQLTracker(db *sql.DB) *SQLTracker {
	return &SQLTracker{db: db}
}

// Record inserts an event synchronously
func (t *SQLTracker) Record(ctx context.Context, subscriberID int64, event string, props map[string]interface{}) error {
	if props == nil {
		props = map[string]interface{}{}
	}
	encoded, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to encode event properties: %w", err)
	}

	query := `INSERT INTO analytics_events (subscriber_id, event_type, properties) VALUES ($1, $2, $3)`
	if _, err := t.db.ExecContext(ctx, query, subscriberID, event, encoded); err != nil {
		return fmt.Errorf("failed to record %s event: %w", event, err)
	}
	return nil
}

// Track records the event in the background. The insert is detached from
// ctx cancellation so it survives the end of the calling request.
func (t *SQLTracker) Track(ctx context.Context, subscriberID int64, event string, props map[string]interface{}) {
	async.SafeGo(context.WithoutCancel(ctx), trackTimeout, "analytics "+event, func(ctx context.Context) error {
		return t.Record(ctx, subscriberID, event, props)
	})
}

// NopTracker discards every event
type NopTracker struct{}

// Track does nothing
func (NopTracker) Track(context.Context, int64, string, map[string]interface{}) {}

// TrackedEvent is an event captured by a Recorder
type TrackedEvent struct {
	SubscriberID int64
	Event        string
	Props        map[string]interface{}
}

// Recorder keeps tracked events in memory
type Recorder struct {
	mu     sync.Mutex
	events []TrackedEvent
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Track records the event
func (r *Recorder) Track(_ context.Context, subscriberID int64, event string, props map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, TrackedEvent{SubscriberID: subscriberID, Event: event, Props: props})
}

// Events returns the recorded events
func (r *Recorder) Events() []TrackedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TrackedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events with the given name were recorded
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}
