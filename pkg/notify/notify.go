package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/slotkeeper/pkg/observability"
)

// EventType represents the type of notification event
type EventType string

const (
	EventDeviceActivated         EventType = "device.activated"
	EventDeviceSuspended         EventType = "device.suspended"
	EventDeviceWoken             EventType = "device.woken"
	EventDeviceDisabled          EventType = "device.disabled"
	EventSubscriptionPastDue     EventType = "subscription.past_due"
	EventSubscriptionRecovered   EventType = "subscription.recovered"
	EventSubscriptionSuspended   EventType = "subscription.suspended"
	EventPlanChanged             EventType = "plan.changed"
	EventPlanChangeScheduled     EventType = "plan.change_scheduled"
	EventOverLimitResolved       EventType = "over_limit.resolved"
	EventBillingSlotPurchased    EventType = "billing.extra_slot_purchased"
	EventBillingSlotCancelled    EventType = "billing.extra_slot_cancelled"
	EventBillingPlanChangeCharge EventType = "billing.plan_change"
)

// Payload is the body of a notification
type Payload struct {
	SubscriberID int64                  `json:"subscriber_id"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Event is a notification as delivered on the wire
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload
}

// SendResult reports how a notification fared. Delivery failures never
// surface as errors to callers; they are recorded here instead.
type SendResult struct {
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// Err returns the delivery error, or nil on success
func (r SendResult) Err() error {
	if r.Delivered || r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// Dispatcher delivers notifications on a best-effort basis
type Dispatcher interface {
	Send(ctx context.Context, eventType EventType, payload Payload) SendResult
}

// LogDispatcher writes every notification to the logger
type LogDispatcher struct {
	logger *observability.Logger
}

// NewLogDispatcher creates a dispatcher that only logs
func NewLogDispatcher(logger *observability.Logger) *LogDispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogDispatcher{logger: logger.WithField("component", "notify")}
}

// Send logs the notification
func (d *LogDispatcher) Send(ctx context.Context, eventType EventType, payload Payload) SendResult {
	d.logger.WithFields(map[string]interface{}{
		"event":         string(eventType),
		"subscriber_id": payload.SubscriberID,
		"data":          payload.Data,
	}).Info("notification")
	return SendResult{Delivered: true, Attempts: 1}
}

// MultiDispatcher fans a notification out to several dispatchers in parallel.
// It reports delivered only when every dispatcher delivered.
type MultiDispatcher struct {
	dispatchers []Dispatcher
}

// NewMultiDispatcher combines dispatchers
func NewMultiDispatcher(dispatchers ...Dispatcher) *MultiDispatcher {
	return &MultiDispatcher{dispatchers: dispatchers}
}

// Send delivers to every dispatcher and merges the results
func (m *MultiDispatcher) Send(ctx context.Context, eventType EventType, payload Payload) SendResult {
	results := make([]SendResult, len(m.dispatchers))

	var g errgroup.Group
	for i, d := range m.dispatchers {
		g.Go(func() error {
			results[i] = d.Send(ctx, eventType, payload)
			return nil
		})
	}
	_ = g.Wait()

	merged := SendResult{Delivered: true}
	var errs []error
	for _, r := range results {
		merged.Attempts += r.Attempts
		if !r.Delivered {
			merged.Delivered = false
			errs = append(errs, r.Err())
		}
	}
	if err := errors.Join(errs...); err != nil {
		merged.Error = err.Error()
	}
	return merged
}

// Recorder keeps every notification in memory. Tests use it to assert on
// what was sent; Fail makes subsequent sends report a failure.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records the notification
func (r *Recorder) Send(ctx context.Context, eventType EventType, payload Payload) SendResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Timestamp: time.Now(), Payload: payload})
	if r.fail != nil {
		return SendResult{Attempts: 1, Error: r.fail.Error()}
	}
	return SendResult{Delivered: true, Attempts: 1}
}

// Fail makes every following send fail with err; nil restores success
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// Events returns the recorded notifications
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many notifications of the given type were recorded
func (r *Recorder) Count(eventType EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
