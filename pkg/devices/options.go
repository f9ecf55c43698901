package devices

import (
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
)

// DefaultSlotCostCents is the monthly price of one extra slot
const DefaultSlotCostCents int64 = 500

// Options carries the collaborators and tuning shared by the entitlement
// managers. The zero value is usable: missing collaborators are replaced by
// no-op implementations.
type Options struct {
	Notifier       notify.Dispatcher
	Tracker        analytics.Tracker
	Metrics        *observability.Metrics
	Logger         *observability.Logger
	SlotCostCents  int64
	CandidateOrder entitlements.CandidateOrder
	// DefaultGraceDays starts the suspension deadline of devices on plans
	// without a grace period of their own
	DefaultGraceDays int
	Now              func() time.Time
}

// WithDefaults fills every unset option
func (o Options) WithDefaults() Options {
	if o.Notifier == nil {
		o.Notifier = notify.NewLogDispatcher(o.Logger)
	}
	if o.Tracker == nil {
		o.Tracker = analytics.NopTracker{}
	}
	if o.Logger == nil {
		o.Logger = observability.NopLogger()
	}
	if o.SlotCostCents <= 0 {
		o.SlotCostCents = DefaultSlotCostCents
	}
	if o.DefaultGraceDays <= 0 {
		o.DefaultGraceDays = entitlements.DefaultGracePeriodDays
	}
	if o.CandidateOrder == "" {
		o.CandidateOrder = entitlements.OrderAscending
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
