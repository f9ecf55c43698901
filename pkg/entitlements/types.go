package entitlements

import "time"

// Unlimited marks a slot count with no upper bound (-1 chosen for SQL compatibility)
const Unlimited = -1

// DefaultGracePeriodDays applies when a plan does not set its own grace period
const DefaultGracePeriodDays = 7

// Role represents a subscriber role tier
type Role string

const (
	RoleUser       Role = "user"
	RolePro        Role = "pro"
	RoleEnterprise Role = "enterprise"
	RoleAdmin      Role = "admin"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled  SubscriptionStatus = "canceled"
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
)

// BillingInterval represents the billing frequency of a subscription
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// DeviceStatus represents the lifecycle state of a device
type DeviceStatus string

const (
	DeviceStatusPending   DeviceStatus = "pending"
	DeviceStatusActive    DeviceStatus = "active"
	DeviceStatusSuspended DeviceStatus = "suspended"
	DeviceStatusDisabled  DeviceStatus = "disabled"
)

// SlotStatus represents the status of a purchased extra slot
type SlotStatus string

const (
	SlotStatusActive    SlotStatus = "active"
	SlotStatusCancelled SlotStatus = "cancelled"
)

// SuspendReason explains why a device was suspended
type SuspendReason string

const (
	ReasonUserRequested      SuspendReason = "user_requested"
	ReasonPlanDowngrade      SuspendReason = "plan_downgrade"
	ReasonExtraSlotCancelled SuspendReason = "extra_slot_cancelled"
	ReasonOverLimit          SuspendReason = "over_limit_resolution"
	ReasonGraceExpired       SuspendReason = "payment_failure_grace_period_expired"
)

// AutoWakeable reports whether devices suspended for this reason are woken
// automatically when capacity is added back.
func (r SuspendReason) AutoWakeable() bool {
	switch r {
	case ReasonPlanDowngrade, ReasonExtraSlotCancelled, ReasonOverLimit:
		return true
	}
	return false
}

// Subscriber owns devices and at most one subscription
type Subscriber struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAdmin reports whether the subscriber has unlimited entitlement
func (s *Subscriber) IsAdmin() bool {
	return s != nil && s.Role == RoleAdmin
}

// Plan defines the base entitlement and pricing of a subscription
type Plan struct {
	ID                int64  `json:"id" yaml:"id"`
	Slug              string `json:"slug" yaml:"slug"`
	Name              string `json:"name" yaml:"name"`
	DeviceLimit       int    `json:"device_limit" yaml:"device_limit"`
	MonthlyPriceCents int64  `json:"monthly_price_cents" yaml:"monthly_price_cents"`
	YearlyPriceCents  int64  `json:"yearly_price_cents" yaml:"yearly_price_cents"`
	GracePeriodDays   int    `json:"grace_period_days,omitempty" yaml:"grace_period_days"`
	Tier              Role   `json:"tier" yaml:"tier"`
}

// GraceDays returns the plan grace period, or fallback for plans without
// one. A fallback of zero means DefaultGracePeriodDays.
func (p *Plan) GraceDays(fallback int) int {
	if p != nil && p.GracePeriodDays > 0 {
		return p.GracePeriodDays
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultGracePeriodDays
}

// PriceCents returns the recurring price for the given interval
func (p *Plan) PriceCents(interval BillingInterval) int64 {
	if p == nil {
		return 0
	}
	if interval == IntervalYearly {
		return p.YearlyPriceCents
	}
	return p.MonthlyPriceCents
}

// Subscription references a plan and carries billing state
type Subscription struct {
	ID                   int64              `json:"id"`
	SubscriberID         int64              `json:"subscriber_id"`
	PlanID               int64              `json:"plan_id"`
	Status               SubscriptionStatus `json:"status"`
	Interval             BillingInterval    `json:"interval"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	LastPaymentFailureAt *time.Time         `json:"last_payment_failure_at,omitempty"`
	ScheduledPlanID      *int64             `json:"scheduled_plan_id,omitempty"`
	ScheduledInterval    BillingInterval    `json:"scheduled_interval,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// IsActive reports whether the subscription is in good standing
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == SubscriptionStatusActive
}

// ExtraSlot is one purchased unit of additional capacity
type ExtraSlot struct {
	ID               int64      `json:"id"`
	SubscriptionID   int64      `json:"subscription_id"`
	Status           SlotStatus `json:"status"`
	MonthlyCostCents int64      `json:"monthly_cost_cents"`
	ActivatedAt      time.Time  `json:"activated_at"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

// Device is a subscriber device that may consume a slot
type Device struct {
	ID                int64         `json:"id"`
	SubscriberID      int64         `json:"subscriber_id"`
	Name              string        `json:"name"`
	Status            DeviceStatus  `json:"status"`
	SuspendedReason   SuspendReason `json:"suspended_reason,omitempty"`
	SuspendedAt       *time.Time    `json:"suspended_at,omitempty"`
	GracePeriodEndsAt *time.Time    `json:"grace_period_ends_at,omitempty"`
	LastConnectedAt   *time.Time    `json:"last_connected_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Operational reports whether the device consumes a slot
func (d *Device) Operational() bool {
	return d != nil && d.Status == DeviceStatusActive
}

// ClearSuspension resets the suspension fields
func (d *Device) ClearSuspension() {
	d.SuspendedReason = ""
	d.SuspendedAt = nil
	d.GracePeriodEndsAt = nil
}

// SuspensionRecord captures the outcome of a bulk suspension workflow
type SuspensionRecord struct {
	ID                int64         `json:"id"`
	SubscriptionID    int64         `json:"subscription_id"`
	Reason            SuspendReason `json:"reason"`
	DevicesSuspended  int           `json:"devices_suspended"`
	Notified          bool          `json:"notified"`
	NotificationError string        `json:"notification_error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Snapshot is a consistent view of a subscriber's entitlement records,
// loaded once per transaction.
type Snapshot struct {
	Subscriber       *Subscriber
	Subscription     *Subscription
	Plan             *Plan
	ActiveExtraSlots int
	Devices          []*Device
}

// Device returns the snapshot device with the given ID, or nil
func (s *Snapshot) Device(id int64) *Device {
	for _, d := range s.Devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// OperationalDevices returns the devices currently consuming a slot
func (s *Snapshot) OperationalDevices() []*Device {
	var out []*Device
	for _, d := range s.Devices {
		if d.Operational() {
			out = append(out, d)
		}
	}
	return out
}
