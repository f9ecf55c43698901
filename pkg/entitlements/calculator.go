package entitlements

// Role fallback base slots used when there is no active subscription
const (
	FallbackSlotsPro     = 4
	FallbackSlotsDefault = 2
)

// Calculator derives slot accounting from a snapshot. It never re-reads
// storage, so it is safe to call repeatedly inside one transaction.
type Calculator struct {
	snap *Snapshot
}

// NewCalculator creates a calculator over the given snapshot
func NewCalculator(snap *Snapshot) *Calculator {
	if snap == nil {
		snap = &Snapshot{}
	}
	return &Calculator{snap: snap}
}

// Snapshot returns the underlying snapshot
func (c *Calculator) Snapshot() *Snapshot {
	return c.snap
}

func (c *Calculator) isAdmin() bool {
	return c.snap.Subscriber.IsAdmin()
}

// BaseSlots returns the entitlement granted by the active plan or by role
func (c *Calculator) BaseSlots() int {
	if c.snap.Subscription.IsActive() && c.snap.Plan != nil {
		return c.snap.Plan.DeviceLimit
	}

	var role Role
	if c.snap.Subscriber != nil {
		role = c.snap.Subscriber.Role
	}
	switch role {
	case RoleAdmin, RoleEnterprise:
		return Unlimited
	case RolePro:
		return FallbackSlotsPro
	default:
		return FallbackSlotsDefault
	}
}

// TotalSlots returns base plus active extra slots, or Unlimited
func (c *Calculator) TotalSlots() int {
	if c.isAdmin() {
		return Unlimited
	}
	base := c.BaseSlots()
	if base == Unlimited {
		return Unlimited
	}
	return base + c.snap.ActiveExtraSlots
}

// UsedSlots counts operational devices
func (c *Calculator) UsedSlots() int {
	used := 0
	for _, d := range c.snap.Devices {
		if d.Operational() {
			used++
		}
	}
	return used
}

// Unlimited reports whether the subscriber has no slot ceiling
func (c *Calculator) Unlimited() bool {
	return c.TotalSlots() == Unlimited
}

// AvailableSlots returns free slots (never negative), or Unlimited
func (c *Calculator) AvailableSlots() int {
	if c.Unlimited() {
		return Unlimited
	}
	available := c.TotalSlots() - c.UsedSlots()
	if available < 0 {
		return 0
	}
	return available
}

// AtLimit reports whether every slot is in use
func (c *Calculator) AtLimit() bool {
	if c.Unlimited() {
		return false
	}
	return c.UsedSlots() >= c.TotalSlots()
}

// OverLimit reports whether more devices are operational than entitled
func (c *Calculator) OverLimit() bool {
	if c.Unlimited() {
		return false
	}
	return c.UsedSlots() > c.TotalSlots()
}

// OverLimitCount returns how many devices exceed the entitlement
func (c *Calculator) OverLimitCount() int {
	if !c.OverLimit() {
		return 0
	}
	return c.UsedSlots() - c.TotalSlots()
}

// CanActivateDevice reports whether one more device may become operational
func (c *Calculator) CanActivateDevice() bool {
	if c.Unlimited() {
		return true
	}
	return c.AvailableSlots() > 0
}

// HasCapacityFor reports whether n more devices may become operational
func (c *Calculator) HasCapacityFor(n int) bool {
	if c.Unlimited() {
		return true
	}
	return c.AvailableSlots() >= n
}

// Summary is the entitlement summary exposed to callers
type Summary struct {
	SubscriberID       int64  `json:"subscriber_id"`
	BaseSlots          int    `json:"base_slots"`
	ExtraSlots         int    `json:"extra_slots"`
	TotalSlots         int    `json:"total_slots"`
	UsedSlots          int    `json:"used_slots"`
	AvailableSlots     int    `json:"available_slots"`
	Unlimited          bool   `json:"unlimited"`
	AtLimit            bool   `json:"at_limit"`
	OverLimit          bool   `json:"over_limit"`
	OverLimitCount     int    `json:"over_limit_count"`
	CanActivateDevice  bool   `json:"can_activate_device"`
	SuspendedDevices   int    `json:"suspended_devices"`
	PendingDevices     int    `json:"pending_devices"`
	PlanSlug           string `json:"plan,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
}

// Summary builds a summary of the current snapshot
func (c *Calculator) Summary() Summary {
	s := Summary{
		BaseSlots:         c.BaseSlots(),
		ExtraSlots:        c.snap.ActiveExtraSlots,
		TotalSlots:        c.TotalSlots(),
		UsedSlots:         c.UsedSlots(),
		AvailableSlots:    c.AvailableSlots(),
		Unlimited:         c.Unlimited(),
		AtLimit:           c.AtLimit(),
		OverLimit:         c.OverLimit(),
		OverLimitCount:    c.OverLimitCount(),
		CanActivateDevice: c.CanActivateDevice(),
	}
	if c.snap.Subscriber != nil {
		s.SubscriberID = c.snap.Subscriber.ID
	}
	if c.snap.Plan != nil {
		s.PlanSlug = c.snap.Plan.Slug
	}
	if c.snap.Subscription != nil {
		s.SubscriptionStatus = string(c.snap.Subscription.Status)
	}
	for _, d := range c.snap.Devices {
		switch d.Status {
		case DeviceStatusSuspended:
			s.SuspendedDevices++
		case DeviceStatusPending:
			s.PendingDevices++
		}
	}
	return s
}
