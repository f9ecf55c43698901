package entitlements

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StrategyKind identifies an over-limit resolution strategy
type StrategyKind string

const (
	StrategySuspendDevices StrategyKind = "suspend_devices"
	StrategyBuyExtraSlots  StrategyKind = "buy_extra_slots"
	StrategyUpgradePlan    StrategyKind = "upgrade_plan"
	StrategyHybrid         StrategyKind = "hybrid"
)

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (StrategyKind, bool) {
	switch k := StrategyKind(strings.ToLower(strings.TrimSpace(s))); k {
	case StrategySuspendDevices, StrategyBuyExtraSlots, StrategyUpgradePlan, StrategyHybrid:
		return k, true
	}
	return "", false
}

// CandidateOrder controls how suspension candidates are presented
type CandidateOrder string

const (
	// OrderAscending lists the lowest priority score first
	OrderAscending CandidateOrder = "ascending"
	// OrderDescending lists the most suitable device to suspend first
	OrderDescending CandidateOrder = "descending"
)

// ParseCandidateOrder parses an order name, defaulting to ascending
func ParseCandidateOrder(s string) CandidateOrder {
	if strings.EqualFold(strings.TrimSpace(s), string(OrderDescending)) {
		return OrderDescending
	}
	return OrderAscending
}

// Suspension priority weights
const (
	scoreNeverConnected = 100
	scoreOfflineWeek    = 50
	scoreOfflineDay     = 20
	maxAgeBonus         = 10
)

// Candidate is a device offered for suspension
type Candidate struct {
	DeviceID        int64      `json:"device_id"`
	Name            string     `json:"name"`
	Score           int        `json:"score"`
	NeverConnected  bool       `json:"never_connected"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	AgeDays         int        `json:"age_days"`
}

// SuspensionPriority scores how suitable a device is to suspend; higher
// means more suitable.
func SuspensionPriority(d *Device, now time.Time) int {
	score := 0
	if d.LastConnectedAt == nil {
		score += scoreNeverConnected
	} else {
		offline := now.Sub(*d.LastConnectedAt)
		switch {
		case offline > 7*24*time.Hour:
			score += scoreOfflineWeek
		case offline > 24*time.Hour:
			score += scoreOfflineDay
		}
	}

	bonus := ageDays(d, now) / 10
	if bonus > maxAgeBonus {
		bonus = maxAgeBonus
	}
	return score + bonus
}

func ageDays(d *Device, now time.Time) int {
	if d.CreatedAt.IsZero() || d.CreatedAt.After(now) {
		return 0
	}
	return int(now.Sub(d.CreatedAt).Hours() / 24)
}

// RankCandidates scores the operational devices and orders them. Ties are
// broken by device ID so the order is deterministic.
func RankCandidates(devices []*Device, now time.Time, order CandidateOrder) []Candidate {
	candidates := make([]Candidate, 0, len(devices))
	for _, d := range devices {
		if !d.Operational() {
			continue
		}
		candidates = append(candidates, Candidate{
			DeviceID:        d.ID,
			Name:            d.Name,
			Score:           SuspensionPriority(d, now),
			NeverConnected:  d.LastConnectedAt == nil,
			LastConnectedAt: d.LastConnectedAt,
			AgeDays:         ageDays(d, now),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			if order == OrderDescending {
				return a.Score > b.Score
			}
			return a.Score < b.Score
		}
		return a.DeviceID < b.DeviceID
	})
	return candidates
}

// MostSuitableToSuspend returns the n device IDs with the highest priority score
func MostSuitableToSuspend(devices []*Device, now time.Time, n int) []int64 {
	ranked := RankCandidates(devices, now, OrderDescending)
	if n > len(ranked) {
		n = len(ranked)
	}
	ids := make([]int64, 0, n)
	for _, c := range ranked[:n] {
		ids = append(ids, c.DeviceID)
	}
	return ids
}

// Strategy is one entry of the resolution menu
type Strategy struct {
	Kind             StrategyKind `json:"kind"`
	Description      string       `json:"description"`
	DevicesToSuspend int          `json:"devices_to_suspend,omitempty"`
	Candidates       []Candidate  `json:"candidates,omitempty"`
	SlotsToBuy       int          `json:"slots_to_buy,omitempty"`
	TargetPlan       *Plan        `json:"target_plan,omitempty"`
	CostCents        int64        `json:"cost_cents"`
	Recommended      bool         `json:"recommended"`
}

// Menu is the ordered list of strategies for an excess
type Menu struct {
	Excess      int          `json:"excess"`
	Strategies  []Strategy   `json:"strategies"`
	Recommended StrategyKind `json:"recommended,omitempty"`
}

// Find returns the strategy of the given kind
func (m *Menu) Find(kind StrategyKind) (*Strategy, bool) {
	if m == nil {
		return nil, false
	}
	for i := range m.Strategies {
		if m.Strategies[i].Kind == kind {
			return &m.Strategies[i], true
		}
	}
	return nil, false
}

// MenuOptions supplies the facts the menu needs beyond the snapshot
type MenuOptions struct {
	SlotCostCents int64
	Plans         []*Plan
	Order         CandidateOrder
	Now           time.Time
}

// BuildMenu builds the ordered resolution menu for an excess of slots.
// Strategies that are not available are left out.
func BuildMenu(calc *Calculator, excess int, opts MenuOptions) *Menu {
	menu := &Menu{Excess: excess}
	if excess <= 0 {
		return menu
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	snap := calc.Snapshot()

	operational := snap.OperationalDevices()
	if len(operational) >= excess {
		menu.Strategies = append(menu.Strategies, Strategy{
			Kind:             StrategySuspendDevices,
			Description:      fmt.Sprintf("Suspend %d device(s)", excess),
			DevicesToSuspend: excess,
			Candidates:       RankCandidates(operational, opts.Now, opts.Order),
		})
	}

	if snap.Subscription.IsActive() {
		menu.Strategies = append(menu.Strategies, Strategy{
			Kind:        StrategyBuyExtraSlots,
			Description: fmt.Sprintf("Buy %d extra slot(s)", excess),
			SlotsToBuy:  excess,
			CostCents:   int64(excess) * opts.SlotCostCents,
		})
	}

	if upgrade := CheapestUpgrade(calc, calc.TotalSlots()+excess, opts.Plans); upgrade != nil {
		menu.Strategies = append(menu.Strategies, Strategy{
			Kind:        StrategyUpgradePlan,
			Description: fmt.Sprintf("Upgrade to %s", upgrade.Name),
			TargetPlan:  upgrade,
			CostCents:   planDelta(snap, upgrade),
		})

		if excess > 2 && snap.Subscription.IsActive() {
			if target, remaining := hybridPlan(calc, excess, opts.Plans); target != nil {
				menu.Strategies = append(menu.Strategies, Strategy{
					Kind:        StrategyHybrid,
					Description: fmt.Sprintf("Upgrade to %s and buy %d extra slot(s)", target.Name, remaining),
					TargetPlan:  target,
					SlotsToBuy:  remaining,
					CostCents:   planDelta(snap, target) + int64(remaining)*opts.SlotCostCents,
				})
			}
		}
	}

	recommend(menu)
	return menu
}

// recommend marks the cheapest paid strategy, or suspension when nothing
// paid is available. Ties keep menu order.
func recommend(menu *Menu) {
	best := -1
	for i, s := range menu.Strategies {
		if s.Kind == StrategySuspendDevices {
			continue
		}
		if best == -1 || s.CostCents < menu.Strategies[best].CostCents {
			best = i
		}
	}
	if best == -1 {
		for i, s := range menu.Strategies {
			if s.Kind == StrategySuspendDevices {
				best = i
				break
			}
		}
	}
	if best >= 0 {
		menu.Strategies[best].Recommended = true
		menu.Recommended = menu.Strategies[best].Kind
	}
}

// currentLimit is the device limit of the subscribed plan. The role
// fallback only applies while the subscription is not active, and a plan
// change does not lift it, so upgrades are measured against the plan.
func currentLimit(calc *Calculator) int {
	if plan := calc.Snapshot().Plan; plan != nil {
		return plan.DeviceLimit
	}
	return calc.BaseSlots()
}

// largerPlans returns plans with a bigger device limit than the current
// plan, cheapest first.
func largerPlans(calc *Calculator, plans []*Plan) []*Plan {
	snap := calc.Snapshot()
	current := currentLimit(calc)
	if current == Unlimited {
		return nil
	}

	var out []*Plan
	for _, p := range plans {
		if snap.Plan != nil && p.ID == snap.Plan.ID {
			continue
		}
		if p.DeviceLimit == Unlimited || p.DeviceLimit > current {
			out = append(out, p)
		}
	}

	interval := IntervalMonthly
	if snap.Subscription != nil && snap.Subscription.Interval != "" {
		interval = snap.Subscription.Interval
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].PriceCents(interval), out[j].PriceCents(interval)
		if pi != pj {
			return pi < pj
		}
		return limitLess(out[i].DeviceLimit, out[j].DeviceLimit)
	})
	return out
}

func limitLess(a, b int) bool {
	if a == Unlimited {
		return false
	}
	if b == Unlimited {
		return true
	}
	return a < b
}

// CheapestUpgrade returns the cheapest larger plan whose limit, together
// with active extra slots, covers the required total. Only an active
// subscription can be upgraded out of an excess.
func CheapestUpgrade(calc *Calculator, required int, plans []*Plan) *Plan {
	snap := calc.Snapshot()
	if !snap.Subscription.IsActive() || calc.Unlimited() {
		return nil
	}
	for _, p := range largerPlans(calc, plans) {
		if p.DeviceLimit == Unlimited || p.DeviceLimit+snap.ActiveExtraSlots >= required {
			return p
		}
	}
	return nil
}

// hybridPlan finds the cheapest larger plan that leaves 1-2 slots of the
// excess to be covered by extra-slot purchases.
func hybridPlan(calc *Calculator, excess int, plans []*Plan) (*Plan, int) {
	current := currentLimit(calc)
	for _, p := range largerPlans(calc, plans) {
		if p.DeviceLimit == Unlimited {
			continue
		}
		remaining := excess - (p.DeviceLimit - current)
		if remaining >= 1 && remaining <= 2 {
			return p, remaining
		}
	}
	return nil, 0
}

func planDelta(snap *Snapshot, target *Plan) int64 {
	interval := IntervalMonthly
	if snap.Subscription != nil && snap.Subscription.Interval != "" {
		interval = snap.Subscription.Interval
	}
	return target.PriceCents(interval) - snap.Plan.PriceCents(interval)
}
