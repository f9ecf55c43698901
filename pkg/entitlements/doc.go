// Package entitlements provides device-slot accounting and the shared
// result envelope used by every slotkeeper operation.
//
// # Overview
//
// A subscriber is entitled to a number of device slots:
//
//   - Base slots come from the active subscription's plan (Plan.DeviceLimit).
//     Without an active subscription the role decides: admin and enterprise
//     are unlimited, pro gets 4, everyone else gets 2.
//   - Every active ExtraSlot adds one slot on top of the base.
//   - Admins are always unlimited.
//
// Only devices in the active status consume a slot.
//
// # Calculator
//
// Calculator is pure. Storage loads a Snapshot once inside a transaction and
// callers derive every predicate from it:
//
//	calc := entitlements.NewCalculator(snap)
//	if !calc.CanActivateDevice() {
//		menu := entitlements.BuildMenu(calc, 1, opts)
//		...
//	}
//
// # Resolution Menu
//
// BuildMenu lists the strategies that can clear an excess: suspend devices,
// buy extra slots, upgrade the plan, or a hybrid of upgrade and extra slots.
// Suspension candidates are scored by SuspensionPriority (higher is more
// suitable to suspend) and presented in the configured CandidateOrder.
//
// # Results
//
// Operations return Result[T]. A *Failure carries a Code and message and
// implements error, so returning one from inside a storage transaction rolls
// the transaction back and still reaches the caller intact.
package entitlements
