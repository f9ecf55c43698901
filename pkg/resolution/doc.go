// Package resolution offers and executes the remedies of a subscriber whose
// operational devices exceed their entitlement.
//
// Options returns the menu built by entitlements.BuildMenu for the live
// excess. Execute re-reads the excess under the subscriber lock and runs
// one strategy:
//
//   - suspend_devices suspends exactly the excess, chosen by the caller
//   - buy_extra_slots buys one extra slot per excess device
//   - upgrade_plan moves to a plan that covers every active device
//   - hybrid moves to a larger plan and buys slots for the rest
//
// Plan based strategies go through plans.Orchestrator.ApplyTx, so a
// resolution by upgrade also wakes devices and syncs the subscriber role.
package resolution
