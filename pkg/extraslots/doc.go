// Package extraslots sells and cancels extra device slots.
//
// Purchases are never capacity gated. A cancellation that would leave more
// operational devices than slots is refused with a needs_device_selection
// failure until the caller names exactly which devices to suspend.
package extraslots
