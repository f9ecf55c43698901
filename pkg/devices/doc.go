// Package devices implements the device lifecycle: registration,
// activation, suspension, wake and disable.
//
// Every slot-affecting transition runs inside storage.Store.InTx, so the
// capacity check and the write it guards observe the same snapshot. The
// *Tx helpers (Manager.SuspendSelectedTx, Manager.SuspendAllActiveTx and
// WakeUpToCapacityTx) are shared with the extra slot, plan, resolution and grace managers, which
// compose them inside their own transactions.
//
// Notifications and analytics are emitted after commit and never fail the
// operation.
package devices
