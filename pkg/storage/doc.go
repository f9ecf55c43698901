// Package storage provides the persistence layer for slotkeeper.
//
// # Overview
//
// Every slot-affecting operation runs inside Store.InTx, scoped to one
// subscriber. The backend holds an exclusive lock on that subscriber for the
// whole transaction body, so the entitlement read and the device mutation it
// gates can never interleave with another mutation for the same subscriber.
//
//	err := store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
//		snap, err := tx.Snapshot(ctx)
//		if err != nil {
//			return err
//		}
//		calc := entitlements.NewCalculator(snap)
//		...
//		return tx.UpdateDevice(ctx, device)
//	})
//
// Returning an error from the body rolls back every write. An
// *entitlements.Failure returned from the body reaches the caller unchanged.
//
// # Backends
//
// MemoryStore keeps records in process with a lock per subscriber. It backs
// tests and single-node development.
//
// The postgres subpackage locks the subscriber row with SELECT ... FOR UPDATE.
package storage
