// Package analytics records entitlement activity for later analysis.
//
// Managers report what happened (a device was suspended, an extra slot was
// bought, a plan changed) through the Tracker interface. SQLTracker writes
// each event as a row in analytics_events with its properties as JSONB; the
// insert runs in the background so a slow or failing analytics database
// never affects an entitlement operation.
//
//	tracker := analytics.NewSQLTracker(db)
//	tracker.Track(ctx, subscriberID, analytics.EventDeviceSuspended, map[string]interface{}{
//		"device_id": deviceID,
//		"reason":    "plan_downgrade",
//	})
//
// Service answers per-subscriber queries over the recorded events.
//
// NopTracker disables tracking; Recorder captures events in memory for tests.
package analytics
