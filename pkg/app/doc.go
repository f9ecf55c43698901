// Package app assembles the slotkeeper engine from configuration.
//
// New opens storage (Postgres or in-memory), Redis when configured, the
// plan catalog (database or YAML file), notification and analytics
// delivery, and builds the device, extra slot, plan change, resolution and
// grace services on one task mux. Both the daemon and the operator CLI
// start from here:
//
//	a, err := app.New(ctx, cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer a.Close()
//
//	menu := a.Resolver.Options(ctx, subscriberID)
package app
