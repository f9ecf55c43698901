// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health checks and graceful shutdown
// for slotkeeper.
//
// # Structured Logging
//
// Logger wraps log/slog with a JSON handler:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("subscriber_id", 42).Info("device suspended")
//
// Entitlement operations derive their logger from the context so the
// subscriber ID travels with every line:
//
//	ctx = observability.WithSubscriberID(ctx, sub)
//	observability.FromContext(ctx).Warn("over limit")
//
// # Metrics
//
// Metrics is nil-safe, so components take an optional *Metrics:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveOperation("devices.activate", outcome, started)
//	metrics.DevicesSuspended("grace_expired", n)
//
// When OpenTelemetry is enabled the core series are mirrored to OTLP:
//
//	otelMetrics, _ := observability.NewOTelMetrics()
//	metrics.MirrorTo(otelMetrics)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("postgres", true, observability.DatabaseCheck(db))
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "slotkeeper",
//	}, logger)
//	defer providers.Shutdown(ctx)
//
// # Shutdown
//
// ShutdownManager drains HTTP servers and then releases registered
// components in reverse order.
package observability
