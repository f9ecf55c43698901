package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/slotkeeper"

// OTelMetrics mirrors the core Prometheus series as OpenTelemetry instruments
// so they reach the OTLP collector alongside traces.
type OTelMetrics struct {
	operations        metric.Int64Counter
	operationDuration metric.Float64Histogram
	deviceTransitions metric.Int64Counter
	extraSlots        metric.Int64Counter
	tasksProcessed    metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithMeter(otel.Meter(meterName))
}

// NewOTelMetricsWithMeter creates the instruments on meter
func NewOTelMetricsWithMeter(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"slotkeeper.operations",
		metric.WithDescription("Entitlement operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}

	m.operationDuration, err = meter.Float64Histogram(
		"slotkeeper.operation.duration",
		metric.WithDescription("Entitlement operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	m.deviceTransitions, err = meter.Int64Counter(
		"slotkeeper.device.transitions",
		metric.WithDescription("Device suspensions and wakes"),
		metric.WithUnit("{device}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device transitions counter: %w", err)
	}

	m.extraSlots, err = meter.Int64Counter(
		"slotkeeper.extra_slots",
		metric.WithDescription("Extra slot purchases and cancellations"),
		metric.WithUnit("{slot}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create extra slots counter: %w", err)
	}

	m.tasksProcessed, err = meter.Int64Counter(
		"slotkeeper.tasks.processed",
		metric.WithDescription("Delayed tasks processed by the worker"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks counter: %w", err)
	}

	return m, nil
}

// RecordOperation records one entitlement operation
func (m *OTelMetrics) RecordOperation(ctx context.Context, operation, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	m.operations.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDeviceTransition records n devices moving in direction
// ("suspended" or "woken") for reason
func (m *OTelMetrics) RecordDeviceTransition(ctx context.Context, direction, reason string, n int) {
	m.deviceTransitions.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("reason", reason),
	))
}

// RecordExtraSlots records n slots bought or cancelled
func (m *OTelMetrics) RecordExtraSlots(ctx context.Context, action string, n int) {
	m.extraSlots.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

// RecordTask records one processed task
func (m *OTelMetrics) RecordTask(ctx context.Context, task string, err error) {
	m.tasksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.Bool("error", err != nil),
	))
}
