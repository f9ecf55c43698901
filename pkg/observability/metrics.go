package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutcomeOK is the outcome label of a successful operation
const OutcomeOK = "ok"

// Metrics holds all Prometheus metrics. Every recording method is safe to
// call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics (ops server)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Entitlement metrics
	DevicesSuspendedTotal *prometheus.CounterVec
	DevicesWokenTotal     *prometheus.CounterVec
	ExtraSlotsTotal       *prometheus.CounterVec
	ResolutionsTotal      *prometheus.CounterVec
	PlanChangesTotal      *prometheus.CounterVec
	GraceChecksTotal      *prometheus.CounterVec

	// Delivery metrics
	NotificationsTotal  *prometheus.CounterVec
	TasksProcessedTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	otel *OTelMetrics
}

// MirrorTo forwards operation, device, slot and task series to o as well
func (m *Metrics) MirrorTo(o *OTelMetrics) {
	if m == nil {
		return
	}
	m.otel = o
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotkeeper_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_operations_total",
				Help: "Total number of entitlement operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotkeeper_operation_duration_seconds",
				Help:    "Entitlement operation duration in seconds, including the subscriber lock wait",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		DevicesSuspendedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_devices_suspended_total",
				Help: "Total number of device suspensions by reason",
			},
			[]string{"reason"},
		),
		DevicesWokenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_devices_woken_total",
				Help: "Total number of device wakes by trigger",
			},
			[]string{"trigger"},
		),
		ExtraSlotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_extra_slots_total",
				Help: "Total number of extra slot purchases and cancellations",
			},
			[]string{"action"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_resolutions_total",
				Help: "Total number of executed over-limit resolutions by strategy",
			},
			[]string{"strategy"},
		),
		PlanChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_plan_changes_total",
				Help: "Total number of applied plan changes by change type",
			},
			[]string{"change_type"},
		),
		GraceChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_grace_checks_total",
				Help: "Total number of grace period checks by action taken",
			},
			[]string{"action"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_notifications_total",
				Help: "Total number of notifications dispatched",
			},
			[]string{"event", "status"},
		),
		TasksProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotkeeper_tasks_processed_total",
				Help: "Total number of delayed tasks processed",
			},
			[]string{"task", "status"},
		),

		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotkeeper_db_connections_active",
			Help: "Number of active database connections",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotkeeper_db_connections_idle",
			Help: "Number of idle database connections",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.OperationsTotal,
		m.OperationDuration,
		m.DevicesSuspendedTotal,
		m.DevicesWokenTotal,
		m.ExtraSlotsTotal,
		m.ResolutionsTotal,
		m.PlanChangesTotal,
		m.GraceChecksTotal,
		m.NotificationsTotal,
		m.TasksProcessedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// ObserveOperation records the outcome and duration of an operation.
// An empty outcome counts as OutcomeOK.
func (m *Metrics) ObserveOperation(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = OutcomeOK
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	elapsed := time.Since(started)
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	if m.otel != nil {
		m.otel.RecordOperation(context.Background(), operation, outcome, elapsed)
	}
}

// DevicesSuspended counts suspensions for a reason
func (m *Metrics) DevicesSuspended(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DevicesSuspendedTotal.WithLabelValues(reason).Add(float64(n))
	if m.otel != nil {
		m.otel.RecordDeviceTransition(context.Background(), "suspended", reason, n)
	}
}

// DevicesWoken counts wakes for a trigger
func (m *Metrics) DevicesWoken(trigger string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DevicesWokenTotal.WithLabelValues(trigger).Add(float64(n))
	if m.otel != nil {
		m.otel.RecordDeviceTransition(context.Background(), "woken", trigger, n)
	}
}

// ExtraSlots counts extra slot purchases or cancellations
func (m *Metrics) ExtraSlots(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExtraSlotsTotal.WithLabelValues(action).Add(float64(n))
	if m.otel != nil {
		m.otel.RecordExtraSlots(context.Background(), action, n)
	}
}

// Resolution counts an executed resolution strategy
func (m *Metrics) Resolution(strategy string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(strategy).Inc()
}

// PlanChange counts an applied plan change
func (m *Metrics) PlanChange(changeType string) {
	if m == nil {
		return
	}
	m.PlanChangesTotal.WithLabelValues(changeType).Inc()
}

// GraceCheck counts a grace check by the action it took
func (m *Metrics) GraceCheck(action string) {
	if m == nil {
		return
	}
	m.GraceChecksTotal.WithLabelValues(action).Inc()
}

// Notification counts a dispatched notification
func (m *Metrics) Notification(event string, delivered bool) {
	if m == nil {
		return
	}
	status := "delivered"
	if !delivered {
		status = "failed"
	}
	m.NotificationsTotal.WithLabelValues(event, status).Inc()
}

// TaskProcessed counts a processed delayed task
func (m *Metrics) TaskProcessed(task string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TasksProcessedTotal.WithLabelValues(task, status).Inc()
	if m.otel != nil {
		m.otel.RecordTask(context.Background(), task, err)
	}
}

// UpdateDBStats copies pool statistics into the connection gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
