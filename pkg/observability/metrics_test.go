package observability

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	assert.Panics(t, func() { NewMetrics(registry) }, "registering twice must panic")
}

func TestMetrics_DomainCounters(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveOperation("devices.activate", "", time.Now())
	metrics.ObserveOperation("devices.activate", "over_limit", time.Now())
	metrics.DevicesSuspended("plan_downgrade", 2)
	metrics.DevicesSuspended("plan_downgrade", 0)
	metrics.DevicesWoken("upgrade", 1)
	metrics.ExtraSlots("purchased", 3)
	metrics.Resolution("hybrid")
	metrics.PlanChange("upgrade")
	metrics.GraceCheck("suspended")
	metrics.Notification("device.suspended", false)
	metrics.TaskProcessed("grace.check", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("devices.activate", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("devices.activate", "over_limit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DevicesSuspendedTotal.WithLabelValues("plan_downgrade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DevicesWokenTotal.WithLabelValues("upgrade")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ExtraSlotsTotal.WithLabelValues("purchased")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues("hybrid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlanChangesTotal.WithLabelValues("upgrade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GraceChecksTotal.WithLabelValues("suspended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("device.suspended", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TasksProcessedTotal.WithLabelValues("grace.check", "error")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var metrics *Metrics
	assert.NotPanics(t, func() {
		metrics.ObserveOperation("x", "", time.Now())
		metrics.DevicesSuspended("x", 1)
		metrics.DevicesWoken("x", 1)
		metrics.ExtraSlots("x", 1)
		metrics.Resolution("x")
		metrics.PlanChange("x")
		metrics.GraceCheck("x")
		metrics.Notification("x", true)
		metrics.TaskProcessed("x", nil)
		metrics.UpdateDBStats(sql.DBStats{})
	})
}

func TestMetrics_UpdateDBStats(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.UpdateDBStats(sql.DBStats{InUse: 4, Idle: 2})

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.DBConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DBConnectionsIdle))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/subscribers/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscribers/42", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/subscribers/{id}", "418")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.Resolution("buy_extra_slots")

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `slotkeeper_resolutions_total{strategy="buy_extra_slots"} 1`))
}
