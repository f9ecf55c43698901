package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

func TestHealthChecker_Check(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }
	slow := func(context.Context) error { return ErrDegraded }

	tests := []struct {
		name   string
		setup  func(h *HealthChecker)
		want   string
		failed string
	}{
		{name: "no dependencies", setup: func(*HealthChecker) {}, want: StatusHealthy},
		{name: "all healthy", setup: func(h *HealthChecker) {
			h.AddCheck("database", true, ok)
			h.AddCheck("redis", false, ok)
		}, want: StatusHealthy},
		{name: "critical down", setup: func(h *HealthChecker) {
			h.AddCheck("database", true, down)
			h.AddCheck("redis", false, ok)
		}, want: StatusUnhealthy, failed: "database"},
		{name: "optional down", setup: func(h *HealthChecker) {
			h.AddCheck("database", true, ok)
			h.AddCheck("redis", false, down)
		}, want: StatusDegraded, failed: "redis"},
		{name: "critical degraded", setup: func(h *HealthChecker) {
			h.AddCheck("database", true, slow)
		}, want: StatusDegraded, failed: "database"},
		{name: "unhealthy wins over degraded", setup: func(h *HealthChecker) {
			h.AddCheck("redis", false, down)
			h.AddCheck("database", true, down)
		}, want: StatusUnhealthy, failed: "database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewHealthChecker("test")
			tt.setup(checker)

			status := checker.Check(context.Background())
			if status.Status != tt.want {
				t.Errorf("Status = %v, want %v", status.Status, tt.want)
			}
			if status.Version != "test" {
				t.Errorf("Version = %v, want test", status.Version)
			}
			if tt.failed != "" {
				dep, ok := status.Dependencies[tt.failed]
				if !ok {
					t.Fatalf("missing dependency %s", tt.failed)
				}
				if dep.Status == StatusHealthy || dep.Message == "" {
					t.Errorf("dependency %s = %+v, want a failure message", tt.failed, dep)
				}
			}
		})
	}
}

func TestDatabaseCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		if err := DatabaseCheck(db)(context.Background()); err != nil {
			t.Errorf("DatabaseCheck() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err = DatabaseCheck(db)(context.Background())
		if err == nil || errors.Is(err, ErrDegraded) {
			t.Errorf("DatabaseCheck() error = %v, want a hard failure", err)
		}
	})

	t.Run("query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("read-only"))

		if err := DatabaseCheck(db)(context.Background()); err == nil {
			t.Error("DatabaseCheck() should fail when the ping query fails")
		}
	})
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := RedisCheck(client)
	if err := check(context.Background()); err != nil {
		t.Errorf("RedisCheck() error = %v", err)
	}

	mr.Close()
	if err := check(context.Background()); err == nil {
		t.Error("RedisCheck() should fail once redis is gone")
	}
}

func TestHealthRoutes(t *testing.T) {
	var failing bool
	checker := NewHealthChecker("1.2.3")
	checker.AddCheck("database", true, func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})

	var logs bytes.Buffer
	router := mux.NewRouter()
	router.Use(RequestContextMiddleware(NewLogger(InfoLevel, &logs)))
	RegisterHealthRoutes(router, checker)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz code = %d, want 200", rec.Code)
	}

	rec := get("/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz code = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %v, want application/json", ct)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode readiness body: %v", err)
	}
	if status.Status != StatusHealthy || status.Version != "1.2.3" {
		t.Errorf("readiness = %+v", status)
	}

	if logs.Len() != 0 {
		t.Errorf("healthy readiness logged %q", logs.String())
	}

	failing = true
	if rec := get("/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz code = %d, want 503", rec.Code)
	}
	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode readiness log: %v", err)
	}
	if entry["msg"] != "readiness unhealthy" || entry["database"] != "down" || entry["request_id"] == nil {
		t.Errorf("readiness log = %v", entry)
	}
	// liveness never depends on the dependencies
	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz code = %d, want 200", rec.Code)
	}
}
