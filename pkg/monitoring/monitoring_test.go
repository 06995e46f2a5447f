package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/appointment-service/pkg/logger"
)

func staticCheck(status HealthStatus) HealthChecker {
	return CustomHealthChecker(func(ctx context.Context) HealthCheck {
		return HealthCheck{Status: status}
	})
}

func TestHealthManager_Aggregation(t *testing.T) {
	tests := []struct {
		name     string
		critical HealthStatus
		optional HealthStatus
		want     HealthStatus
	}{
		{"all healthy", HealthStatusHealthy, HealthStatusHealthy, HealthStatusHealthy},
		{"optional failure degrades", HealthStatusHealthy, HealthStatusUnhealthy, HealthStatusDegraded},
		{"critical failure is unhealthy", HealthStatusUnhealthy, HealthStatusHealthy, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager("appointment-service", "test")
			hm.RegisterChecker("database", staticCheck(tt.critical))
			hm.RegisterOptionalChecker("redis", staticCheck(tt.optional))

			report := hm.CheckHealth(context.Background())
			assert.Equal(t, tt.want, report.Status)
			require.Len(t, report.Checks, 2)
			assert.Equal(t, "database", report.Checks[0].Name)
			assert.Equal(t, "redis", report.Checks[1].Name)
		})
	}
}

func TestHealthManager_HTTPHandler(t *testing.T) {
	hm := NewHealthManager("appointment-service", "test")
	hm.RegisterChecker("database", staticCheck(HealthStatusUnhealthy))

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "appointment-service", report.Service)
	assert.Equal(t, 1, report.Summary[string(HealthStatusUnhealthy)])
}

func TestHealthManager_Timeout(t *testing.T) {
	hm := NewHealthManager("appointment-service", "test")
	hm.SetTimeout(10 * time.Millisecond)
	hm.RegisterOptionalChecker("slow", CustomHealthChecker(func(ctx context.Context) HealthCheck {
		<-ctx.Done()
		return HealthCheck{Status: HealthStatusUnhealthy, Message: ctx.Err().Error()}
	}))

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusDegraded, report.Status)
}

func TestDatabaseHealthChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	check := NewDatabaseHealthChecker(db).Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, check.Status)

	mock.ExpectPing().WillReturnError(assert.AnError)
	check = NewDatabaseHealthChecker(db).Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, check.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewRedisHealthChecker(client)
	assert.Equal(t, HealthStatusHealthy, checker.Check(context.Background()).Status)

	mr.Close()
	assert.Equal(t, HealthStatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestHTTPHealthChecker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/down") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	assert.Equal(t, HealthStatusHealthy, NewHTTPHealthChecker(upstream.URL+"/api/doctors", time.Second).Check(context.Background()).Status)
	assert.Equal(t, HealthStatusUnhealthy, NewHTTPHealthChecker(upstream.URL+"/down", time.Second).Check(context.Background()).Status)
}

func TestMonitoringMiddleware(t *testing.T) {
	metrics := NewMetricsCollector("appointment-service")
	mm := NewMonitoringMiddleware(metrics, nil, logger.Discard())

	router := mux.NewRouter()
	router.Use(mm.RecoveryMiddleware)
	router.Use(mm.HTTPMiddleware)
	router.HandleFunc("/api/v1/appointments/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-123", logger.RequestIDFromContext(r.Context()))
		w.WriteHeader(http.StatusTeapot)
	}).Methods(http.MethodGet)
	router.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/APP-0001", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/appointments/{id}", "418")))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.systemErrors.WithLabelValues("panic", "http")))
}

func TestMetricsCollector_NilIsSafe(t *testing.T) {
	var m *MetricsCollector
	assert.NotPanics(t, func() {
		m.RecordAppointmentOperation("create", nil)
		m.RecordSchedulingConflict()
		m.RecordNotification("booked", "sent")
		m.SetNotificationQueueDepth(3)
	})
}

func TestMetricsCollector_Handler(t *testing.T) {
	metrics := NewMetricsCollector("appointment-service")
	metrics.RecordSchedulingConflict()
	metrics.RecordAppointmentOperation("create", assert.AnError)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "appointment_operations_total")
	assert.Contains(t, rec.Body.String(), `outcome="failure"`)
}
