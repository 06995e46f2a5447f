package monitoring

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection.
// A nil *MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	dbQueryDuration     *prometheus.HistogramVec
	appointmentOps      *prometheus.CounterVec
	schedulingConflicts prometheus.Counter
	notifications       *prometheus.CounterVec
	notificationQueue   prometheus.Gauge
	upstreamLookups     *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	systemErrors        *prometheus.CounterVec
}

// NewMetricsCollector creates a collector with its own registry
func NewMetricsCollector(serviceName string) *MetricsCollector {
	labels := prometheus.Labels{"service": serviceName}
	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "endpoint", "status_code"}),

		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"method", "endpoint"}),

		dbQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "db_query_duration_seconds",
			Help:        "Duration of database queries in seconds",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			ConstLabels: labels,
		}, []string{"query_type"}),

		appointmentOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "appointment_operations_total",
			Help:        "Appointment lifecycle operations by outcome",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),

		schedulingConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "appointment_scheduling_conflicts_total",
			Help:        "Bookings rejected because the doctor was busy",
			ConstLabels: labels,
		}),

		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "appointment_notifications_total",
			Help:        "Patient notifications by kind and outcome",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),

		notificationQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "appointment_notification_queue_depth",
			Help:        "Notifications waiting for delivery",
			ConstLabels: labels,
		}),

		upstreamLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "upstream_lookups_total",
			Help:        "Patient and doctor lookups by outcome",
			ConstLabels: labels,
		}, []string{"upstream", "outcome"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "circuit_breaker_state",
			Help:        "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			ConstLabels: labels,
		}, []string{"breaker"}),

		systemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "system_errors_total",
			Help:        "Total number of system errors",
			ConstLabels: labels,
		}, []string{"error_type", "component"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.dbQueryDuration,
		m.appointmentOps,
		m.schedulingConflicts,
		m.notifications,
		m.notificationQueue,
		m.upstreamLookups,
		m.breakerState,
		m.systemErrors,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDBQuery records database query metrics
func (m *MetricsCollector) RecordDBQuery(queryType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
}

// RecordAppointmentOperation counts one lifecycle operation
func (m *MetricsCollector) RecordAppointmentOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.appointmentOps.WithLabelValues(operation, outcome).Inc()
}

// RecordSchedulingConflict counts a rejected booking
func (m *MetricsCollector) RecordSchedulingConflict() {
	if m == nil {
		return
	}
	m.schedulingConflicts.Inc()
}

// RecordNotification counts a notification outcome: sent, failed, dropped or skipped
func (m *MetricsCollector) RecordNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

// SetNotificationQueueDepth reports the pending notification count
func (m *MetricsCollector) SetNotificationQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.notificationQueue.Set(float64(depth))
}

// RecordUpstreamLookup counts a patient or doctor lookup outcome
func (m *MetricsCollector) RecordUpstreamLookup(upstream, outcome string) {
	if m == nil {
		return
	}
	m.upstreamLookups.WithLabelValues(upstream, outcome).Inc()
}

// SetBreakerState records a circuit breaker state as 0, 1 or 2
func (m *MetricsCollector) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	if m == nil {
		return
	}
	m.systemErrors.WithLabelValues(errorType, component).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
