package monitoring

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/medrex/appointment-service/pkg/logger"
)

// RequestIDHeader carries the request id in and out of the service
const RequestIDHeader = "X-Request-ID"

// MonitoringMiddleware combines metrics, tracing, and logging
type MonitoringMiddleware struct {
	metrics *MetricsCollector
	tracing *TracingManager
	logger  *logger.Logger
}

// NewMonitoringMiddleware creates a new monitoring middleware. tracing may be nil.
func NewMonitoringMiddleware(metrics *MetricsCollector, tracing *TracingManager, log *logger.Logger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  log,
	}
}

// HTTPMiddleware tags the request with an id, traces it, records metrics and logs it.
// It must run inside the mux router so the matched route template is known.
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeTemplate(r)

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := logger.ContextWithRequestID(r.Context(), requestID)

		wrapper := &monitoringResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapper.Header().Set(RequestIDHeader, requestID)

		if mm.tracing != nil {
			ctx = mm.tracing.ExtractTraceContext(ctx, r.Header)
			spanCtx, sp := mm.tracing.StartHTTPSpan(ctx, r.Method, route)
			defer func() {
				sp.SetAttributes(
					attribute.Int("http.response.status_code", wrapper.statusCode),
					attribute.Int64("http.response.body.size", wrapper.bytesWritten),
				)
				if wrapper.statusCode >= 500 {
					sp.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
				}
				sp.End()
			}()
			sp.SetAttributes(attribute.String("request.id", requestID))
			ctx = logger.ContextWithTrace(spanCtx, TraceIDFromContext(spanCtx), SpanIDFromContext(spanCtx))
			mm.tracing.InjectTraceContext(ctx, wrapper.Header())
		}

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		mm.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapper.statusCode), duration)
		mm.logger.HTTPRequest(ctx, r.Method, r.URL.Path, r.UserAgent(), clientIP(r), wrapper.statusCode, duration.Milliseconds())
	})
}

// RecoveryMiddleware turns handler panics into 500 responses
func (mm *MonitoringMiddleware) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				mm.metrics.RecordSystemError("panic", "http")
				mm.logger.WithContext(r.Context()).WithField("panic", rec).Error("Recovered from handler panic")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"status": http.StatusInternalServerError,
					"error":  "An unexpected error occurred",
					"code":   "INTERNAL_ERROR",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// monitoringResponseWriter wraps http.ResponseWriter to capture metrics
type monitoringResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (mrw *monitoringResponseWriter) WriteHeader(code int) {
	if !mrw.wroteHeader {
		mrw.statusCode = code
		mrw.wroteHeader = true
	}
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *monitoringResponseWriter) Write(b []byte) (int, error) {
	mrw.wroteHeader = true
	n, err := mrw.ResponseWriter.Write(b)
	mrw.bytesWritten += int64(n)
	return n, err
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
