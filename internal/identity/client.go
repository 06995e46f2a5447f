// Package identity resolves patient and doctor ids against the upstream
// registry services and turns them into booking snapshots.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/medrex/appointment-service/pkg/config"
	"github.com/medrex/appointment-service/pkg/logger"
	"github.com/medrex/appointment-service/pkg/monitoring"
	"github.com/medrex/appointment-service/pkg/types"
)

// errNotFound marks an upstream answer that positively says the record is missing
var errNotFound = errors.New("record not found upstream")

// upstreamError is any non-2xx, non-404 answer
type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.status, e.body)
}

// lookupClient is the HTTP plumbing shared by the patient and doctor clients
type lookupClient struct {
	name    string
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
}

// NewHTTPClient returns the client shared by the upstream lookups. It has no
// overall timeout: every call is bounded by its upstream's configured timeout.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	return &http.Client{Transport: transport}
}

func newLookupClient(name string, cfg config.UpstreamConfig, httpClient *http.Client, log *logger.Logger, metrics *monitoring.MetricsCollector) lookupClient {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return lookupClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		timeout: timeout,
		logger:  log,
		metrics: metrics,
	}
}

// getJSON fetches baseURL/id and decodes the body into out.
// A 404 yields errNotFound.
func (c *lookupClient) getJSON(ctx context.Context, id string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set(monitoring.RequestIDHeader, requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &upstreamError{status: resp.StatusCode, body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}

// newBreaker builds a circuit breaker that ignores not-found answers
func newBreaker[T any](name string, cfg config.BreakerConfig, log *logger.Logger, metrics *monitoring.MetricsCollector) *gobreaker.CircuitBreaker[T] {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.IntervalSeconds) * time.Second,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("identity").WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
			metrics.SetBreakerState(name, int(to))
		},
	})
}

// lookupOutcome labels a lookup result for metrics
func lookupOutcome(err error) string {
	switch {
	case err == nil:
		return "found"
	case errors.Is(err, errNotFound):
		return "not_found"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	default:
		return "error"
	}
}

// upstreamFailure converts a transport level failure into SERVICE_UNAVAILABLE
func upstreamFailure(service string, err error) *types.AppError {
	return types.ServiceUnavailable(service, err)
}
