// Package metrics exposes the Prometheus registry used by ci-insights.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, pagination, reconcile, store, queue, ingest) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation for all available metrics and the
// HTTP endpoint that serves them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by ci-insights.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// HealthCheck reports whether the process can serve; nil means healthy.
type HealthCheck func(ctx context.Context) error

// NewMux returns a mux serving /metrics and /health.
func NewMux(check HealthCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler(check))
	return mux
}

func healthHandler(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// ListenAndServe serves h on addr until ctx is done, then shuts down.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ci_rate_limit_remaining (Gauge): Requests remaining in the current rate window
//   - ci_rate_limit_blocks_total (Counter): Requests blocked due to the critical threshold
//   - ci_rate_limit_throttles_total (Counter): Requests throttled due to the warning threshold
//
// Cache Metrics (pkg/cache):
//   - ci_cache_hits_total (Counter): Cache hits
//   - ci_cache_misses_total (Counter): Cache misses
//   - ci_cache_not_modified_total (Counter): 304 Not Modified responses served from cache
//   - ci_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - ci_api_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - ci_api_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - ci_api_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - ci_api_retries_total{error_class} (Counter): Retry attempts by error class
//   - ci_api_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Pipeline Metrics (pkg/pagination, pkg/reconcile, pkg/store):
//   - ci_pages_fetched_total (Counter): Job pages fetched
//   - ci_reconcile_shared_fetches_total (Counter): Run fetches answered by an in-flight fetch
//   - ci_store_operations_total{operation, status} (Counter): Document store operations
//
// Queue Metrics (internal/queue, internal/ingest):
//   - ci_queue_enqueued_total{method} (Counter): Jobs enqueued by method
//   - ci_queue_transitions_total{transition} (Counter): Execution transitions
//   - ci_queue_outcomes_total{kind} (Counter): Job outcomes by kind
//   - ci_sweep_enqueued_total (Counter): Fetch jobs enqueued by the incomplete-run sweep
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(ci_cache_hits_total[5m])) /
//   (sum(rate(ci_cache_hits_total[5m])) + sum(rate(ci_cache_misses_total[5m])))
//
//   # Rate Budget Status
//   ci_rate_limit_remaining < 100
//
//   # Fatal Outcome Rate
//   rate(ci_queue_outcomes_total{kind="fatal"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(ci_api_request_duration_seconds_bucket[5m]))
