// Package client provides the CI API HTTP client with rate budget gating,
// conditional-request caching and error classification.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/cache"
	"github.com/Sternrassler/ci-insights/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for CI API client operations.
var (
	ciRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_api_requests_total",
		Help: "Total CI API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	ciRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ci_api_request_duration_seconds",
		Help:    "CI API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	ciErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_api_errors_total",
		Help: "Total CI API errors by class",
	}, []string{"class"})

	ciRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_api_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	ciRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_api_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

// Client is the CI API client.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
	retryPolicy func(ErrorClass) RetryConfig
}

// Config holds the client configuration.
type Config struct {
	// Redis client for caching and rate budget state
	Redis *redis.Client

	// BaseURL of the API (default: DefaultBaseURL)
	BaseURL string

	// Token is sent as a bearer credential (REQUIRED)
	Token string

	// UserAgent header (REQUIRED by the API)
	UserAgent string

	// Thresholds for the shared rate budget
	Thresholds ratelimit.Thresholds

	// CacheTTL bounds how long responses are kept for revalidation
	CacheTTL time.Duration

	// Timeout per HTTP request
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, token, userAgent string) Config {
	return Config{
		Redis:      redis,
		BaseURL:    DefaultBaseURL,
		Token:      token,
		UserAgent:  userAgent,
		Thresholds: ratelimit.DefaultThresholds(),
		CacheTTL:   cache.DefaultTTL,
		Timeout:    30 * time.Second,
	}
}

// New creates a new CI API client.
func New(cfg Config) (*Client, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("api token is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Thresholds.Critical < 1 {
		return nil, fmt.Errorf("critical threshold must be >= 1 (got %d)", cfg.Thresholds.Critical)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "ci-client").Logger()

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: ratelimit.NewTracker(cfg.Redis, logger, cfg.Thresholds),
		cache:       cache.NewManager(cfg.Redis, cfg.CacheTTL),
		config:      cfg,
		logger:      logger,
		retryPolicy: RetryConfigForErrorClass,
	}, nil
}

// RateLimiter returns the shared budget tracker.
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}

// Do performs a GET request with budget gating, revalidation and retries.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := endpointLabel(req.URL.Path)

	startTime := time.Now()
	defer func() {
		ciRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check rate budget
	allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		ciRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		return nil, &APIError{
			StatusCode: http.StatusTooManyRequests,
			ErrorClass: ErrorClassRateLimit,
			Message:    "request blocked: rate budget critical",
			Err:        ratelimit.ErrBudgetExceeded,
		}
	}

	// Step 2: Check cache and make the request conditional
	cacheKey := cache.KeyFor(req.URL)
	cached, err := c.cache.Get(ctx, cacheKey)
	if err != nil && err != cache.ErrCacheMiss {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
	}
	if cached.Revalidatable() {
		cache.AddConditionalHeaders(req, cached)
		c.logger.Debug().Str("endpoint", endpoint).Str("etag", cached.ETag).Msg("Making conditional request")
	}

	// Step 3: Headers
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	// Step 4: Execute with retry
	var (
		resp     *http.Response
		errClass ErrorClass
	)
	retryErr := retryWithBackoff(ctx, c.retryPolicy, func() error {
		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			errClass = ErrorClassNetwork
			ciErrorsTotal.WithLabelValues(string(errClass)).Inc()
			ciRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return &APIError{ErrorClass: errClass, Message: "request failed", Err: reqErr}
		}

		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate budget from headers")
		}

		ciRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode == http.StatusNotModified || resp.StatusCode < 400 {
			return nil
		}

		errClass = classifyResponse(resp)
		ciErrorsTotal.WithLabelValues(string(errClass)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("CI API request error")

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    apiMessage(resp.Status, body),
		}
		if errClass == ErrorClassRateLimit {
			apiErr.Err = ratelimit.ErrBudgetExceeded
		}
		return apiErr
	}, func(error) ErrorClass {
		return errClass
	})
	if retryErr != nil {
		return nil, retryErr
	}

	// Step 5: 304 Not Modified - serve cached body
	if resp.StatusCode == http.StatusNotModified && cached != nil {
		resp.Body.Close()
		cache.NotModified.Inc()
		if err := c.cache.Touch(ctx, cacheKey); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		return cached.Response(req), nil
	}

	// Step 6: Store revalidatable responses
	if resp.StatusCode == http.StatusOK {
		entry, err := cache.FromResponse(resp)
		if err != nil {
			return nil, err
		}
		if entry.Revalidatable() {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			}
		}
	}

	return resp, nil
}

// getJSON performs a GET against path and decodes the JSON body into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", endpointLabel(req.URL.Path), err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// endpointLabel collapses numeric path segments so metrics keep a bounded
// label set: /repos/a/b/actions/runs/123/jobs -> /repos/a/b/actions/runs/:id/jobs
func endpointLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func apiMessage(status string, body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return status
}
