package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrBudgetExceeded is returned when an operation would run past the
// remaining request budget before the window resets.
var ErrBudgetExceeded = errors.New("rate budget exceeded")

// Prometheus metrics for rate budget tracking.
var (
	ciRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ci_rate_limit_remaining",
		Help: "Requests remaining in the current CI API rate limit window",
	})

	ciRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ci_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to a critical rate budget",
	})

	ciRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ci_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to a low rate budget",
	})
)

// Budget is a point-in-time rate budget as reported by the API.
type Budget struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Tracker monitors the CI API rate budget and gates requests.
type Tracker struct {
	redis      *redis.Client
	logger     zerolog.Logger
	thresholds Thresholds

	// throttle is the pause applied in the warning band.
	throttle time.Duration
}

// NewTracker creates a new rate budget tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger, thresholds Thresholds) *Tracker {
	return &Tracker{
		redis:      redisClient,
		logger:     logger,
		thresholds: thresholds,
		throttle:   time.Second,
	}
}

// Thresholds returns the configured thresholds.
func (t *Tracker) Thresholds() Thresholds {
	return t.thresholds
}

// GetState retrieves the current budget from Redis.
// Returns a healthy default when nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	vals, err := t.redis.MGet(ctx,
		RedisKeyRemaining, RedisKeyLimit, RedisKeyResetTimestamp, RedisKeyLastUpdate,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if vals[0] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		state := &State{
			Remaining:  t.thresholds.Healthy,
			Limit:      t.thresholds.Healthy,
			ResetAt:    time.Now().Add(time.Hour),
			LastUpdate: time.Now(),
		}
		state.UpdateHealth(t.thresholds)
		return state, nil
	}

	ints := make([]int64, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("rate limit field %d: unexpected type %T", i, v)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse rate limit field %d: %w", i, err)
		}
		ints[i] = n
	}

	state := &State{
		Remaining:  int(ints[0]),
		Limit:      int(ints[1]),
		ResetAt:    time.Unix(ints[2], 0),
		LastUpdate: time.UnixMilli(ints[3]),
	}
	state.UpdateHealth(t.thresholds)

	return state, nil
}

// UpdateFromHeaders parses X-RateLimit-* headers and stores the budget.
// Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetStr := headers.Get("X-RateLimit-Reset")
	if resetStr == "" {
		return fmt.Errorf("X-RateLimit-Reset header missing")
	}
	resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}

	limit := 0
	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return fmt.Errorf("parse X-RateLimit-Limit header: %w", err)
		}
	}

	return t.Refresh(ctx, Budget{
		Limit:     limit,
		Remaining: remain,
		ResetAt:   time.Unix(resetEpoch, 0),
	})
}

// Refresh stores a budget observed from headers or the rate_limit endpoint.
func (t *Tracker) Refresh(ctx context.Context, b Budget) error {
	now := time.Now()
	state := &State{
		Remaining:  b.Remaining,
		Limit:      b.Limit,
		ResetAt:    b.ResetAt,
		LastUpdate: now,
	}
	state.UpdateHealth(t.thresholds)

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, 0)
	pipe.Set(ctx, RedisKeyLimit, state.Limit, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, state.ResetAt.Unix(), 0)
	pipe.Set(ctx, RedisKeyLastUpdate, now.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	ciRateLimitRemaining.Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock(t.thresholds):
		t.logger.Error().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate budget CRITICAL - requests will be blocked")
	case state.NeedsThrottling(t.thresholds):
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate budget low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate budget updated")
	}

	return nil
}

// ShouldAllowRequest reports whether a single request may be sent now.
// In the warning band it pauses before allowing the request.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, err
	}

	if state.NeedsCriticalBlock(t.thresholds) {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Rate budget critical - blocking request")

		ciRateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling(t.thresholds) {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate budget low - throttling request")

		ciRateLimitThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(t.throttle):
		}
	}

	return true, nil
}

// WouldExceed reports whether spending cost requests now would dig into
// the reserve before the window resets.
func (t *Tracker) WouldExceed(ctx context.Context, cost int) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, err
	}
	if state.HasReset() {
		return false, nil
	}
	return state.Remaining-cost < t.thresholds.Reserve, nil
}
