// Package ratelimit tracks the request budget of the CI API and gates
// requests against it. The budget is read from the X-RateLimit-* response
// headers (and the rate_limit endpoint) and shared across processes via Redis.
package ratelimit

import (
	"time"
)

// Redis keys for rate budget storage.
const (
	RedisKeyRemaining      = "ci:rate_limit:remaining"
	RedisKeyLimit          = "ci:rate_limit:limit"
	RedisKeyResetTimestamp = "ci:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "ci:rate_limit:last_update"
)

// Thresholds decide how the tracker reacts to a shrinking budget.
type Thresholds struct {
	// Critical blocks all requests when remaining falls below this value.
	Critical int

	// Warning throttles requests when remaining falls below this value.
	Warning int

	// Healthy marks the budget as healthy at or above this value.
	Healthy int

	// Reserve is kept back from background jobs so interactive callers
	// still have budget left. Used by WouldExceed.
	Reserve int
}

// DefaultThresholds returns thresholds sized for a 5000 requests/hour budget.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical: 10,
		Warning:  100,
		Healthy:  500,
		Reserve:  50,
	}
}

// State is the current request budget.
type State struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// Limit is the size of the window.
	Limit int `json:"limit"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was observed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= Thresholds.Healthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// HasReset reports whether the window recorded in the state has already rolled over.
func (s *State) HasReset() bool {
	return !s.ResetAt.IsZero() && !time.Now().Before(s.ResetAt)
}

// NeedsCriticalBlock returns true if requests should be blocked.
func (s *State) NeedsCriticalBlock(th Thresholds) bool {
	return !s.HasReset() && s.Remaining < th.Critical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling(th Thresholds) bool {
	return !s.HasReset() && s.Remaining < th.Warning && !s.NeedsCriticalBlock(th)
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth refreshes IsHealthy.
func (s *State) UpdateHealth(th Thresholds) {
	s.IsHealthy = s.Remaining >= th.Healthy
}
