// Package ratelimit implements remote rate limit tracking and request gating.
// It monitors the X-RateLimit-Remaining and X-RateLimit-Reset headers the
// tracker API returns and stops outbound requests before the remote starts
// rejecting them.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRequestsRemaining = "sync:rate_limit:requests_remaining"
	RedisKeyResetTimestamp    = "sync:rate_limit:reset_timestamp"
	RedisKeyLastUpdate        = "sync:rate_limit:last_update"
	RedisKeyBlockedUntil      = "sync:rate_limit:blocked_until"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks all requests when the remaining budget falls
	// below this value. Stopping early keeps the engine out of the remote's
	// penalty window.
	ThresholdCritical = 5

	// ThresholdWarning applies throttling when the remaining budget falls
	// below this value.
	ThresholdWarning = 20

	// ThresholdHealthy indicates normal operation. At or above this value
	// no restrictions apply.
	ThresholdHealthy = 50
)

// State represents the current remote rate limit budget. The state is
// shared across all engine instances via Redis.
type State struct {
	// RequestsRemaining is the number of requests left in the current
	// window, extracted from the X-RateLimit-Remaining header.
	RequestsRemaining int `json:"requests_remaining"`

	// ResetAt is when the rate limit window resets, calculated from the
	// X-RateLimit-Reset header (seconds until reset).
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is a hard block deadline set from a Retry-After header
	// on a 429 response. Zero when no block is active.
	BlockedUntil time.Time `json:"blocked_until,omitempty"`

	// LastUpdate is when this state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when RequestsRemaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked because the
// budget is nearly exhausted or a Retry-After block is active.
func (s *State) NeedsCriticalBlock() bool {
	if !s.BlockedUntil.IsZero() && time.Now().Before(s.BlockedUntil) {
		return true
	}
	return s.RequestsRemaining < ThresholdCritical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.RequestsRemaining < ThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilUnblocked returns the duration until requests may resume.
// Returns 0 when no wait is needed.
func (s *State) TimeUntilUnblocked() time.Duration {
	deadline := s.ResetAt
	if s.BlockedUntil.After(deadline) {
		deadline = s.BlockedUntil
	}
	duration := time.Until(deadline)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field from the current budget.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.RequestsRemaining >= ThresholdHealthy
}
