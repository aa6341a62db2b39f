package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	syncRequestsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_rate_limit_remaining",
		Help: "Number of requests remaining in the current remote rate limit window",
	})

	syncRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to an exhausted rate limit budget",
	})

	syncRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to a low rate limit budget",
	})
)

// throttleDelay is the pause applied per request in the warning band.
const throttleDelay = 1 * time.Second

// Tracker monitors the remote rate limit budget and gates requests.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current rate limit state from Redis.
// Returns a default healthy state if no data exists.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	remaining, err := t.redis.Get(ctx, RedisKeyRequestsRemaining).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get requests remaining: %w", err)
	}

	var state *State
	if err == redis.Nil {
		// No budget recorded yet, assume healthy until headers arrive. A
		// blocked_until written outside the header pipeline still applies
		// below.
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		state = &State{
			RequestsRemaining: 100,
			ResetAt:           time.Now().Add(60 * time.Second),
			LastUpdate:        time.Now(),
		}
	} else {
		resetTimestamp, err := t.redis.Get(ctx, RedisKeyResetTimestamp).Int64()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("get reset timestamp: %w", err)
		}

		lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("get last update: %w", err)
		}

		var lastUpdate time.Time
		if err == nil && lastUpdateStr != "" {
			if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
				return nil, fmt.Errorf("parse last update: %w", err)
			}
		}

		state = &State{
			RequestsRemaining: remaining,
			ResetAt:           time.Unix(resetTimestamp, 0),
			LastUpdate:        lastUpdate,
		}
	}

	blockedTimestamp, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get blocked until: %w", err)
	}
	if blockedTimestamp > 0 {
		state.BlockedUntil = time.Unix(blockedTimestamp, 0)
	}

	state.UpdateHealth()
	return state, nil
}

// UpdateFromHeaders parses rate limit headers off a tracker API response
// and updates the shared Redis state.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		// Header not present on every endpoint.
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

	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}

	now := time.Now()
	state := &State{
		RequestsRemaining: remain,
		ResetAt:           now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate:        now,
	}
	state.UpdateHealth()

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRequestsRemaining, remain, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, state.ResetAt.Unix(), 0)

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	syncRequestsRemaining.Set(float64(remain))

	logEvent := t.logger.Info().
		Int("requests_remaining", remain).
		Time("reset_at", state.ResetAt).
		Bool("is_healthy", state.IsHealthy)

	if state.NeedsCriticalBlock() {
		logEvent = t.logger.Error()
		logEvent.Msg("Rate limit budget CRITICAL - requests will be blocked")
	} else if state.NeedsThrottling() {
		logEvent = t.logger.Warn()
		logEvent.Msg("Rate limit budget WARNING - requests will be throttled")
	} else {
		logEvent.Msg("Rate limit state updated")
	}

	return nil
}

// RecordRetryAfter records a hard block from a 429 Retry-After hint. All
// requests are refused until the deadline passes.
func (t *Tracker) RecordRetryAfter(ctx context.Context, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		return nil
	}

	deadline := time.Now().Add(retryAfter)
	if err := t.redis.Set(ctx, RedisKeyBlockedUntil, deadline.Unix(), retryAfter).Err(); err != nil {
		return fmt.Errorf("store retry-after block in redis: %w", err)
	}

	t.logger.Warn().
		Time("blocked_until", deadline).
		Msg("Remote returned Retry-After - blocking requests")

	return nil
}

// ShouldAllowRequest checks if a request should be allowed under the
// current budget. Returns false when requests must be blocked. Returns true
// after a short sleep when the budget is in the warning band.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		waitDuration := state.TimeUntilUnblocked()

		t.logger.Error().
			Int("requests_remaining", state.RequestsRemaining).
			Dur("wait_duration", waitDuration).
			Msg("Rate limit budget critical - blocking request")

		syncRateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("requests_remaining", state.RequestsRemaining).
			Msg("Rate limit budget low - throttling request")

		syncRateLimitThrottlesTotal.Inc()

		select {
		case <-time.After(throttleDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return true, nil
}
