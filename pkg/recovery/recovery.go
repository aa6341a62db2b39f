// Package recovery executes per-category recovery strategies for classified
// faults: retry with backoff, deferral to a durable queue, one-shot
// fallbacks, process-wide graceful degradation, and operator escalation.
package recovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tracker-sync/pkg/backoff"
	"github.com/Sternrassler/tracker-sync/pkg/fault"
	"github.com/Sternrassler/tracker-sync/pkg/stats"
)

// Prometheus metrics for recovery operations.
var (
	syncRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_retries_total",
		Help: "Total retry attempts by fault category",
	}, []string{"category"})

	syncRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_retry_backoff_seconds",
		Help:    "Backoff duration for retries by fault category",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"category"})

	syncRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_retry_exhausted_total",
		Help: "Total times retry attempts were exhausted by fault category",
	}, []string{"category"})

	syncDeferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_deferred_total",
		Help: "Total operations deferred to the durable queue by fault category",
	}, []string{"category"})

	syncFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_fallbacks_total",
		Help: "Total fallback attempts by fault category and result",
	}, []string{"category", "result"})

	syncUserInterventionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_user_intervention_total",
		Help: "Total faults escalated for manual resolution by category",
	}, []string{"category"})
)

// Descriptor is the durable record of a deferred operation.
type Descriptor struct {
	ID           string          `json:"id"`
	Operation    string          `json:"operation"`
	ItemKey      string          `json:"item_key,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Attempts     int             `json:"attempts"`
	FaultSummary string          `json:"fault_summary"`
	Category     fault.Category  `json:"category"`
	QueuedAt     time.Time       `json:"queued_at"`
}

// DeferredQueue persists descriptors for later replay.
type DeferredQueue interface {
	Enqueue(ctx context.Context, d Descriptor) error
}

// Op describes the operation being recovered; it supplies what the fault
// itself does not carry for building a deferred descriptor.
type Op struct {
	Name    string
	ItemKey string
	Payload json.RawMessage
}

// FallbackFunc is a category-specific degraded alternative action.
type FallbackFunc func(ctx context.Context, f *fault.Fault) error

// Outcome reports how a fault was handled.
type Outcome struct {
	// Success means the operation is considered handled (possibly deferred).
	Success bool

	// Retry means the caller should re-issue the same operation.
	Retry bool

	// Cancelled means a backoff sleep was aborted by cancellation.
	Cancelled bool

	// Attempts is the number of attempts consumed so far.
	Attempts int

	// Deferred is set when the operation was queued.
	Deferred *Descriptor
}

// Config holds recovery tuning.
type Config struct {
	// MaxAttempts is the per-category retry ceiling. Categories not listed
	// use DefaultMaxAttempts.
	MaxAttempts map[fault.Category]int

	// DefaultMaxAttempts applies to categories without an explicit ceiling.
	DefaultMaxAttempts int

	// BaseBackoff is the initial backoff delay.
	BaseBackoff time.Duration

	// MaxBackoff is the backoff cap.
	MaxBackoff time.Duration

	// Jitter randomizes delays to avoid synchronized retries.
	Jitter bool
}

// DefaultConfig returns the default recovery configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: map[fault.Category]int{
			fault.CategoryNetwork:   5,
			fault.CategoryRateLimit: 3,
			fault.CategoryRemote5xx: 3,
		},
		DefaultMaxAttempts: 1,
		BaseBackoff:        1 * time.Second,
		MaxBackoff:         30 * time.Second,
		Jitter:             true,
	}
}

// maxAttemptsFor returns the retry ceiling for a category.
func (c Config) maxAttemptsFor(category fault.Category) int {
	if n, ok := c.MaxAttempts[category]; ok {
		return n
	}
	if c.DefaultMaxAttempts > 0 {
		return c.DefaultMaxAttempts
	}
	return 1
}

// Manager dispatches classified faults to their recovery strategy.
type Manager struct {
	cfg       Config
	queue     DeferredQueue
	gate      *DegradedGate
	stats     *stats.Aggregator
	fallbacks map[fault.Category]FallbackFunc
	logger    zerolog.Logger

	// pollInterval bounds how long a backoff sleep can outlive a
	// cancellation request.
	pollInterval time.Duration
}

// NewManager creates a recovery manager. queue may be nil when deferral is
// not available; queued faults then fail loudly instead of silently dropping.
func NewManager(cfg Config, queue DeferredQueue, gate *DegradedGate, aggregator *stats.Aggregator, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		queue:        queue,
		gate:         gate,
		stats:        aggregator,
		fallbacks:    make(map[fault.Category]FallbackFunc),
		logger:       logger,
		pollInterval: 25 * time.Millisecond,
	}
}

// RegisterFallback installs the degraded alternative action for a category.
func (m *Manager) RegisterFallback(category fault.Category, fn FallbackFunc) {
	m.fallbacks[category] = fn
}

// Gate returns the process-wide degraded mode gate.
func (m *Manager) Gate() *DegradedGate {
	return m.gate
}

// Handle executes the recovery strategy for f. attempt is the 1-based count
// of failed attempts of the operation so far. isCancelled may be nil; when
// provided it is polled during backoff sleeps so a pause aborts immediately.
//
// Every handled fault feeds the statistics aggregator.
func (m *Manager) Handle(ctx context.Context, f *fault.Fault, op Op, attempt int, isCancelled func() bool) Outcome {
	if m.stats != nil {
		m.stats.RecordFailure(f.Category)
	}

	m.logger.Warn().
		Str("category", string(f.Category)).
		Str("severity", string(f.Severity)).
		Str("strategy", string(f.Strategy)).
		Str("operation", op.Name).
		Str("item_key", op.ItemKey).
		Int("attempt", attempt).
		Msg("Handling fault")

	switch f.Strategy {
	case fault.StrategyRetry:
		return m.retry(ctx, f, op, attempt, isCancelled)
	case fault.StrategyQueue:
		// A registered degraded alternative beats deferral; the fallback
		// path re-dispatches as queue on failure anyway.
		if _, ok := m.fallbacks[f.Category]; ok {
			return m.fallback(ctx, f, op, attempt)
		}
		return m.deferOp(ctx, f, op, attempt)
	case fault.StrategyFallback:
		return m.fallback(ctx, f, op, attempt)
	case fault.StrategyDegrade:
		m.gate.Enter(f.Message)
		return Outcome{Success: true, Attempts: attempt}
	case fault.StrategyUserIntervention:
		syncUserInterventionTotal.WithLabelValues(string(f.Category)).Inc()
		m.logger.Error().
			Str("category", string(f.Category)).
			Str("operation", op.Name).
			Str("item_key", op.ItemKey).
			Msg("Fault requires operator intervention - no automatic recovery")
		return Outcome{Success: false, Attempts: attempt}
	default:
		return m.retry(ctx, f, op, attempt, isCancelled)
	}
}

// retry waits out the backoff delay and asks the caller to re-issue the
// operation; once the category's ceiling is reached it degrades to queue.
func (m *Manager) retry(ctx context.Context, f *fault.Fault, op Op, attempt int, isCancelled func() bool) Outcome {
	ceiling := m.cfg.maxAttemptsFor(f.Category)

	if attempt >= ceiling {
		syncRetryExhaustedTotal.WithLabelValues(string(f.Category)).Inc()
		m.logger.Warn().
			Str("category", string(f.Category)).
			Int("max_attempts", ceiling).
			Msg("Retry attempts exhausted - deferring operation")
		return m.deferOp(ctx, f, op, attempt)
	}

	delay := backoff.Delay(attempt, m.cfg.BaseBackoff, m.cfg.MaxBackoff, m.cfg.Jitter)
	// A remote retry-after hint overrides a shorter computed delay.
	if f.RetryAfter > delay {
		delay = f.RetryAfter
	}

	syncRetriesTotal.WithLabelValues(string(f.Category)).Inc()
	syncRetryBackoffSeconds.WithLabelValues(string(f.Category)).Observe(delay.Seconds())

	m.logger.Debug().
		Str("category", string(f.Category)).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Retrying after backoff")

	if !m.sleep(ctx, delay, isCancelled) {
		return Outcome{Cancelled: true, Attempts: attempt}
	}

	return Outcome{Retry: true, Attempts: attempt}
}

// deferOp persists a durable descriptor of the failed operation. The enqueue
// must succeed for the fault to count as handled.
func (m *Manager) deferOp(ctx context.Context, f *fault.Fault, op Op, attempt int) Outcome {
	if m.queue == nil {
		m.logger.Error().
			Str("category", string(f.Category)).
			Str("operation", op.Name).
			Msg("No deferred queue configured - fault not handled")
		return Outcome{Success: false, Attempts: attempt}
	}

	d := Descriptor{
		ID:           uuid.NewString(),
		Operation:    op.Name,
		ItemKey:      op.ItemKey,
		Payload:      op.Payload,
		Attempts:     attempt,
		FaultSummary: f.Error(),
		Category:     f.Category,
		QueuedAt:     time.Now().UTC(),
	}

	if err := m.queue.Enqueue(ctx, d); err != nil {
		m.logger.Error().Err(err).
			Str("operation", op.Name).
			Str("item_key", op.ItemKey).
			Msg("Failed to enqueue deferred operation")
		return Outcome{Success: false, Attempts: attempt}
	}

	syncDeferredTotal.WithLabelValues(string(f.Category)).Inc()
	m.logger.Info().
		Str("descriptor_id", d.ID).
		Str("operation", op.Name).
		Str("item_key", op.ItemKey).
		Msg("Operation deferred to durable queue")

	return Outcome{Success: true, Attempts: attempt, Deferred: &d}
}

// fallback tries the category's degraded alternative once; on failure the
// operation is re-dispatched as queue.
func (m *Manager) fallback(ctx context.Context, f *fault.Fault, op Op, attempt int) Outcome {
	fn, ok := m.fallbacks[f.Category]
	if !ok {
		syncFallbacksTotal.WithLabelValues(string(f.Category), "unregistered").Inc()
		return m.deferOp(ctx, f, op, attempt)
	}

	if err := fn(ctx, f); err != nil {
		syncFallbacksTotal.WithLabelValues(string(f.Category), "failure").Inc()
		m.logger.Warn().Err(err).
			Str("category", string(f.Category)).
			Msg("Fallback failed - deferring operation")
		return m.deferOp(ctx, f, op, attempt)
	}

	syncFallbacksTotal.WithLabelValues(string(f.Category), "success").Inc()
	return Outcome{Success: true, Attempts: attempt}
}

// sleep waits for delay, returning false if the context is done or
// isCancelled flips before the delay elapses.
func (m *Manager) sleep(ctx context.Context, delay time.Duration, isCancelled func() bool) bool {
	if delay <= 0 {
		return true
	}
	if isCancelled != nil && isCancelled() {
		return false
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	if isCancelled == nil {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			if isCancelled() {
				return false
			}
		}
	}
}
