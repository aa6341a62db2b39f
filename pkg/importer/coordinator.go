// Package importer turns a potentially huge query result into bounded,
// cancellable, resumable chunks of work: the progressive import coordinator.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tracker-sync/pkg/fault"
	"github.com/Sternrassler/tracker-sync/pkg/query"
	"github.com/Sternrassler/tracker-sync/pkg/recovery"
	"github.com/Sternrassler/tracker-sync/pkg/stats"
)

// Prometheus metrics for import sessions.
var (
	syncSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_sessions_total",
		Help: "Total import sessions by terminal phase",
	}, []string{"phase"})

	syncChunksCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_chunks_committed_total",
		Help: "Total chunks committed with a persisted checkpoint",
	})

	syncSessionItems = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_session_items",
		Help:    "Items processed per import session",
		Buckets: []float64{10, 100, 1000, 10000, 100000},
	})
)

// Distinguishable session errors.
var (
	// ErrAlreadyRunning is returned when a session is started while another
	// is active on the same coordinator.
	ErrAlreadyRunning = errors.New("import session already running")

	// ErrNothingToResume is returned when no checkpoint exists for the
	// requested session.
	ErrNothingToResume = errors.New("nothing to resume")

	// ErrDegraded is returned when degraded mode disables new writes.
	ErrDegraded = errors.New("degraded mode active")
)

// Sink applies one item to the local store. Must be idempotent under
// at-least-once delivery: a resumed session may re-apply the last
// partially-processed item.
type Sink interface {
	Apply(ctx context.Context, item query.Item) (stats.ItemCounts, error)
}

// CheckpointStore persists resume state. LoadCheckpoint returns (nil, nil)
// when no checkpoint exists.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
}

// Observer receives progress and error events. Calls are synchronous;
// observer panics never abort the run.
type Observer interface {
	Progress(processed, total int, phase Phase, detail string)
	ItemError(itemKey, message string)
}

// ItemCache receives last-known-good item snapshots as they import, for
// degraded fallbacks. Optional; failures are logged and ignored.
type ItemCache interface {
	Put(ctx context.Context, item query.Item) error
}

// Coordinator runs at most one import session at a time: it drives the
// query executor, slices pages into chunks, applies the sink per item,
// persists checkpoints, and finalizes a summary.
type Coordinator struct {
	fetcher  query.Fetcher
	store    CheckpointStore
	recovery *recovery.Manager
	stats    *stats.Aggregator
	observer Observer
	cache    ItemCache
	logger   zerolog.Logger

	mu             sync.Mutex
	active         *Session
	pauseCh        chan struct{}
	pauseRequested bool
}

// NewCoordinator creates an idle coordinator. observer may be nil.
func NewCoordinator(fetcher query.Fetcher, store CheckpointStore, recoveryMgr *recovery.Manager, aggregator *stats.Aggregator, observer Observer, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		fetcher:  fetcher,
		store:    store,
		recovery: recoveryMgr,
		stats:    aggregator,
		observer: observer,
		logger:   logger,
	}
}

// SetItemCache installs the optional item snapshot cache.
func (c *Coordinator) SetItemCache(cache ItemCache) {
	c.cache = cache
}

// Start creates a session for spec and runs it to a terminal phase or a
// pause. It fails immediately with ErrAlreadyRunning while another session
// is active, without touching that session's state.
func (c *Coordinator) Start(ctx context.Context, spec query.Spec, batchSize int, sink Sink) (*Summary, error) {
	if batchSize <= 0 {
		return nil, fault.New(fault.CategoryConfiguration, "start_session", "batch size must be positive", nil)
	}
	if c.recovery.Gate().Active() {
		return nil, fault.New(fault.CategoryConfiguration, "start_session", "degraded mode disables new sessions", ErrDegraded)
	}

	sess, err := c.begin(uuid.NewString(), spec, batchSize, 0, "")
	if err != nil {
		return nil, err
	}

	return c.run(ctx, sess, spec, sink, false)
}

// Resume rebuilds a session from its persisted checkpoint and continues
// with only the items after the checkpoint's last key.
func (c *Coordinator) Resume(ctx context.Context, sessionID string, sink Sink) (*Summary, error) {
	cp, err := c.store.LoadCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, fault.New(fault.CategoryLocalIO, "resume_session", "load checkpoint failed", err)
	}
	if cp == nil {
		return nil, fault.New(fault.CategoryConfiguration, "resume_session", "no checkpoint for session "+sessionID, ErrNothingToResume)
	}
	if c.recovery.Gate().Active() {
		return nil, fault.New(fault.CategoryConfiguration, "resume_session", "degraded mode disables new sessions", ErrDegraded)
	}

	sess, err := c.begin(sessionID, cp.Query, cp.BatchSize, cp.Processed, cp.LastKey)
	if err != nil {
		return nil, err
	}

	fetchSpec := cp.Query
	fetchSpec.AfterKey = cp.LastKey
	if fetchSpec.MaxResults > 0 {
		fetchSpec.MaxResults -= cp.Processed
		if fetchSpec.MaxResults <= 0 {
			// The cap was reached before the pause; nothing left to fetch.
			c.finish()
			return &Summary{SessionID: sessionID, Phase: PhaseComplete}, nil
		}
	}

	return c.run(ctx, sess, fetchSpec, sink, true)
}

// Pause requests cooperative cancellation of the active session. The
// in-progress chunk finishes and its checkpoint is persisted before the run
// returns with Cancelled=true. Pausing an idle coordinator is a no-op.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.pauseRequested {
		return
	}
	c.pauseRequested = true
	close(c.pauseCh)
	c.logger.Info().Str("session_id", c.active.ID).Msg("Pause requested")
}

// ActiveSession returns a snapshot of the running session, or nil.
func (c *Coordinator) ActiveSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil
	}
	snapshot := *c.active
	snapshot.Failures = append([]ItemFailure{}, c.active.Failures...)
	return &snapshot
}

// begin claims the single active-session slot.
func (c *Coordinator) begin(id string, spec query.Spec, batchSize, processed int, lastKey string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, fault.New(fault.CategoryConfiguration, "start_session",
			"session "+c.active.ID+" is active", ErrAlreadyRunning)
	}

	sess := &Session{
		ID:        id,
		Spec:      spec,
		BatchSize: batchSize,
		Phase:     PhaseIdle,
		Processed: processed,
		LastKey:   lastKey,
		StartedAt: time.Now(),
	}
	c.active = sess
	c.pauseCh = make(chan struct{})
	c.pauseRequested = false
	return sess, nil
}

// finish releases the active-session slot.
func (c *Coordinator) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = nil
}

func (c *Coordinator) run(ctx context.Context, sess *Session, fetchSpec query.Spec, sink Sink, resuming bool) (*Summary, error) {
	defer c.finish()

	logger := c.logger.With().Str("session_id", sess.ID).Logger()
	logger.Info().
		Str("query", fetchSpec.Query).
		Int("batch_size", sess.BatchSize).
		Bool("resuming", resuming).
		Msg("Starting import session")

	if resuming {
		c.setPhase(sess, PhaseResuming)
	}
	c.setPhase(sess, PhaseFetching)

	pauseCh := c.pauseCh
	isCancelled := func() bool {
		select {
		case <-pauseCh:
			return true
		default:
		}
		return ctx.Err() != nil
	}

	// base is what earlier runs of this session already processed; totals
	// reported by the executor cover only the remainder.
	base := sess.Processed

	var imported, updated, skipped, failed int

	onPage := func(items []query.Item, _, total int) error {
		c.setTotal(sess, base+total)
		c.setPhase(sess, PhaseImporting)

		for start := 0; start < len(items); start += sess.BatchSize {
			end := start + sess.BatchSize
			if end > len(items) {
				end = len(items)
			}

			for _, item := range items[start:end] {
				if c.recovery.Gate().Active() {
					return fault.New(fault.CategoryConfiguration, "apply_item",
						"degraded mode disables writes", ErrDegraded)
				}

				counts, ok := c.applyItem(ctx, sess, sink, item)
				if ok {
					imported += counts.Created
					updated += counts.Updated
					skipped += counts.Skipped
				} else {
					failed++
				}
				c.advance(sess, item.Key)
			}

			if err := c.saveCheckpoint(ctx, sess); err != nil {
				return err
			}
			syncChunksCommittedTotal.Inc()
			c.notifyProgress(sess, "chunk committed")

			if isCancelled() {
				return query.ErrCancelled
			}
		}

		c.setPhase(sess, PhaseFetching)
		return nil
	}

	executor := query.NewExecutor(c.fetcher, c.recovery, c.stats, logger)
	res, runErr := executor.Run(ctx, fetchSpec, onPage, isCancelled)

	summary := &Summary{
		SessionID:      sess.ID,
		Imported:       imported,
		Updated:        updated,
		Skipped:        skipped,
		Failed:         failed,
		Elapsed:        time.Since(sess.StartedAt),
		ItemsPerSecond: c.stats.Snapshot().ItemsPerSecond,
		Faults:         res.Faults,
		Failures:       append([]ItemFailure{}, sess.Failures...),
	}

	var phase Phase
	switch {
	case runErr != nil:
		phase = PhaseError
	case res.Cancelled && c.isPauseRequested():
		// The chunk in flight already committed its checkpoint; persist
		// once more in case the pause landed during the fetch phase.
		if err := c.saveCheckpoint(ctx, sess); err != nil {
			logger.Error().Err(err).Msg("Failed to persist checkpoint on pause")
		}
		phase = PhasePaused
		summary.Cancelled = true
	case res.Cancelled:
		phase = PhaseCancelled
		summary.Cancelled = true
	default:
		phase = PhaseComplete
	}

	c.setPhase(sess, phase)
	summary.Phase = phase
	c.notifyProgress(sess, "session finished")

	syncSessionsTotal.WithLabelValues(string(phase)).Inc()
	syncSessionItems.Observe(float64(sess.Processed - base))

	logger.Info().
		Str("phase", string(phase)).
		Int("imported", imported).
		Int("updated", updated).
		Int("skipped", skipped).
		Int("failed", failed).
		Dur("elapsed", summary.Elapsed).
		Msg("Import session finished")

	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

// applyItem feeds one item to the sink. A failure is recorded and recovered
// locally; it never aborts the batch.
func (c *Coordinator) applyItem(ctx context.Context, sess *Session, sink Sink, item query.Item) (stats.ItemCounts, bool) {
	start := time.Now()
	counts, err := sink.Apply(ctx, item)
	if err != nil {
		f := fault.Classify(err, "apply_item", item.Key)

		switch f.Strategy {
		case fault.StrategyQueue, fault.StrategyFallback:
			payload, merr := json.Marshal(item)
			if merr != nil {
				payload = nil
			}
			c.recovery.Handle(ctx, f, recovery.Op{Name: "apply_item", ItemKey: item.Key, Payload: payload}, 1, nil)
		default:
			c.stats.RecordFailure(f.Category)
		}

		c.recordFailure(sess, ItemFailure{ItemKey: item.Key, Category: f.Category, Message: f.Error()})
		c.notifyItemError(item.Key, f.Error())
		return stats.ItemCounts{}, false
	}

	c.stats.RecordSuccess(time.Since(start), counts)

	if c.cache != nil {
		if cerr := c.cache.Put(ctx, item); cerr != nil {
			c.logger.Warn().Err(cerr).Str("item_key", item.Key).Msg("Item cache update failed")
		}
	}

	return counts, true
}

// saveCheckpoint persists resume state. A failed save is escalated as a
// local-io fault; resume state is never silently lost.
func (c *Coordinator) saveCheckpoint(ctx context.Context, sess *Session) error {
	c.mu.Lock()
	cp := Checkpoint{
		SessionID: sess.ID,
		Query:     sess.Spec,
		BatchSize: sess.BatchSize,
		Processed: sess.Processed,
		LastKey:   sess.LastKey,
		UpdatedAt: time.Now().UTC(),
	}
	c.mu.Unlock()

	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return fault.New(fault.CategoryLocalIO, "save_checkpoint", "checkpoint write failed", err)
	}
	return nil
}

func (c *Coordinator) isPauseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseRequested
}

func (c *Coordinator) setPhase(sess *Session, phase Phase) {
	c.mu.Lock()
	changed := sess.Phase != phase
	sess.Phase = phase
	c.mu.Unlock()

	if changed {
		c.notifyProgress(sess, "")
	}
}

func (c *Coordinator) setTotal(sess *Session, total int) {
	c.mu.Lock()
	sess.Total = total
	c.mu.Unlock()
}

func (c *Coordinator) advance(sess *Session, key string) {
	c.mu.Lock()
	sess.Processed++
	sess.LastKey = key
	c.mu.Unlock()
}

func (c *Coordinator) recordFailure(sess *Session, f ItemFailure) {
	c.mu.Lock()
	sess.Failures = append(sess.Failures, f)
	c.mu.Unlock()
}

// notifyProgress reports progress synchronously, shielding the run from
// observer panics.
func (c *Coordinator) notifyProgress(sess *Session, detail string) {
	if c.observer == nil {
		return
	}

	c.mu.Lock()
	processed, total, phase := sess.Processed, sess.Total, sess.Phase
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn().Interface("panic", r).Msg("Progress observer panicked")
		}
	}()
	c.observer.Progress(processed, total, phase, detail)
}

func (c *Coordinator) notifyItemError(itemKey, message string) {
	if c.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn().Interface("panic", r).Msg("Item error observer panicked")
		}
	}()
	c.observer.ItemError(itemKey, message)
}
