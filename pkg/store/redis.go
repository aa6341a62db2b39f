// Package store provides the redis-backed durable store consumed by the
// sync engine: session checkpoints for resume, and the deferred-operation
// queue fed by the recovery pipeline.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/tracker-sync/pkg/importer"
	"github.com/Sternrassler/tracker-sync/pkg/recovery"
)

// Redis key layout.
const (
	keyCheckpointPrefix = "sync:checkpoint:"
	keyDeferredPrefix   = "sync:deferred:"
	keyDeferredQueue    = "sync:deferred_queue"
)

// DefaultCheckpointTTL bounds how long a paused session stays resumable.
const DefaultCheckpointTTL = 7 * 24 * time.Hour

// DefaultDeferredTTL bounds how long a deferred descriptor is kept.
const DefaultDeferredTTL = 24 * time.Hour

// Prometheus metrics for durable store operations.
var (
	syncStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_store_errors_total",
		Help: "Total durable store errors by operation",
	}, []string{"operation"})

	syncCheckpointWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_checkpoint_writes_total",
		Help: "Total checkpoint writes",
	})

	syncDeferredQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_deferred_queue_depth",
		Help: "Current depth of the deferred operation queue",
	})
)

// Store is the redis-backed durable store. It implements
// importer.CheckpointStore and recovery.DeferredQueue.
type Store struct {
	redis         *redis.Client
	checkpointTTL time.Duration
	deferredTTL   time.Duration
}

// New creates a durable store on the given redis client.
func New(redisClient *redis.Client) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Store{
		redis:         redisClient,
		checkpointTTL: DefaultCheckpointTTL,
		deferredTTL:   DefaultDeferredTTL,
	}
}

// SaveCheckpoint persists the resume state for a session, replacing any
// previous checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp importer.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		syncStoreErrorsTotal.WithLabelValues("save_checkpoint").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := s.redis.Set(ctx, keyCheckpointPrefix+cp.SessionID, data, s.checkpointTTL).Err(); err != nil {
		syncStoreErrorsTotal.WithLabelValues("save_checkpoint").Inc()
		return fmt.Errorf("redis set checkpoint: %w", err)
	}

	syncCheckpointWritesTotal.Inc()
	return nil
}

// LoadCheckpoint returns the checkpoint for a session, or (nil, nil) when
// none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (*importer.Checkpoint, error) {
	data, err := s.redis.Get(ctx, keyCheckpointPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		syncStoreErrorsTotal.WithLabelValues("load_checkpoint").Inc()
		return nil, fmt.Errorf("redis get checkpoint: %w", err)
	}

	var cp importer.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		syncStoreErrorsTotal.WithLabelValues("load_checkpoint").Inc()
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes a session's resume state.
func (s *Store) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, keyCheckpointPrefix+sessionID).Err(); err != nil {
		syncStoreErrorsTotal.WithLabelValues("delete_checkpoint").Inc()
		return fmt.Errorf("redis del checkpoint: %w", err)
	}
	return nil
}

// Enqueue persists a deferred operation descriptor. The descriptor body is
// stored under its own key; a sorted set orders the queue by attempt count
// so the least-retried operations drain first.
func (s *Store) Enqueue(ctx context.Context, d recovery.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		syncStoreErrorsTotal.WithLabelValues("enqueue").Inc()
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, keyDeferredPrefix+d.ID, data, s.deferredTTL)
	pipe.ZAdd(ctx, keyDeferredQueue, redis.Z{
		Score:  float64(d.Attempts),
		Member: d.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		syncStoreErrorsTotal.WithLabelValues("enqueue").Inc()
		return fmt.Errorf("redis enqueue descriptor: %w", err)
	}

	s.updateQueueDepth(ctx)
	return nil
}

// NextDeferred returns the deferred descriptor with the lowest attempt
// count, or (nil, nil) when the queue is empty. The descriptor stays queued
// until RemoveDeferred is called.
func (s *Store) NextDeferred(ctx context.Context) (*recovery.Descriptor, error) {
	ids, err := s.redis.ZRange(ctx, keyDeferredQueue, 0, 0).Result()
	if err != nil {
		syncStoreErrorsTotal.WithLabelValues("next_deferred").Inc()
		return nil, fmt.Errorf("redis zrange deferred queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	data, err := s.redis.Get(ctx, keyDeferredPrefix+ids[0]).Bytes()
	if err == redis.Nil {
		// Body expired but the ID is still queued; drop the orphan.
		s.redis.ZRem(ctx, keyDeferredQueue, ids[0])
		return nil, nil
	}
	if err != nil {
		syncStoreErrorsTotal.WithLabelValues("next_deferred").Inc()
		return nil, fmt.Errorf("redis get descriptor: %w", err)
	}

	var d recovery.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		syncStoreErrorsTotal.WithLabelValues("next_deferred").Inc()
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	return &d, nil
}

// RemoveDeferred deletes a drained descriptor from the queue.
func (s *Store) RemoveDeferred(ctx context.Context, id string) error {
	pipe := s.redis.Pipeline()
	pipe.ZRem(ctx, keyDeferredQueue, id)
	pipe.Del(ctx, keyDeferredPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		syncStoreErrorsTotal.WithLabelValues("remove_deferred").Inc()
		return fmt.Errorf("redis remove descriptor: %w", err)
	}

	s.updateQueueDepth(ctx)
	return nil
}

// DeferredDepth returns the number of queued descriptors.
func (s *Store) DeferredDepth(ctx context.Context) (int64, error) {
	n, err := s.redis.ZCard(ctx, keyDeferredQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard deferred queue: %w", err)
	}
	return n, nil
}

func (s *Store) updateQueueDepth(ctx context.Context) {
	if n, err := s.DeferredDepth(ctx); err == nil {
		syncDeferredQueueDepth.Set(float64(n))
	}
}
