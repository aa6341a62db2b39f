package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/tracker-sync/pkg/query"
)

var (
	// ErrCacheMiss indicates the requested item has no snapshot
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cached snapshot is corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultTTL bounds how long a snapshot is served before it expires.
const DefaultTTL = 6 * time.Hour

const keyItemPrefix = "sync:item:"

// Manager stores item snapshots in Redis, keyed by item key.
type Manager struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewManager creates a new snapshot cache with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
		ttl:   DefaultTTL,
	}
}

// WithTTL overrides the snapshot TTL.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// Get retrieves the snapshot for an item key.
// Returns ErrCacheMiss if no snapshot exists.
func (m *Manager) Get(ctx context.Context, itemKey string) (*Snapshot, error) {
	data, err := m.redis.Get(ctx, keyItemPrefix+itemKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.Inc()
	return &snap, nil
}

// Put stores the current state of an item, replacing any older snapshot.
// It implements the item cache hook the import coordinator writes through.
func (m *Manager) Put(ctx context.Context, item query.Item) error {
	if item.Key == "" {
		return fmt.Errorf("item key cannot be empty")
	}

	snap := Snapshot{
		Item:     item,
		CachedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := m.redis.Set(ctx, keyItemPrefix+item.Key, data, m.ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheBytesWritten.Add(float64(len(data)))
	return nil
}

// Delete removes an item's snapshot.
func (m *Manager) Delete(ctx context.Context, itemKey string) error {
	if err := m.redis.Del(ctx, keyItemPrefix+itemKey).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Fallback returns a recovery fallback that serves the cached snapshot for
// an item when the live read fails. It reports an error when no snapshot
// exists, which sends the fault on to the deferred queue.
func (m *Manager) Fallback() func(ctx context.Context, itemKey string) (*Snapshot, error) {
	return func(ctx context.Context, itemKey string) (*Snapshot, error) {
		snap, err := m.Get(ctx, itemKey)
		if err != nil {
			return nil, err
		}
		FallbackServes.Inc()
		return snap, nil
	}
}
