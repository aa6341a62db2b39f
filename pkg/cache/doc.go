// Package cache stores last-known item snapshots in Redis.
//
// The import coordinator writes a snapshot for every item it applies
// successfully. When a later live read of an item fails with a fault whose
// strategy is fallback, the recovery manager serves the snapshot instead of
// failing the operation, and the user sees slightly stale data rather than
// an error.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	// Store the current state of an item
//	if err := manager.Put(ctx, item); err != nil {
//		return err
//	}
//
//	// Serve the last-known state
//	snap, err := manager.Get(ctx, "ISSUE-42")
//	if err == cache.ErrCacheMiss {
//		// No snapshot - the fault goes to the deferred queue instead
//	}
//
// # Metrics
//
// The cache exports Prometheus metrics:
//
//   - sync_item_cache_hits_total - Snapshot hits
//   - sync_item_cache_misses_total - Snapshot misses
//   - sync_item_cache_fallback_total - Reads served from a snapshot
//   - sync_item_cache_errors_total{operation} - Operation errors
package cache
