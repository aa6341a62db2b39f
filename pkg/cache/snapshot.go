package cache

import (
	"time"

	"github.com/Sternrassler/tracker-sync/pkg/query"
)

// Snapshot is the cached last-known state of a remote item. It backs the
// fallback path: when the remote refuses a read, the engine can serve the
// snapshot instead of failing outright.
type Snapshot struct {
	// Item is the remote item as last seen.
	Item query.Item `json:"item"`

	// CachedAt is when the snapshot was stored.
	CachedAt time.Time `json:"cached_at"`
}

// Age returns how long ago the snapshot was taken.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.CachedAt)
}

// Stale reports whether the snapshot is older than the given threshold.
func (s *Snapshot) Stale(threshold time.Duration) bool {
	return s.Age() > threshold
}
