package importer

import (
	"time"

	"github.com/Sternrassler/tracker-sync/pkg/fault"
	"github.com/Sternrassler/tracker-sync/pkg/query"
)

// Phase is the lifecycle state of an import session.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseImporting Phase = "importing"
	PhasePaused    Phase = "paused"
	PhaseResuming  Phase = "resuming"
	PhaseCancelled Phase = "cancelled"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseCancelled || p == PhaseComplete || p == PhaseError
}

// ItemFailure records one per-item fault without aborting the batch.
type ItemFailure struct {
	ItemKey  string         `json:"item_key"`
	Category fault.Category `json:"category"`
	Message  string         `json:"message"`
}

// Session is the unit of work for one coordinator run. Mutated only by the
// coordinator that owns it.
type Session struct {
	ID        string
	Spec      query.Spec
	BatchSize int
	Phase     Phase

	// Processed counts items handed to the sink, successes and failures
	// alike, including items processed before a resume.
	Processed int

	// Total is the best known total for the session, refined as paging
	// proceeds. For resumed sessions it includes already-processed items.
	Total int

	StartedAt time.Time
	LastKey   string
	Failures  []ItemFailure
}

// Checkpoint is the persisted resume state: enough to rebuild a query that
// returns only the unprocessed remainder.
type Checkpoint struct {
	SessionID string     `json:"session_id"`
	Query     query.Spec `json:"query"`
	BatchSize int        `json:"batch_size"`
	Processed int        `json:"processed"`
	LastKey   string     `json:"last_key"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summary is the final accounting of a session.
type Summary struct {
	SessionID string
	Phase     Phase

	Imported int
	Updated  int
	Skipped  int
	Failed   int

	Elapsed        time.Duration
	ItemsPerSecond float64

	// Cancelled is true when the run ended by pause or cancellation.
	Cancelled bool

	// Faults holds the page- and session-level faults of the run; per-item
	// failures live in the session's failure list.
	Faults []*fault.Fault

	// Failures lists the per-item failures of the run.
	Failures []ItemFailure
}
