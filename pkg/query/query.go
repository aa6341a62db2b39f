// Package query drives paginated fetches against a remote issue-tracking
// API until the query is exhausted, a caller limit is hit, or cancellation
// occurs, recovering from per-page faults through the strategy pipeline.
package query

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tracker-sync/pkg/fault"
	"github.com/Sternrassler/tracker-sync/pkg/recovery"
	"github.com/Sternrassler/tracker-sync/pkg/stats"
)

// Prometheus metrics for query execution.
var (
	syncPagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_pages_fetched_total",
		Help: "Total result pages fetched from the remote API",
	})

	syncItemsFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_items_fetched_total",
		Help: "Total items fetched from the remote API",
	})
)

// ErrCancelled is returned by an OnPage callback to stop the run at a chunk
// boundary; the executor reports it as cooperative cancellation, not a fault.
var ErrCancelled = errors.New("execution cancelled")

// Item is one record fetched from the remote tracker.
type Item struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Spec describes one query. Immutable once executing.
type Spec struct {
	// Query is the remote search expression.
	Query string `json:"query"`

	// Fields lists the requested fields per item.
	Fields []string `json:"fields,omitempty"`

	// PageSize is the number of items requested per page.
	PageSize int `json:"page_size"`

	// MaxResults caps the absolute number of items fetched. 0 means no cap.
	MaxResults int `json:"max_results,omitempty"`

	// AfterKey restricts the query to items after the given key, used to
	// resume from a checkpoint.
	AfterKey string `json:"after_key,omitempty"`
}

// Page is the result of one fetch call. Produced once, never mutated.
type Page struct {
	Items []Item

	// Total is the remote's reported total for the query. It may be an
	// estimate and can change between pages.
	Total int

	// IsLast signals that no more pages remain.
	IsLast bool

	// NextToken is the opaque continuation token for the next fetch.
	NextToken string
}

// Fetcher is the remote fetch collaborator.
type Fetcher interface {
	FetchPage(ctx context.Context, spec Spec, pageToken string) (*Page, error)
}

// OnPage is invoked once per successfully fetched page with the items, the
// running fetched count, and the most recent reported total.
type OnPage func(items []Item, fetched, total int) error

// Result reports what a run collected.
type Result struct {
	ItemsFetched int
	Total        int

	// Truncated is true when the run ended before the query was exhausted:
	// an unrecoverable page fault, or the caller's cap with items remaining.
	Truncated bool

	// Cancelled is true when the run stopped cooperatively.
	Cancelled bool

	// Faults holds the classified page-level faults encountered.
	Faults []*fault.Fault
}

// Executor drives repeated fetches for one query. It holds no reference to
// its caller; everything flows through the OnPage callback.
type Executor struct {
	fetcher  Fetcher
	recovery *recovery.Manager
	stats    *stats.Aggregator
	logger   zerolog.Logger
}

// NewExecutor creates a query executor.
func NewExecutor(fetcher Fetcher, recoveryMgr *recovery.Manager, aggregator *stats.Aggregator, logger zerolog.Logger) *Executor {
	return &Executor{
		fetcher:  fetcher,
		recovery: recoveryMgr,
		stats:    aggregator,
		logger:   logger,
	}
}

// Run fetches pages until the query is exhausted, the cap is reached, the
// run is cancelled, or a fault is not recoverable by retry. Cancellation is
// checked at page boundaries only; in-flight fetches are never interrupted.
// A failed fetch is retried for the same page per the recovery strategy; a
// non-retry outcome records the fault and aborts with Truncated=true.
func (e *Executor) Run(ctx context.Context, spec Spec, onPage OnPage, isCancelled func() bool) (*Result, error) {
	res := &Result{}
	token := ""
	attempt := 0

	for {
		if e.cancelled(ctx, isCancelled) {
			res.Cancelled = true
			return res, nil
		}

		pageSpec := spec
		if spec.MaxResults > 0 {
			remaining := spec.MaxResults - res.ItemsFetched
			if remaining <= 0 {
				if res.ItemsFetched < res.Total {
					res.Truncated = true
				}
				return res, nil
			}
			if pageSpec.PageSize > remaining || pageSpec.PageSize <= 0 {
				pageSpec.PageSize = remaining
			}
		}

		page, err := e.fetcher.FetchPage(ctx, pageSpec, token)
		if e.stats != nil {
			e.stats.RecordAPICalls(1)
		}

		if err != nil {
			attempt++
			f := fault.Classify(err, "fetch_page", "")
			out := e.recovery.Handle(ctx, f, recovery.Op{Name: "fetch_page"}, attempt, isCancelled)

			if out.Retry {
				// Re-issue the same page request.
				continue
			}
			if out.Cancelled {
				res.Cancelled = true
				return res, nil
			}

			res.Faults = append(res.Faults, f)
			res.Truncated = true
			e.logger.Error().
				Str("category", string(f.Category)).
				Int("items_fetched", res.ItemsFetched).
				Bool("handled", out.Success).
				Msg("Query execution aborted by fault")
			return res, f
		}

		attempt = 0
		syncPagesFetchedTotal.Inc()
		syncItemsFetchedTotal.Add(float64(len(page.Items)))

		// The remote total can be approximate; always trust the most
		// recent report.
		res.Total = page.Total
		res.ItemsFetched += len(page.Items)

		e.logger.Debug().
			Int("page_items", len(page.Items)).
			Int("fetched", res.ItemsFetched).
			Int("total", res.Total).
			Bool("is_last", page.IsLast).
			Msg("Page fetched")

		if err := onPage(page.Items, res.ItemsFetched, res.Total); err != nil {
			if errors.Is(err, ErrCancelled) {
				res.Cancelled = true
				return res, nil
			}
			f := fault.Classify(err, "process_page", "")
			res.Faults = append(res.Faults, f)
			res.Truncated = true
			return res, f
		}

		if page.IsLast {
			return res, nil
		}

		// An empty non-final page would loop forever; treat it as final.
		if len(page.Items) == 0 {
			e.logger.Warn().Msg("Empty page without is_last signal - treating as final")
			return res, nil
		}

		token = page.NextToken
	}
}

// cancelled reports cooperative cancellation, checked only between pages.
func (e *Executor) cancelled(ctx context.Context, isCancelled func() bool) bool {
	if ctx.Err() != nil {
		return true
	}
	return isCancelled != nil && isCancelled()
}
