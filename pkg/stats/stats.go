// Package stats aggregates rolling sync and error statistics: cumulative
// counters, success-only timing averages, per-category error counts, and a
// 24-entry hourly rollup.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/tracker-sync/pkg/fault"
)

// Prometheus metrics for sync statistics.
var (
	syncOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_operations_total",
		Help: "Total sync operations by result",
	}, []string{"result"})

	syncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_items_total",
		Help: "Total items processed by action",
	}, []string{"action"})

	syncErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_errors_total",
		Help: "Total classified faults by category",
	}, []string{"category"})

	syncAPICallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_api_calls_total",
		Help: "Total remote API calls issued",
	})

	syncOperationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_operation_duration_seconds",
		Help:    "Duration of successful sync operations",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)

// overflowThreshold is the point at which all counters are proportionally
// rescaled. Ratios (success rate, averages) survive the rescale; absolute
// counts lose precision.
const overflowThreshold = uint64(1) << 62

// hourBuckets is the fixed size of the hourly rollup window.
const hourBuckets = 24

// ItemCounts reports what a sink did with the items of one operation.
type ItemCounts struct {
	Created int
	Updated int
	Skipped int
}

// Total returns the number of items covered by the counts.
func (c ItemCounts) Total() int {
	return c.Created + c.Updated + c.Skipped
}

// HourBucket is one hour's aggregate in the rolling window.
type HourBucket struct {
	Hour      time.Time
	Succeeded uint64
	Failed    uint64
	Items     uint64
}

// Snapshot is a point-in-time, read-only view of the aggregator.
type Snapshot struct {
	Attempted uint64
	Succeeded uint64
	Failed    uint64

	ItemsCreated uint64
	ItemsUpdated uint64
	ItemsSkipped uint64

	APICalls uint64

	ConsecutiveFailures int
	ErrorsByCategory    map[fault.Category]uint64

	// AverageDuration is the mean duration of successful operations.
	AverageDuration time.Duration

	// ItemsPerSecond is the unweighted mean of per-operation throughput
	// samples, computed over successful operations only.
	ItemsPerSecond float64

	// Hourly holds up to 24 buckets in chronological order.
	Hourly []HourBucket
}

// ItemsTotal returns the total number of items accounted for.
func (s Snapshot) ItemsTotal() uint64 {
	return s.ItemsCreated + s.ItemsUpdated + s.ItemsSkipped
}

// Aggregator collects rolling sync statistics. Safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	now func() time.Time

	attempted uint64
	succeeded uint64
	failed    uint64

	created uint64
	updated uint64
	skipped uint64

	apiCalls uint64

	// Timing sums cover successful operations only; failures never distort
	// the averages.
	durationSum time.Duration
	rateSum     float64
	rateCount   uint64

	consecutiveFailures int
	errorsByCategory    map[fault.Category]uint64

	hourly []HourBucket
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		now:              time.Now,
		errorsByCategory: make(map[fault.Category]uint64),
	}
}

// RecordSuccess records one successful operation with its duration and the
// item counts it produced.
func (a *Aggregator) RecordSuccess(duration time.Duration, counts ItemCounts) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.attempted++
	a.succeeded++
	a.created += uint64(counts.Created)
	a.updated += uint64(counts.Updated)
	a.skipped += uint64(counts.Skipped)

	a.durationSum += duration
	if duration > 0 {
		a.rateSum += float64(counts.Total()) / duration.Seconds()
		a.rateCount++
	}

	a.consecutiveFailures = 0

	b := a.bucket()
	b.Succeeded++
	b.Items += uint64(counts.Total())

	a.rescaleIfNeeded()

	syncOperationsTotal.WithLabelValues("success").Inc()
	syncItemsTotal.WithLabelValues("created").Add(float64(counts.Created))
	syncItemsTotal.WithLabelValues("updated").Add(float64(counts.Updated))
	syncItemsTotal.WithLabelValues("skipped").Add(float64(counts.Skipped))
	syncOperationDuration.Observe(duration.Seconds())
}

// RecordFailure records one failed operation under the given category.
func (a *Aggregator) RecordFailure(category fault.Category) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.attempted++
	a.failed++
	a.consecutiveFailures++
	a.errorsByCategory[category]++

	b := a.bucket()
	b.Failed++

	a.rescaleIfNeeded()

	syncOperationsTotal.WithLabelValues("failure").Inc()
	syncErrorsTotal.WithLabelValues(string(category)).Inc()
}

// RecordAPICalls adds n to the remote call counter.
func (a *Aggregator) RecordAPICalls(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.apiCalls += uint64(n)
	syncAPICallsTotal.Add(float64(n))
}

// Snapshot returns a copy of the current statistics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		Attempted:           a.attempted,
		Succeeded:           a.succeeded,
		Failed:              a.failed,
		ItemsCreated:        a.created,
		ItemsUpdated:        a.updated,
		ItemsSkipped:        a.skipped,
		APICalls:            a.apiCalls,
		ConsecutiveFailures: a.consecutiveFailures,
		ErrorsByCategory:    make(map[fault.Category]uint64, len(a.errorsByCategory)),
		Hourly:              make([]HourBucket, len(a.hourly)),
	}
	for cat, n := range a.errorsByCategory {
		s.ErrorsByCategory[cat] = n
	}
	copy(s.Hourly, a.hourly)

	if a.succeeded > 0 {
		s.AverageDuration = a.durationSum / time.Duration(a.succeeded)
	}
	if a.rateCount > 0 {
		s.ItemsPerSecond = a.rateSum / float64(a.rateCount)
	}

	return s
}

// bucket returns the hourly bucket for the current time, creating it and
// evicting the oldest bucket when the window is full. Callers must hold mu.
func (a *Aggregator) bucket() *HourBucket {
	hour := a.now().Truncate(time.Hour)

	if n := len(a.hourly); n > 0 {
		last := &a.hourly[n-1]
		// Equal hour hits the open bucket; an earlier timestamp (clock skew)
		// folds into it rather than breaking chronological order.
		if !hour.After(last.Hour) {
			return last
		}
	}

	a.hourly = append(a.hourly, HourBucket{Hour: hour})
	if len(a.hourly) > hourBuckets {
		a.hourly = a.hourly[len(a.hourly)-hourBuckets:]
	}
	return &a.hourly[len(a.hourly)-1]
}

// rescaleIfNeeded halves every counter once any of them nears the overflow
// boundary, preserving ratios instead of resetting to zero. Callers must
// hold mu.
func (a *Aggregator) rescaleIfNeeded() {
	if a.attempted < overflowThreshold &&
		a.created < overflowThreshold &&
		a.updated < overflowThreshold &&
		a.skipped < overflowThreshold &&
		a.apiCalls < overflowThreshold &&
		uint64(a.durationSum) < overflowThreshold &&
		a.rateSum < float64(overflowThreshold) {
		return
	}

	a.succeeded /= 2
	a.failed /= 2
	// Recomputed rather than halved so total == succeeded + failed survives
	// integer division.
	a.attempted = a.succeeded + a.failed
	a.created /= 2
	a.updated /= 2
	a.skipped /= 2
	a.apiCalls /= 2
	a.durationSum /= 2
	a.rateSum /= 2
	if a.rateCount > 1 {
		a.rateCount /= 2
	}
	for cat := range a.errorsByCategory {
		a.errorsByCategory[cat] /= 2
	}
	for i := range a.hourly {
		a.hourly[i].Succeeded /= 2
		a.hourly[i].Failed /= 2
		a.hourly[i].Items /= 2
	}
}
