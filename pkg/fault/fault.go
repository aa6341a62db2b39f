// Package fault defines the classified failure model used throughout the
// sync engine: categories, severities, recovery strategies, and the
// classifier that maps raw errors onto them.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Category identifies the origin class of a failure.
type Category string

const (
	// CategoryNetwork represents connectivity failures (DNS, refused, timeout).
	CategoryNetwork Category = "network"

	// CategoryRemote4xx represents remote client errors excluding 401/403/429.
	CategoryRemote4xx Category = "remote-4xx"

	// CategoryRemote5xx represents remote server errors.
	CategoryRemote5xx Category = "remote-5xx"

	// CategoryRateLimit represents an explicit rate-limit signal from the remote.
	CategoryRateLimit Category = "rate-limit"

	// CategoryAuth represents authentication/authorization failures (401/403).
	CategoryAuth Category = "auth"

	// CategoryValidation represents irrecoverable data shape issues.
	CategoryValidation Category = "validation"

	// CategoryConflict represents write conflicts on the local store.
	CategoryConflict Category = "conflict"

	// CategoryConfiguration represents invalid engine configuration.
	CategoryConfiguration Category = "configuration"

	// CategoryLocalIO represents local write failures.
	CategoryLocalIO Category = "local-io"

	// CategoryUnknown is the catch-all for unrecognized failures.
	CategoryUnknown Category = "unknown"
)

// Severity expresses how urgently a fault needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy is the recovery action suggested for a fault.
type Strategy string

const (
	// StrategyRetry retries the failed operation with backoff.
	StrategyRetry Strategy = "retry"

	// StrategyQueue defers the operation to a durable queue.
	StrategyQueue Strategy = "queue"

	// StrategyFallback attempts a degraded alternative action once.
	StrategyFallback Strategy = "fallback"

	// StrategyDegrade flips the process-wide degraded mode.
	StrategyDegrade Strategy = "graceful-degradation"

	// StrategyUserIntervention requires manual operator resolution.
	StrategyUserIntervention Strategy = "user-intervention"
)

// Fault is a classified failure. It is created once at the point a lower
// layer reports an error and read-only afterwards.
type Fault struct {
	Category   Category
	Severity   Severity
	Strategy   Strategy
	RetryAfter time.Duration
	Message    string
	Op         string
	ItemKey    string
	Err        error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("sync %s fault (%s): %s: %v", f.Category, f.Op, f.Message, f.Err)
	}
	return fmt.Sprintf("sync %s fault (%s): %s", f.Category, f.Op, f.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Transient reports whether automatic recovery may still resolve the fault.
// User-intervention faults are the only non-transient class.
func (f *Fault) Transient() bool {
	return f.Strategy != StrategyUserIntervention
}

// defaults maps each category to its severity and default strategy.
var defaults = map[Category]struct {
	severity Severity
	strategy Strategy
}{
	CategoryNetwork:       {SeverityMedium, StrategyRetry},
	CategoryRemote4xx:     {SeverityMedium, StrategyQueue},
	CategoryRemote5xx:     {SeverityMedium, StrategyRetry},
	CategoryRateLimit:     {SeverityLow, StrategyRetry},
	CategoryAuth:          {SeverityHigh, StrategyUserIntervention},
	CategoryValidation:    {SeverityMedium, StrategyUserIntervention},
	CategoryConflict:      {SeverityMedium, StrategyQueue},
	CategoryConfiguration: {SeverityCritical, StrategyUserIntervention},
	CategoryLocalIO:       {SeverityMedium, StrategyRetry},
	CategoryUnknown:       {SeverityMedium, StrategyRetry},
}

// New creates a fault of the given category with its default severity and
// strategy, wrapping err (which may be nil).
func New(category Category, op, message string, err error) *Fault {
	d, ok := defaults[category]
	if !ok {
		d = defaults[CategoryUnknown]
		category = CategoryUnknown
	}
	return &Fault{
		Category: category,
		Severity: d.severity,
		Strategy: d.strategy,
		Message:  message,
		Op:       op,
		Err:      err,
	}
}

// HTTPError carries a remote HTTP status through transport-agnostic layers
// so the classifier can map it to a category.
type HTTPError struct {
	Status     int
	RetryAfter time.Duration
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote status %d", e.Status)
}

// Sentinel errors recognized by the classifier. Collaborators wrap these to
// force a specific category without depending on classifier internals.
var (
	// ErrLocalWrite marks a failed write to the local store.
	ErrLocalWrite = errors.New("local write failed")

	// ErrValidation marks an irrecoverable data shape issue.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a write conflict on the local store.
	ErrConflict = errors.New("write conflict")
)
