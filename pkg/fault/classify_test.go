package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

// timeoutError mimics a net.Error timeout as returned by the HTTP client.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify_Precedence(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		expectedCategory Category
		expectedSeverity Severity
		expectedStrategy Strategy
	}{
		{
			name:             "429 is rate limit",
			err:              &HTTPError{Status: 429},
			expectedCategory: CategoryRateLimit,
			expectedSeverity: SeverityLow,
			expectedStrategy: StrategyRetry,
		},
		{
			name:             "retry-after hint wins over status class",
			err:              &HTTPError{Status: 503, RetryAfter: 30 * time.Second},
			expectedCategory: CategoryRateLimit,
			expectedSeverity: SeverityLow,
			expectedStrategy: StrategyRetry,
		},
		{
			name:             "network timeout",
			err:              &net.OpError{Op: "dial", Err: timeoutError{}},
			expectedCategory: CategoryNetwork,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyRetry,
		},
		{
			name:             "connection refused",
			err:              fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
			expectedCategory: CategoryNetwork,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyRetry,
		},
		{
			name:             "deadline exceeded",
			err:              fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			expectedCategory: CategoryNetwork,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyRetry,
		},
		{
			name:             "500 is remote-5xx",
			err:              &HTTPError{Status: 500},
			expectedCategory: CategoryRemote5xx,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyRetry,
		},
		{
			name:             "404 is remote-4xx and queued",
			err:              &HTTPError{Status: 404},
			expectedCategory: CategoryRemote4xx,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyQueue,
		},
		{
			name:             "409 follows the 4xx rule",
			err:              &HTTPError{Status: 409},
			expectedCategory: CategoryRemote4xx,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyQueue,
		},
		{
			name:             "401 needs the operator",
			err:              &HTTPError{Status: 401},
			expectedCategory: CategoryAuth,
			expectedSeverity: SeverityHigh,
			expectedStrategy: StrategyUserIntervention,
		},
		{
			name:             "403 needs the operator",
			err:              &HTTPError{Status: 403},
			expectedCategory: CategoryAuth,
			expectedSeverity: SeverityHigh,
			expectedStrategy: StrategyUserIntervention,
		},
		{
			name:             "local write failure",
			err:              fmt.Errorf("sink: %w", ErrLocalWrite),
			expectedCategory: CategoryLocalIO,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyRetry,
		},
		{
			name:             "validation failure",
			err:              fmt.Errorf("item: %w", ErrValidation),
			expectedCategory: CategoryValidation,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyUserIntervention,
		},
		{
			name:             "write conflict",
			err:              fmt.Errorf("sink: %w", ErrConflict),
			expectedCategory: CategoryConflict,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyQueue,
		},
		{
			name:             "unrecognized error",
			err:              errors.New("something odd"),
			expectedCategory: CategoryUnknown,
			expectedSeverity: SeverityMedium,
			expectedStrategy: StrategyRetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err, "fetch_page", "ISSUE-1")

			if f.Category != tt.expectedCategory {
				t.Errorf("Category = %s, want %s", f.Category, tt.expectedCategory)
			}
			if f.Severity != tt.expectedSeverity {
				t.Errorf("Severity = %s, want %s", f.Severity, tt.expectedSeverity)
			}
			if f.Strategy != tt.expectedStrategy {
				t.Errorf("Strategy = %s, want %s", f.Strategy, tt.expectedStrategy)
			}
			if f.Op != "fetch_page" {
				t.Errorf("Op = %s, want fetch_page", f.Op)
			}
			if f.ItemKey != "ISSUE-1" {
				t.Errorf("ItemKey = %s, want ISSUE-1", f.ItemKey)
			}
		})
	}
}

func TestClassify_PreservesExistingFault(t *testing.T) {
	original := New(CategoryConfiguration, "startup", "missing base URL", nil)

	f := Classify(fmt.Errorf("wrapped: %w", original), "fetch_page", "")

	if f != original {
		t.Errorf("Classify rewrote an already classified fault")
	}
	if f.Category != CategoryConfiguration {
		t.Errorf("Category = %s, want %s", f.Category, CategoryConfiguration)
	}
}

func TestClassify_RetryAfterCarried(t *testing.T) {
	f := Classify(&HTTPError{Status: 429, RetryAfter: 10 * time.Second}, "fetch_page", "")

	if f.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %v, want 10s", f.RetryAfter)
	}
}

func TestFault_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	f := New(CategoryNetwork, "fetch_page", "connectivity failure", cause)

	if !errors.Is(f, cause) {
		t.Errorf("errors.Is failed to unwrap the cause")
	}
	if f.Error() == "" {
		t.Errorf("Error() returned empty string")
	}
}

func TestFault_Transient(t *testing.T) {
	if New(CategoryAuth, "", "", nil).Transient() {
		t.Errorf("auth fault should not be transient")
	}
	if !New(CategoryNetwork, "", "", nil).Transient() {
		t.Errorf("network fault should be transient")
	}
}

func TestNew_UnknownCategoryFallsBack(t *testing.T) {
	f := New(Category("bogus"), "op", "msg", nil)

	if f.Category != CategoryUnknown {
		t.Errorf("Category = %s, want %s", f.Category, CategoryUnknown)
	}
}
