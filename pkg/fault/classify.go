package fault

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// Classify maps a raw error onto a Fault with category, severity, and
// strategy assigned by fixed precedence rules:
//
//  1. explicit rate-limit signal (429 or Retry-After hint)
//  2. connectivity failure
//  3. 5xx remote status
//  4. 4xx remote status excluding 401/403/429
//  5. 401/403
//  6. local write failure
//  7. irrecoverable data shape issue
//  8. anything else → unknown
//
// An error that is already a *Fault is returned unchanged, preserving the
// original classification.
func Classify(err error, op, itemKey string) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	classified := classify(err)
	classified.Op = op
	classified.ItemKey = itemKey
	return classified
}

func classify(err error) *Fault {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr, err)
	}

	if isConnectivity(err) {
		return New(CategoryNetwork, "", "connectivity failure", err)
	}

	if errors.Is(err, ErrLocalWrite) {
		return New(CategoryLocalIO, "", "local write failed", err)
	}

	if errors.Is(err, ErrConflict) {
		return New(CategoryConflict, "", "write conflict", err)
	}

	if errors.Is(err, ErrValidation) {
		return New(CategoryValidation, "", "invalid data shape", err)
	}

	return New(CategoryUnknown, "", "unrecognized failure", err)
}

func classifyHTTP(httpErr *HTTPError, cause error) *Fault {
	// Rate-limit signal takes precedence over the status class.
	if httpErr.Status == 429 || httpErr.RetryAfter > 0 {
		f := New(CategoryRateLimit, "", "remote rate limit", cause)
		f.RetryAfter = httpErr.RetryAfter
		return f
	}

	switch {
	case httpErr.Status == 401 || httpErr.Status == 403:
		return New(CategoryAuth, "", "authentication rejected", cause)
	case httpErr.Status >= 500:
		return New(CategoryRemote5xx, "", "remote server error", cause)
	case httpErr.Status >= 400:
		return New(CategoryRemote4xx, "", "remote client error", cause)
	default:
		return New(CategoryUnknown, "", "unexpected remote status", cause)
	}
}

// isConnectivity reports whether err represents a connectivity failure:
// timeouts, refused connections, DNS failures, or a fetch cut short by its
// deadline.
func isConnectivity(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// RetryAfterHint extracts the retry-after hint from an error chain, or 0.
func RetryAfterHint(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}
