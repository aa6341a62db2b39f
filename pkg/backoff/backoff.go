// Package backoff computes retry delays with exponential growth, a hard cap,
// and optional jitter to avoid synchronized retries across sessions.
package backoff

import (
	"math/rand"
	"time"
)

// Delay returns the backoff delay for the given attempt (1-based):
// min(max, base * 2^(attempt-1)). With jitter enabled the result is a
// uniformly random duration in [0, computed]. Without jitter the result is
// deterministic, which tests rely on.
func Delay(attempt int, base, max time.Duration, jitter bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}

	computed := base
	for i := 1; i < attempt; i++ {
		computed *= 2
		// Doubling past the cap (or overflowing) can only land on the cap.
		if computed >= max || computed < 0 {
			computed = max
			break
		}
	}
	if computed > max {
		computed = max
	}

	if jitter && computed > 0 {
		return time.Duration(rand.Int63n(int64(computed) + 1))
	}
	return computed
}
