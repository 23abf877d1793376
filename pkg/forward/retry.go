package forward

import (
	"context"
	"time"
)

// attemptFunc runs one delivery attempt. retryable reports whether a failure
// is worth another attempt (server errors, rate limiting, network trouble)
// or permanent (other client errors).
type attemptFunc func() (result string, retryable bool, err error)

// withRetry runs op up to maxAttempts times, sleeping backoff*2^attempt
// between failed attempts. It stops early on success, on a non-retryable
// error, or when ctx is cancelled. sleep is injectable for tests.
func withRetry(ctx context.Context, maxAttempts int, backoff time.Duration, sleep func(time.Duration), op attemptFunc) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, retryable, err := op()
		if err == nil {
			return result, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err

		if attempt < maxAttempts-1 {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			sleep(backoff * (1 << attempt))
		}
	}
	return "", lastErr
}
