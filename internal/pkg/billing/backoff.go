package billing

import "time"

// MaxAttempts is the total number of processing attempts before an event is
// permanently failed.
const MaxAttempts = 5

// retryDelays maps the 1-indexed failed-attempt number to the delay before
// the next try. Attempts past the table reuse the last entry.
var retryDelays = []time.Duration{
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// RetryDelay returns the backoff delay after the given failed attempt
// (1-indexed). Out-of-range attempts are clamped to the table bounds.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryDelays) {
		attempt = len(retryDelays)
	}
	return retryDelays[attempt-1]
}
