package billing

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 5 * time.Minute},
		{attempt: 2, want: 30 * time.Minute},
		{attempt: 3, want: 2 * time.Hour},
		{attempt: 4, want: 24 * time.Hour},
		// Out-of-range attempts clamp to the table bounds.
		{attempt: 0, want: 5 * time.Minute},
		{attempt: -1, want: 5 * time.Minute},
		{attempt: 5, want: 24 * time.Hour},
		{attempt: 99, want: 24 * time.Hour},
	}

	for _, tt := range tests {
		if got := RetryDelay(tt.attempt); got != tt.want {
			t.Fatalf("RetryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
