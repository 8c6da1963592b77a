// Package domain defines retry policy for the job queue's per-attempt
// backoff (spec §4.D).
package domain

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures the job queue's exponential backoff between
// dispatch attempts of the same job: delay = InitialDelay * 2^(attempt-1),
// capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy mirrors spec §4.H defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1000 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay computes the backoff delay before the given attempt number
// (1-based: the delay preceding the first retry, after attempt 1 fails),
// by driving the same exponential-backoff machinery the upstream AI
// client uses for HTTP retries (backoff.Retry there, NextBackOff here).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialDelay
	expo.MaxInterval = p.MaxDelay
	expo.Multiplier = 2.0
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	expo.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = expo.NextBackOff()
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempts has used up the retry budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
