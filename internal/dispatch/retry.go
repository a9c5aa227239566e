package dispatch

import "time"

// RetryPolicy decides per-recipient transport retries. Delays grow linearly and
// are capped; this is separate from the queue's job-level exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	Step        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy allows 5 attempts waiting min(n*10s, 60s) after attempt n.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Step: 10 * time.Second, Max: 60 * time.Second}
}

// Delay is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(attempt) * p.Step
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// GiveUp reports whether no attempt follows the given failed attempt.
func (p RetryPolicy) GiveUp(attempt int) bool {
	return attempt >= p.MaxAttempts
}
