package queue

import "time"

// BackoffType selects how retry delays grow between job attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures the delay before a failed job is retried. Delay is in milliseconds.
type Backoff struct {
	Type  BackoffType `json:"type"`
	Delay int64       `json:"delay"`
}

// JobOptions control retry and retention for one job.
type JobOptions struct {
	Attempts         int     `json:"attempts"`
	Backoff          Backoff `json:"backoff"`
	RemoveOnComplete bool    `json:"removeOnComplete"`
	RemoveOnFail     bool    `json:"removeOnFail"`
}

// CampaignJobOptions are the options campaign jobs are submitted with:
// 7 attempts, exponential backoff from 10s, drop on success, keep on failure.
func CampaignJobOptions() JobOptions {
	return JobOptions{
		Attempts:         7,
		Backoff:          Backoff{Type: BackoffExponential, Delay: 10000},
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}
}

func (o JobOptions) normalize() JobOptions {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffFixed
	}
	if o.Backoff.Delay < 0 {
		o.Backoff.Delay = 0
	}
	return o
}

// MaxBackoff caps the delay between attempts.
const MaxBackoff = 24 * time.Hour

// BackoffDelay is the wait before the next attempt after attemptsMade failures.
func (o JobOptions) BackoffDelay(attemptsMade int) time.Duration {
	base := MaxBackoff
	if o.Backoff.Delay < MaxBackoff.Milliseconds() {
		base = time.Duration(o.Backoff.Delay) * time.Millisecond
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if o.Backoff.Type != BackoffExponential {
		return base
	}
	d := base
	for i := 1; i < attemptsMade && d > 0 && d < MaxBackoff; i++ {
		d <<= 1
	}
	return min(d, MaxBackoff)
}
