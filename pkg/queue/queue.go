package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueCampaigns is the queue name for campaign jobs.
	QueueCampaigns = "campaigns"
	// KeyPrefix namespaces every queue key in Redis.
	KeyPrefix = "mailer:"
	// DefaultLockDuration is how long a dequeued job stays owned without ExtendLock.
	DefaultLockDuration = 30 * time.Second
	// MaxStalledCount is how many times a job may be recovered from a dead worker before it fails.
	MaxStalledCount = 1
	// RetryBackoff is the pause after a dequeue error.
	RetryBackoff = 5 * time.Second
)

var (
	// ErrLockLost means another worker (or the stall checker) took the job.
	ErrLockLost = errors.New("job lock lost")
	// ErrQueueClosed is returned by Dequeue after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// extendLockScript renews a lock only if it still holds our token.
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// finalizeScript moves a job out of the active list only while the caller owns it.
// An empty token (stall recovery) requires that no lock exists at all.
// ARGV: token, job id, mode (delete|store|delay|fail), job JSON, delayed score.
var finalizeScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
	if cur then return 0 end
elseif cur ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("LREM", KEYS[2], 1, ARGV[2])
if ARGV[3] == "delete" then
	redis.call("DEL", KEYS[3])
else
	redis.call("SET", KEYS[3], ARGV[4])
end
if ARGV[3] == "delay" then
	redis.call("ZADD", KEYS[4], ARGV[5], ARGV[2])
elseif ARGV[3] == "fail" then
	redis.call("LPUSH", KEYS[4], ARGV[2])
end
return 1
`)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeCampaign JobType = "campaign"
)

// JobState is the lifecycle position of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Conn yields the live Redis client. Implemented by pkg/redis Client and Handle.
type Conn interface {
	Redis() *redis.Client
}

// Job is a generic job envelope.
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Opts         JobOptions      `json:"opts"`
	AttemptsMade int             `json:"attempts_made"`
	StalledCount int             `json:"stalled_count"`
	State        JobState        `json:"state"`
	FailedReason string          `json:"failed_reason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`

	token string
}

// Queue is a durable Redis-backed job queue with delayed retries and stall recovery.
type Queue struct {
	conn         Conn
	name         string
	events       *EventBus
	logger       *zap.Logger
	lockDuration time.Duration
	now          func() time.Time
	closed       atomic.Bool
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLockDuration overrides DefaultLockDuration.
func WithLockDuration(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lockDuration = d
		}
	}
}

// WithEvents attaches a lifecycle event bus.
func WithEvents(b *EventBus) Option {
	return func(q *Queue) { q.events = b }
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(conn Conn, name string, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		conn:         conn,
		name:         name,
		logger:       logger.With(zap.String("queue", name)),
		lockDuration: DefaultLockDuration,
		now:          time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Events returns the attached event bus, possibly nil.
func (q *Queue) Events() *EventBus { return q.events }

// LockDuration returns the lock TTL applied on Dequeue.
func (q *Queue) LockDuration() time.Duration { return q.lockDuration }

func (q *Queue) key(parts ...string) string {
	k := KeyPrefix + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string  { return q.key("job", id) }
func (q *Queue) lockKey(id string) string { return q.key("lock", id) }

// Enqueue stores the payload as a new job and appends it to the wait list.
func (q *Queue) Enqueue(ctx context.Context, typ JobType, payload any, opts JobOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		Opts:      opts.normalize(),
		State:     StateWaiting,
		CreatedAt: q.now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.conn.Redis().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.jobKey(job.ID), raw, 0)
		p.RPush(ctx, q.key("wait"), job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(typ)))
	return job.ID, nil
}

// Dequeue promotes due delayed jobs, then waits up to timeout for a job and locks it.
// Returns nil, nil when no job arrived in time.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	rdb := q.conn.Redis()
	id, err := rdb.BLMove(ctx, q.key("wait"), q.key("active"), "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("blmove: %w", err)
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		q.logger.Warn("dropping job without data", zap.String("job_id", id))
		rdb.LRem(ctx, q.key("active"), 1, id)
		return nil, nil
	}

	job.token = uuid.New().String()
	now := q.now()
	job.State = StateActive
	job.ProcessedAt = &now
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.lockKey(id), job.token, q.lockDuration)
		p.SRem(ctx, q.key("stalled-check"), id)
		p.Set(ctx, q.jobKey(id), raw, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return job, nil
}

// ExtendLock renews the job lock. Returns ErrLockLost if the lock is no longer ours.
func (q *Queue) ExtendLock(ctx context.Context, job *Job) error {
	n, err := extendLockScript.Run(ctx, q.conn.Redis(), []string{q.lockKey(job.ID)}, job.token, q.lockDuration.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	q.conn.Redis().SRem(ctx, q.key("stalled-check"), job.ID)
	return nil
}

// Complete finalizes a job that processed successfully.
func (q *Queue) Complete(ctx context.Context, job *Job, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := q.now()
	job.State = StateCompleted
	job.Result = body
	job.FinishedAt = &now
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	mode := "store"
	if job.Opts.RemoveOnComplete {
		mode = "delete"
	}
	if err := q.finalize(ctx, job, mode, q.key("delayed"), raw, 0); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	q.emit(ctx, Event{Type: EventCompleted, JobID: job.ID, Attempt: job.AttemptsMade + 1, Result: body, Job: job})
	return nil
}

// Fail records a failed attempt. While attempts remain the job is rescheduled
// after its backoff delay and retried is true; otherwise it moves to the failed set.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (retried bool, err error) {
	job.AttemptsMade++
	job.FailedReason = "unknown error"
	if cause != nil {
		job.FailedReason = cause.Error()
	}
	return q.fail(ctx, job, job.AttemptsMade < job.Opts.Attempts)
}

func (q *Queue) fail(ctx context.Context, job *Job, retry bool) (bool, error) {
	now := q.now()
	var readyAt time.Time
	if retry {
		readyAt = now.Add(job.Opts.BackoffDelay(job.AttemptsMade))
		job.State = StateDelayed
	} else {
		job.State = StateFailed
		job.FinishedAt = &now
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	switch {
	case retry:
		err = q.finalize(ctx, job, "delay", q.key("delayed"), raw, readyAt.UnixMilli())
	case job.Opts.RemoveOnFail:
		err = q.finalize(ctx, job, "delete", q.key("failed"), raw, 0)
	default:
		err = q.finalize(ctx, job, "fail", q.key("failed"), raw, 0)
	}
	if err != nil {
		return false, fmt.Errorf("fail: %w", err)
	}

	if retry {
		q.logger.Info("job retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempts_made", job.AttemptsMade),
			zap.Time("ready_at", readyAt),
			zap.String("reason", job.FailedReason))
		return true, nil
	}
	q.logger.Warn("job failed", zap.String("job_id", job.ID), zap.Int("attempts_made", job.AttemptsMade), zap.String("reason", job.FailedReason))
	q.emit(ctx, Event{Type: EventFailed, JobID: job.ID, Attempt: job.AttemptsMade, Error: job.FailedReason, Job: job})
	return false, nil
}

// finalize runs finalizeScript. ErrLockLost means the job now belongs to someone else.
func (q *Queue) finalize(ctx context.Context, job *Job, mode, dest string, raw []byte, score int64) error {
	keys := []string{q.lockKey(job.ID), q.key("active"), q.jobKey(job.ID), dest}
	n, err := finalizeScript.Run(ctx, q.conn.Redis(), keys, job.token, job.ID, mode, raw, score).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// RecoverStalled moves active jobs whose lock expired back to the wait list.
// A job must be seen unlocked on two consecutive checks, so a job that was just
// moved to active but not yet locked is never taken.
func (q *Queue) RecoverStalled(ctx context.Context) ([]string, error) {
	rdb := q.conn.Redis()
	candidates, err := rdb.SMembers(ctx, q.key("stalled-check")).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	if err := rdb.Del(ctx, q.key("stalled-check")).Err(); err != nil {
		return nil, fmt.Errorf("reset stalled set: %w", err)
	}

	var stalled []string
	for _, id := range candidates {
		locked, err := rdb.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return stalled, fmt.Errorf("exists: %w", err)
		}
		if locked > 0 {
			continue
		}
		job, err := q.load(ctx, id)
		if err != nil {
			return stalled, err
		}
		if job == nil {
			rdb.LRem(ctx, q.key("active"), 1, id)
			continue
		}
		if err := q.recover(ctx, job); err != nil {
			return stalled, err
		}
		stalled = append(stalled, id)
	}

	active, err := rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return stalled, fmt.Errorf("lrange: %w", err)
	}
	if len(active) > 0 {
		members := make([]any, len(active))
		for i, id := range active {
			members[i] = id
		}
		if err := rdb.SAdd(ctx, q.key("stalled-check"), members...).Err(); err != nil {
			return stalled, fmt.Errorf("sadd: %w", err)
		}
	}
	return stalled, nil
}

func (q *Queue) recover(ctx context.Context, job *Job) error {
	job.StalledCount++
	if job.StalledCount > MaxStalledCount {
		job.FailedReason = "job stalled more than allowable limit"
		_, err := q.fail(ctx, job, false)
		return err
	}

	job.State = StateWaiting
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	var removed *redis.IntCmd
	_, err = q.conn.Redis().TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.LRem(ctx, q.key("active"), 1, job.ID)
		p.Set(ctx, q.jobKey(job.ID), raw, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	// Only requeue if it was still active; Complete may have raced us.
	if removed.Val() == 0 {
		return nil
	}
	if err := q.conn.Redis().RPush(ctx, q.key("wait"), job.ID).Err(); err != nil {
		return fmt.Errorf("requeue stalled: %w", err)
	}
	q.logger.Warn("job stalled, requeued", zap.String("job_id", job.ID), zap.Int("stalled_count", job.StalledCount))
	q.emit(ctx, Event{Type: EventStalled, JobID: job.ID, Attempt: job.AttemptsMade + 1, Job: job})
	return nil
}

// promoteDelayed moves delayed jobs whose backoff has elapsed to the wait list.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	rdb := q.conn.Redis()
	due, err := rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", q.now().UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore: %w", err)
	}
	for _, id := range due {
		// ZREM decides which worker promotes a job when several race.
		n, err := rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("zrem: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := rdb.RPush(ctx, q.key("wait"), id).Err(); err != nil {
			return fmt.Errorf("promote: %w", err)
		}
	}
	return nil
}

// Get returns a stored job, or nil if it does not exist (or was removed on completion).
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.load(ctx, id)
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	raw, err := q.conn.Redis().Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Counts reports the size of each job list.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var wait, active, delayed, failed *redis.IntCmd
	_, err := q.conn.Redis().Pipelined(ctx, func(p redis.Pipeliner) error {
		wait = p.LLen(ctx, q.key("wait"))
		active = p.LLen(ctx, q.key("active"))
		delayed = p.ZCard(ctx, q.key("delayed"))
		failed = p.LLen(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("counts: %w", err)
	}
	return Counts{Waiting: wait.Val(), Active: active.Val(), Delayed: delayed.Val(), Failed: failed.Val()}, nil
}

// Close stops Dequeue from handing out new jobs. The connection is owned by the caller.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		q.logger.Info("queue closed")
	}
}

func (q *Queue) emit(ctx context.Context, e Event) {
	if q.events == nil {
		return
	}
	e.Queue = q.name
	q.events.Emit(ctx, e)
}
