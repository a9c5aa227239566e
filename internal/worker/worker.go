package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/simplify-ai/campaign-mailer/internal/dispatch"
	"github.com/simplify-ai/campaign-mailer/internal/metrics"
	"github.com/simplify-ai/campaign-mailer/internal/models"
	"github.com/simplify-ai/campaign-mailer/internal/render"
	"github.com/simplify-ai/campaign-mailer/pkg/queue"
)

const (
	DefaultDequeueTimeout  = 5 * time.Second
	DefaultStalledInterval = 30 * time.Second
)

var (
	ErrNoRecipients = errors.New("no recipients")
	ErrNoContent    = errors.New("no email content")
)

// Dispatcher fans a prepared campaign out to its recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, c dispatch.Campaign) dispatch.Result
}

// CampaignProcessor consumes campaign jobs: validate payload, render, dispatch.
type CampaignProcessor struct {
	queue           *queue.Queue
	dispatcher      Dispatcher
	logger          *zap.Logger
	dequeueTimeout  time.Duration
	stalledInterval time.Duration
	wg              sync.WaitGroup
}

// Option customizes a CampaignProcessor.
type Option func(*CampaignProcessor)

// WithStalledInterval sets how often active jobs are checked for expired locks.
func WithStalledInterval(d time.Duration) Option {
	return func(p *CampaignProcessor) {
		if d > 0 {
			p.stalledInterval = d
		}
	}
}

// WithDequeueTimeout bounds each blocking wait for a job.
func WithDequeueTimeout(d time.Duration) Option {
	return func(p *CampaignProcessor) {
		if d > 0 {
			p.dequeueTimeout = d
		}
	}
}

// NewCampaignProcessor creates a campaign job processor.
func NewCampaignProcessor(q *queue.Queue, d Dispatcher, logger *zap.Logger, opts ...Option) *CampaignProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &CampaignProcessor{
		queue:           q,
		dispatcher:      d,
		logger:          logger,
		dequeueTimeout:  DefaultDequeueTimeout,
		stalledInterval: DefaultStalledInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process executes one campaign job. Errors fail the attempt and are retried by the queue;
// individual recipient failures are not errors.
func (p *CampaignProcessor) Process(ctx context.Context, job *queue.Job) (models.JobResult, error) {
	if job.Type != queue.JobTypeCampaign {
		return models.JobResult{}, fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload models.CampaignPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return models.JobResult{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(payload.Recipients) == 0 {
		return models.JobResult{}, ErrNoRecipients
	}
	msg, err := render.Prepare(payload.Subject, payload.HTMLContent, payload.TextContent, payload.WebsiteURL, payload.UploadedImages)
	if err != nil {
		if errors.Is(err, render.ErrNoContent) {
			return models.JobResult{}, ErrNoContent
		}
		return models.JobResult{}, fmt.Errorf("prepare message: %w", err)
	}

	p.logger.Info("processing campaign",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.AttemptsMade+1),
		zap.Int("recipients", len(payload.Recipients)))

	res := p.dispatcher.Dispatch(ctx, dispatch.Campaign{
		JobID:      job.ID,
		IP:         payload.IP,
		Message:    msg,
		Recipients: payload.Recipients,
	})
	return models.JobResult{
		Success:        true,
		TotalProcessed: res.TotalProcessed,
		SuccessCount:   res.SuccessCount,
		FailureCount:   res.FailureCount,
	}, nil
}

// Run dequeues and processes jobs until ctx is canceled. A job already taken
// runs to completion; Run returns after it finishes.
func (p *CampaignProcessor) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.checkStalled(ctx)
	}()
	defer p.wg.Wait()

	p.logger.Info("campaign worker started", zap.String("queue", p.queue.Name()))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("campaign worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				p.logger.Info("campaign worker stopping", zap.Error(err))
				return
			}
			p.reportError(ctx, "", err)
			if serr := sleepCtx(ctx, queue.RetryBackoff); serr != nil {
				return
			}
			continue
		}
		if job == nil {
			p.updateDepth(ctx)
			continue
		}
		p.handle(context.WithoutCancel(ctx), job)
		p.updateDepth(ctx)
	}
}

// handle processes one job while keeping its lock alive, then completes or fails it.
// A job whose lock was lost belongs to another worker and is left alone.
func (p *CampaignProcessor) handle(ctx context.Context, job *queue.Job) {
	logger := p.logger.With(zap.String("job_id", job.ID))
	metrics.IncJob("active")

	var lost atomic.Bool
	renewCtx, stopRenew := context.WithCancel(ctx)
	var renew sync.WaitGroup
	renew.Add(1)
	go func() {
		defer renew.Done()
		if errors.Is(p.renewLock(renewCtx, job, logger), queue.ErrLockLost) {
			lost.Store(true)
		}
	}()

	result, err := p.Process(ctx, job)
	stopRenew()
	renew.Wait()

	if lost.Load() {
		p.lockLost(logger, job)
		return
	}
	if err != nil {
		retried, ferr := p.queue.Fail(ctx, job, err)
		if errors.Is(ferr, queue.ErrLockLost) {
			p.lockLost(logger, job)
			return
		}
		if ferr != nil {
			p.reportError(ctx, job.ID, ferr)
			return
		}
		if retried {
			metrics.IncJob("retried")
			logger.Warn("campaign attempt failed", zap.Int("attempts_made", job.AttemptsMade), zap.Error(err))
			return
		}
		metrics.IncJob("failed")
		return
	}
	if cerr := p.queue.Complete(ctx, job, result); cerr != nil {
		if errors.Is(cerr, queue.ErrLockLost) {
			p.lockLost(logger, job)
			return
		}
		p.reportError(ctx, job.ID, cerr)
		return
	}
	metrics.IncJob("completed")
}

func (p *CampaignProcessor) lockLost(logger *zap.Logger, job *queue.Job) {
	metrics.IncJob("lost")
	logger.Warn("job lock lost, leaving job to its new owner", zap.Int("attempts_made", job.AttemptsMade))
}

// renewLock extends the job lock until ctx ends. It returns ErrLockLost if the
// lock was taken over, nil otherwise.
func (p *CampaignProcessor) renewLock(ctx context.Context, job *queue.Job, logger *zap.Logger) error {
	t := time.NewTicker(p.queue.LockDuration() / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.queue.ExtendLock(ctx, job); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("extend job lock failed", zap.Error(err))
				if errors.Is(err, queue.ErrLockLost) {
					return err
				}
			}
		}
	}
}

func (p *CampaignProcessor) checkStalled(ctx context.Context) {
	t := time.NewTicker(p.stalledInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stalled, err := p.queue.RecoverStalled(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.reportError(ctx, "", fmt.Errorf("recover stalled: %w", err))
				continue
			}
			for range stalled {
				metrics.IncJob("stalled")
			}
		}
	}
}

func (p *CampaignProcessor) reportError(ctx context.Context, jobID string, err error) {
	metrics.IncJob("error")
	if bus := p.queue.Events(); bus != nil {
		bus.Emit(ctx, queue.Event{Type: queue.EventError, Queue: p.queue.Name(), JobID: jobID, Error: err.Error()})
		return
	}
	p.logger.Error("queue error", zap.String("job_id", jobID), zap.Error(err))
}

func (p *CampaignProcessor) updateDepth(ctx context.Context) {
	c, err := p.queue.Counts(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(c.Waiting, c.Active, c.Delayed, c.Failed)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
