package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simplify-ai/campaign-mailer/internal/metrics"
	"github.com/simplify-ai/campaign-mailer/internal/models"
	"github.com/simplify-ai/campaign-mailer/internal/render"
)

// DefaultConcurrency caps in-flight recipient operations per campaign.
// Matches the default SMTP pool size.
const DefaultConcurrency = 100

// ErrInvalidRecipient is recorded for addresses rejected before any send.
var ErrInvalidRecipient = errors.New("invalid recipient address")

// Transport delivers one personalized message.
type Transport interface {
	Send(ctx context.Context, to models.Recipient, msg render.Message) error
}

// Validator decides whether an address is worth a send attempt.
type Validator interface {
	Validate(ctx context.Context, email string) bool
}

// Recorder persists a recipient's terminal outcome.
type Recorder interface {
	Record(ctx context.Context, rec models.DeliveryRecord) error
}

// Campaign is one fan-out: a prepared message and its recipients.
type Campaign struct {
	JobID      string
	IP         string
	Message    render.Message
	Recipients []models.Recipient
}

// Result aggregates per-recipient outcomes.
type Result struct {
	TotalProcessed int
	SuccessCount   int
	FailureCount   int
}

// Dispatcher sends a campaign to every recipient under a concurrency cap,
// retrying transport failures per recipient.
type Dispatcher struct {
	transport   Transport
	validator   Validator
	recorder    Recorder
	policy      RetryPolicy
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(t Transport, v Validator, r Recorder, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		transport:   t,
		validator:   v,
		recorder:    r,
		policy:      DefaultRetryPolicy(),
		concurrency: DefaultConcurrency,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch sends to every recipient and waits for all of them. Recipient
// failures are recorded and counted, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, c Campaign) Result {
	var ok, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	start := d.now()
	for _, r := range c.Recipients {
		g.Go(func() error {
			defer metrics.TrackInFlight()()
			if d.deliver(ctx, c, r) {
				ok.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		TotalProcessed: len(c.Recipients),
		SuccessCount:   int(ok.Load()),
		FailureCount:   int(failed.Load()),
	}
	metrics.ObserveDispatch(d.now().Sub(start))
	d.logger.Info("campaign dispatched",
		zap.String("job_id", c.JobID),
		zap.Int("total", res.TotalProcessed),
		zap.Int("sent", res.SuccessCount),
		zap.Int("failed", res.FailureCount))
	return res
}

// deliver runs validate -> personalize -> send with retries for one recipient
// and records exactly one outcome.
func (d *Dispatcher) deliver(ctx context.Context, c Campaign, r models.Recipient) bool {
	log := d.logger.With(zap.String("job_id", c.JobID), zap.String("email", r.Email))

	if !d.validator.Validate(ctx, r.Email) {
		log.Warn("recipient failed validation, skipping")
		metrics.IncDelivery("invalid")
		d.record(ctx, c, r, 0, ErrInvalidRecipient)
		return false
	}

	msg := c.Message.For(r.FirstName)
	var err error
	attempt := 0
	for {
		attempt++
		metrics.IncDeliveryAttempt()
		if err = d.transport.Send(ctx, r, msg); err == nil {
			metrics.IncDelivery(models.DeliveryStatusSent)
			d.record(ctx, c, r, attempt, nil)
			return true
		}
		if d.policy.GiveUp(attempt) {
			log.Error("send failed, giving up", zap.Int("attempt", attempt), zap.Error(err))
			break
		}
		delay := d.policy.Delay(attempt)
		log.Warn("send failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if serr := d.sleep(ctx, delay); serr != nil {
			log.Warn("retry wait interrupted", zap.Int("attempt", attempt), zap.Error(serr))
			err = fmt.Errorf("%w (retry aborted: %v)", err, serr)
			break
		}
	}
	metrics.IncDelivery(models.DeliveryStatusFailed)
	d.record(ctx, c, r, attempt, err)
	return false
}

func (d *Dispatcher) record(ctx context.Context, c Campaign, r models.Recipient, attempts int, sendErr error) {
	now := d.now()
	rec := models.DeliveryRecord{
		JobID:          c.JobID,
		Email:          r.Email,
		IP:             c.IP,
		Attempts:       attempts,
		RecipientCount: 1,
		CreatedAt:      now,
	}
	if sendErr == nil {
		rec.Status = models.DeliveryStatusSent
		rec.SentAt = &now
	} else {
		rec.Status = models.DeliveryStatusFailed
		rec.Error = sendErr.Error()
	}
	// Outcome writes must survive job cancellation.
	if err := d.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Error("record delivery outcome failed", zap.String("job_id", c.JobID), zap.String("email", r.Email), zap.Error(err))
	}
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
