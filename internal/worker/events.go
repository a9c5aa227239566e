package worker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplify-ai/campaign-mailer/internal/dispatch"
	"github.com/simplify-ai/campaign-mailer/internal/models"
	"github.com/simplify-ai/campaign-mailer/pkg/queue"
)

const recordTimeout = 10 * time.Second

// RegisterLifecycleHandlers wires logging for every lifecycle event and persists
// one job_failed audit row when a campaign exhausts its attempts.
func RegisterLifecycleHandlers(bus *queue.EventBus, rec dispatch.Recorder, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus.On(queue.EventCompleted, func(e queue.Event) {
		var res models.JobResult
		_ = json.Unmarshal(e.Result, &res)
		logger.Info("campaign completed",
			zap.String("job_id", e.JobID),
			zap.Int("total", res.TotalProcessed),
			zap.Int("sent", res.SuccessCount),
			zap.Int("failed", res.FailureCount))
	})
	bus.On(queue.EventFailed, func(e queue.Event) {
		logger.Error("campaign failed", zap.String("job_id", e.JobID), zap.Int("attempts", e.Attempt), zap.String("error", e.Error))
		if rec == nil || e.Job == nil {
			return
		}
		record, ok := jobFailedRecord(e)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := rec.Record(ctx, record); err != nil {
			logger.Error("persist job failure", zap.String("job_id", e.JobID), zap.Error(err))
		}
	})
	bus.On(queue.EventStalled, func(e queue.Event) {
		logger.Warn("campaign stalled", zap.String("job_id", e.JobID), zap.Int("attempt", e.Attempt))
	})
	bus.On(queue.EventError, func(e queue.Event) {
		logger.Error("queue error", zap.String("job_id", e.JobID), zap.String("error", e.Error))
	})
}

func jobFailedRecord(e queue.Event) (models.DeliveryRecord, bool) {
	var payload models.CampaignPayload
	if err := json.Unmarshal(e.Job.Payload, &payload); err != nil {
		return models.DeliveryRecord{}, false
	}
	return models.DeliveryRecord{
		JobID:          e.JobID,
		Email:          strings.Join(payload.Emails(), ","),
		Status:         models.DeliveryStatusJobFailed,
		Error:          e.Error,
		IP:             payload.IP,
		Attempts:       e.Attempt,
		RecipientCount: len(payload.Recipients),
		CreatedAt:      time.Now(),
	}, true
}
