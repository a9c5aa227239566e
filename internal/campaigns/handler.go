package campaigns

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/simplify-ai/campaign-mailer/internal/metrics"
	"github.com/simplify-ai/campaign-mailer/internal/models"
	"github.com/simplify-ai/campaign-mailer/pkg/queue"
	"github.com/simplify-ai/campaign-mailer/pkg/response"
)

// Handler accepts campaign submissions and reports job status.
type Handler struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewHandler creates a campaigns handler.
func NewHandler(q *queue.Queue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, logger: logger}
}

// SubmitResponse is returned by POST /campaigns.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Submit handles POST /campaigns. The campaign is queued and sent in the background.
func (h *Handler) Submit(c *gin.Context) {
	var body models.CampaignPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid campaign: "+err.Error())
		return
	}
	if strings.TrimSpace(body.HTMLContent) == "" && strings.TrimSpace(body.TextContent) == "" {
		response.BadRequest(c, "htmlContent or textContent required")
		return
	}
	if body.IP == "" {
		body.IP = c.ClientIP()
	}

	id, err := h.queue.Enqueue(c.Request.Context(), queue.JobTypeCampaign, body, queue.CampaignJobOptions())
	if err != nil {
		h.logger.Error("enqueue campaign", zap.Error(err))
		response.ServiceUnavailable(c, "failed to queue campaign")
		return
	}
	metrics.IncJob("enqueued")
	h.logger.Info("campaign queued", zap.String("job_id", id), zap.Int("recipients", len(body.Recipients)))
	response.Accepted(c, SubmitResponse{JobID: id, Status: "queued"})
}

// StatusResponse is returned by GET /campaigns/:id.
type StatusResponse struct {
	JobID        string            `json:"job_id"`
	State        queue.JobState    `json:"state"`
	AttemptsMade int               `json:"attempts_made"`
	FailedReason string            `json:"failed_reason,omitempty"`
	Result       *models.JobResult `json:"result,omitempty"`
}

// Status handles GET /campaigns/:id. Completed jobs are removed from the queue,
// so an unknown id may also mean the campaign finished.
func (h *Handler) Status(c *gin.Context) {
	job, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Internal(c, "failed to load campaign")
		return
	}
	if job == nil {
		response.NotFound(c, "campaign not found or already completed")
		return
	}
	out := StatusResponse{JobID: job.ID, State: job.State, AttemptsMade: job.AttemptsMade, FailedReason: job.FailedReason}
	if len(job.Result) > 0 {
		var res models.JobResult
		if err := json.Unmarshal(job.Result, &res); err == nil {
			out.Result = &res
		}
	}
	response.OK(c, out)
}
