package deliverylogs

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/simplify-ai/campaign-mailer/pkg/response"
)

// Handler serves the delivery audit trail.
type Handler struct {
	repo *Repository
}

// NewHandler creates a delivery logs handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// List handles GET /deliveries?email=&job_id=&limit=.
func (h *Handler) List(c *gin.Context) {
	f := Filter{Email: c.Query("email"), JobID: c.Query("job_id")}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	logs, err := h.repo.List(c.Request.Context(), f)
	if err != nil {
		response.Internal(c, "failed to load delivery logs")
		return
	}
	response.OK(c, logs)
}
