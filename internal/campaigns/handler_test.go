package campaigns

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/simplify-ai/campaign-mailer/internal/models"
	"github.com/simplify-ai/campaign-mailer/pkg/queue"
	redisx "github.com/simplify-ai/campaign-mailer/pkg/redis"
	"github.com/simplify-ai/campaign-mailer/pkg/response"
)

func setup(t *testing.T) (*gin.Engine, *queue.Queue) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.NewQueue(redisx.Static(rdb), queue.QueueCampaigns, zaptest.NewLogger(t))
	h := NewHandler(q, zaptest.NewLogger(t))
	r := gin.New()
	r.POST("/campaigns", h.Submit)
	r.GET("/campaigns/:id", h.Status)
	return r, q
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/campaigns", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:5555"
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitQueuesCampaign(t *testing.T) {
	r, q := setup(t)

	w := post(r, `{"recipients":[{"email":"a@example.com","firstName":"A"}],"subject":"Hi","htmlContent":"Hi {{firstName}}!"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var body struct {
		Success bool           `json:"success"`
		Data    SubmitResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "queued", body.Data.Status)

	job, err := q.Get(context.Background(), body.Data.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.CampaignJobOptions(), job.Opts)

	var payload models.CampaignPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "192.0.2.10", payload.IP, "ip defaults to the caller")
	assert.Equal(t, []string{"a@example.com"}, payload.Emails())
}

func TestSubmitKeepsSuppliedIP(t *testing.T) {
	r, q := setup(t)
	w := post(r, `{"recipients":[{"email":"a@example.com"}],"subject":"Hi","textContent":"x","ip":"203.0.113.9"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		Data SubmitResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	job, err := q.Get(context.Background(), body.Data.JobID)
	require.NoError(t, err)
	var payload models.CampaignPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "203.0.113.9", payload.IP)
}

func TestSubmitValidation(t *testing.T) {
	r, q := setup(t)
	cases := map[string]string{
		"no recipients": `{"recipients":[],"subject":"s","htmlContent":"x"}`,
		"bad email":     `{"recipients":[{"email":"bad@@"}],"subject":"s","htmlContent":"x"}`,
		"no subject":    `{"recipients":[{"email":"a@example.com"}],"htmlContent":"x"}`,
		"no content":    `{"recipients":[{"email":"a@example.com"}],"subject":"s"}`,
		"too many images": `{"recipients":[{"email":"a@example.com"}],"subject":"s","textContent":"x",
			"uploadedImages":["1","2","3","4"]}`,
		"not json": `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := post(r, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp response.Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{}, counts)
}

func TestStatus(t *testing.T) {
	r, q := setup(t)
	ctx := context.Background()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/campaigns/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	opts := queue.CampaignJobOptions()
	opts.RemoveOnComplete = false
	id, err := q.Enqueue(ctx, queue.JobTypeCampaign, models.CampaignPayload{Subject: "s"}, opts)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, models.JobResult{Success: true, TotalProcessed: 2, SuccessCount: 1, FailureCount: 1}))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/campaigns/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data StatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, queue.StateCompleted, body.Data.State)
	require.NotNil(t, body.Data.Result)
	assert.Equal(t, 1, body.Data.Result.FailureCount)
}
