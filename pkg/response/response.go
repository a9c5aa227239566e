// Package response writes the JSON envelope shared by every API handler.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes let API clients branch on a failure without parsing its message.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// Body is the API response envelope.
type Body struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Success writes data with the given 2xx status.
func Success(c *gin.Context, status int, data any) {
	c.JSON(status, Body{Success: true, Data: data})
}

// OK writes a 200 response.
func OK(c *gin.Context, data any) { Success(c, http.StatusOK, data) }

// Accepted writes a 202 for work handed to the campaign worker.
func Accepted(c *gin.Context, data any) { Success(c, http.StatusAccepted, data) }

// Error writes a failure envelope and aborts the rest of the handler chain,
// so middleware can reject a request with a single call.
func Error(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, Body{Error: msg, Code: code})
}

func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, CodeInvalidRequest, msg)
}

func Unauthorized(c *gin.Context, msg string) {
	Error(c, http.StatusUnauthorized, CodeUnauthorized, msg)
}

func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, CodeNotFound, msg)
}

// ServiceUnavailable reports a dependency outage (Redis, Postgres); clients may retry.
func ServiceUnavailable(c *gin.Context, msg string) {
	Error(c, http.StatusServiceUnavailable, CodeUnavailable, msg)
}

func Internal(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, CodeInternal, msg)
}
