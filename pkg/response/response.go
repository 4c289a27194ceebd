package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
)

// RequestIDKey is the gin context key holding the request id
const RequestIDKey = "request_id"

// Response represents a standard API response.
// Code is 0 on success and a string error code otherwise.
type Response struct {
	Code      any            `json:"code"`
	Message   string         `json:"message"`
	Data      any            `json:"data"`
	RequestID string         `json:"request_id"`
	Retryable *bool          `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Success sends a 200 response
func Success(c *gin.Context, data any) {
	JSON(c, http.StatusOK, "ok", data)
}

// Accepted sends a 202 response
func Accepted(c *gin.Context, message string, data any) {
	JSON(c, http.StatusAccepted, message, data)
}

// JSON sends a successful response with an explicit status and message
func JSON(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Response{
		Code:      0,
		Message:   message,
		Data:      data,
		RequestID: c.GetString(RequestIDKey),
	})
}

// Fail sends an error response derived from err
func Fail(c *gin.Context, err error) {
	e := apperr.From(err)
	if e.Code == apperr.CodeInternal {
		_ = c.Error(err)
	}
	retryable := e.Retryable
	c.AbortWithStatusJSON(e.HTTPStatus, Response{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: c.GetString(RequestIDKey),
		Retryable: &retryable,
		Details:   e.Details,
	})
}

// BadRequest sends a 400 validation response
func BadRequest(c *gin.Context, message string) {
	Fail(c, apperr.Validation("body", message))
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	Fail(c, apperr.NotFound(message))
}
