package response

import (
	"net/http"

	"execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the JSON envelope of every API reply.
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

func write(c *gin.Context, status int, body Response) {
	if id, ok := c.Get("trace_id"); ok {
		body.TraceID, _ = id.(string)
	}
	c.JSON(status, body)
}

func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, Response{Code: errors.Success, Message: "Success", Data: data})
}

// Accepted answers requests whose work continues on the queue.
func Accepted(c *gin.Context, data interface{}) {
	write(c, http.StatusAccepted, Response{Code: errors.Success, Message: "Accepted", Data: data})
}

// Error maps err onto its code's HTTP status. Server-side failures are logged
// with the captured stack, client errors at warn.
func Error(c *gin.Context, err error) {
	e := errors.GetError(err)
	status := e.Code.HTTPStatus()

	fields := []zap.Field{zap.Int("code", int(e.Code)), zap.Error(e)}
	if e.Err != nil {
		fields = append(fields, zap.NamedError("cause", e.Err))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	ctx := c.Request.Context()
	if status >= http.StatusInternalServerError {
		logger.Error(ctx, "request failed", append(fields, zap.String("stack", e.Stack))...)
	} else {
		logger.Warn(ctx, "request rejected", fields...)
	}

	body := Response{Code: e.Code, Message: e.Error()}
	if len(e.Details) > 0 {
		body.Details = e.Details
	}
	write(c, status, body)
}

// ErrorWithCode replies with code; an empty message falls back to the code's default.
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	logger.Warn(c.Request.Context(), "request rejected", zap.Int("code", int(code)), zap.String("message", message))
	write(c, code.HTTPStatus(), Response{Code: code, Message: message})
}

func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, errors.InvalidParams, message)
}

func AbortWithError(c *gin.Context, err error) {
	c.Abort()
	Error(c, err)
}

func AbortWithErrorCode(c *gin.Context, code errors.ErrorCode, message string) {
	c.Abort()
	ErrorWithCode(c, code, message)
}
