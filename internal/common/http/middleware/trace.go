package middleware

import (
	"context"
	"strings"

	"execbox/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"

	// gin keys read by pkg/utils/response and the request logger
	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
	userIDContextKey    = "user_id"
)

// TraceContextMiddleware adopts X-Trace-Id and X-Request-Id from the caller or
// mints them, and echoes both back. The ids land on the gin context and on the
// request context so logger helpers pick them up.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		propagateID(c, traceIDHeader, traceIDContextKey, contextkey.TraceID)
		propagateID(c, requestIDHeader, requestIDContextKey, contextkey.RequestID)
		c.Next()
	}
}

func propagateID(c *gin.Context, header, ginKey string, ctxKey any) {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(ginKey, id)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxKey, id))
	c.Writer.Header().Set(header, id)
}
