package middleware

import (
	"time"

	pkgerrors "execbox/pkg/errors"
	"execbox/pkg/utils/logger"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request after the handler chain runs.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		ctx := c.Request.Context()
		if c.Writer.Status() >= 500 {
			logger.Error(ctx, "http request", fields...)
			return
		}
		logger.Info(ctx, "http request", fields...)
	}
}

// Recovery converts panics into a 500 envelope.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error(c.Request.Context(), "panic recovered", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		response.AbortWithErrorCode(c, pkgerrors.InternalServerError, "internal server error")
	})
}
