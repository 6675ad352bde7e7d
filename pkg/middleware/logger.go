package middleware

import (
	"fmt"
	"net/http"
	"time"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/pkg/httpapi"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			zap.L().Warn("[HTTP] request", fields...)
			return
		}
		zap.L().Debug("[HTTP] request", fields...)
	}
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		zap.L().Error("[HTTP] handler panicked", zap.String("path", c.Request.URL.Path), zap.Any("panic", rec))
		httpapi.Fail(c, errutil.Internal(fmt.Sprintf("panic: %v", rec), nil))
	})
}
