// internal/middleware/logging_middleware.go
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"lrm-service/internal/utils"
)

// LoggingMiddleware logs every request once it has been served.
func LoggingMiddleware(logger *utils.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		duration := time.Since(startTime)

		logger.LogAPIRequest(
			c.Request.Method,
			c.FullPath(),
			c.GetString(RequestIDKey),
			c.ClientIP(),
			c.Writer.Status(),
			duration,
		)
	}
}
