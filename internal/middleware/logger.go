package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/caseflow/pkg/logger"
)

// Logger logs one line per request. Bodies are never logged since they
// carry patient data.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"request_id", c.GetString(ContextRequestID),
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		}
		if subject := c.GetString(ContextSubject); subject != "" {
			fields = append(fields, "subject", subject)
		}

		switch {
		case status >= 500:
			err := c.Errors.Last()
			if err != nil {
				log.Error(err.Err, "Server error", fields...)
			} else {
				log.Error(nil, "Server error", fields...)
			}
		case status >= 400:
			log.Warn("Client error", fields...)
		default:
			log.Info("Request processed", fields...)
		}
	}
}
