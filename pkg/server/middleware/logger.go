package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/logger"
)

const loggerKey = "console_logger"

// AppLoggerMiddleware stores a request-scoped logger in the gin context.
func AppLoggerMiddleware(l logger.LogManager) gin.HandlerFunc {
	l = logger.OrNop(l)
	return func(c *gin.Context) {
		fields := []any{"log_type", "application", "route", c.FullPath()}
		if rid := logger.RequestIDFrom(c.Request.Context()); rid != "" {
			fields = append(fields, "request_id", rid)
		}
		c.Set(loggerKey, l.With(fields...))
		c.Next()
	}
}

// GetLogger returns the request-scoped logger, or a no-op logger outside
// AppLoggerMiddleware.
func GetLogger(c *gin.Context) logger.LogManager {
	if val, ok := c.Get(loggerKey); ok {
		if lm, yes := val.(logger.LogManager); yes {
			return lm
		}
	}
	return logger.NewNop()
}

// AccessLoggerMiddleware logs each request after completion. The session id
// is picked up from the request context once the session middleware ran.
func AccessLoggerMiddleware(l logger.LogManager) gin.HandlerFunc {
	l = logger.OrNop(l)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ctx := c.Request.Context()
		fields := []any{
			"log_type", "access",
			"ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"size", c.Writer.Size(),
		}
		if rid := logger.RequestIDFrom(ctx); rid != "" {
			fields = append(fields, "request_id", rid)
		}
		if sid := logger.SessionIDFrom(ctx); sid != "" {
			fields = append(fields, "session_id", sid)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "error", c.Errors.Last().Error())
		}

		entry := l.With(fields...)
		switch {
		case status >= 500:
			entry.ErrorF("request failed")
		case status >= 400:
			entry.WarnF("request rejected")
		default:
			entry.InfoF("request served")
		}
	}
}
