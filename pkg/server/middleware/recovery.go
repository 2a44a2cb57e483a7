package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
	"github.com/milan604/rtl433dp-console/pkg/logger"
	"github.com/milan604/rtl433dp-console/pkg/response"
)

// RecoveryMiddleware turns a handler panic into a 500 envelope.
func RecoveryMiddleware(l logger.LogManager) gin.HandlerFunc {
	l = logger.OrNop(l)
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			l.With("log_type", "panic", "path", c.Request.URL.Path).
				ErrorFCtx(c.Request.Context(), "panic recovered: %v\n%s", r, debug.Stack())
			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.JSONError(c, apperr.New(apperr.ErrorCodeInternal))
		}()
		c.Next()
	}
}
