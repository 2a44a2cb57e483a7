package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/response"
)

// ErrorHandlerMiddleware turns the last c.Error into an error envelope when
// the handler did not write a response itself.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		last := c.Errors.Last()
		if last == nil || last.Err == nil {
			return
		}
		response.HandleError(c, last.Err)
	}
}
