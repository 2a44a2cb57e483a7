package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/milan604/rtl433dp-console/pkg/logger"
)

const HeaderRequestID = "X-Request-ID"

const maxIncomingRequestID = 128

type RequestIDConfig struct {
	HeaderName string
	// AllowIncoming keeps a well formed id sent by a proxy in front of the console.
	AllowIncoming bool
}

func defaultRequestIDConfig() RequestIDConfig {
	return RequestIDConfig{
		HeaderName:    HeaderRequestID,
		AllowIncoming: true,
	}
}

// RequestIDMiddleware puts a request id into the request context, where the
// logger and the backend client pick it up, and echoes it in the response.
func RequestIDMiddleware(opts ...RequestIDConfig) gin.HandlerFunc {
	cfg := defaultRequestIDConfig()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	return func(c *gin.Context) {
		var reqID string
		if cfg.AllowIncoming {
			reqID = c.GetHeader(cfg.HeaderName)
			if len(reqID) > maxIncomingRequestID {
				reqID = ""
			}
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(string(logger.RequestIDKey), reqID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), reqID))
		c.Writer.Header().Set(cfg.HeaderName, reqID)
		c.Next()
	}
}
