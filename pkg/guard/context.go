package guard

import (
	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/session"
)

// ContextKey is a type for gin context keys set by this package.
type ContextKey string

// CtxSession holds the *session.Session resolved for the request.
const CtxSession ContextKey = "console_session"

// Attach stores the session of the current request.
func Attach(c *gin.Context, s *session.Session) {
	c.Set(string(CtxSession), s)
}

// Current returns the session attached to the request.
func Current(c *gin.Context) (*session.Session, bool) {
	val, exists := c.Get(string(CtxSession))
	if !exists {
		return nil, false
	}
	s, ok := val.(*session.Session)
	return s, ok && s != nil
}
