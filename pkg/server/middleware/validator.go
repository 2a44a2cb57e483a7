package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/validator"
)

const ValidatorKey = "console_validator"

// ValidatorMiddleware makes vi available to handlers through GetValidator.
func ValidatorMiddleware(vi validator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ValidatorKey, vi)
		c.Next()
	}
}

// GetValidator returns the request's validator, or a fresh one outside
// ValidatorMiddleware.
func GetValidator(c *gin.Context) validator.Engine {
	if v, ok := c.Get(ValidatorKey); ok {
		if vi, ok := v.(validator.Engine); ok {
			return vi
		}
	}
	return validator.New()
}
