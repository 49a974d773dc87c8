package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	appErrors "github.com/learnhub/enrollment-api/pkg/errors"
	"github.com/learnhub/enrollment-api/pkg/response"
)

// ServiceKey guards internal routes with a shared-secret header used by
// trusted backend services such as the payment processor.
func ServiceKey(header, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "service access is not configured"))
			c.Abort()
			return
		}

		provided := c.GetHeader(header)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid service credentials"))
			c.Abort()
			return
		}
		c.Next()
	}
}
