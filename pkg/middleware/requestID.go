package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"abepay.com/pkg/common"
)

// ReqId reuses the caller's X-Request-Id or mints one, and mirrors it into the request
// context so downstream logs carry it.
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		ctx := context.WithValue(c.Request.Context(), common.CtxKeyRequestID, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
