package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"abepay.com/pkg/common"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/xerr"
)

// CtxKeyOperator holds the operator name taken from X-Operator on admin routes.
const CtxKeyOperator = "operator"

// BearerToken admits requests carrying "Authorization: Bearer <token>". An empty token
// locks the group entirely.
func BearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.Warn(c.Request.Context(), "admin request unauthorized",
				zap.String("ip", c.ClientIP()), zap.String("path", c.Request.URL.Path))
			common.Fail(c, http.StatusUnauthorized, xerr.Unauthorized, xerr.MapErrMsg(xerr.Unauthorized))
			c.Abort()
			return
		}
		op := c.GetHeader("X-Operator")
		if op == "" {
			op = "admin"
		}
		c.Set(CtxKeyOperator, op)
		c.Next()
	}
}
