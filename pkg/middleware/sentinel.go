package middleware

import (
	"net/http"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"abepay.com/pkg/common"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/metrics"
	"abepay.com/pkg/xerr"
)

// Sentinel guards a route with the flow/breaker rules loaded for resource. A 5xx reply is
// traced as an error so error-ratio breaker rules can see it.
func Sentinel(service, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, blockErr := sentinels.Entry(resource, sentinels.WithTrafficType(base.Inbound))
		if blockErr != nil {
			logger.Warn(c.Request.Context(), "request blocked by sentinel",
				zap.String("resource", resource),
				zap.String("block_type", blockErr.BlockType().String()),
				zap.String("block_msg", blockErr.Error()),
			)
			metrics.RateLimitBlockTotal.WithLabelValues(service, resource, "sentinel").Inc()
			common.Fail(c, http.StatusTooManyRequests, xerr.TooManyRequests, "service is busy, please try again later")
			c.Abort()
			return
		}
		defer entry.Exit()

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			sentinels.TraceError(entry, errServerStatus)
		}
	}
}

var errServerStatus = xerr.NewErrCode(xerr.ServerCommonError)
