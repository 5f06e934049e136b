package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"abepay.com/pkg/logger"
	"abepay.com/pkg/xerr"
)

// Response is the envelope of every JSON API reply except the gateway webhooks, which
// answer in the gateway's own format.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr answers with the code and client-safe message carried by err (see xerr.Wrap).
// Only the log line sees the underlying cause.
func FailErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	status := xerr.HTTPStatus(code)

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "http error", fields...)
	} else {
		logger.Warn(c.Request.Context(), "http error", fields...)
	}
	Fail(c, status, code, xerr.MessageOf(err))
}
