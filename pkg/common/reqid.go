package common

import (
	"context"

	"github.com/google/uuid"

	"abepay.com/pkg/logger"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = logger.RequestIdKey
)

func New() string { return uuid.NewString() }

func RequestIDFromCtx(ctx context.Context) string {
	if s, ok := ctx.Value(CtxKeyRequestID).(string); ok {
		return s
	}
	return ""
}
