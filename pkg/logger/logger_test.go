package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		zap.InfoLevel,
	)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return buffer
}

func TestLogger_Info_WithTraceAndRequestID(t *testing.T) {
	buffer := captureLog(t)

	ctx := context.WithValue(context.Background(), TraceIdKey, "test-trace-12345")
	ctx = context.WithValue(ctx, RequestIdKey, "req-1")

	Info(ctx, "deposit credited", zap.String("account", "CR1234567"), zap.Float64("amount", 100.5))

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &logEntry), "log line must be JSON")

	assert.Equal(t, "info", logEntry["level"])
	assert.Equal(t, "deposit credited", logEntry["msg"])
	assert.Equal(t, "CR1234567", logEntry["account"])
	assert.Equal(t, 100.5, logEntry["amount"])
	assert.Equal(t, "test-trace-12345", logEntry["trace_id"])
	assert.Equal(t, "req-1", logEntry["request_id"])
}

func TestLogger_Error_NoTraceID(t *testing.T) {
	buffer := captureLog(t)

	Error(context.Background(), "mysql unavailable", zap.String("db", "mysql"))

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &logEntry))

	_, exists := logEntry["trace_id"]
	assert.False(t, exists, "no trace_id expected without one in the context")
	assert.Equal(t, "error", logEntry["level"])
}

func TestLogger_NilLogIsSafe(t *testing.T) {
	prev := Log
	Log = nil
	t.Cleanup(func() { Log = prev })

	assert.NotPanics(t, func() {
		Warn(context.Background(), "before init")
		Sync()
	})
}
