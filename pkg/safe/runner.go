package safe

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"go.uber.org/zap"

	"abepay.com/pkg/logger"
)

// Go runs fn on a new goroutine and logs a panic instead of crashing the process.
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx is Go with a context, so the panic log keeps the caller's trace/request ids.
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer Recover(ctx, "goroutine panic recovered")
		fn(ctx)
	}()
}

// Recover must be deferred directly. It logs the panic value and stack.
func Recover(ctx context.Context, msg string) {
	if r := recover(); r != nil {
		report(ctx, msg, r)
	}
}

func report(ctx context.Context, msg string, r interface{}) {
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, msg,
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\nstack: %s\n", msg, r, stack)
}
