package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/rpcerror"
)

// RetryMiddleware repeats a call that failed with a timeout or a dropped connection, waiting
// baseDelay, 2*baseDelay, 4*baseDelay... between attempts. Server-reported errors are final.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (map[string]any, error) {
			result, err := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return result, err
				}
				logger.Info("retrying call",
					zap.Int("attempt", i+1),
					zap.String("method", call.Request.Method),
					zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, rpcerror.Normalize(ctx.Err())
				}
				result, err = next(ctx, call)
			}
			return result, err
		}
	}
}

func retryable(err error) bool {
	switch rpcerror.CodeOf(err) {
	case rpcerror.RequestTimeout, rpcerror.ConnectionClosed:
		return true
	}
	return false
}
