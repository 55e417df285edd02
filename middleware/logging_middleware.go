package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/rpcerror"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (map[string]any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.Request.Method),
				zap.String("command", call.Server.Command),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields,
					zap.Int("code", int(rpcerror.CodeOf(err))),
					zap.Error(err))...)
				return result, err
			}
			logger.Info("call handled", fields...)
			return result, nil
		}
	}
}
