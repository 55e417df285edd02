package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/rpcerror"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (map[string]any, error) {
			if !limiter.Allow() {
				return nil, rpcerror.New(rpcerror.InternalError, "rate limit exceeded")
			}
			return next(ctx, call)
		}
	}
}
