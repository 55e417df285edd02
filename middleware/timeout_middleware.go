package middleware

import (
	"context"
	"time"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/rpcerror"
)

// TimeOutMiddleware bounds the whole call, including spawning and the handshake.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (map[string]any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result map[string]any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				// a panic here is out of reach of the caller's recover
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{nil, rpcerror.Normalize(r)}
					}
				}()
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, rpcerror.Newf(rpcerror.RequestTimeout, "Request timed out after %s", timeout)
			}
		}
	}
}
