package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/monitoring"
	"github.com/Datarails/mcp-outlet/rpcerror"
)

// MetricsMiddleware records one outlet_requests_total sample per call, labelled with the
// JSON-RPC error code or "ok".
func MetricsMiddleware(m *monitoring.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (map[string]any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			code := "ok"
			if err != nil {
				code = strconv.Itoa(int(rpcerror.CodeOf(err)))
			}
			m.RecordRequest(call.Request.Method, code, time.Since(start))
			return result, err
		}
	}
}
