package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/monitoring"
	"github.com/Datarails/mcp-outlet/rpcerror"
)

func newCall(method string) *message.Call {
	return &message.Call{
		Request: &message.Request{JSONRPC: "2.0", ID: message.IntID(1), Method: method},
		Server:  message.ServerConfiguration{Command: "node"},
	}
}

// echoHandler answers immediately with the method name.
func echoHandler(_ context.Context, call *message.Call) (map[string]any, error) {
	return map[string]any{"method": call.Request.Method}, nil
}

func slowHandler(ctx context.Context, call *message.Call) (map[string]any, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return echoHandler(ctx, call)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flakyHandler fails with err for the first n calls.
func flakyHandler(n int32, err error, calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, call *message.Call) (map[string]any, error) {
		if calls.Add(1) <= n {
			return nil, err
		}
		return echoHandler(ctx, call)
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	failing := func(context.Context, *message.Call) (map[string]any, error) {
		return nil, rpcerror.New(rpcerror.InvalidParams, "bad")
	}

	res, err := LoggingMiddleware(zap.New(core))(echoHandler)(context.Background(), newCall("tools/list"))
	require.NoError(t, err)
	assert.Equal(t, "tools/list", res["method"])

	_, err = LoggingMiddleware(zap.New(core))(failing)(context.Background(), newCall("tools/call"))
	require.Error(t, err)

	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, "call handled", entries[0].Message)
	assert.Equal(t, "tools/list", entries[0].ContextMap()["method"])
	assert.Equal(t, "call failed", entries[1].Message)
	assert.Equal(t, int64(rpcerror.InvalidParams), entries[1].ContextMap()["code"])
}

func TestTimeoutPass(t *testing.T) {
	res, err := TimeOutMiddleware(500*time.Millisecond)(echoHandler)(context.Background(), newCall("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", res["method"])
}

func TestTimeoutExceeded(t *testing.T) {
	_, err := TimeOutMiddleware(50*time.Millisecond)(slowHandler)(context.Background(), newCall("tools/call"))
	assert.Equal(t, rpcerror.RequestTimeout, rpcerror.CodeOf(err))
}

func TestTimeoutRecoversPanic(t *testing.T) {
	panicking := func(context.Context, *message.Call) (map[string]any, error) {
		panic("handler bug")
	}

	_, err := TimeOutMiddleware(time.Second)(panicking)(context.Background(), newCall("boom"))
	require.Error(t, err)
	assert.Equal(t, rpcerror.InternalError, rpcerror.CodeOf(err))
	assert.Equal(t, "Unknown error", err.(*rpcerror.Error).Message)
}

func TestRateLimit(t *testing.T) {
	// 1/s with a burst of 2: two calls pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), newCall("ping"))
		require.NoError(t, err, "call %d", i)
	}

	_, err := handler(context.Background(), newCall("ping"))
	require.Error(t, err)
	assert.Equal(t, rpcerror.InternalError, rpcerror.CodeOf(err))
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		err       error
		wantCalls int32
		wantErr   bool
	}{
		{"timeout then success", 2, rpcerror.New(rpcerror.RequestTimeout, "Request timed out"), 3, false},
		{"connection closed then success", 1, rpcerror.New(rpcerror.ConnectionClosed, "Connection closed"), 2, false},
		{"retries exhausted", 10, rpcerror.New(rpcerror.RequestTimeout, "Request timed out"), 4, true},
		{"server error is final", 10, rpcerror.New(rpcerror.InvalidParams, "bad"), 1, true},
		{"plain error is final", 10, errors.New("boom"), 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			handler := RetryMiddleware(3, time.Millisecond, nil)(flakyHandler(tt.failures, tt.err, &calls))

			_, err := handler(context.Background(), newCall("tools/call"))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(5, time.Hour, nil)(
		flakyHandler(10, rpcerror.New(rpcerror.ConnectionClosed, "Connection closed"), &calls))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := handler(ctx, newCall("tools/call"))
	assert.Equal(t, rpcerror.RequestTimeout, rpcerror.CodeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMetrics(t *testing.T) {
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	failing := func(context.Context, *message.Call) (map[string]any, error) {
		return nil, rpcerror.New(rpcerror.MethodNotFound, "nope")
	}

	_, _ = MetricsMiddleware(m)(echoHandler)(context.Background(), newCall("ping"))
	_, _ = MetricsMiddleware(m)(failing)(context.Background(), newCall("roots/list"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("roots/list", "-32601")))
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) (map[string]any, error) {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}

	handler := Chain(mark("outer"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond), mark("inner"))(echoHandler)
	res, err := handler(context.Background(), newCall("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", res["method"])
	assert.Equal(t, []string{"outer", "inner"}, order)
}
