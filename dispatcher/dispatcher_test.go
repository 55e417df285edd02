package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Datarails/mcp-outlet/dispatcher"
	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/middleware"
	"github.com/Datarails/mcp-outlet/monitoring"
	"github.com/Datarails/mcp-outlet/registry"
	"github.com/Datarails/mcp-outlet/rpcerror"
	"github.com/Datarails/mcp-outlet/trace"
	"github.com/Datarails/mcp-outlet/transport/pipetest"
)

const supportedList = "Rpc supporting only ping, logging/setLevel, notifications/initialized, initialize, " +
	"prompts/get, prompts/list, resources/list, resources/templates/list, resources/read, " +
	"tools/call, tools/list, completion/complete methods"

func timeServer() map[string]any {
	return map[string]any{"command": "uvx", "args": []any{"mcp-server-time"}}
}

func newDispatcher(t *testing.T, srv *pipetest.Server, opts ...dispatcher.Option) (*dispatcher.Dispatcher, *pipetest.Launcher) {
	t.Helper()
	launcher := srv.Launcher()
	base := []dispatcher.Option{
		dispatcher.WithLauncher(launcher),
		dispatcher.WithGracePeriod(200 * time.Millisecond),
		dispatcher.WithCallTimeout(2 * time.Second),
	}
	d, err := dispatcher.New(append(base, opts...)...)
	require.NoError(t, err)
	return d, launcher
}

func input(t *testing.T, req map[string]any) message.HandlerInput {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return message.HandlerInput{Data: data}
}

func rpcRequest(id any, method string, meta map[string]any, params map[string]any) map[string]any {
	p := map[string]any{}
	for k, v := range params {
		p[k] = v
	}
	if meta != nil {
		p["_meta"] = meta
	}
	req := map[string]any{"jsonrpc": "2.0", "method": method, "params": p}
	if id != nil {
		req["id"] = id
	}
	return req
}

func execute(t *testing.T, d *dispatcher.Dispatcher, req map[string]any) *message.Response {
	t.Helper()
	resp := d.Execute(context.Background(), input(t, req), message.RuntimeContext{TempDir: t.TempDir()})
	require.NotNil(t, resp)
	return resp
}

func resultMeta(t *testing.T, resp *message.Response) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	meta, ok := resp.Result[message.MetaKey].(map[string]any)
	require.True(t, ok, "result._meta missing")
	return meta
}

func errorMeta(t *testing.T, resp *message.Response) map[string]any {
	t.Helper()
	require.NotNil(t, resp.Error)
	data, ok := resp.Error.Data.(map[string]any)
	require.True(t, ok, "error.data missing")
	meta, ok := data[message.MetaKey].(map[string]any)
	require.True(t, ok, "error.data._meta missing")
	return meta
}

func traceOf(t *testing.T, meta map[string]any) trace.Trace {
	t.Helper()
	tr, ok := meta["trace"].(trace.Trace)
	require.True(t, ok, "trace is %T", meta["trace"])
	return tr
}

func seqs(tr trace.Trace) []string {
	out := make([]string, len(tr.Spans))
	for i, s := range tr.Spans {
		out[i] = s.Seq
	}
	return out
}

func TestPingIsAnsweredLocally(t *testing.T) {
	d, launcher := newDispatcher(t, pipetest.NewServer("time"))

	resp := execute(t, d, rpcRequest(1, "ping", map[string]any{"server": timeServer()}, nil))

	meta := resultMeta(t, resp)
	tr := traceOf(t, meta)
	assert.Equal(t, []string{"inputValidation", "outletHandler"}, seqs(tr))
	for _, s := range tr.Spans {
		assert.Equal(t, trace.StatusSuccess, s.Status)
		assert.NotNil(t, s.Duration)
	}
	assert.Equal(t, "uvx", meta["server"].(map[string]any)["command"])
	assert.Len(t, resp.Result, 1, "ping result only carries _meta")
	assert.Equal(t, 0, launcher.Launches())
}

func TestToolsListIsProxied(t *testing.T) {
	srv := pipetest.NewServer("time").HandleResult("tools/list", map[string]any{"tools": []any{}})
	d, launcher := newDispatcher(t, srv)

	tempBase := t.TempDir()
	resp := d.Execute(context.Background(),
		input(t, rpcRequest(2, "tools/list", map[string]any{"server": timeServer()}, nil)),
		message.RuntimeContext{TempDir: tempBase})

	meta := resultMeta(t, resp)
	assert.Equal(t, []any{}, resp.Result["tools"])

	tr := traceOf(t, meta)
	assert.Equal(t, []string{"inputValidation", "connectToServer", "executeCall"}, seqs(tr))
	span, ok := tr.Find("executeCall")
	require.True(t, ok)
	assert.Equal(t, "tools/list", span.Data["method"])
	assert.Equal(t, trace.StatusSuccess, span.Status)

	// the client is closed before Execute returns
	require.Equal(t, 1, launcher.Launches())
	select {
	case <-launcher.LastProcess().Exited():
	case <-time.After(time.Second):
		t.Fatal("server process still running")
	}
	entries, err := os.ReadDir(tempBase)
	require.NoError(t, err)
	assert.Empty(t, entries, "client temp dir removed")
}

func TestInvalidServerConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"no params", nil},
		{"no _meta", map[string]any{"name": "x"}},
		{"empty server", map[string]any{"_meta": map[string]any{"server": map[string]any{}}}},
		{"legacy meta key", map[string]any{"meta": map[string]any{"server": map[string]any{}}}},
		{"server not an object", map[string]any{"_meta": map[string]any{"server": "uvx"}}},
		{"unknown field", map[string]any{"_meta": map[string]any{"server": map[string]any{"command": "uvx", "shell": true}}}},
		{"unsupported transport", map[string]any{"_meta": map[string]any{"server": map[string]any{"command": "uvx", "type": "sse"}}}},
		{"serverRef without registry", map[string]any{"_meta": map[string]any{"serverRef": "time"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, launcher := newDispatcher(t, pipetest.NewServer("time"))
			req := map[string]any{"jsonrpc": "2.0", "id": 3, "method": "tools/list"}
			if tt.params != nil {
				req["params"] = tt.params
			}

			resp := execute(t, d, req)
			require.NotNil(t, resp.Error)
			assert.Equal(t, int(rpcerror.InvalidRequest), resp.Error.Code)
			assert.Contains(t, resp.Error.Message, "must be including correct server configuration")
			assert.NotEmpty(t, resp.Error.Data.(map[string]any)["reason"])

			meta := errorMeta(t, resp)
			assert.NotContains(t, meta, "server")
			tr := traceOf(t, meta)
			assert.Equal(t, []string{"inputValidation"}, seqs(tr))
			assert.Equal(t, trace.StatusError, tr.Spans[0].Status)
			assert.Equal(t, 0, launcher.Launches())
		})
	}
}

func TestEchoesIDAndVersion(t *testing.T) {
	d, _ := newDispatcher(t, pipetest.NewServer("time"))

	for _, id := range []any{"req-abc", 7} {
		resp := execute(t, d, rpcRequest(id, "ping", map[string]any{"server": timeServer()}, nil))
		want, _ := json.Marshal(id)
		assert.JSONEq(t, string(want), string(resp.ID))
		assert.Equal(t, "2.0", resp.JSONRPC)
		assert.Equal(t, message.IDString(want), traceOf(t, resultMeta(t, resp)).TraceID)
	}
}

func TestNotificationGetsGeneratedTraceID(t *testing.T) {
	d, _ := newDispatcher(t, pipetest.NewServer("time"))

	resp := execute(t, d, rpcRequest(nil, "notifications/initialized", map[string]any{"server": timeServer()}, nil))
	assert.Empty(t, resp.ID)
	_, err := uuid.Parse(traceOf(t, resultMeta(t, resp)).TraceID)
	assert.NoError(t, err)
}

func TestMethodNotFound(t *testing.T) {
	for _, method := range []string{"resources/subscribe", "roots/list", "tools/delete", ""} {
		t.Run(method, func(t *testing.T) {
			d, launcher := newDispatcher(t, pipetest.NewServer("time"))

			resp := execute(t, d, rpcRequest(4, method, map[string]any{"server": timeServer()}, nil))
			require.NotNil(t, resp.Error)
			assert.Equal(t, int(rpcerror.MethodNotFound), resp.Error.Code)
			assert.Equal(t, supportedList, resp.Error.Message)

			meta := errorMeta(t, resp)
			assert.Contains(t, meta, "server")
			assert.Contains(t, meta, "trace")
			assert.Equal(t, 0, launcher.Launches())
		})
	}
}

func TestSupportedMethods(t *testing.T) {
	d, _ := newDispatcher(t, pipetest.NewServer("time"))
	methods := d.SupportedMethods()
	assert.Len(t, methods, 12)
	assert.Equal(t, "ping", methods[0])
	assert.Equal(t, "completion/complete", methods[len(methods)-1])
}

func TestProxyNotificationIsRejected(t *testing.T) {
	d, launcher := newDispatcher(t, pipetest.NewServer("time"))

	resp := execute(t, d, rpcRequest(nil, "tools/list", map[string]any{"server": timeServer()}, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.MethodNotFound), resp.Error.Code)
	assert.Equal(t, "Method not found: tools/list", resp.Error.Message)
	assert.Equal(t, 0, launcher.Launches())
}

func TestSetLevel(t *testing.T) {
	d, _ := newDispatcher(t, pipetest.NewServer("time"))

	resp := execute(t, d, rpcRequest(5, "logging/setLevel", map[string]any{"server": timeServer()}, map[string]any{"level": "debug"}))
	meta := resultMeta(t, resp)
	assert.Equal(t, "debug", meta["traceLevel"])
	assert.Contains(t, meta, "trace")

	span, ok := traceOf(t, meta).Find("outletHandler")
	require.True(t, ok)
	assert.Equal(t, []string{"[INFO] trace level requested"}, span.Data["logs"])

	resp = execute(t, d, rpcRequest(6, "logging/setLevel", map[string]any{"server": timeServer()}, nil))
	assert.Equal(t, "info", resultMeta(t, resp)["traceLevel"])
}

func TestServerRefFromRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), "time", message.ServerConfiguration{
		Command: "uvx",
		Args:    []string{"mcp-server-time"},
	}))
	srv := pipetest.NewServer("time").HandleResult("tools/list", map[string]any{"tools": []any{}})
	d, launcher := newDispatcher(t, srv, dispatcher.WithRegistry(reg))

	resp := execute(t, d, rpcRequest(7, "tools/list", map[string]any{"serverRef": "time"}, nil))
	meta := resultMeta(t, resp)
	assert.Equal(t, "uvx", meta["server"].(map[string]any)["command"])

	spec, ok := launcher.LastSpec()
	require.True(t, ok)
	assert.Equal(t, "uvx", spec.Command)
	assert.Equal(t, []string{"mcp-server-time"}, spec.Args)

	// the reference is not forwarded to the server
	received := launcher.LastProcess().Received()
	forwarded := pipetest.Params(received[len(received)-1])
	assert.NotContains(t, forwarded["_meta"], "serverRef")

	resp = execute(t, d, rpcRequest(8, "tools/list", map[string]any{"serverRef": "missing"}, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.InvalidRequest), resp.Error.Code)
}

func TestDownstreamErrorPassthrough(t *testing.T) {
	srv := pipetest.NewServer("time").Handle("tools/call", func(p *pipetest.Process, msg *message.Message) {
		_ = p.ReplyError(msg.ID, -32602, "MCP error -32602: Invalid arguments for tool get_time", nil)
	})
	d, _ := newDispatcher(t, srv)

	resp := execute(t, d, rpcRequest(9, "tools/call", map[string]any{"server": timeServer()}, map[string]any{"name": "get_time"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
	assert.Equal(t, "Invalid arguments for tool get_time", resp.Error.Message)

	tr := traceOf(t, errorMeta(t, resp))
	span, ok := tr.Find("executeCall")
	require.True(t, ok)
	assert.Equal(t, trace.StatusError, span.Status)
}

func TestResultMetaIsMerged(t *testing.T) {
	child := trace.New("child", trace.WithTraceData(map[string]any{"server": "time"}))
	child.RecordSpan("lookup")
	srv := pipetest.NewServer("time").HandleResult("tools/call", map[string]any{
		"content": []any{map[string]any{"type": "text", "text": "12:00"}},
		"_meta":   map[string]any{"progress": 1, "trace": child.GetTrace(true)},
	})
	d, _ := newDispatcher(t, srv)

	resp := execute(t, d, rpcRequest(10, "tools/call", map[string]any{"server": timeServer()}, map[string]any{"name": "get_time"}))
	meta := resultMeta(t, resp)
	assert.Equal(t, float64(1), meta["progress"], "downstream _meta keys survive")

	tr := traceOf(t, meta)
	assert.Equal(t, "10", tr.TraceID, "the outlet trace replaces the downstream one")
	nested, ok := tr.Find("executeCall.lookup")
	require.True(t, ok)
	assert.Equal(t, "executeCall", *nested.ParentSeq)
	assert.Len(t, tr.Data["childTraces"], 1)
}

func TestSpawnFailure(t *testing.T) {
	d, launcher := newDispatcher(t, pipetest.NewServer("time"))
	launcher.Err = errors.New("exec: \"uvx\": executable file not found in $PATH")

	resp := execute(t, d, rpcRequest(11, "tools/list", map[string]any{"server": timeServer()}, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.InternalError), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "executable file not found")

	tr := traceOf(t, errorMeta(t, resp))
	assert.Equal(t, []string{"inputValidation", "connectToServer"}, seqs(tr))
	assert.Equal(t, trace.StatusError, tr.Spans[1].Status)
}

func TestParseError(t *testing.T) {
	d, _ := newDispatcher(t, pipetest.NewServer("time"))

	resp := d.Execute(context.Background(), message.HandlerInput{Data: []byte(`{"jsonrpc":`)}, message.RuntimeContext{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.ParseError), resp.Error.Code)
	assert.Empty(t, resp.ID)
	assert.Equal(t, "2.0", resp.JSONRPC)
	errorMeta(t, resp)

	resp = d.Execute(context.Background(), message.HandlerInput{Data: []byte(`{"method":"ping","params":[1,2]}`)}, message.RuntimeContext{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.InvalidRequest), resp.Error.Code)
}

func TestLocalHandlerFailures(t *testing.T) {
	routes := []dispatcher.Route{
		{Method: "boom", Kind: dispatcher.Local, Handler: func(context.Context, *message.Call) (map[string]any, error) {
			panic("boom")
		}},
		{Method: "reject", Kind: dispatcher.Local, Handler: func(context.Context, *message.Call) (map[string]any, error) {
			return nil, rpcerror.WithReason(rpcerror.InvalidParams, "bad level", "level must be a string")
		}},
	}
	d, _ := newDispatcher(t, pipetest.NewServer("time"), dispatcher.WithRoutes(routes))

	resp := execute(t, d, rpcRequest(12, "boom", map[string]any{"server": timeServer()}, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.InternalError), resp.Error.Code)
	assert.Equal(t, "Unknown error", resp.Error.Message)
	assert.Equal(t, "boom", resp.Error.Data.(map[string]any)["error"])
	assert.JSONEq(t, "12", string(resp.ID))
	errorMeta(t, resp)

	resp = execute(t, d, rpcRequest(13, "reject", map[string]any{"server": timeServer()}, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.InvalidParams), resp.Error.Code)
	assert.Equal(t, "level must be a string", resp.Error.Data.(map[string]any)["reason"])
	span, ok := traceOf(t, errorMeta(t, resp)).Find("outletHandler")
	require.True(t, ok)
	assert.Equal(t, trace.StatusError, span.Status)
	require.NotNil(t, span.Error)
}

func TestNewRejectsBadRoutes(t *testing.T) {
	_, err := dispatcher.New(dispatcher.WithRoutes([]dispatcher.Route{
		{Method: "ping", Kind: dispatcher.Proxy},
		{Method: "ping", Kind: dispatcher.Proxy},
	}))
	assert.Error(t, err)

	_, err = dispatcher.New(dispatcher.WithRoutes([]dispatcher.Route{{Method: "ping", Kind: dispatcher.Local}}))
	assert.Error(t, err)
}

func TestMiddlewareChain(t *testing.T) {
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	d, _ := newDispatcher(t, pipetest.NewServer("time"), dispatcher.WithMetrics(m), dispatcher.WithMiddleware(
		middleware.MetricsMiddleware(m),
		middleware.RateLimitMiddleware(0.001, 1),
	))

	resp := execute(t, d, rpcRequest(14, "ping", map[string]any{"server": timeServer()}, nil))
	assert.Nil(t, resp.Error)

	resp = execute(t, d, rpcRequest(15, "ping", map[string]any{"server": timeServer()}, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "rate limit exceeded", resp.Error.Message)

	// rejected before the chain
	execute(t, d, rpcRequest(16, "ping", nil, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ping", "-32603")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ping", "-32600")))
}

func TestTimeoutMiddlewareStillCleansUp(t *testing.T) {
	srv := pipetest.NewServer("time").Handle("tools/call", func(*pipetest.Process, *message.Message) {})
	d, launcher := newDispatcher(t, srv, dispatcher.WithMiddleware(middleware.TimeOutMiddleware(100*time.Millisecond)))

	resp := execute(t, d, rpcRequest(17, "tools/call", map[string]any{"server": timeServer()}, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.RequestTimeout), resp.Error.Code)

	select {
	case <-launcher.LastProcess().Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("server process leaked after timeout")
	}
}

func TestPanicUnderTimeoutMiddleware(t *testing.T) {
	routes := append(dispatcher.DefaultRoutes(), dispatcher.Route{
		Method: "boom", Kind: dispatcher.Local,
		Handler: func(context.Context, *message.Call) (map[string]any, error) { panic("handler bug") },
	})
	d, _ := newDispatcher(t, pipetest.NewServer("time"),
		dispatcher.WithRoutes(routes),
		dispatcher.WithMiddleware(middleware.TimeOutMiddleware(time.Second)))

	resp := execute(t, d, rpcRequest(18, "boom", map[string]any{"server": timeServer()}, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, int(rpcerror.InternalError), resp.Error.Code)
	assert.Equal(t, "Unknown error", resp.Error.Message)
	assert.Equal(t, "handler bug", resp.Error.Data.(map[string]any)["error"])
	errorMeta(t, resp)

	// the dispatcher is still serving
	resp = execute(t, d, rpcRequest(19, "ping", map[string]any{"server": timeServer()}, nil))
	assert.Nil(t, resp.Error)
}

func TestConcurrentExecute(t *testing.T) {
	srv := pipetest.NewServer("time").Handle("tools/call", func(p *pipetest.Process, msg *message.Message) {
		_ = p.Reply(msg.ID, map[string]any{"echo": pipetest.Params(msg)["name"]})
	})
	d, launcher := newDispatcher(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := uuid.NewString()
			resp := d.Execute(context.Background(),
				input(t, rpcRequest(i, "tools/call", map[string]any{"server": timeServer()}, map[string]any{"name": name})),
				message.RuntimeContext{TempDir: t.TempDir()})
			if assert.Nil(t, resp.Error) {
				assert.Equal(t, name, resp.Result["echo"])
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, launcher.Launches())
}

func BenchmarkExecutePing(b *testing.B) {
	d, err := dispatcher.New(dispatcher.WithLauncher(pipetest.NewServer("time").Launcher()))
	if err != nil {
		b.Fatal(err)
	}
	data, _ := json.Marshal(rpcRequest(1, "ping", map[string]any{"server": timeServer()}, nil))
	in := message.HandlerInput{Data: data}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if resp := d.Execute(context.Background(), in, message.RuntimeContext{}); resp.Error != nil {
			b.Fatal(resp.Error)
		}
	}
}
