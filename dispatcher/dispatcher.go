// Package dispatcher is the outlet's single entry point. Execute turns one JSON-RPC request
// into one response envelope:
//
//	decode → inputValidation (resolve server) → middleware chain → route
//	  Local:       outletHandler span, handler runs in-process
//	  Proxy:       connectToServer span, new client, Connect, executeCall span, ExecuteCall
//	  Unsupported: MethodNotFound
//	→ envelope with _meta {server, trace}
//
// Execute never panics and never returns a bare Go error: every failure becomes a JSON-RPC
// error carrying the trace.
package dispatcher

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Datarails/mcp-outlet/client"
	"github.com/Datarails/mcp-outlet/codec"
	"github.com/Datarails/mcp-outlet/logging"
	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/middleware"
	"github.com/Datarails/mcp-outlet/monitoring"
	"github.com/Datarails/mcp-outlet/registry"
	"github.com/Datarails/mcp-outlet/rpcerror"
	"github.com/Datarails/mcp-outlet/trace"
	"github.com/Datarails/mcp-outlet/transport"
)

const invalidServerMessage = "Request _meta must be including correct server configuration"

type Dispatcher struct {
	logger      *zap.Logger
	launcher    transport.Launcher
	codec       codec.Codec
	metrics     *monitoring.Metrics
	registry    registry.Registry
	callTimeout time.Duration
	grace       time.Duration
	tempBase    string
	routes      []Route
	middlewares []middleware.Middleware

	table   *routeTable
	handler middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithLauncher(l transport.Launcher) Option { return func(d *Dispatcher) { d.launcher = l } }

func WithCodec(c codec.Codec) Option { return func(d *Dispatcher) { d.codec = c } }

func WithMetrics(m *monitoring.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithRegistry enables params._meta.serverRef lookups.
func WithRegistry(r registry.Registry) Option { return func(d *Dispatcher) { d.registry = r } }

func WithCallTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.callTimeout = t } }

func WithGracePeriod(t time.Duration) Option { return func(d *Dispatcher) { d.grace = t } }

// WithTempBase is used when the runtime context carries no temp dir.
func WithTempBase(dir string) Option { return func(d *Dispatcher) { d.tempBase = dir } }

// WithRoutes replaces DefaultRoutes.
func WithRoutes(routes []Route) Option { return func(d *Dispatcher) { d.routes = routes } }

// WithMiddleware appends to the handler chain; the first one given is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) { d.middlewares = append(d.middlewares, mws...) }
}

func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:      zap.NewNop(),
		launcher:    transport.ExecLauncher{},
		codec:       &codec.JSONCodec{},
		callTimeout: client.DefaultCallTimeout,
		grace:       transport.DefaultGracePeriod,
		routes:      DefaultRoutes(),
	}
	for _, opt := range opts {
		opt(d)
	}
	table, err := newRouteTable(d.routes)
	if err != nil {
		return nil, err
	}
	d.table = table
	d.logger = logging.WithComponent(d.logger, "dispatcher")

	// built once, not per request
	d.handler = middleware.Chain(d.middlewares...)(d.businessHandler)
	return d, nil
}

// SupportedMethods lists the Local and Proxy methods in table order.
func (d *Dispatcher) SupportedMethods() []string {
	return append([]string(nil), d.table.supported...)
}

// Execute handles one request. It always returns a response, even for notifications;
// adapters decide whether to deliver it.
func (d *Dispatcher) Execute(ctx context.Context, in message.HandlerInput, rt message.RuntimeContext) (resp *message.Response) {
	start := time.Now()
	req, decodeErr := d.decode(in.Data)
	tracer := trace.New(traceID(req))
	var server *message.ServerConfiguration

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while handling request", zap.Any("panic", r), zap.Stack("stack"))
			resp = envelope(req, server, tracer, nil, rpcerror.Normalize(r))
		}
	}()

	logger := d.logger.With(zap.String("traceId", tracer.TraceID()))
	if rt.RequestID != "" {
		logger = logger.With(zap.String("requestId", rt.RequestID))
	}

	tracer.RecordSpan("inputValidation")
	if decodeErr != nil {
		d.metrics.RecordRequest("", codeLabel(decodeErr), time.Since(start))
		return envelope(req, nil, tracer, nil, decodeErr)
	}
	logger = logger.With(zap.String("method", req.Method))

	cfg, err := d.resolveServer(ctx, req)
	if err != nil {
		logger.Debug("invalid server configuration", zap.Error(err))
		rerr := rpcerror.WithReason(rpcerror.InvalidRequest, invalidServerMessage, err.Error())
		d.metrics.RecordRequest(req.Method, codeLabel(rerr), time.Since(start))
		return envelope(req, nil, tracer, nil, rerr)
	}
	server = &cfg

	if rt.TempDir == "" {
		rt.TempDir = d.tempBase
	}
	call := &message.Call{
		Request: req,
		Server:  cfg,
		Tracer:  tracer,
		Runtime: rt,
		Logger:  logger,
	}
	result, err := d.handler(ctx, call)
	if err != nil {
		return envelope(req, server, tracer, nil, rpcerror.Normalize(err))
	}
	return envelope(req, server, tracer, result, nil)
}

// businessHandler routes a validated call. It is wrapped by the middleware chain.
func (d *Dispatcher) businessHandler(ctx context.Context, call *message.Call) (map[string]any, error) {
	route, ok := d.table.lookup(call.Request.Method)
	if !ok || route.Kind == Unsupported {
		return nil, rpcerror.New(rpcerror.MethodNotFound, d.table.unsupportedMessage())
	}
	if route.Kind == Local {
		return d.runLocal(ctx, route, call)
	}
	return d.runProxy(ctx, call)
}

func (d *Dispatcher) runLocal(ctx context.Context, route Route, call *message.Call) (map[string]any, error) {
	span := call.Tracer.RecordSpan("outletHandler")

	capture := logging.NewCapture(nil)
	local := *call
	local.Logger = logging.Tee(call.Logger, capture)

	result, err := route.Handler(ctx, &local)
	if lines := capture.Lines(); len(lines) > 0 {
		span.Set("logs", lines)
	}
	if err != nil {
		span.End(err)
		return nil, err
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

func (d *Dispatcher) runProxy(ctx context.Context, call *message.Call) (map[string]any, error) {
	method := call.Request.Method
	if call.Request.IsNotification() {
		return nil, rpcerror.Newf(rpcerror.MethodNotFound, "Method not found: %s", method)
	}

	call.Tracer.RecordSpan("connectToServer")
	c := client.New(call.Server,
		client.WithLauncher(d.launcher),
		client.WithCodec(d.codec),
		client.WithLogger(call.Logger),
		client.WithMetrics(d.metrics),
		client.WithCallTimeout(d.callTimeout),
		client.WithGracePeriod(d.grace),
		client.WithTempBase(call.Runtime.TempDir),
	)
	defer func() {
		if err := c.Close(); err != nil {
			call.Logger.Debug("closing client", zap.Error(err))
		}
	}()

	if _, err := c.Connect(ctx); err != nil {
		return nil, err
	}

	call.Tracer.RecordSpan("executeCall", trace.WithData(map[string]any{"method": method}))
	return c.ExecuteCall(ctx, call.Request, client.CallOptions{Tracer: call.Tracer})
}

func (d *Dispatcher) decode(data []byte) (*message.Request, *rpcerror.Error) {
	if len(data) == 0 {
		return nil, rpcerror.WithReason(rpcerror.InvalidRequest, "Invalid Request", "empty request body")
	}
	var probe any
	if err := d.codec.Decode(data, &probe); err != nil {
		return nil, rpcerror.WithReason(rpcerror.ParseError, "Parse error", err.Error())
	}
	var req message.Request
	if err := d.codec.Decode(data, &req); err != nil {
		return nil, rpcerror.WithReason(rpcerror.InvalidRequest, "Invalid Request", err.Error())
	}
	return &req, nil
}

// resolveServer reads the server configuration from params._meta.server, or looks up
// params._meta.serverRef in the registry.
func (d *Dispatcher) resolveServer(ctx context.Context, req *message.Request) (message.ServerConfiguration, error) {
	meta, ok := req.Meta()
	if !ok {
		return message.ServerConfiguration{}, errors.New("Missing _meta in params")
	}
	if raw, ok := meta["server"]; ok && raw != nil {
		return message.ServerConfigurationFromValue(raw)
	}
	if ref, ok := meta["serverRef"].(string); ok && ref != "" {
		if d.registry == nil {
			return message.ServerConfiguration{}, errors.New("serverRef given but no server registry is configured")
		}
		return d.registry.Lookup(ctx, ref)
	}
	return message.ServerConfiguration{}, errors.New("Missing server in _meta")
}

func traceID(req *message.Request) string {
	if req != nil && len(req.ID) > 0 {
		if id := message.IDString(req.ID); id != "" && id != "null" {
			return id
		}
	}
	return uuid.NewString()
}

// envelope echoes jsonrpc and id and attaches _meta {server, trace}. Our keys replace any
// the handler or the downstream server put in _meta.
func envelope(req *message.Request, server *message.ServerConfiguration, tracer *trace.Tracer, result map[string]any, rerr *rpcerror.Error) *message.Response {
	resp := &message.Response{JSONRPC: message.JSONRPCVersion}
	if req != nil {
		if req.JSONRPC != "" {
			resp.JSONRPC = req.JSONRPC
		}
		resp.ID = req.ID
	}

	meta := map[string]any{"trace": tracer.GetTrace(rerr == nil)}
	if server != nil {
		meta["server"] = server.Map()
	}

	if rerr != nil {
		wire := rerr.Wire()
		data, _ := wire.Data.(map[string]any)
		if data == nil {
			data = make(map[string]any, 1)
		}
		data[message.MetaKey] = mergeMeta(data[message.MetaKey], meta)
		wire.Data = data
		resp.Error = wire
		return resp
	}

	out := maps.Clone(result)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[message.MetaKey] = mergeMeta(out[message.MetaKey], meta)
	resp.Result = out
	return resp
}

func mergeMeta(existing any, ours map[string]any) map[string]any {
	out := map[string]any{}
	if m, ok := existing.(map[string]any); ok {
		maps.Copy(out, m)
	}
	maps.Copy(out, ours)
	return out
}

func codeLabel(err error) string {
	return strconv.Itoa(int(rpcerror.CodeOf(err)))
}
