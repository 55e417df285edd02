// Package client implements the protocol client for one MCP server.
//
// A Client spawns its server through the transport, performs the initialize handshake and
// then multiplexes calls over the server's stdio. Every call gets its own correlation id and
// a pending entry; the event loop matches responses by id, so answers may come back in any
// order:
//
//	ExecuteCall(id=1) ──┐                        ┌──→ pending[1] ──→ caller 1
//	ExecuteCall(id=2) ──┼──→ transport ──→ loop ─┤
//	                    │                        └──→ pending[2] ──→ caller 2
//	timer(id=2) ────────┴──→ removes pending[2], rejects with RequestTimeout
//
// Id 0 is reserved for the handshake.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Datarails/mcp-outlet/codec"
	"github.com/Datarails/mcp-outlet/logging"
	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/monitoring"
	"github.com/Datarails/mcp-outlet/rpcerror"
	"github.com/Datarails/mcp-outlet/trace"
	"github.com/Datarails/mcp-outlet/transport"
)

const (
	DefaultCallTimeout = 30 * time.Second
	DefaultClientName  = "mcp-outlet-go"
	DefaultVersion     = "1.0.0"

	handshakeID = 0
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Client struct {
	cfg        message.ServerConfiguration
	launcher   transport.Launcher
	codec      codec.Codec
	logger     *zap.Logger
	hub        *logging.Hub
	serverLog  *zap.Logger // receives server stderr; teed into the hub
	eventLog   *zap.Logger // event loop warnings; teed into the hub
	metrics    *monitoring.Metrics
	timeout    time.Duration
	grace      time.Duration
	tempBase   string
	clientInfo message.Implementation

	connectGroup singleflight.Group
	seq          atomic.Int64

	mu         sync.Mutex
	state      State
	closed     bool
	transport  *transport.Stdio
	loopDone   chan struct{}
	initResult *message.InitializeResult
	tempDir    string
	pending    map[int64]*pendingCall
}

type pendingCall struct {
	id     int64
	result chan callResult
	timer  *time.Timer
}

type callResult struct {
	msg *message.Message
	err error
}

type Option func(*Client)

func WithLauncher(l transport.Launcher) Option { return func(c *Client) { c.launcher = l } }

func WithCodec(cd codec.Codec) Option { return func(c *Client) { c.codec = cd } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

func WithMetrics(m *monitoring.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithCallTimeout sets the default per-call deadline.
func WithCallTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithGracePeriod is passed to the transport's Close.
func WithGracePeriod(d time.Duration) Option { return func(c *Client) { c.grace = d } }

// WithTempBase sets the directory under which the client creates its own temp dir.
func WithTempBase(dir string) Option { return func(c *Client) { c.tempBase = dir } }

func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.clientInfo = message.Implementation{Name: name, Version: version} }
}

// New builds a disconnected client. cfg is copied.
func New(cfg message.ServerConfiguration, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg.Clone(),
		launcher:   transport.ExecLauncher{},
		codec:      &codec.JSONCodec{},
		logger:     zap.NewNop(),
		hub:        logging.NewHub(),
		timeout:    DefaultCallTimeout,
		grace:      transport.DefaultGracePeriod,
		clientInfo: message.Implementation{Name: DefaultClientName, Version: DefaultVersion},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.ApplyDefaults()
	c.logger = logging.WithComponent(c.logger, "client").With(zap.String("command", c.cfg.Command))
	c.serverLog = logging.Tee(c.logger.Named("server"), c.hub)
	c.eventLog = logging.Tee(c.logger, c.hub)
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// TempDir is the directory owned by the current connection, "" when disconnected.
func (c *Client) TempDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tempDir
}

// LogHub exposes the hub behind the server logger so callers can attach their own capture.
func (c *Client) LogHub() *logging.Hub { return c.hub }

func (c *Client) cached() *message.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		return c.initResult
	}
	return nil
}

// Connect performs the handshake once. Later and concurrent callers share the first
// handshake and get its cached result without any wire traffic.
func (c *Client) Connect(ctx context.Context) (*message.InitializeResult, error) {
	if res := c.cached(); res != nil {
		return res, nil
	}
	v, err, _ := c.connectGroup.Do("connect", func() (any, error) {
		if res := c.cached(); res != nil {
			return res, nil
		}
		return c.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*message.InitializeResult), nil
}

func (c *Client) connect(ctx context.Context) (*message.InitializeResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, rpcerror.New(rpcerror.ConnectionClosed, "Client is closed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	res, err := c.handshake(ctx)
	if err != nil {
		c.teardown()
		c.logger.Warn("handshake failed", zap.Error(err))
		return nil, rpcerror.Normalize(err)
	}

	c.mu.Lock()
	if c.closed || c.pending == nil {
		c.mu.Unlock()
		c.teardown()
		return nil, rpcerror.New(rpcerror.ConnectionClosed, "Connection closed during handshake")
	}
	c.state = StateConnected
	c.initResult = res
	c.mu.Unlock()

	c.logger.Debug("connected",
		zap.String("server", res.ServerInfo.Name),
		zap.String("protocolVersion", res.ProtocolVersion))
	return res, nil
}

func (c *Client) handshake(ctx context.Context) (*message.InitializeResult, error) {
	tempDir, err := os.MkdirTemp(c.tempBase, "mcp-outlet-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	tr := transport.NewStdio(
		transport.WithLauncher(c.launcher),
		transport.WithCodec(c.codec),
		transport.WithLogger(c.serverLog),
		transport.WithGracePeriod(c.grace),
	)
	env := map[string]string{"TMPDIR": tempDir, "TEMP_FOLDER": tempDir}
	if err := tr.Start(ctx, c.cfg, env); err != nil {
		c.metrics.ProcessSpawned("error")
		_ = os.RemoveAll(tempDir)
		return nil, err
	}
	c.metrics.ProcessSpawned("ok")

	loopDone := make(chan struct{})
	c.mu.Lock()
	c.transport = tr
	c.loopDone = loopDone
	c.tempDir = tempDir
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()
	go c.eventLoop(tr, loopDone)

	init := &message.Request{
		JSONRPC: c.cfg.JSONRPC,
		ID:      message.IntID(handshakeID),
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": c.cfg.ProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": c.clientInfo.Name, "version": c.clientInfo.Version},
		},
	}
	msg, err := c.roundTrip(ctx, tr, handshakeID, init, c.timeout, c.logger)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, rpcerror.Newf(rpcerror.InternalError, "Initialize failed: %s", msg.Error.Message)
	}
	res, err := message.ParseInitializeResult(msg.Result)
	if err != nil {
		return nil, rpcerror.WithReason(rpcerror.InternalError, "Invalid initialize result", err.Error())
	}

	notify := &message.Request{JSONRPC: c.cfg.JSONRPC, Method: "notifications/initialized"}
	if err := tr.Send(notify); err != nil {
		return nil, err
	}
	return res, nil
}

// teardown closes whatever the handshake opened and returns to disconnected.
func (c *Client) teardown() {
	c.mu.Lock()
	tr, done := c.transport, c.loopDone
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
		<-done
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// CallOptions tune one ExecuteCall.
type CallOptions struct {
	// Tracer receives the call's nested trace and captured logs.
	Tracer *trace.Tracer
	// TempDir overrides the temp dir hint merged into params._meta.
	TempDir string
	// Timeout overrides the client's default call timeout.
	Timeout time.Duration
}

// ExecuteCall forwards req to the server and returns its result object. Server errors come
// back as *rpcerror.Error with the server's code. A proxied "initialize" is answered from the
// handshake result.
func (c *Client) ExecuteCall(ctx context.Context, req *message.Request, opts CallOptions) (map[string]any, error) {
	c.mu.Lock()
	state, tr, initResult, tempDir := c.state, c.transport, c.initResult, c.tempDir
	c.mu.Unlock()

	if state != StateConnected {
		return nil, rpcerror.New(rpcerror.ConnectionClosed, "Not connected")
	}
	if req.Method == "initialize" {
		return maps.Clone(initResult.Raw), nil
	}

	if opts.TempDir != "" {
		tempDir = opts.TempDir
	}
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	capture := logging.NewCapture(nil)
	detach := c.hub.Attach(capture)
	defer detach()
	callLog := logging.Tee(c.logger, capture)

	id := c.seq.Add(1)
	out := &message.Request{
		JSONRPC: c.cfg.JSONRPC,
		ID:      message.IntID(id),
		Method:  req.Method,
		Params:  forwardParams(req.Params, tempDir),
	}

	start := time.Now()
	c.metrics.CallStarted()
	msg, err := c.roundTrip(ctx, tr, id, out, timeout, callLog.With(zap.String("method", req.Method)))
	c.metrics.CallFinished()
	detach()

	extra := map[string]any{}
	if lines := capture.Lines(); len(lines) > 0 {
		extra["logs"] = lines
	}

	var result map[string]any
	if err == nil {
		if msg.Error != nil {
			err = rpcerror.FromWire(msg.Error)
		} else {
			result, err = decodeResult(msg.Result)
		}
	}

	if err != nil {
		c.metrics.RecordProxyCall(req.Method, "error", time.Since(start))
		if opts.Tracer != nil {
			opts.Tracer.MergeChildTrace("executeCall.server", "executeCall", false, errorTrace(msg), extra)
		}
		return nil, rpcerror.Normalize(err)
	}

	c.metrics.RecordProxyCall(req.Method, "success", time.Since(start))
	if opts.Tracer != nil {
		opts.Tracer.MergeChildTrace("executeCall", "executeCall", true, metaTrace(result), extra)
	}
	return result, nil
}

// Close stops the server and rejects outstanding calls. It is safe to call at any time,
// any number of times.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	tr, done, tempDir := c.transport, c.loopDone, c.tempDir
	c.mu.Unlock()

	if tr == nil {
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
		return nil
	}
	err := tr.Close()
	<-done
	return err
}

// roundTrip registers id, sends req and waits for the matching response.
func (c *Client) roundTrip(ctx context.Context, tr *transport.Stdio, id int64, req *message.Request, timeout time.Duration, logger *zap.Logger) (*message.Message, error) {
	pc, err := c.register(id, timeout, logger)
	if err != nil {
		return nil, err
	}

	// A server that stops reading stdin blocks the write. The timer and ctx still bound
	// the call; Close unblocks the abandoned write.
	sent := make(chan error, 1)
	go func() { sent <- tr.Send(req) }()

	for {
		select {
		case err := <-sent:
			if err != nil {
				c.removePending(id)
				return nil, rpcerror.Wrap(rpcerror.ConnectionClosed, err, "Connection closed")
			}
			sent = nil
		case res := <-pc.result:
			return res.msg, res.err
		case <-ctx.Done():
			c.removePending(id)
			return nil, rpcerror.Normalize(ctx.Err())
		}
	}
}

func (c *Client) register(id int64, timeout time.Duration, logger *zap.Logger) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return nil, rpcerror.New(rpcerror.ConnectionClosed, "Connection closed")
	}
	pc := &pendingCall{id: id, result: make(chan callResult, 1)}
	pc.timer = time.AfterFunc(timeout, func() {
		if c.removePending(id) == nil {
			return
		}
		c.metrics.CallTimedOut()
		logger.Warn("call timed out", zap.Int64("id", id), zap.Duration("timeout", timeout))
		pc.result <- callResult{err: rpcerror.Newf(rpcerror.RequestTimeout, "Request timed out after %s", timeout)}
	})
	c.pending[id] = pc
	return pc, nil
}

// removePending deletes id and stops its timer. It returns nil when the call is already
// gone, so racing resolvers (response, timeout, close) resolve each call exactly once.
func (c *Client) removePending(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	pc.timer.Stop()
	return pc
}

func (c *Client) eventLoop(tr *transport.Stdio, done chan struct{}) {
	defer close(done)
	for ev := range tr.Events() {
		switch ev.Kind {
		case transport.EventMessage:
			c.onMessage(ev.Message)
		case transport.EventError:
			c.eventLog.Warn("transport error", zap.Error(ev.Err))
		case transport.EventClose:
			if ev.Err != nil {
				c.eventLog.Warn("server exited", zap.Error(ev.Err))
			}
		}
	}
	c.onClose(tr)
}

func (c *Client) onMessage(msg *message.Message) {
	switch msg.Kind() {
	case message.KindResponse, message.KindError:
		id, ok := msg.NumericID()
		if !ok {
			c.metrics.UnexpectedResponse()
			c.eventLog.Warn("response without usable id", zap.ByteString("id", msg.ID), zap.Any("error", msg.Error))
			return
		}
		pc := c.removePending(id)
		if pc == nil {
			c.metrics.UnexpectedResponse()
			c.eventLog.Warn("unexpected response id", zap.Int64("id", id))
			return
		}
		pc.result <- callResult{msg: msg}
	case message.KindNotification:
		c.logger.Debug("ignoring server notification", zap.String("method", msg.Method))
	case message.KindRequest:
		c.logger.Debug("ignoring server request", zap.String("method", msg.Method))
	default:
		c.eventLog.Warn("ignoring malformed message")
	}
}

// onClose runs once the transport is gone: every pending call is rejected, the connection
// state is cleared and the temp dir removed.
func (c *Client) onClose(tr *transport.Stdio) {
	c.mu.Lock()
	if c.transport != tr {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	tempDir := c.tempDir
	c.pending = nil
	c.transport = nil
	c.initResult = nil
	c.tempDir = ""
	c.state = StateDisconnected
	c.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.result <- callResult{err: rpcerror.New(rpcerror.ConnectionClosed, "Connection closed")}
	}
	if len(pending) > 0 {
		c.logger.Debug("rejected pending calls on close", zap.Int("count", len(pending)))
	}
	if tempDir != "" {
		if err := os.RemoveAll(tempDir); err != nil {
			c.logger.Warn("remove temp dir", zap.String("dir", tempDir), zap.Error(err))
		}
	}
}

// forwardParams copies params for the server. The outlet's own routing keys are removed
// from _meta and the temp dir hint is added.
func forwardParams(params map[string]any, tempDir string) map[string]any {
	out := maps.Clone(params)
	if out == nil {
		out = make(map[string]any, 1)
	}

	meta := map[string]any{}
	for _, key := range []string{message.LegacyMetaKey, message.MetaKey} {
		if m, ok := out[key].(map[string]any); ok {
			maps.Copy(meta, m)
		}
	}
	delete(out, message.LegacyMetaKey)
	delete(meta, "server")
	delete(meta, "serverRef")
	if tempDir != "" {
		meta["tempDir"] = tempDir
	}
	if len(meta) > 0 {
		out[message.MetaKey] = meta
	} else {
		delete(out, message.MetaKey)
	}
	return out
}

func decodeResult(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, rpcerror.WithReason(rpcerror.InternalError, "Server returned a result that is not an object", err.Error())
	}
	return out, nil
}

func metaTrace(obj map[string]any) any {
	meta, ok := obj[message.MetaKey].(map[string]any)
	if !ok {
		return nil
	}
	return meta["trace"]
}

func errorTrace(msg *message.Message) any {
	if msg == nil || msg.Error == nil {
		return nil
	}
	data, ok := msg.Error.Data.(map[string]any)
	if !ok {
		return nil
	}
	return metaTrace(data)
}
