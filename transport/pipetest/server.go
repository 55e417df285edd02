package pipetest

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/Datarails/mcp-outlet/message"
)

// RouteFunc handles one request method. It must reply through p unless it means to
// leave the request hanging.
type RouteFunc func(p *Process, msg *message.Message)

// Server plays a minimal MCP server: it answers initialize, swallows notifications and
// dispatches other requests to routes. Unrouted requests get MethodNotFound.
type Server struct {
	Name            string
	ProtocolVersion string
	Capabilities    map[string]any
	// InitializeError, when set, is returned instead of a handshake result.
	InitializeError *message.Error
	// InitializeResult, when set, replaces the generated handshake result.
	InitializeResult any

	mu     sync.RWMutex
	routes map[string]RouteFunc

	initializes atomic.Int32
}

func NewServer(name string) *Server {
	return &Server{
		Name:            name,
		ProtocolVersion: message.LatestProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		routes:          make(map[string]RouteFunc),
	}
}

func (s *Server) Handle(method string, fn RouteFunc) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method] = fn
	return s
}

// HandleResult registers a route that always answers with result.
func (s *Server) HandleResult(method string, result any) *Server {
	return s.Handle(method, func(p *Process, msg *message.Message) {
		_ = p.Reply(msg.ID, result)
	})
}

// Initializes reports how many initialize requests were received.
func (s *Server) Initializes() int { return int(s.initializes.Load()) }

// Launcher returns a launcher whose processes run s.
func (s *Server) Launcher() *Launcher { return NewLauncher(s.serve) }

func (s *Server) serve(p *Process, msg *message.Message) {
	switch msg.Kind() {
	case message.KindNotification, message.KindResponse, message.KindError, message.KindInvalid:
		return
	}

	if msg.Method == "initialize" {
		s.initializes.Add(1)
		if s.InitializeError != nil {
			_ = p.ReplyError(msg.ID, s.InitializeError.Code, s.InitializeError.Message, s.InitializeError.Data)
			return
		}
		_ = p.Reply(msg.ID, s.initializeResult())
		return
	}

	s.mu.RLock()
	fn, ok := s.routes[msg.Method]
	s.mu.RUnlock()
	if !ok {
		_ = p.ReplyError(msg.ID, -32601, "Method not found: "+msg.Method, nil)
		return
	}
	fn(p, msg)
}

func (s *Server) initializeResult() any {
	if s.InitializeResult != nil {
		return s.InitializeResult
	}
	return map[string]any{
		"protocolVersion": s.ProtocolVersion,
		"capabilities":    s.Capabilities,
		"serverInfo":      map[string]any{"name": s.Name, "version": "1.0.0"},
	}
}

// Params decodes msg.Params into a generic object.
func Params(msg *message.Message) map[string]any {
	var out map[string]any
	_ = json.Unmarshal(msg.Params, &out)
	return out
}
