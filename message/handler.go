package message

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Datarails/mcp-outlet/trace"
)

// HandlerInput is what an invocation adapter hands to the dispatcher.
type HandlerInput struct {
	Data        json.RawMessage   `json:"data"`
	Headers     map[string]string `json:"headers,omitempty"`
	PathParams  map[string]string `json:"pathParams,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
}

// RuntimeContext carries request-scoped environment. TempDir replaces a process-wide
// temp path so concurrent requests never share one.
type RuntimeContext struct {
	TempDir   string
	RequestID string
	Values    map[string]any
}

// Call is one validated request travelling through the handler chain.
type Call struct {
	Request *Request
	Server  ServerConfiguration
	Tracer  *trace.Tracer
	Runtime RuntimeContext
	Logger  *zap.Logger
}
