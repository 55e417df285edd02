package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/middleware"
)

// RouteKind says where a method is answered.
type RouteKind int

const (
	// Unsupported methods are known but refused with MethodNotFound.
	Unsupported RouteKind = iota
	// Local methods are answered by the outlet itself.
	Local
	// Proxy methods are forwarded to the configured MCP server.
	Proxy
)

func (k RouteKind) String() string {
	switch k {
	case Local:
		return "local"
	case Proxy:
		return "proxy"
	default:
		return "unsupported"
	}
}

// Route maps one method name. Handler is only used by Local routes.
type Route struct {
	Method  string
	Kind    RouteKind
	Handler middleware.HandlerFunc
}

// DefaultRoutes is the outlet's method table. Order is kept in error messages.
func DefaultRoutes() []Route {
	return []Route{
		{Method: "ping", Kind: Local, Handler: handlePing},
		{Method: "logging/setLevel", Kind: Local, Handler: handleSetLevel},
		{Method: "notifications/initialized", Kind: Local, Handler: handlePing},

		{Method: "initialize", Kind: Proxy},
		{Method: "prompts/get", Kind: Proxy},
		{Method: "prompts/list", Kind: Proxy},
		{Method: "resources/list", Kind: Proxy},
		{Method: "resources/templates/list", Kind: Proxy},
		{Method: "resources/read", Kind: Proxy},
		{Method: "tools/call", Kind: Proxy},
		{Method: "tools/list", Kind: Proxy},
		{Method: "completion/complete", Kind: Proxy},

		{Method: "notifications/roots/list_changed", Kind: Unsupported},
		{Method: "resources/unsubscribe", Kind: Unsupported},
		{Method: "resources/subscribe", Kind: Unsupported},
		{Method: "sampling/createMessage", Kind: Unsupported},
		{Method: "roots/list", Kind: Unsupported},
	}
}

type routeTable struct {
	byMethod  map[string]Route
	supported []string
}

func newRouteTable(routes []Route) (*routeTable, error) {
	t := &routeTable{byMethod: make(map[string]Route, len(routes))}
	for _, r := range routes {
		if _, dup := t.byMethod[r.Method]; dup {
			return nil, fmt.Errorf("dispatcher: duplicate route %q", r.Method)
		}
		if r.Kind == Local && r.Handler == nil {
			return nil, fmt.Errorf("dispatcher: local route %q has no handler", r.Method)
		}
		t.byMethod[r.Method] = r
		if r.Kind != Unsupported {
			t.supported = append(t.supported, r.Method)
		}
	}
	return t, nil
}

func (t *routeTable) lookup(method string) (Route, bool) {
	r, ok := t.byMethod[method]
	return r, ok
}

func (t *routeTable) unsupportedMessage() string {
	return fmt.Sprintf("Rpc supporting only %s methods", strings.Join(t.supported, ", "))
}

func handlePing(context.Context, *message.Call) (map[string]any, error) {
	return map[string]any{}, nil
}

// handleSetLevel only echoes the level back; the outlet has no log level of its own to
// change per request.
func handleSetLevel(_ context.Context, call *message.Call) (map[string]any, error) {
	level := "info"
	if l, ok := call.Request.Params["level"].(string); ok && l != "" {
		level = l
	}
	call.Logger.Info("trace level requested", zap.String("level", level))
	return map[string]any{
		message.MetaKey: map[string]any{"traceLevel": level},
	}, nil
}
